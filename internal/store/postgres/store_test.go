package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestStore boots a disposable Postgres container, applies migrations,
// and returns a ready Store.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping testcontainers-backed postgres test in -short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("balsam_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := New(ctx, &DatabaseConfig{
		ConnectionString: connStr,
		MigrationsPath:   "file://migrations",
	}, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.MigrateToLatest())
	return store
}

func TestMigrateToLatestIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	assert.NoError(t, store.MigrateToLatest(), "re-applying migrations must be a no-op")
}

func TestSaveWinsOptimisticLockAndAdvancesVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := store.pool.Exec(ctx, `INSERT INTO tasks (id, name, state, state_history, version) VALUES ($1, $2, $3, $4, $5)`,
		id, "sim1", string(taskmodel.StagedIn), "", 0)
	require.NoError(t, err)

	task, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sim1", task.Name)
	assert.Equal(t, taskmodel.StagedIn, task.State)
	assert.Equal(t, int64(0), task.Version)

	task.State = taskmodel.Preprocessed
	task.StateHistory = taskmodel.HistoryLine(taskmodel.Preprocessed, "ok")
	require.NoError(t, store.Save(ctx, task, []string{"state", "state_history"}))
	assert.Equal(t, int64(1), task.Version)

	reread, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, taskmodel.Preprocessed, reread.State)
	assert.Equal(t, int64(1), reread.Version)
}

// TestSaveLosesOptimisticLockOnStaleVersion covers spec.md §4.8: a Save
// against an out-of-date Version must affect zero rows and surface
// CodeVersionConflict rather than silently overwriting a concurrent write.
func TestSaveLosesOptimisticLockOnStaleVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := store.pool.Exec(ctx, `INSERT INTO tasks (id, state, state_history, version) VALUES ($1, $2, $3, $4)`,
		id, string(taskmodel.StagedIn), "", 5)
	require.NoError(t, err)

	stale := &taskmodel.Task{ID: id, State: taskmodel.Preprocessed, Version: 0}
	err = store.Save(ctx, stale, []string{"state"})
	require.Error(t, err)
	assert.True(t, taskmodel.IsCode(err, taskmodel.CodeVersionConflict))
}

func TestBatchUpdateStateSkipsUserKilledRows(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	normal, killed := uuid.New(), uuid.New()

	_, err := store.pool.Exec(ctx, `INSERT INTO tasks (id, state, state_history, version) VALUES
		($1, $2, '', 0), ($3, $4, '', 0)`,
		normal, string(taskmodel.StagedIn), killed, string(taskmodel.UserKilled))
	require.NoError(t, err)

	require.NoError(t, store.BatchUpdateState(ctx, []uuid.UUID{normal, killed}, taskmodel.Failed, "batch"))

	n, err := store.Get(ctx, normal)
	require.NoError(t, err)
	assert.Equal(t, taskmodel.Failed, n.State)

	k, err := store.Get(ctx, killed)
	require.NoError(t, err)
	assert.Equal(t, taskmodel.UserKilled, k.State)
}

func TestGetRunnableFiltersByWallTimeBudgetAndShape(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	fits := uuid.New()
	tooLong := uuid.New()
	parallel := uuid.New()

	rows := []struct {
		id                     uuid.UUID
		wallMinutes            float64
		numNodes, ranksPerNode int
	}{
		{fits, 10, 1, 1},
		{tooLong, 120, 1, 1},
		{parallel, 10, 4, 2},
	}
	for _, r := range rows {
		_, err := store.pool.Exec(ctx, `INSERT INTO tasks
			(id, state, state_history, version, wall_time_minutes, num_nodes, ranks_per_node)
			VALUES ($1, $2, '', 0, $3, $4, $5)`,
			r.id, string(taskmodel.Preprocessed), r.wallMinutes, r.numNodes, r.ranksPerNode)
		require.NoError(t, err)
	}

	runnable, err := store.GetRunnable(ctx, 30, true)
	require.NoError(t, err)
	ids := make([]uuid.UUID, len(runnable))
	for i, t := range runnable {
		ids[i] = t.ID
	}
	assert.Contains(t, ids, fits)
	assert.NotContains(t, ids, tooLong, "exceeds the remaining wall-time budget")
	assert.NotContains(t, ids, parallel, "serialOnly excludes multi-node/multi-rank tasks")
}

func TestGetApplicationNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetApplication(context.Background(), "does-not-exist")
	assert.Error(t, err)
}
