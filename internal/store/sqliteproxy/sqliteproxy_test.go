package sqliteproxy

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

// startWriter boots a Writer bound to an ephemeral loopback port and returns
// its address alongside a cleanup func.
func startWriter(t *testing.T, dbPath string) (string, func()) {
	t.Helper()
	log := logging.New(logging.Options{Output: io.Discard})
	w, err := NewWriter(dbPath, "127.0.0.1:0", log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Serve(ctx)
		close(done)
	}()

	addr := w.listener.Addr().String()
	return addr, func() {
		cancel()
		<-done
		w.Close()
	}
}

func seedApplication(t *testing.T, dbPath string) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(schema)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO applications (name, executable, default_preprocess, default_postprocess)
		VALUES ('nwchem', '/opt/nwchem/bin/nwchem', '', '')`)
	require.NoError(t, err)
}

func seedTask(t *testing.T, dbPath string, task *taskmodel.Task) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(schema)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO tasks (id, name, workflow, state, state_history, version)
		VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID.String(), task.Name, task.Workflow, string(task.State), task.StateHistory, task.Version)
	require.NoError(t, err)
}

func TestClientGetRoundTrips(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "balsam.db")
	id := uuid.New()
	seedTask(t, dbPath, &taskmodel.Task{ID: id, Name: "sim1", Workflow: "wf", State: taskmodel.StagedIn, Version: 2})

	c, err := NewClient(dbPath, "127.0.0.1:1", t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "sim1", got.Name)
	assert.Equal(t, taskmodel.StagedIn, got.State)
	assert.Equal(t, int64(2), got.Version)
}

func TestClientGetApplication(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "balsam.db")
	seedApplication(t, dbPath)

	c, err := NewClient(dbPath, "127.0.0.1:1", "")
	require.NoError(t, err)
	defer c.Close()

	app, err := c.GetApplication(context.Background(), "nwchem")
	require.NoError(t, err)
	assert.Equal(t, "/opt/nwchem/bin/nwchem", app.Executable)
}

// TestSaveRoutesThroughWriterAndRefreshesVersion exercises the full
// round-trip: a Client's Save is proxied over loopback TCP to the Writer,
// which performs the optimistic-lock UPDATE and replies with the fresh row.
func TestSaveRoutesThroughWriterAndRefreshesVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "balsam.db")
	id := uuid.New()
	seedTask(t, dbPath, &taskmodel.Task{ID: id, Name: "sim1", State: taskmodel.StagedIn, Version: 0})

	addr, stop := startWriter(t, dbPath)
	defer stop()

	c, err := NewClient(dbPath, addr, t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	task, err := c.Get(context.Background(), id)
	require.NoError(t, err)

	task.AppendHistory(taskmodel.Preprocessed, "ok")
	task.State = taskmodel.Preprocessed
	err = c.Save(context.Background(), task, []string{"state", "state_history"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), task.Version)

	reread, err := c.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, taskmodel.Preprocessed, reread.State)
	assert.Equal(t, int64(1), reread.Version)
}

// TestSaveReportsVersionConflict covers the case where the caller's observed
// version is stale: the writer's UPDATE affects zero rows and the client
// must surface a CodeVersionConflict error rather than a generic failure.
func TestSaveReportsVersionConflict(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "balsam.db")
	id := uuid.New()
	seedTask(t, dbPath, &taskmodel.Task{ID: id, State: taskmodel.StagedIn, Version: 5})

	addr, stop := startWriter(t, dbPath)
	defer stop()

	c, err := NewClient(dbPath, addr, "")
	require.NoError(t, err)
	defer c.Close()

	stale := &taskmodel.Task{ID: id, State: taskmodel.Preprocessed, Version: 0}
	err = c.Save(context.Background(), stale, []string{"state"})
	require.Error(t, err)
	assert.True(t, taskmodel.IsCode(err, taskmodel.CodeVersionConflict))
}

func TestBatchUpdateStateSkipsUserKilled(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "balsam.db")
	normal := uuid.New()
	killed := uuid.New()
	seedTask(t, dbPath, &taskmodel.Task{ID: normal, State: taskmodel.StagedIn, Version: 0})
	seedTask(t, dbPath, &taskmodel.Task{ID: killed, State: taskmodel.UserKilled, Version: 0})

	addr, stop := startWriter(t, dbPath)
	defer stop()

	c, err := NewClient(dbPath, addr, "")
	require.NoError(t, err)
	defer c.Close()

	err = c.BatchUpdateState(context.Background(), []uuid.UUID{normal, killed}, taskmodel.Failed, "batch killed")
	require.NoError(t, err)

	got, err := c.Get(context.Background(), normal)
	require.NoError(t, err)
	assert.Equal(t, taskmodel.Failed, got.State)

	stillKilled, err := c.Get(context.Background(), killed)
	require.NoError(t, err)
	assert.Equal(t, taskmodel.UserKilled, stillKilled.State, "USER_KILLED is absorbing, batch must skip it")
}

// TestWriterSerializesConcurrentSaves fires N concurrent Save calls for
// independent tasks through one Writer and checks none are lost, covering
// the single-writer mutex serialization spec.md §4.8 requires.
func TestWriterSerializesConcurrentSaves(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "balsam.db")
	const n = 20
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
		seedTask(t, dbPath, &taskmodel.Task{ID: ids[i], State: taskmodel.StagedIn, Version: 0})
	}

	addr, stop := startWriter(t, dbPath)
	defer stop()

	c, err := NewClient(dbPath, addr, "")
	require.NoError(t, err)
	defer c.Close()

	errCh := make(chan error, n)
	for _, id := range ids {
		go func(id uuid.UUID) {
			task, err := c.Get(context.Background(), id)
			if err != nil {
				errCh <- err
				return
			}
			task.State = taskmodel.Preprocessed
			errCh <- c.Save(context.Background(), task, []string{"state"})
		}(id)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}

	for _, id := range ids {
		got, err := c.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, taskmodel.Preprocessed, got.State, "task %s", id)
	}
}

func TestWriterLingersPastContextCancelBeforeExiting(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "balsam.db")
	log := logging.New(logging.Options{Output: io.Discard})
	w, err := NewWriter(dbPath, "127.0.0.1:0", log)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, time.Since(start), termLinger, fmt.Sprintf("writer must linger at least %s after shutdown", termLinger))
}
