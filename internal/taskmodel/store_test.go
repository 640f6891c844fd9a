package taskmodel

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorage is a minimal in-memory Storage used to exercise UpdateState's
// refresh/absorb/retry logic without a real database.
type fakeStorage struct {
	tasks map[uuid.UUID]*Task
	// conflictOnce lets a test inject a version conflict on the next Save call.
	conflictOnce bool
}

func newFakeStorage(t *Task) *fakeStorage {
	cp := *t
	return &fakeStorage{tasks: map[uuid.UUID]*Task{t.ID: &cp}}
}

func (f *fakeStorage) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStorage) ByStates(ctx context.Context, states []State) ([]*Task, error) { return nil, nil }

func (f *fakeStorage) GetRunnable(ctx context.Context, minutesLeft float64, serialOnly bool) ([]*Task, error) {
	return nil, nil
}

func (f *fakeStorage) Save(ctx context.Context, t *Task, fields []string) error {
	if f.conflictOnce {
		f.conflictOnce = false
		return VersionConflictError("fakeStorage.Save", nil)
	}
	cur := f.tasks[t.ID]
	if cur.Version != t.Version {
		return VersionConflictError("fakeStorage.Save", nil)
	}
	cp := *t
	cp.Version++
	f.tasks[t.ID] = &cp
	*t = cp
	return nil
}

func (f *fakeStorage) BatchUpdateState(ctx context.Context, ids []uuid.UUID, newState State, message string) error {
	return nil
}

func (f *fakeStorage) GetApplication(ctx context.Context, name string) (*ApplicationDefinition, error) {
	return nil, nil
}

func TestUpdateStateHappyPath(t *testing.T) {
	id := uuid.New()
	store := newFakeStorage(&Task{ID: id, State: StagedIn, Version: 0})
	task := &Task{ID: id, State: StagedIn, Version: 0}

	err := UpdateState(context.Background(), store, task, Preprocessed, "ran preprocess")
	require.NoError(t, err)
	assert.Equal(t, Preprocessed, task.State)
	assert.Contains(t, task.RecentStateLine(), string(Preprocessed))
	assert.Equal(t, int64(1), task.Version)
}

func TestUpdateStateRejectsInvalidLabel(t *testing.T) {
	id := uuid.New()
	store := newFakeStorage(&Task{ID: id, State: Created})
	task := &Task{ID: id, State: Created}

	err := UpdateState(context.Background(), store, task, State("BOGUS"), "x")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidState))
}

// TestUpdateStateRespectsUserKilledAbsorbingState covers invariant 4: once a
// task is observed as USER_KILLED, any non-USER_KILLED transition is a no-op.
func TestUpdateStateRespectsUserKilledAbsorbingState(t *testing.T) {
	id := uuid.New()
	store := newFakeStorage(&Task{ID: id, State: UserKilled, Version: 3})
	task := &Task{ID: id, State: UserKilled, Version: 3}

	err := UpdateState(context.Background(), store, task, RunDone, "run finished after kill")
	require.NoError(t, err)
	assert.Equal(t, UserKilled, task.State)
	assert.Equal(t, int64(3), task.Version, "no write should have happened")
}

// TestUpdateStateReportsConflictAfterLostRace covers the §4.8 retry path: the
// first Save loses the optimistic-lock race, UpdateState refreshes and
// reapplies the absorbing-state check exactly once more. Since the refreshed
// task is neither USER_KILLED nor is newState USER_KILLED, the caller gets a
// version-conflict error back rather than a silent retry-to-success.
func TestUpdateStateReportsConflictAfterLostRace(t *testing.T) {
	id := uuid.New()
	store := newFakeStorage(&Task{ID: id, State: StagedIn, Version: 0})
	store.conflictOnce = true
	task := &Task{ID: id, State: StagedIn, Version: 0}

	err := UpdateState(context.Background(), store, task, Preprocessed, "ran preprocess")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeVersionConflict))
	assert.Equal(t, StagedIn, task.State, "task reflects the freshly re-read row, not the attempted write")
}

// TestUpdateStateAppliesUserKillWhenLosingRace covers the one retry path that
// does still write: if the caller was attempting to record USER_KILLED
// itself and lost the race, it re-applies USER_KILLED against the freshly
// read version rather than giving up.
func TestUpdateStateAppliesUserKillWhenLosingRace(t *testing.T) {
	id := uuid.New()
	store := newFakeStorage(&Task{ID: id, State: StagedIn, Version: 0})
	store.conflictOnce = true
	task := &Task{ID: id, State: StagedIn, Version: 0}

	err := UpdateState(context.Background(), store, task, UserKilled, "killed by operator")
	require.NoError(t, err)
	assert.Equal(t, UserKilled, task.State)
}
