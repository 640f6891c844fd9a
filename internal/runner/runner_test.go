package runner

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorage is a minimal in-memory taskmodel.Storage for exercising
// EnsembleRunner without a real database or subprocess.
type fakeStorage struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*taskmodel.Task
}

func newFakeStorage(tasks ...*taskmodel.Task) *fakeStorage {
	s := &fakeStorage{tasks: map[uuid.UUID]*taskmodel.Task{}}
	for _, t := range tasks {
		cp := *t
		s.tasks[t.ID] = &cp
	}
	return s
}

func (s *fakeStorage) Get(ctx context.Context, id uuid.UUID) (*taskmodel.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.tasks[id]
	return &cp, nil
}
func (s *fakeStorage) ByStates(ctx context.Context, states []taskmodel.State) ([]*taskmodel.Task, error) {
	return nil, nil
}
func (s *fakeStorage) GetRunnable(ctx context.Context, minutesLeft float64, serialOnly bool) ([]*taskmodel.Task, error) {
	return nil, nil
}
func (s *fakeStorage) Save(ctx context.Context, t *taskmodel.Task, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}
func (s *fakeStorage) BatchUpdateState(ctx context.Context, ids []uuid.UUID, newState taskmodel.State, message string) error {
	return nil
}
func (s *fakeStorage) GetApplication(ctx context.Context, name string) (*taskmodel.ApplicationDefinition, error) {
	return nil, nil
}

// setState mutates the store directly, standing in for the Ensemble
// Dispatcher's Master, which writes task transitions straight to the
// shared store rather than through this package.
func (s *fakeStorage) setState(id uuid.UUID, state taskmodel.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id].State = state
}

func testLogger() *logging.Logger {
	return logging.New(logging.Options{Level: logging.ErrorLevel, Output: io.Discard})
}

// closedProcWatcher builds a procWatcher that already reports finished,
// standing in for a dispatcher subprocess that has exited.
func closedProcWatcher(exitCode int) *procWatcher {
	w := &procWatcher{done: make(chan struct{})}
	w.exitCode = exitCode
	close(w.done)
	return w
}

// TestEnsembleRunnerUpdateTasksRefreshesFromStore covers the bug where the
// Master writes every task-state transition directly to the shared store:
// UpdateTasks must re-read each task from the store rather than rely on a
// stdout protocol the dispatcher never actually writes, or Finished
// runners look permanently stuck in their pre-run state.
func TestEnsembleRunnerUpdateTasksRefreshesFromStore(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	store := newFakeStorage(
		&taskmodel.Task{ID: id1, State: taskmodel.Running},
		&taskmodel.Task{ID: id2, State: taskmodel.Running},
	)

	r := NewEnsembleRunner(
		[]*taskmodel.Task{{ID: id1, State: taskmodel.Running}, {ID: id2, State: taskmodel.Running}},
		nil, "balsam-ensemble", nil, testLogger(),
	)
	r.proc = closedProcWatcher(0)
	r.monitor = &monitorStream{lines: make(chan string)}
	close(r.monitor.lines)

	// The Master writes the transition straight to the store, as
	// internal/ensemble/master.go's handleDone/handleError do.
	store.setState(id1, taskmodel.RunDone)
	store.setState(id2, taskmodel.RunError)

	require.NoError(t, r.UpdateTasks(context.Background(), store))

	assert.Equal(t, taskmodel.RunDone, r.tasksByID[id1.String()].State)
	assert.Equal(t, taskmodel.RunError, r.tasksByID[id2.String()].State)
	for _, task := range r.Tasks() {
		assert.Contains(t, []taskmodel.State{taskmodel.RunDone, taskmodel.RunError}, task.State)
	}
}

// TestEnsembleRunnerFinishedTracksProcessExit covers that Finished is
// driven purely by the dispatcher subprocess's exit, independent of the
// per-task refresh above.
func TestEnsembleRunnerFinishedTracksProcessExit(t *testing.T) {
	r := NewEnsembleRunner(nil, nil, "balsam-ensemble", nil, testLogger())
	running := &procWatcher{done: make(chan struct{})}
	r.proc = running
	assert.False(t, r.Finished())

	r.proc = closedProcWatcher(0)
	assert.True(t, r.Finished())
}
