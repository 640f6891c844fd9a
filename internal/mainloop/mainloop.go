// Package mainloop implements the Main Loop (C8): the Launcher's service
// loop, startup recovery, and signal-driven shutdown coordinator
// (spec.md §4.5). Grounded on original_source's
// balsam/launcher/launcher.py main()/on_exit()/detect_dead_runners.
package mainloop

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/runner"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/Larofeticus/balsam/internal/tasksource"
	"github.com/Larofeticus/balsam/internal/transition"
	"github.com/Larofeticus/balsam/internal/worker"
)

// Config holds the Main Loop's timing knobs (SPEC_FULL.md §10, §12).
type Config struct {
	TimeLimit            time.Duration // 0 means unbounded
	RunnerCreationPeriod time.Duration
	MaxDelay             time.Duration
}

// Loop drives the service loop of spec.md §4.5.
type Loop struct {
	cfg    Config
	store  taskmodel.Storage
	source tasksource.Source
	pool   *worker.Pool
	trans  *transition.Pool
	group  *runner.Group
	log    *logging.Logger

	// wake optionally fires when the store signals a row changed (the
	// Postgres NOTIFY listener), letting the loop skip its backoff
	// instead of waiting it out. Nil for backends with no such signal.
	wake <-chan struct{}

	// onReady is invoked once, after the first iteration completes, so
	// the diagnostics server can flip /healthz to 200 (SPEC_FULL.md §4.5).
	onReady func()

	mu                 sync.Mutex
	remainingMinutes   float64
	lastRunnerCreated  time.Time

	shutdownOnce sync.Once
	readyOnce    sync.Once
	exitCode     int
}

func New(cfg Config, store taskmodel.Storage, source tasksource.Source, pool *worker.Pool, trans *transition.Pool, group *runner.Group, log *logging.Logger) *Loop {
	return &Loop{cfg: cfg, store: store, source: source, pool: pool, trans: trans, group: group, log: log}
}

// SetWake attaches a store wake-up channel (SPEC_FULL.md §4.1).
func (l *Loop) SetWake(wake <-chan struct{}) { l.wake = wake }

// SetOnReady registers a callback fired once the first service-loop
// iteration completes (SPEC_FULL.md §4.5, diagnostics /healthz).
func (l *Loop) SetOnReady(fn func()) { l.onReady = fn }

// Pool, Group, RemainingMinutes, and LastRunnerCreated implement
// diagnostics.StatusProvider (SPEC_FULL.md §4.5 /status).
func (l *Loop) Pool() *worker.Pool   { return l.pool }
func (l *Loop) Group() *runner.Group { return l.group }

func (l *Loop) RemainingMinutes() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingMinutes
}

func (l *Loop) LastRunnerCreated() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRunnerCreated
}

func (l *Loop) setStatus(remaining float64, lastCreated time.Time) {
	l.mu.Lock()
	l.remainingMinutes = remaining
	l.lastRunnerCreated = lastCreated
	l.mu.Unlock()
}

// DetectDeadRunners implements startup recovery: any task left in RUNNING
// predates this process and has no live supervisor, so it is flipped to
// RESTART_READY (spec.md §4.5).
func (l *Loop) DetectDeadRunners(ctx context.Context) error {
	running, err := l.source.ByStates(ctx, []taskmodel.State{taskmodel.Running})
	if err != nil {
		return fmt.Errorf("mainloop: detect dead runners: %w", err)
	}
	for _, t := range running {
		l.log.Infof("picked up dead running task %s: marking RESTART_READY", t.CuteID())
		if err := taskmodel.UpdateState(ctx, l.store, t, taskmodel.RestartReady, "Detected dead runner"); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the service loop until the time limit expires, the
// context is cancelled (signal-driven shutdown), or every task reaches
// an END state.
func (l *Loop) Run(ctx context.Context) error {
	delay := newDelayGenerator(l.cfg.MaxDelay)
	lastRunnerCreated := time.Now()
	deadline := time.Time{}
	if l.cfg.TimeLimit > 0 {
		deadline = time.Now().Add(l.cfg.TimeLimit)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		remaining := remainingMinutes(deadline)
		l.setStatus(remaining, lastRunnerCreated)
		l.log.Debugf("begin service loop iteration, %.1f minutes remaining", remaining)
		changed := false

		if n := l.trans.DrainCompleted(); n > 0 {
			changed = true
		}

		waiting, err := l.source.ByStates(ctx, taskmodel.WaitingStates)
		if err != nil {
			return fmt.Errorf("mainloop: list waiting tasks: %w", err)
		}
		for _, t := range waiting {
			if err := l.checkParents(ctx, t); err != nil {
				return err
			}
		}

		transitionable, err := l.source.ByStates(ctx, transitionSourceStates)
		if err != nil {
			return fmt.Errorf("mainloop: list transitionable tasks: %w", err)
		}
		for _, t := range transitionable {
			if l.trans.Submit(t.ID, t.State) {
				changed = true
				l.log.Infof("queued transition: %s in %s", t.CuteID(), t.State)
			}
		}

		anyFinished, err := l.group.UpdateAndRemoveFinished(ctx, l.store, false)
		if err != nil {
			return fmt.Errorf("mainloop: update runners: %w", err)
		}
		if anyFinished {
			changed = true
		}

		created, err := l.maybeCreateRunner(ctx, remaining, lastRunnerCreated)
		if err != nil {
			return err
		}
		if created {
			lastRunnerCreated = time.Now()
			changed = true
		}

		l.readyOnce.Do(func() {
			if l.onReady != nil {
				l.onReady()
			}
		})

		if !changed {
			delay.wait(ctx, l.wake)
		}

		total, err := l.source.Total(ctx)
		if err != nil {
			return fmt.Errorf("mainloop: count total: %w", err)
		}
		ended, err := l.source.CountByStates(ctx, taskmodel.EndStates)
		if err != nil {
			return fmt.Errorf("mainloop: count ended: %w", err)
		}
		if total > 0 && ended == total {
			l.log.Infof("no tasks to process, exiting main loop")
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			l.log.Infof("wall time exhausted, exiting main loop")
			return nil
		}
	}
}

// checkParents implements spec.md §4.5 step 2: a waiting task becomes
// READY once every parent is JOB_FINISHED, or immediately if
// wait_for_parents is false.
func (l *Loop) checkParents(ctx context.Context, t *taskmodel.Task) error {
	if !t.WaitForParents {
		if t.State != taskmodel.Ready {
			return taskmodel.UpdateState(ctx, l.store, t, taskmodel.Ready, "dependencies not required")
		}
		return nil
	}

	allFinished := true
	for _, pid := range t.Parents {
		parent, err := l.store.Get(ctx, pid)
		if err != nil {
			return fmt.Errorf("mainloop: load parent %s: %w", pid, err)
		}
		if parent.State != taskmodel.JobFinished {
			allFinished = false
			break
		}
	}

	if allFinished {
		if t.State != taskmodel.Ready {
			return taskmodel.UpdateState(ctx, l.store, t, taskmodel.Ready, "dependencies satisfied")
		}
		return nil
	}
	if t.State != taskmodel.AwaitingParents {
		return taskmodel.UpdateState(ctx, l.store, t, taskmodel.AwaitingParents, fmt.Sprintf("%d parents", len(t.Parents)))
	}
	return nil
}

// maybeCreateRunner implements the admission throttle of spec.md §4.5:
// create iff runnable tasks exist AND (period elapsed OR nothing is
// almost-runnable OR the serial backlog is big enough to not bother
// waiting for more OR there are no serial tasks at all).
func (l *Loop) maybeCreateRunner(ctx context.Context, remainingMinutes float64, lastCreated time.Time) (bool, error) {
	runnable, err := l.source.GetRunnable(ctx, remainingMinutes, false)
	if err != nil {
		return false, fmt.Errorf("mainloop: get runnable: %w", err)
	}
	if len(runnable) == 0 {
		return false, nil
	}
	running := make(map[string]bool)
	for _, id := range l.group.RunningTaskIDs() {
		running[id] = true
	}
	filtered := runnable[:0]
	for _, t := range runnable {
		if !running[t.ID.String()] {
			filtered = append(filtered, t)
		}
	}
	runnable = filtered
	if len(runnable) == 0 {
		return false, nil
	}

	almostRunnable, err := l.source.AlmostRunnableExists(ctx)
	if err != nil {
		return false, fmt.Errorf("mainloop: check almost-runnable: %w", err)
	}

	nserial := 0
	for _, t := range runnable {
		if t.NumRanks() == 1 {
			nserial++
		}
	}
	maxSerialPerEnsemble := 2 * l.pool.NodesPerWorker() * l.pool.MaxRanksPerNode()
	ensembleReady := nserial >= maxSerialPerEnsemble || nserial == 0

	periodElapsed := time.Since(lastCreated) > l.cfg.RunnerCreationPeriod
	if !(periodElapsed || !almostRunnable || ensembleReady) {
		return false, nil
	}

	err = l.group.CreateNextRunner(ctx, runnable, l.pool)
	if err == nil {
		return true, nil
	}
	if taskmodel.IsCode(err, taskmodel.CodeAdmission) {
		l.log.Debugf("admission deferred: %v", err)
		return false, nil
	}
	return false, err
}

// Shutdown runs the exit sequence exactly once (spec.md §4.5 on_exit):
// time out and collect in-flight runners, then drain the transition
// pool.
func (l *Loop) Shutdown(ctx context.Context) {
	l.shutdownOnce.Do(func() {
		l.log.Debugf("entering shutdown cleanup")
		if _, err := l.group.UpdateAndRemoveFinished(ctx, l.store, true); err != nil {
			l.log.Warnf("shutdown: timing out runners: %v", err)
		}
		l.trans.Shutdown()
		l.log.Infof("launcher exit graceful")
	})
}

// WatchSignals cancels ctx's cancel func on SIGINT/SIGTERM/SIGHUP so Run
// returns and the caller can invoke Shutdown (spec.md §4.5, §5).
func WatchSignals(cancel context.CancelFunc, log *logging.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		s := <-sigs
		log.Infof("received signal %s, shutting down", s)
		cancel()
	}()
}

// transitionSourceStates is the domain of the Transition Pool's table
// (spec.md §4.2): every source state that has a registered step.
var transitionSourceStates = []taskmodel.State{
	taskmodel.Created, taskmodel.LauncherQueued, taskmodel.StagedIn,
	taskmodel.RunDone, taskmodel.Postprocessed, taskmodel.RunTimeout, taskmodel.RunError,
}

func remainingMinutes(deadline time.Time) float64 {
	if deadline.IsZero() {
		return math.Inf(1)
	}
	return time.Until(deadline).Minutes()
}

// delayGenerator yields progressively longer sleeps when the loop has
// nothing to do, capped at maxDelay, mirroring original_source's
// delay_generator.
type delayGenerator struct {
	current time.Duration
	max     time.Duration
}

func newDelayGenerator(max time.Duration) *delayGenerator {
	if max <= 0 {
		max = 10 * time.Second
	}
	return &delayGenerator{current: 50 * time.Millisecond, max: max}
}

// wait sleeps for the current backoff, or returns early on ctx
// cancellation or a store wake-up notification (wake may be nil, e.g.
// the sqlite proxy backend has no NOTIFY equivalent).
func (d *delayGenerator) wait(ctx context.Context, wake <-chan struct{}) {
	select {
	case <-time.After(d.current):
	case <-ctx.Done():
	case <-wake:
		d.current = 50 * time.Millisecond
		return
	}
	d.current *= 2
	if d.current > d.max {
		d.current = d.max
	}
}
