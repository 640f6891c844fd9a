package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/Larofeticus/balsam/internal/worker"
)

// Group maintains the active Runners, capped at MaxConcurrent, and holds
// the admission policy of spec.md §4.4. lock is shared with the
// Transition Pool: update_jobs performs composite task writes that must
// serialize with any transition-pool write to the same task.
type Group struct {
	lock *sync.Mutex
	log  *logging.Logger

	MaxConcurrent int
	EnsembleExe   string
	ResolveApp    func(name string) (*taskmodel.ApplicationDefinition, error)

	mu      sync.Mutex
	runners []Runner
}

func NewGroup(lock *sync.Mutex, maxConcurrent int, ensembleExe string, resolveApp func(string) (*taskmodel.ApplicationDefinition, error), log *logging.Logger) *Group {
	return &Group{lock: lock, MaxConcurrent: maxConcurrent, EnsembleExe: ensembleExe, ResolveApp: resolveApp, log: log}
}

func (g *Group) Runners() []Runner {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Runner, len(g.runners))
	copy(out, g.runners)
	return out
}

// RunningTaskIDs lists every task currently owned by an active runner,
// used by the Main Loop to keep those tasks out of the next runner.
func (g *Group) RunningTaskIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for _, r := range g.runners {
		for _, t := range r.Tasks() {
			ids = append(ids, t.ID.String())
		}
	}
	return ids
}

// CreateNextRunner implements the six-step admission policy of
// spec.md §4.4, grounded on original_source's
// RunnerGroup.create_next_runner.
func (g *Group) CreateNextRunner(ctx context.Context, runnable []*taskmodel.Task, pool *worker.Pool) error {
	g.mu.Lock()
	if len(g.runners) >= g.MaxConcurrent {
		g.mu.Unlock()
		return taskmodel.AdmissionError("CreateNextRunner", fmt.Errorf("at max %d concurrent runners", g.MaxConcurrent))
	}
	g.mu.Unlock()

	idle := pool.Idle()
	if len(idle) == 0 {
		return taskmodel.AdmissionError("CreateNextRunner", fmt.Errorf("no idle workers"))
	}
	nodesPerWorker := pool.NodesPerWorker()
	rpn := pool.MaxRanksPerNode()
	nidleNodes := len(idle) * nodesPerWorker
	nidleRanks := nidleNodes * rpn

	var serial, mpiFitting []*taskmodel.Task
	for _, t := range runnable {
		if t.NumRanks() == 1 {
			serial = append(serial, t)
			continue
		}
		fits := t.NumNodes <= nidleNodes && (t.NumNodes > 1 || t.RanksPerNode > 1)
		if fits {
			mpiFitting = append(mpiFitting, t)
		}
	}

	var largestMPI *taskmodel.Task
	for _, t := range mpiFitting {
		if largestMPI == nil || t.NumNodes > largestMPI.NumNodes {
			largestMPI = t
		}
	}

	var chosen Runner
	switch {
	case len(serial) >= nidleRanks && nidleRanks > 0:
		batch := serial[:nidleRanks]
		g.log.Infof("running %d serial tasks on %d workers", len(batch), len(idle))
		chosen = NewEnsembleRunner(batch, idle, g.EnsembleExe, g.ResolveApp, g.log)

	case largestMPI != nil && rpn > 0 && largestMPI.NumNodes > len(serial)/rpn:
		numWorkers := ceilDiv(largestMPI.NumNodes, nodesPerWorker)
		if numWorkers > len(idle) {
			numWorkers = len(idle)
		}
		g.log.Infof("running %d-node MPI task %s", largestMPI.NumNodes, largestMPI.CuteID())
		chosen = NewMPIRunner(largestMPI, idle[:numWorkers], g.ResolveApp, g.log)

	case len(serial) > 0:
		nworkers := ceilDiv(ceilDiv(len(serial), maxInt(rpn, 1)), maxInt(nodesPerWorker, 1))
		if nworkers > len(idle) {
			nworkers = len(idle)
		}
		if nworkers == 0 {
			nworkers = 1
		}
		g.log.Infof("running %d serial tasks on %d workers", len(serial), nworkers)
		chosen = NewEnsembleRunner(serial, idle[:nworkers], g.EnsembleExe, g.ResolveApp, g.log)

	default:
		return taskmodel.AdmissionError("CreateNextRunner", fmt.Errorf("no runnable task fits the idle worker set"))
	}

	if err := chosen.Start(ctx); err != nil {
		return fmt.Errorf("runner: start: %w", err)
	}
	for _, w := range chosen.Workers() {
		w.Idle = false
	}
	g.mu.Lock()
	g.runners = append(g.runners, chosen)
	g.mu.Unlock()
	return nil
}

// UpdateAndRemoveFinished polls every active runner, removes finished
// ones (freeing their Workers), and reports whether any state changed
// this tick. On timeout it SIGTERMs every active runner instead of
// polling, matching spec.md §4.5 shutdown behavior.
func (g *Group) UpdateAndRemoveFinished(ctx context.Context, store taskmodel.Storage, timeout bool) (bool, error) {
	g.mu.Lock()
	runners := make([]Runner, len(g.runners))
	copy(runners, g.runners)
	g.mu.Unlock()

	g.lock.Lock()
	for _, r := range runners {
		var err error
		if timeout {
			err = r.Timeout(ctx, store)
		} else {
			err = r.UpdateTasks(ctx, store)
		}
		if err != nil {
			g.log.Warnf("runner update failed: %v", err)
		}
	}
	g.lock.Unlock()

	anyFinished := false
	g.mu.Lock()
	defer g.mu.Unlock()
	remaining := g.runners[:0]
	for _, r := range g.runners {
		if !r.Finished() {
			remaining = append(remaining, r)
			continue
		}
		for _, t := range r.Tasks() {
			switch t.State {
			case taskmodel.RunDone, taskmodel.RunError, taskmodel.RunTimeout:
			default:
				return false, taskmodel.ConsistencyError("UpdateAndRemoveFinished",
					fmt.Errorf("task %s runner finished but state is %s", t.CuteID(), t.State))
			}
		}
		anyFinished = true
		for _, w := range r.Workers() {
			w.Idle = true
		}
	}
	g.runners = remaining
	return anyFinished, nil
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
