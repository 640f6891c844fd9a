// Package tasksource implements the Task Source (C3): the three pull
// strategies (File, Workflow, Consume-all) over the durable store
// (spec.md §4.1).
package tasksource

import (
	"context"
	"fmt"
	"sort"

	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/google/uuid"
)

// Source is the C3 interface the Main Loop, Runner Group, and Ensemble
// Dispatcher all pull from.
type Source interface {
	// ByStates returns tasks currently in any of the given states.
	ByStates(ctx context.Context, states []taskmodel.State) ([]*taskmodel.Task, error)

	// GetRunnable returns RUNNABLE-group tasks whose wall_time_minutes is
	// within the remaining budget, ordered by -serial_node_packing_count
	// when serialOnly is set (spec.md §4.1).
	GetRunnable(ctx context.Context, minutesLeft float64, serialOnly bool) ([]*taskmodel.Task, error)

	// AlmostRunnableExists reports whether any task is in
	// taskmodel.AlmostRunnableStates (used by admission throttling).
	AlmostRunnableExists(ctx context.Context) (bool, error)

	// Total is the membership size: the full file list, the workflow's
	// tasks, or every task, depending on strategy.
	Total(ctx context.Context) (int, error)

	// CountByStates counts membership tasks in the given states.
	CountByStates(ctx context.Context, states []taskmodel.State) (int, error)
}

type baseSource struct {
	store  taskmodel.Storage
	filter func(*taskmodel.Task) bool
}

func (b *baseSource) membership(ctx context.Context, states []taskmodel.State) ([]*taskmodel.Task, error) {
	all, err := b.store.ByStates(ctx, states)
	if err != nil {
		return nil, taskmodel.TransientStoreError("tasksource.ByStates", err)
	}
	if b.filter == nil {
		return all, nil
	}
	out := all[:0]
	for _, t := range all {
		if b.filter(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (b *baseSource) ByStates(ctx context.Context, states []taskmodel.State) ([]*taskmodel.Task, error) {
	return b.membership(ctx, states)
}

func (b *baseSource) GetRunnable(ctx context.Context, minutesLeft float64, serialOnly bool) ([]*taskmodel.Task, error) {
	tasks, err := b.store.GetRunnable(ctx, minutesLeft, serialOnly)
	if err != nil {
		return nil, taskmodel.TransientStoreError("tasksource.GetRunnable", err)
	}
	if b.filter != nil {
		filtered := tasks[:0]
		for _, t := range tasks {
			if b.filter(t) {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if serialOnly {
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].SerialNodePackingCount > tasks[j].SerialNodePackingCount
		})
	}
	return tasks, nil
}

func (b *baseSource) AlmostRunnableExists(ctx context.Context) (bool, error) {
	tasks, err := b.membership(ctx, taskmodel.AlmostRunnableStates)
	if err != nil {
		return false, err
	}
	return len(tasks) > 0, nil
}

func (b *baseSource) Total(ctx context.Context) (int, error) {
	tasks, err := b.membership(ctx, taskmodel.States)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

func (b *baseSource) CountByStates(ctx context.Context, states []taskmodel.State) (int, error) {
	tasks, err := b.membership(ctx, states)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// NewConsumeAll builds a Task Source with no membership filter: every task
// in the store is in scope (spec.md §4.1).
func NewConsumeAll(store taskmodel.Storage) Source {
	return &baseSource{store: store}
}

// NewWorkflow builds a Task Source filtered to an exact workflow label.
func NewWorkflow(store taskmodel.Storage, workflow string) Source {
	return &baseSource{store: store, filter: func(t *taskmodel.Task) bool { return t.Workflow == workflow }}
}

// NewFile builds a Task Source with a fixed UUID membership list loaded
// from a newline-delimited file. Use NewFileWatching and Watch to additionally refresh
// membership when the file changes on disk (SPEC_FULL.md §4.1).
func NewFile(store taskmodel.Storage, ids []uuid.UUID) Source {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return &baseSource{store: store, filter: func(t *taskmodel.Task) bool {
		_, ok := set[t.ID]
		return ok
	}}
}

// ParseIDFile parses a newline-delimited UUID list (spec.md §6 --job-file).
func ParseIDFile(lines []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		id, err := uuid.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("tasksource: invalid task id %q: %w", line, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
