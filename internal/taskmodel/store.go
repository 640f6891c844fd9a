package taskmodel

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Storage is the capability every component saves through (spec.md §6, §9
// "Dynamic save dispatch"). Two implementations exist: a direct Postgres
// driver and an RPC client that proxies writes to a single sqlite-writer
// process (SPEC_FULL.md §4.8). Selection happens once at construction —
// never via runtime monkey-patching.
type Storage interface {
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	ByStates(ctx context.Context, states []State) ([]*Task, error)
	GetRunnable(ctx context.Context, minutesLeft float64, serialOnly bool) ([]*Task, error)

	// Save performs the optimistic-lock write. On a lost race it returns an
	// error satisfying IsCode(err, CodeVersionConflict); the version field
	// itself is never caller-supplied, only caller-observed.
	Save(ctx context.Context, t *Task, fields []string) error

	// BatchUpdateState performs a single multi-row update, skipping any row
	// currently in USER_KILLED (spec.md §4.8).
	BatchUpdateState(ctx context.Context, ids []uuid.UUID, newState State, message string) error

	GetApplication(ctx context.Context, name string) (*ApplicationDefinition, error)
}

// UpdateState drives one task through the optimistic-lock save path
// described in spec.md §4.8: refresh, respect the USER_KILLED absorbing
// state (invariant 4), append history, save, and on a lost race re-apply
// the absorbing-state rule once more before giving up.
func UpdateState(ctx context.Context, store Storage, t *Task, newState State, message string) error {
	if !IsValid(newState) {
		return InvalidStateError("UpdateState", newState)
	}

	fresh, err := store.Get(ctx, t.ID)
	if err != nil {
		return TransientStoreError("UpdateState.refresh", err)
	}
	*t = *fresh

	if t.State == UserKilled {
		return nil
	}

	t.AppendHistory(newState, message)
	t.State = newState

	err = store.Save(ctx, t, []string{"state", "state_history"})
	if err == nil {
		return nil
	}
	if !IsCode(err, CodeVersionConflict) {
		return err
	}

	// Lost the optimistic lock race: refresh and re-evaluate the absorbing
	// state rule exactly once more (spec.md §4.8).
	fresh, gerr := store.Get(ctx, t.ID)
	if gerr != nil {
		return TransientStoreError("UpdateState.refresh_after_conflict", gerr)
	}
	*t = *fresh

	if t.State == UserKilled && newState != UserKilled {
		return nil
	}
	if newState == UserKilled {
		t.AppendHistory(newState, message)
		t.State = newState
		if err := store.Save(ctx, t, []string{"state", "state_history"}); err != nil {
			return err
		}
		return nil
	}
	return VersionConflictError("UpdateState", fmt.Errorf("task %s: conflicting write to state %s", t.ID, newState))
}
