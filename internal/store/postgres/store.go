package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// taskColumns lists every scanned column in Task order, shared by every
// SELECT so row-scanning stays in one place.
const taskColumns = `
	id, name, workflow, description,
	allowed_work_sites, work_site,
	parents, wait_for_parents,
	num_nodes, ranks_per_node, threads_per_rank, threads_per_core,
	serial_node_packing_count, wall_time_minutes,
	application, application_args, direct_command,
	stage_in_url, input_files, stage_out_url, stage_out_files,
	environ_vars, preprocess, postprocess,
	post_error_handler, post_timeout_handler, auto_timeout_retry,
	scheduler_id, state, state_history, runtime_seconds, version
`

func scanTask(row pgx.Row) (*taskmodel.Task, error) {
	t := &taskmodel.Task{}
	var parents []uuid.UUID
	err := row.Scan(
		&t.ID, &t.Name, &t.Workflow, &t.Description,
		&t.AllowedWorkSites, &t.WorkSite,
		&parents, &t.WaitForParents,
		&t.NumNodes, &t.RanksPerNode, &t.ThreadsPerRank, &t.ThreadsPerCore,
		&t.SerialNodePackingCount, &t.WallTimeMinutes,
		&t.Application, &t.ApplicationArgs, &t.DirectCommand,
		&t.StageInURL, &t.InputFiles, &t.StageOutURL, &t.StageOutFiles,
		&t.EnvironVars, &t.Preprocess, &t.Postprocess,
		&t.PostErrorHandler, &t.PostTimeoutHandler, &t.AutoTimeoutRetry,
		&t.SchedulerID, &t.State, &t.StateHistory, &t.RuntimeSeconds, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	t.Parents = parents
	return t, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*taskmodel.Task, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("postgres: task %s not found", id)
		}
		return nil, fmt.Errorf("postgres: get %s: %w", id, err)
	}
	t.SetWorkRoot(s.workRoot)
	return t, nil
}

func (s *Store) ByStates(ctx context.Context, states []taskmodel.State) ([]*taskmodel.Task, error) {
	names := stateNames(states)
	rows, err := s.pool.Query(ctx, "SELECT "+taskColumns+" FROM tasks WHERE state = ANY($1)", names)
	if err != nil {
		return nil, fmt.Errorf("postgres: by states: %w", err)
	}
	return s.collect(rows)
}

func (s *Store) GetRunnable(ctx context.Context, minutesLeft float64, serialOnly bool) ([]*taskmodel.Task, error) {
	runnable := stateNames(taskmodel.RunnableStates)
	query := "SELECT " + taskColumns + " FROM tasks WHERE state = ANY($1) AND wall_time_minutes <= $2"
	args := []interface{}{runnable, minutesLeft}
	if serialOnly {
		query += " AND num_nodes = 1 AND ranks_per_node = 1"
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get runnable: %w", err)
	}
	return s.collect(rows)
}

func (s *Store) collect(rows pgx.Rows) ([]*taskmodel.Task, error) {
	defer rows.Close()
	var out []*taskmodel.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		t.SetWorkRoot(s.workRoot)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows: %w", err)
	}
	return out, nil
}

// writableColumn maps the Storage.Save `fields` names used throughout the
// Launcher to their column + bound value (spec.md §4.8 `update_fields`).
func writableColumn(t *taskmodel.Task, field string) (string, interface{}, error) {
	switch field {
	case "state":
		return "state", t.State, nil
	case "state_history":
		return "state_history", t.StateHistory, nil
	case "runtime_seconds":
		return "runtime_seconds", t.RuntimeSeconds, nil
	case "scheduler_id":
		return "scheduler_id", t.SchedulerID, nil
	default:
		return "", nil, fmt.Errorf("postgres: unsupported update_field %q", field)
	}
}

// Save performs the optimistic-lock write of spec.md §4.8: UPDATE ...
// WHERE id = $1 AND version = $2. Zero rows affected means another
// writer won the race; the caller (taskmodel.UpdateState) handles the
// absorbing-state re-evaluation.
func (s *Store) Save(ctx context.Context, t *taskmodel.Task, fields []string) error {
	if len(fields) == 0 {
		return fmt.Errorf("postgres: save: no fields given")
	}
	setClauses := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields)+2)
	args = append(args, t.ID, t.Version)
	for _, f := range fields {
		col, val, err := writableColumn(t, f)
		if err != nil {
			return err
		}
		args = append(args, val)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	query := fmt.Sprintf(
		"UPDATE tasks SET %s, version = version + 1 WHERE id = $1 AND version = $2",
		strings.Join(setClauses, ", "),
	)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: save %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return taskmodel.VersionConflictError("postgres.Save", fmt.Errorf("task %s: version %d stale", t.ID, t.Version))
	}
	t.Version++
	return nil
}

// BatchUpdateState implements spec.md §4.8's batch_update_state: a
// single UPDATE skipping any row currently USER_KILLED.
func (s *Store) BatchUpdateState(ctx context.Context, ids []uuid.UUID, newState taskmodel.State, message string) error {
	if !taskmodel.IsValid(newState) {
		return taskmodel.InvalidStateError("postgres.BatchUpdateState", newState)
	}
	historyAppend := taskmodel.HistoryLine(newState, message)
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET state = $2, state_history = state_history || $3, version = version + 1
		WHERE id = ANY($1) AND state != $4
	`, ids, newState, historyAppend, taskmodel.UserKilled)
	if err != nil {
		return fmt.Errorf("postgres: batch update state: %w", err)
	}
	return nil
}

func (s *Store) GetApplication(ctx context.Context, name string) (*taskmodel.ApplicationDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, description, executable, default_preprocess, default_postprocess
		FROM applications WHERE name = $1
	`, name)
	app := &taskmodel.ApplicationDefinition{}
	err := row.Scan(&app.Name, &app.Description, &app.Executable, &app.DefaultPreprocess, &app.DefaultPostprocess)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("postgres: application %q not found", name)
		}
		return nil, fmt.Errorf("postgres: get application %q: %w", name, err)
	}
	return app, nil
}

func stateNames(states []taskmodel.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
