package sqliteproxy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Client is the taskmodel.Storage implementation used by every Launcher
// component except the writer itself: reads hit the sqlite file
// directly (sqlite allows concurrent readers), writes are proxied to
// WriterAddr so exactly one process ever opens the file for writing
// (spec.md §4.8).
type Client struct {
	db         *sql.DB
	writerAddr string
	workRoot   string
}

// NewClient opens dbPath read-only and points writes at writerAddr.
func NewClient(dbPath, writerAddr, workRoot string) (*Client, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqliteproxy: open %s: %w", dbPath, err)
	}
	return &Client{db: db, writerAddr: writerAddr, workRoot: workRoot}, nil
}

func (c *Client) Close() error { return c.db.Close() }

const taskSelectCols = `
	id, name, workflow, description, allowed_work_sites, work_site,
	parents_json, wait_for_parents,
	num_nodes, ranks_per_node, threads_per_rank, threads_per_core,
	serial_node_packing_count, wall_time_minutes,
	application, application_args, direct_command,
	stage_in_url, input_files, stage_out_url, stage_out_files,
	environ_vars, preprocess, postprocess,
	post_error_handler, post_timeout_handler, auto_timeout_retry,
	scheduler_id, state, state_history, runtime_seconds, version
`

func scanRow(row interface{ Scan(...interface{}) error }) (*taskmodel.Task, error) {
	t := &taskmodel.Task{}
	var id, parentsJSON string
	var waitForParents, postErr, postTimeout, autoRetry int
	err := row.Scan(
		&id, &t.Name, &t.Workflow, &t.Description, &t.AllowedWorkSites, &t.WorkSite,
		&parentsJSON, &waitForParents,
		&t.NumNodes, &t.RanksPerNode, &t.ThreadsPerRank, &t.ThreadsPerCore,
		&t.SerialNodePackingCount, &t.WallTimeMinutes,
		&t.Application, &t.ApplicationArgs, &t.DirectCommand,
		&t.StageInURL, &t.InputFiles, &t.StageOutURL, &t.StageOutFiles,
		&t.EnvironVars, &t.Preprocess, &t.Postprocess,
		&postErr, &postTimeout, &autoRetry,
		&t.SchedulerID, &t.State, &t.StateHistory, &t.RuntimeSeconds, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("sqliteproxy: bad task id %q: %w", id, err)
	}
	t.ID = parsedID
	t.WaitForParents = waitForParents != 0
	t.PostErrorHandler = postErr != 0
	t.PostTimeoutHandler = postTimeout != 0
	t.AutoTimeoutRetry = autoRetry != 0
	var parents []uuid.UUID
	if err := json.Unmarshal([]byte(parentsJSON), &parents); err != nil {
		return nil, fmt.Errorf("sqliteproxy: bad parents json: %w", err)
	}
	t.Parents = parents
	return t, nil
}

func (c *Client) Get(ctx context.Context, id uuid.UUID) (*taskmodel.Task, error) {
	row := c.db.QueryRowContext(ctx, "SELECT "+taskSelectCols+" FROM tasks WHERE id = ?", id.String())
	t, err := scanRow(row)
	if err != nil {
		return nil, fmt.Errorf("sqliteproxy: get %s: %w", id, err)
	}
	t.SetWorkRoot(c.workRoot)
	return t, nil
}

func (c *Client) ByStates(ctx context.Context, states []taskmodel.State) ([]*taskmodel.Task, error) {
	placeholders, args := inClause(stateArgs(states))
	rows, err := c.db.QueryContext(ctx, "SELECT "+taskSelectCols+" FROM tasks WHERE state IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("sqliteproxy: by states: %w", err)
	}
	return c.collect(rows)
}

func (c *Client) GetRunnable(ctx context.Context, minutesLeft float64, serialOnly bool) ([]*taskmodel.Task, error) {
	placeholders, args := inClause(stateArgs(taskmodel.RunnableStates))
	query := "SELECT " + taskSelectCols + " FROM tasks WHERE state IN (" + placeholders + ") AND wall_time_minutes <= ?"
	args = append(args, minutesLeft)
	if serialOnly {
		query += " AND num_nodes = 1 AND ranks_per_node = 1"
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqliteproxy: get runnable: %w", err)
	}
	return c.collect(rows)
}

func (c *Client) collect(rows *sql.Rows) ([]*taskmodel.Task, error) {
	defer rows.Close()
	var out []*taskmodel.Task
	for rows.Next() {
		t, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqliteproxy: scan: %w", err)
		}
		t.SetWorkRoot(c.workRoot)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *Client) GetApplication(ctx context.Context, name string) (*taskmodel.ApplicationDefinition, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT name, description, executable, default_preprocess, default_postprocess FROM applications WHERE name = ?", name)
	app := &taskmodel.ApplicationDefinition{}
	if err := row.Scan(&app.Name, &app.Description, &app.Executable, &app.DefaultPreprocess, &app.DefaultPostprocess); err != nil {
		return nil, fmt.Errorf("sqliteproxy: get application %q: %w", name, err)
	}
	return app, nil
}

// Save serializes t plus fields to the writer over loopback TCP and
// blocks for ACK_SAVE, then refreshes t in place from the reply (spec.md
// §4.8's single serialization point).
func (c *Client) Save(ctx context.Context, t *taskmodel.Task, fields []string) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("sqliteproxy: marshal task: %w", err)
	}
	reply, err := rpc(c.writerAddr, Envelope{Kind: "save", Save: &SaveRequest{Task: payload, UpdateFields: fields}})
	if err != nil {
		if reply.Error == errVersionConflict {
			return taskmodel.VersionConflictError("sqliteproxy.Save", fmt.Errorf("task %s: version %d stale", t.ID, t.Version))
		}
		return err
	}
	var fresh taskmodel.Task
	if err := json.Unmarshal(reply.Task, &fresh); err != nil {
		return fmt.Errorf("sqliteproxy: unmarshal saved task: %w", err)
	}
	fresh.SetWorkRoot(c.workRoot)
	*t = fresh
	return nil
}

func (c *Client) BatchUpdateState(ctx context.Context, ids []uuid.UUID, newState taskmodel.State, message string) error {
	_, err := rpc(c.writerAddr, Envelope{Kind: "batch", Batch: &BatchRequest{IDs: ids, NewState: string(newState), Message: message}})
	return err
}

func stateArgs(states []taskmodel.State) []interface{} {
	out := make([]interface{}, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func inClause(args []interface{}) (string, []interface{}) {
	placeholders := ""
	for i := range args {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
	}
	return placeholders, args
}
