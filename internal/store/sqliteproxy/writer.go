package sqliteproxy

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// errVersionConflict is the Reply.Error string a Client recognizes as an
// optimistic-lock loss rather than a hard failure.
const errVersionConflict = "version_conflict"

// pollPeriod bounds how long Accept blocks before the writer rechecks its
// parent and shutdown flag, mirroring sqlite_server.py's SERVER_PERIOD
// zmq.poll timeout.
const pollPeriod = time.Second

// termLinger is how long the writer keeps serving requests after it is
// asked to shut down, matching sqlite_server.py's TERM_LINGER grace
// window so an in-flight save from another process is not lost.
const termLinger = 3 * time.Second

// Writer is the single process that ever opens the sqlite file for
// writing (spec.md §4.8). Every other Launcher component is a Client
// and routes writes here over loopback TCP. Grounded on
// original_source's balsam/django_config/sqlite_server.py, with the
// ZMQ REP socket replaced by net.Listener since no ZMQ binding is in
// the retrieved corpus.
type Writer struct {
	db       *sql.DB
	listener net.Listener
	log      *logging.Logger
	mu       sync.Mutex
}

// NewWriter opens dbPath for read-write access, creates the schema if
// absent, and binds addr.
func NewWriter(dbPath, addr string, log *logging.Logger) (*Writer, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqliteproxy: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqliteproxy: apply schema: %w", err)
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqliteproxy: listen %s: %w", addr, err)
	}
	log.Infof("db writer bound to %s", l.Addr())
	return &Writer{db: db, listener: l, log: log}, nil
}

func (w *Writer) Close() error {
	w.listener.Close()
	return w.db.Close()
}

// Serve accepts connections until ctx is cancelled, then lingers
// termLinger past the last save before returning, exactly mirroring
// server_main's `while not terminate or time.time()-last_save < TERM_LINGER`.
func (w *Writer) Serve(ctx context.Context) error {
	parentPID := os.Getppid()
	lastSave := time.Now()
	terminating := false

	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go w.acceptLoop(acceptCh)

	for {
		if terminating && time.Since(lastSave) >= termLinger {
			w.log.Infof("db writer grace period elapsed, exiting")
			return nil
		}

		select {
		case <-ctx.Done():
			if !terminating {
				w.log.Debugf("db writer received shutdown, will exit in %s", termLinger)
				terminating = true
				lastSave = time.Now()
			}
		case a := <-acceptCh:
			if a.err != nil {
				return fmt.Errorf("sqliteproxy: accept: %w", a.err)
			}
			if w.handleConn(a.conn) {
				lastSave = time.Now()
			}
		case <-time.After(pollPeriod):
			if os.Getppid() != parentPID {
				w.log.Infof("db writer detected parent process died, exiting soon")
				terminating = true
			}
		}
	}
}

func (w *Writer) acceptLoop(out chan<- struct {
	conn net.Conn
	err  error
}) {
	for {
		c, err := w.listener.Accept()
		out <- struct {
			conn net.Conn
			err  error
		}{c, err}
		if err != nil {
			return
		}
	}
}

// handleConn processes exactly one request/reply exchange, matching the
// original's single-shot REQ/REP framing. Returns true if this request
// performed a write, so the caller can reset the linger clock.
func (w *Writer) handleConn(c net.Conn) bool {
	defer c.Close()

	var env Envelope
	dec := json.NewDecoder(bufio.NewReader(c))
	if err := dec.Decode(&env); err != nil {
		w.log.Warnf("db writer: malformed request: %v", err)
		return false
	}

	var reply Reply
	isWrite := env.Kind == "save" || env.Kind == "batch"
	if isWrite {
		w.mu.Lock()
		reply = w.dispatch(env)
		w.mu.Unlock()
	} else {
		reply = w.dispatch(env)
	}

	enc := json.NewEncoder(c)
	if err := enc.Encode(reply); err != nil {
		w.log.Warnf("db writer: send reply: %v", err)
	}
	return isWrite && reply.OK
}

func (w *Writer) dispatch(env Envelope) Reply {
	switch env.Kind {
	case "save":
		return w.handleSave(env.Save)
	case "batch":
		return w.handleBatch(env.Batch)
	default:
		return Reply{OK: false, Error: fmt.Sprintf("unknown request kind %q", env.Kind)}
	}
}

func (w *Writer) handleSave(req *SaveRequest) Reply {
	if req == nil || len(req.UpdateFields) == 0 {
		return Reply{OK: false, Error: "save: no update_fields given"}
	}
	var t taskmodel.Task
	if err := json.Unmarshal(req.Task, &t); err != nil {
		return Reply{OK: false, Error: fmt.Sprintf("save: bad task json: %v", err)}
	}

	setClauses := make([]string, 0, len(req.UpdateFields))
	args := make([]interface{}, 0, len(req.UpdateFields)+2)
	for _, f := range req.UpdateFields {
		col, val, err := writableColumn(&t, f)
		if err != nil {
			return Reply{OK: false, Error: err.Error()}
		}
		args = append(args, val)
		setClauses = append(setClauses, col+" = ?")
	}
	args = append(args, t.ID.String(), t.Version)

	query := "UPDATE tasks SET " + strings.Join(setClauses, ", ") + ", version = version + 1 WHERE id = ? AND version = ?"
	res, err := w.db.Exec(query, args...)
	if err != nil {
		return Reply{OK: false, Error: fmt.Sprintf("save: %v", err)}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Reply{OK: false, Error: fmt.Sprintf("save: rows affected: %v", err)}
	}
	if n == 0 {
		return Reply{OK: false, Error: errVersionConflict}
	}
	t.Version++
	w.log.Debugf("db writer saved %s", t.CuteID())

	payload, err := json.Marshal(&t)
	if err != nil {
		return Reply{OK: false, Error: fmt.Sprintf("save: marshal reply: %v", err)}
	}
	return Reply{OK: true, Task: payload}
}

func writableColumn(t *taskmodel.Task, field string) (string, interface{}, error) {
	switch field {
	case "state":
		return "state", string(t.State), nil
	case "state_history":
		return "state_history", t.StateHistory, nil
	case "runtime_seconds":
		return "runtime_seconds", t.RuntimeSeconds, nil
	case "scheduler_id":
		return "scheduler_id", t.SchedulerID, nil
	default:
		return "", nil, fmt.Errorf("sqliteproxy: unsupported update_field %q", field)
	}
}

func (w *Writer) handleBatch(req *BatchRequest) Reply {
	if req == nil {
		return Reply{OK: false, Error: "batch: missing request"}
	}
	if !taskmodel.IsValid(taskmodel.State(req.NewState)) {
		return Reply{OK: false, Error: fmt.Sprintf("batch: invalid state %q", req.NewState)}
	}
	idPlaceholders, idValues := inClause(idArgs(req.IDs))
	historyAppend := taskmodel.HistoryLine(taskmodel.State(req.NewState), req.Message)

	args := []interface{}{req.NewState, historyAppend, string(taskmodel.UserKilled)}
	args = append(args, idValues...)
	query := fmt.Sprintf(
		"UPDATE tasks SET state = ?, state_history = state_history || ?, version = version + 1 WHERE state != ? AND id IN (%s)",
		idPlaceholders,
	)
	if _, err := w.db.Exec(query, args...); err != nil {
		return Reply{OK: false, Error: fmt.Sprintf("batch: %v", err)}
	}
	return Reply{OK: true}
}

func idArgs(ids []uuid.UUID) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
