// Package diagnostics exposes the Main Loop's read-only HTTP surface
// (SPEC_FULL.md §4.5): health, status, task listing, and a live
// state_history tail over WebSocket. Grounded on
// cmd/announce-webui-simple/main.go's gorilla/mux router plus
// gorilla/websocket hub pattern (teacher dependencies), repointed at
// Launcher state instead of announcement mock data.
package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/runner"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/Larofeticus/balsam/internal/tasksource"
	"github.com/Larofeticus/balsam/internal/worker"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// StatusProvider is the thin read-only view into a running Main Loop
// that the Server needs; mainloop.Loop satisfies it without the two
// packages importing each other.
type StatusProvider interface {
	Pool() *worker.Pool
	Group() *runner.Group
	RemainingMinutes() float64
	LastRunnerCreated() time.Time
}

// Server is the diagnostics HTTP server.
type Server struct {
	source   tasksource.Source
	status   StatusProvider
	log      *logging.Logger
	ready    atomic.Bool
	upgrader websocket.Upgrader

	wsMu      sync.RWMutex
	wsClients map[*websocket.Conn]chan taskEvent
}

type taskEvent struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	Line   string `json:"line"`
}

// New builds a Server bound to source/status; call MarkReady once the
// first service-loop iteration completes so /healthz starts returning
// 200 (spec.md §4.5).
func New(source tasksource.Source, status StatusProvider, log *logging.Logger) *Server {
	return &Server{
		source: source,
		status: status,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsClients: make(map[*websocket.Conn]chan taskEvent),
	}
}

// MarkReady flips /healthz to 200.
func (s *Server) MarkReady() { s.ready.Store(true) }

// Router builds the gorilla/mux route table of spec.md §4.5.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/tasks", s.handleTasks).Methods("GET")
	r.HandleFunc("/search", s.handleSearch).Methods("GET")
	r.HandleFunc("/events", s.handleEvents).Methods("GET")
	return r
}

// Serve runs the HTTP server on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "starting up", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type statusResponse struct {
	IdleWorkers        int       `json:"idle_workers"`
	BusyWorkers        int       `json:"busy_workers"`
	ActiveRunners      int       `json:"active_runners"`
	RemainingMinutes   float64   `json:"remaining_minutes"`
	LastRunnerCreated  time.Time `json:"last_runner_created"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pool := s.status.Pool()
	idle := len(pool.Idle())
	resp := statusResponse{
		IdleWorkers:       idle,
		BusyWorkers:       len(pool.Workers) - idle,
		ActiveRunners:     len(s.status.Group().Runners()),
		RemainingMinutes:  s.status.RemainingMinutes(),
		LastRunnerCreated: s.status.LastRunnerCreated(),
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	stateParam := r.URL.Query().Get("state")
	if stateParam == "" {
		http.Error(w, "missing required query param: state", http.StatusBadRequest)
		return
	}
	state := taskmodel.State(stateParam)
	if !taskmodel.IsValid(state) {
		http.Error(w, "unknown state: "+stateParam, http.StatusBadRequest)
		return
	}
	tasks, err := s.source.ByStates(r.Context(), []taskmodel.State{state})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID.String()
	}
	s.writeJSON(w, ids)
}

// handleSearch runs a free-text query against the source's bleve index,
// when the source was built with one (Workflow/Consume-all). File
// sources have a fixed membership list and are not Searchable.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "missing required query param: q", http.StatusBadRequest)
		return
	}
	searchable, ok := s.source.(tasksource.Searchable)
	if !ok {
		http.Error(w, "search is not available for this task source", http.StatusNotImplemented)
		return
	}
	ids, err := searchable.Search(r.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	s.writeJSON(w, out)
}

// handleEvents upgrades to a WebSocket and streams taskEvent messages
// pushed via Broadcast, purely observational (spec.md §4.5).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("diagnostics: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan taskEvent, 16)
	s.wsMu.Lock()
	s.wsClients[conn] = ch
	s.wsMu.Unlock()
	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, conn)
		s.wsMu.Unlock()
		close(ch)
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			s.log.Debugf("diagnostics: websocket write error: %v", err)
			return
		}
	}
}

// Broadcast pushes one state_history append event to every connected
// /events client, dropping it for clients whose channel is full.
func (s *Server) Broadcast(taskID, state, line string) {
	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	ev := taskEvent{TaskID: taskID, State: state, Line: line}
	for _, ch := range s.wsClients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warnf("diagnostics: encode response: %v", err)
	}
}
