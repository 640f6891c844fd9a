package ensemble

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/Larofeticus/balsam/internal/tasksource"
	"github.com/google/uuid"
)

const (
	fetchPeriod        = 5 * time.Second
	killedRefreshPeriod = 10 * time.Second
	delayPeriod         = 1 * time.Second
	maxIdleTime         = 10 * time.Second
)

// assignment is job_assignments[rank] from spec.md §4.7.
type assignment struct {
	taskID    uuid.UUID
	occupancy float64
}

// event is one message received off a rank connection's fan-in reader,
// the Go substitute for MPI's Request.testany over posted irecvs.
type event struct {
	rank int
	msg  Message
	err  error
}

// rankConn is the master's persistent connection to one worker rank.
type rankConn struct {
	rank     int
	hostname string
	c        *conn
}

// Master is the ResourceManager + master_main of spec.md §4.7, ported
// from a loop over MPI requests to a loop over a fanned-in event
// channel: one reader goroutine per rank connection feeds `events`,
// serveRequests drains whatever is currently buffered there, which is
// the non-blocking equivalent of looping serve_request() until it
// returns false.
type Master struct {
	log    *logging.Logger
	store  taskmodel.Storage
	source tasksource.Source

	manifestSet map[uuid.UUID]bool
	timeLimitMin float64
	startedAt    time.Time

	hostNames     []string
	nodeOccupancy map[string]float64
	hostRankMap   map[string][]int
	jobAssignments []*assignment // index by rank; [0] unused

	conns  []*rankConn // index by rank; [0] nil
	events chan event

	jobCache          []*taskmodel.Task
	lastJobFetch      time.Time
	lastKilledRefresh time.Time
	killedSet         map[uuid.UUID]bool

	runNewJobs atomic.Bool

	mu sync.Mutex // guards nodeOccupancy / jobAssignments against Run vs signal handler races
}

// NewMaster builds a Master for a manifest-bounded ensemble; the number
// of ranks (including rank 0 itself) is given later to Listen.
func NewMaster(store taskmodel.Storage, source tasksource.Source, manifest []ManifestEntry, timeLimitMin float64, log *logging.Logger) *Master {
	set := make(map[uuid.UUID]bool, len(manifest))
	for _, e := range manifest {
		set[e.TaskID] = true
	}
	m := &Master{
		log:          log,
		store:        store,
		source:       source,
		manifestSet:  set,
		timeLimitMin: timeLimitMin,
		startedAt:    time.Now(),
		killedSet:    map[uuid.UUID]bool{},
	}
	m.runNewJobs.Store(true)
	return m
}

// SetRunNewJobs is called from the SIGUSR1 handler (spec.md §4.7): once
// false, allocateNextJobs stops assigning new work but in-flight jobs
// continue to completion.
func (m *Master) SetRunNewJobs(v bool) { m.runNewJobs.Store(v) }

// Listen opens the rendezvous listener, writes its address to
// rendezvousPath, and blocks until `size-1` workers have connected and
// said hello.
func (m *Master) Listen(rendezvousPath string, size int) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("ensemble: master listen: %w", err)
	}
	if err := os.WriteFile(rendezvousPath, []byte(ln.Addr().String()), 0o644); err != nil {
		return fmt.Errorf("ensemble: write rendezvous file: %w", err)
	}

	hostname, _ := os.Hostname()
	m.hostNames = make([]string, size)
	m.hostNames[0] = hostname
	m.conns = make([]*rankConn, size)
	m.jobAssignments = make([]*assignment, size)
	m.jobAssignments[0] = &assignment{occupancy: 1.0}
	m.events = make(chan event, 256)

	var wg sync.WaitGroup
	for i := 0; i < size-1; i++ {
		c, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("ensemble: accept worker: %w", err)
		}
		rc := newConn(c)
		hello, err := rc.recv()
		if err != nil || hello.Tag != tagHello {
			return fmt.Errorf("ensemble: bad handshake from worker: %w", err)
		}
		m.hostNames[hello.Rank] = hello.Hostname
		m.conns[hello.Rank] = &rankConn{rank: hello.Rank, hostname: hello.Hostname, c: rc}

		wg.Add(1)
		go m.readLoop(m.conns[hello.Rank], &wg)
	}
	wg.Wait()
	_ = ln.Close()

	m.nodeOccupancy = map[string]float64{}
	m.hostRankMap = map[string][]int{}
	for rank, host := range m.hostNames {
		if _, ok := m.nodeOccupancy[host]; !ok {
			m.nodeOccupancy[host] = 0
		}
		m.hostRankMap[host] = append(m.hostRankMap[host], rank)
	}
	return nil
}

// readLoop fans one rank connection's messages into the shared events
// channel until the connection closes.
func (m *Master) readLoop(rc *rankConn, started *sync.WaitGroup) {
	started.Done()
	for {
		msg, err := rc.c.recv()
		if err != nil {
			return
		}
		m.events <- event{rank: rc.rank, msg: msg}
	}
}

// Run executes the master tick loop of spec.md §4.7 until ctx is
// cancelled, wall time expires, or idle_time exceeds maxIdleTime with
// nothing outstanding. It always ends by calling masterExit.
func (m *Master) Run(ctx context.Context) {
	var idle time.Duration
	for {
		select {
		case <-ctx.Done():
			m.masterExit(ctx)
			return
		default:
		}

		remaining := m.remainingMinutes()
		ranAnything := false
		if m.runNewJobs.Load() {
			ranAnything = m.allocateNextJobs(ctx, remaining)
		}
		served := m.serveRequests(ctx)

		if !ranAnything && served == 0 {
			time.Sleep(delayPeriod)
			idle += delayPeriod
		} else {
			idle = 0
		}

		if idle > maxIdleTime && m.noneAssigned() {
			m.log.Infof("ensemble master: nothing to do for %s, quitting", maxIdleTime)
			break
		}
		if remaining <= 0 {
			m.log.Infof("ensemble master: time limit reached")
			break
		}
	}
	m.masterExit(ctx)
}

func (m *Master) remainingMinutes() float64 {
	if m.timeLimitMin <= 0 {
		return math.Inf(1)
	}
	elapsed := time.Since(m.startedAt).Minutes()
	return m.timeLimitMin - elapsed
}

func (m *Master) noneAssigned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 1; i < len(m.jobAssignments); i++ {
		if m.jobAssignments[i] != nil {
			return false
		}
	}
	return true
}

// refreshJobCache implements spec.md §4.7 tick step 1, bounded to this
// ensemble's manifest since the Runner Group already committed these
// ranks to exactly that task set.
func (m *Master) refreshJobCache(ctx context.Context, remainingMin float64) {
	if time.Since(m.lastJobFetch) < fetchPeriod {
		return
	}
	m.lastJobFetch = time.Now()

	runnable, err := m.source.GetRunnable(ctx, remainingMin, true)
	if err != nil {
		m.log.Warnf("ensemble: refresh job cache: %v", err)
		return
	}
	cache := runnable[:0]
	for _, t := range runnable {
		if m.manifestSet[t.ID] {
			cache = append(cache, t)
		}
	}
	sort.SliceStable(cache, func(i, j int) bool {
		return cache[i].SerialNodePackingCount > cache[j].SerialNodePackingCount
	})
	m.jobCache = cache
}

// refreshKilledJobs implements spec.md §4.7 tick step 2.
func (m *Master) refreshKilledJobs(ctx context.Context) {
	if time.Since(m.lastKilledRefresh) < killedRefreshPeriod {
		return
	}
	m.lastKilledRefresh = time.Now()

	killed, err := m.source.ByStates(ctx, []taskmodel.State{taskmodel.UserKilled})
	if err != nil {
		m.log.Warnf("ensemble: refresh killed jobs: %v", err)
		return
	}
	set := make(map[uuid.UUID]bool, len(killed))
	for _, t := range killed {
		set[t.ID] = true
	}
	m.killedSet = set
}

// allocateNextJobs implements spec.md §4.7 tick step 3: greedily assign
// cached tasks, largest packing-count first, to the least-loaded host's
// lowest-numbered idle rank.
func (m *Master) allocateNextJobs(ctx context.Context, remainingMin float64) bool {
	m.refreshJobCache(ctx, remainingMin)

	m.mu.Lock()
	defer m.mu.Unlock()

	var submitted []int
	for idx, t := range m.jobCache {
		occ := 1.0 / float64(maxInt(t.SerialNodePackingCount, 1))

		var freeHosts []string
		for host, o := range m.nodeOccupancy {
			if o+occ < 1.001 {
				freeHosts = append(freeHosts, host)
			}
		}
		sort.Slice(freeHosts, func(i, j int) bool {
			return m.nodeOccupancy[freeHosts[i]] < m.nodeOccupancy[freeHosts[j]]
		})

		rank, host, found := -1, "", false
		for _, h := range freeHosts {
			ranks := append([]int(nil), m.hostRankMap[h]...)
			sort.Ints(ranks)
			for _, r := range ranks {
				if m.jobAssignments[r] == nil {
					rank, host, found = r, h, true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			m.log.Debugf("ensemble: no free ranks to assign %s", t.CuteID())
			break
		}

		m.nodeOccupancy[host] += occ
		m.jobAssignments[rank] = &assignment{taskID: t.ID, occupancy: occ}
		if err := m.sendJob(ctx, t, rank); err != nil {
			m.log.Warnf("ensemble: send job to rank %d: %v", rank, err)
			m.nodeOccupancy[host] -= occ
			m.jobAssignments[rank] = nil
			continue
		}
		submitted = append(submitted, idx)
		m.log.Debugf("sent %s to rank %d on %s: occupancy now %.3f", t.CuteID(), rank, host, m.nodeOccupancy[host])
	}

	if len(submitted) == 0 {
		return false
	}
	submittedSet := make(map[int]bool, len(submitted))
	for _, i := range submitted {
		submittedSet[i] = true
	}
	remaining := m.jobCache[:0]
	for i, t := range m.jobCache {
		if !submittedSet[i] {
			remaining = append(remaining, t)
		}
	}
	m.jobCache = remaining
	return true
}

func (m *Master) sendJob(ctx context.Context, t *taskmodel.Task, rank int) error {
	envs, err := t.Env(false, false)
	if err != nil {
		return fmt.Errorf("build env: %w", err)
	}
	cmd, err := t.AppCmd(m.resolveApp)
	if err != nil {
		return fmt.Errorf("resolve app command: %w", err)
	}
	if err := m.conns[rank].c.send(Message{
		Tag:     TagNew,
		TaskID:  t.ID.String(),
		Workdir: t.WorkingDirectory(),
		Name:    t.Name,
		Cmd:     cmd,
		Envs:    envs,
	}); err != nil {
		return err
	}
	return taskmodel.UpdateState(ctx, m.store, t, taskmodel.Running, fmt.Sprintf("MPI Ensemble rank %d", rank))
}

func (m *Master) resolveApp(name string) (*taskmodel.ApplicationDefinition, error) {
	return m.store.GetApplication(context.Background(), name)
}

// serveRequests implements spec.md §4.7 tick step 4: drain every message
// already buffered on the fan-in channel (testany-until-empty).
func (m *Master) serveRequests(ctx context.Context) int {
	served := 0
	for {
		select {
		case ev := <-m.events:
			m.handleRequest(ctx, ev)
			served++
		default:
			return served
		}
	}
}

func (m *Master) handleRequest(ctx context.Context, ev event) {
	switch ev.msg.Tag {
	case TagAsk:
		m.handleAsk(ctx, ev.rank)
	case TagDone:
		m.handleDone(ctx, ev.rank, ev.msg)
	case TagError:
		m.handleError(ctx, ev.rank, ev.msg)
	default:
		m.log.Warnf("ensemble: unexpected tag %s from rank %d", ev.msg.Tag, ev.rank)
	}
}

func (m *Master) handleAsk(ctx context.Context, rank int) {
	m.refreshKilledJobs(ctx)

	m.mu.Lock()
	a := m.jobAssignments[rank]
	m.mu.Unlock()
	if a == nil {
		return
	}

	if m.killedSet[a.taskID] {
		_ = m.conns[rank].c.send(Message{Tag: TagKill})
		m.mu.Lock()
		m.jobAssignments[rank] = nil
		m.nodeOccupancy[m.hostNames[rank]] -= a.occupancy
		m.mu.Unlock()
		m.log.Debugf("sent KILL to rank %d on %s", rank, m.hostNames[rank])
		return
	}
	_ = m.conns[rank].c.send(Message{Tag: TagContinue})
}

func (m *Master) handleDone(ctx context.Context, rank int, msg Message) {
	m.mu.Lock()
	a := m.jobAssignments[rank]
	m.mu.Unlock()
	if a == nil {
		return
	}

	t, err := m.store.Get(ctx, a.taskID)
	if err != nil {
		m.log.Warnf("ensemble: load %s: %v", a.taskID, err)
		return
	}
	if err := taskmodel.UpdateState(ctx, m.store, t, taskmodel.RunDone, fmt.Sprintf("elapsed sec %.3f", msg.ElapsedSeconds)); err != nil {
		m.log.Warnf("ensemble: mark RUN_DONE %s: %v", t.CuteID(), err)
	}
	t.RuntimeSeconds = &msg.ElapsedSeconds
	if err := m.store.Save(ctx, t, []string{"runtime_seconds"}); err != nil {
		m.log.Warnf("ensemble: save runtime %s: %v", t.CuteID(), err)
	}
	m.log.Debugf("%s RUN_DONE from rank %d", t.CuteID(), rank)

	m.mu.Lock()
	m.jobAssignments[rank] = nil
	m.nodeOccupancy[m.hostNames[rank]] -= a.occupancy
	m.mu.Unlock()
}

func (m *Master) handleError(ctx context.Context, rank int, msg Message) {
	m.mu.Lock()
	a := m.jobAssignments[rank]
	m.mu.Unlock()
	if a == nil {
		return
	}

	t, err := m.store.Get(ctx, a.taskID)
	if err != nil {
		m.log.Warnf("ensemble: load %s: %v", a.taskID, err)
		return
	}
	stateMsg := fmt.Sprintf("nonzero return %d: %s", msg.RetCode, msg.Tail)
	if err := taskmodel.UpdateState(ctx, m.store, t, taskmodel.RunError, stateMsg); err != nil {
		m.log.Warnf("ensemble: mark RUN_ERROR %s: %v", t.CuteID(), err)
	}
	m.log.Errorf("%s RUN_ERROR from rank %d: %s", t.CuteID(), rank, stateMsg)

	m.mu.Lock()
	m.jobAssignments[rank] = nil
	m.nodeOccupancy[m.hostNames[rank]] -= a.occupancy
	m.mu.Unlock()
}

// masterExit implements spec.md §4.7 Shutdown: sends EXIT to every
// worker, then marks any task still outstanding RUN_TIMEOUT.
func (m *Master) masterExit(ctx context.Context) {
	m.log.Infof("ensemble master: sending EXIT to all ranks")
	for rank, rc := range m.conns {
		if rc == nil {
			continue
		}
		if err := rc.c.send(Message{Tag: TagExit}); err != nil {
			m.log.Warnf("ensemble: send EXIT to rank %d: %v", rank, err)
		}
	}

	m.mu.Lock()
	outstanding := append([]*assignment(nil), m.jobAssignments...)
	m.mu.Unlock()

	count := 0
	for rank, a := range outstanding {
		if a == nil || rank == 0 {
			continue
		}
		t, err := m.store.Get(ctx, a.taskID)
		if err != nil {
			m.log.Warnf("ensemble: load %s for timeout: %v", a.taskID, err)
			continue
		}
		if err := taskmodel.UpdateState(ctx, m.store, t, taskmodel.RunTimeout, "timed out in MPI Ensemble"); err != nil {
			m.log.Warnf("ensemble: mark RUN_TIMEOUT %s: %v", t.CuteID(), err)
			continue
		}
		count++
	}
	m.log.Infof("ensemble master: shutting down with %d jobs still running", count)

	for _, rc := range m.conns {
		if rc != nil {
			_ = rc.c.Close()
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
