// Package runner implements the Runner (C5) and Runner Group (C6): the
// subprocess supervisors that execute runnable tasks on a set of idle
// Workers, and the admission policy that decides which Runner to start
// next. Grounded on original_source's balsamlauncher/runners.py, in the
// teacher's process-spawn idiom (tests/fixtures/multinode_launcher.go).
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/mpicmd"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/Larofeticus/balsam/internal/worker"
)

// Runner spawns and supervises exactly one OS subprocess on behalf of
// one or more tasks (spec.md §4.3).
type Runner interface {
	Start(ctx context.Context) error
	UpdateTasks(ctx context.Context, store taskmodel.Storage) error
	Finished() bool
	Timeout(ctx context.Context, store taskmodel.Storage) error
	Tasks() []*taskmodel.Task
	Workers() []*worker.Worker
}

// monitorStream line-buffers a pipe in the background, mirroring the
// teacher's habit of pairing a blocking read with a channel so the
// reader is never blocked on process I/O (pkg/infrastructure/workers
// goroutine+channel style, applied here to stdout rather than task
// execution).
type monitorStream struct {
	lines chan string
}

func newMonitorStream(r io.Reader) *monitorStream {
	m := &monitorStream{lines: make(chan string, 256)}
	go func() {
		defer close(m.lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			m.lines <- scanner.Text()
		}
	}()
	return m
}

func (m *monitorStream) availableLines() []string {
	var out []string
	for {
		select {
		case line, ok := <-m.lines:
			if !ok {
				return out
			}
			out = append(out, line)
		default:
			return out
		}
	}
}

// procWatcher makes exec.Cmd's blocking Wait non-blocking to poll, the
// same shape as the teacher's channel-plus-goroutine pattern: a single
// background goroutine owns the blocking call and publishes its result
// once, so every other goroutine can check "done yet?" without blocking
// (spec.md §4.3 "finished() returns process.poll() is not None").
type procWatcher struct {
	done     chan struct{}
	exitCode int
}

func watch(cmd *exec.Cmd) *procWatcher {
	w := &procWatcher{done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		w.exitCode = exitCodeOf(err)
		close(w.done)
	}()
	return w
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func (w *procWatcher) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// MPIRunner launches exactly one task via the MPI Command Builder
// (spec.md §4.3).
type MPIRunner struct {
	task       *taskmodel.Task
	workers    []*worker.Worker
	log        *logging.Logger
	resolveApp func(name string) (*taskmodel.ApplicationDefinition, error)

	cmd     *exec.Cmd
	outfile *os.File
	proc    *procWatcher
}

func NewMPIRunner(t *taskmodel.Task, workers []*worker.Worker, resolveApp func(string) (*taskmodel.ApplicationDefinition, error), log *logging.Logger) *MPIRunner {
	return &MPIRunner{task: t, workers: workers, resolveApp: resolveApp, log: log}
}

func (r *MPIRunner) Tasks() []*taskmodel.Task   { return []*taskmodel.Task{r.task} }
func (r *MPIRunner) Workers() []*worker.Worker  { return r.workers }

func (r *MPIRunner) Start(ctx context.Context) error {
	t := r.task
	envs, err := t.Env(false, false)
	if err != nil {
		return fmt.Errorf("runner: build env: %w", err)
	}

	builder, err := mpicmd.For(r.workers[0].HostType)
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	appCmd, err := t.AppCmd(r.resolveApp)
	if err != nil {
		return fmt.Errorf("runner: resolve app command: %w", err)
	}
	argv, err := builder.Build(mpicmd.Spec{
		Workers:        r.workers,
		Command:        appCmd,
		Env:            envs,
		NumRanks:       t.NumRanks(),
		RanksPerNode:   t.RanksPerNode,
		ThreadsPerRank: t.ThreadsPerRank,
		ThreadsPerCore: t.ThreadsPerCore,
	})
	if err != nil {
		return fmt.Errorf("runner: build mpi command: %w", err)
	}

	workdir := t.WorkingDirectory()
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return fmt.Errorf("runner: mkdir %s: %w", workdir, err)
	}
	basename := filepath.Base(workdir)
	outfile, err := os.Create(filepath.Join(workdir, basename+".out"))
	if err != nil {
		return fmt.Errorf("runner: create output file: %w", err)
	}
	r.outfile = outfile

	r.cmd = exec.Command(argv[0], argv[1:]...)
	r.cmd.Dir = workdir
	r.cmd.Stdout = outfile
	r.cmd.Stderr = outfile
	if err := r.cmd.Start(); err != nil {
		outfile.Close()
		return fmt.Errorf("runner: start mpi process: %w", err)
	}
	r.proc = watch(r.cmd)
	return nil
}

// UpdateTasks implements update_jobs for an MPIRunner: poll returns nil
// while running, 0 on success, nonzero on failure (spec.md §4.3).
func (r *MPIRunner) UpdateTasks(ctx context.Context, store taskmodel.Storage) error {
	if !r.proc.finished() {
		return nil
	}
	code := r.proc.exitCode
	var next taskmodel.State
	var msg string
	switch {
	case code == 0:
		next = taskmodel.RunDone
	default:
		next = taskmodel.RunError
		msg = fmt.Sprintf("%d", code)
	}
	if r.task.State == next {
		return nil
	}
	return taskmodel.UpdateState(ctx, store, r.task, next, msg)
}

func (r *MPIRunner) Finished() bool {
	return r.proc.finished()
}

func (r *MPIRunner) Timeout(ctx context.Context, store taskmodel.Storage) error {
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Signal(syscall.SIGTERM)
	}
	if r.task.State == taskmodel.Running {
		return taskmodel.UpdateState(ctx, store, r.task, taskmodel.RunTimeout, "")
	}
	return nil
}

// EnsembleRunner packs many serial tasks into one MPI invocation of the
// Ensemble Dispatcher (spec.md §4.3). It writes a manifest file of
// "<uuid> <workdir> <cmd>" lines; the dispatcher's rank-0 master writes
// every task-state transition straight to the shared store, so
// UpdateTasks refreshes its task pointers by re-reading them rather than
// parsing the subprocess's stdout, which carries only diagnostic logs.
type EnsembleRunner struct {
	tasks      []*taskmodel.Task
	tasksByID  map[string]*taskmodel.Task
	workers    []*worker.Worker
	log        *logging.Logger
	resolveApp func(name string) (*taskmodel.ApplicationDefinition, error)

	ensembleExe string

	cmd     *exec.Cmd
	monitor *monitorStream
	proc    *procWatcher
}

func NewEnsembleRunner(tasks []*taskmodel.Task, workers []*worker.Worker, ensembleExe string, resolveApp func(string) (*taskmodel.ApplicationDefinition, error), log *logging.Logger) *EnsembleRunner {
	byID := make(map[string]*taskmodel.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID.String()] = t
	}
	return &EnsembleRunner{tasks: tasks, tasksByID: byID, workers: workers, ensembleExe: ensembleExe, resolveApp: resolveApp, log: log}
}

func (r *EnsembleRunner) Tasks() []*taskmodel.Task  { return r.tasks }
func (r *EnsembleRunner) Workers() []*worker.Worker { return r.workers }

func (r *EnsembleRunner) Start(ctx context.Context) error {
	rootDir := filepath.Dir(r.tasks[0].WorkingDirectory())

	manifest, err := os.CreateTemp(rootDir, "mpi-ensemble-*")
	if err != nil {
		return fmt.Errorf("runner: create manifest: %w", err)
	}
	defer manifest.Close()
	w := bufio.NewWriter(manifest)
	for _, t := range r.tasks {
		appCmd, err := t.AppCmd(r.resolveApp)
		if err != nil {
			return fmt.Errorf("runner: resolve app command for %s: %w", t.CuteID(), err)
		}
		fmt.Fprintf(w, "%s %s %s\n", t.ID, t.WorkingDirectory(), appCmd)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("runner: write manifest: %w", err)
	}

	rpn := r.workers[0].MaxRanksPerNode
	nranks := 0
	for _, wk := range r.workers {
		nranks += wk.NumNodes * rpn
	}
	envs, err := r.tasks[0].Env(false, false)
	if err != nil {
		return fmt.Errorf("runner: build env: %w", err)
	}
	appCmd := strings.Join([]string{r.ensembleExe, manifest.Name()}, " ")

	builder, err := mpicmd.For(r.workers[0].HostType)
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	argv, err := builder.Build(mpicmd.Spec{
		Workers:      r.workers,
		Command:      appCmd,
		Env:          envs,
		NumRanks:     nranks,
		RanksPerNode: rpn,
	})
	if err != nil {
		return fmt.Errorf("runner: build mpi command: %w", err)
	}

	r.cmd = exec.Command(argv[0], argv[1:]...)
	r.cmd.Dir = rootDir
	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runner: stdout pipe: %w", err)
	}
	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("runner: start ensemble dispatcher: %w", err)
	}
	r.monitor = newMonitorStream(stdout)
	r.proc = watch(r.cmd)
	return nil
}

// UpdateTasks implements the ensemble runner's update_jobs: the Master
// subprocess owns every state write, so this only needs to refresh the
// Runner's in-memory task pointers from the store so Finished()'s
// terminal-state check (group.go's UpdateAndRemoveFinished) observes
// them. Monitor lines are drained only to keep the dispatcher's stdout
// pipe from filling and blocking its log writes.
func (r *EnsembleRunner) UpdateTasks(ctx context.Context, store taskmodel.Storage) error {
	if r.proc.finished() && r.proc.exitCode != 0 {
		r.log.Warnf("ensemble dispatcher exited %d", r.proc.exitCode)
	}
	for _, line := range r.monitor.availableLines() {
		r.log.Debugf("ensemble dispatcher: %s", line)
	}

	for i, t := range r.tasks {
		fresh, err := store.Get(ctx, t.ID)
		if err != nil {
			r.log.Warnf("runner: refresh %s: %v", t.CuteID(), err)
			continue
		}
		r.tasks[i] = fresh
		r.tasksByID[fresh.ID.String()] = fresh
	}
	return nil
}

func (r *EnsembleRunner) Finished() bool {
	return r.proc.finished()
}

func (r *EnsembleRunner) Timeout(ctx context.Context, store taskmodel.Storage) error {
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Signal(syscall.SIGTERM)
	}
	for _, t := range r.tasks {
		if t.State == taskmodel.Running {
			if err := taskmodel.UpdateState(ctx, store, t, taskmodel.RunTimeout, ""); err != nil {
				return err
			}
		}
	}
	return nil
}
