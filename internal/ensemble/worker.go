package ensemble

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Larofeticus/balsam/internal/logging"
)

const workerCheckPeriod = 10 * time.Second

// Worker is one non-zero-rank process of spec.md §4.7: it blocks on the
// master, runs at most one command at a time, and reports back with
// ASK/DONE/ERROR.
type Worker struct {
	rank int
	c    *conn
	log  *logging.Logger

	process *exec.Cmd
	outfile *os.File
	taskID  string
}

// DialMaster connects to the master's rendezvous address and performs
// the tagHello handshake.
func DialMaster(addr string, rank int) (*Worker, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ensemble: dial master: %w", err)
	}
	hostname, _ := os.Hostname()
	rc := newConn(c)
	if err := rc.send(Message{Tag: tagHello, Rank: rank, Hostname: hostname}); err != nil {
		return nil, err
	}
	return &Worker{rank: rank, c: rc}, nil
}

// Run is the worker main loop of spec.md §4.7: block on recv, act on
// NEW/KILL/EXIT, then poll the child for a retcode and report.
func (w *Worker) Run(log *logging.Logger) {
	w.log = log
	for {
		msg, err := w.c.recv()
		if err != nil {
			w.log.Warnf("ensemble: rank %d lost connection to master: %v", w.rank, err)
			w.kill()
			return
		}

		switch msg.Tag {
		case TagNew:
			if !w.startJob(msg) {
				_ = w.c.send(Message{Tag: TagError, RetCode: 123, Tail: "could not start process from mpi ensemble"})
				continue
			}
		case TagKill:
			w.kill()
			continue
		case TagExit:
			w.kill()
			return
		default:
			w.log.Warnf("ensemble: rank %d: unexpected tag %s", w.rank, msg.Tag)
			continue
		}

		w.reportUntilDone()
	}
}

// reportUntilDone polls the running child every workerCheckPeriod,
// sending ASK and waiting on master's reply, until the process exits.
func (w *Worker) reportUntilDone() {
	for w.process != nil {
		retcode, exited := w.pollRetcode()
		if !exited {
			_ = w.c.send(Message{Tag: TagAsk})
			reply, err := w.c.recv()
			if err != nil {
				w.kill()
				return
			}
			if reply.Tag == TagKill {
				w.kill()
			}
			continue
		}

		if retcode == 0 {
			elapsed := w.parseElapsed()
			_ = w.c.send(Message{Tag: TagDone, ElapsedSeconds: elapsed})
		} else {
			_ = w.c.send(Message{Tag: TagError, RetCode: retcode, Tail: w.tail(10)})
		}
		w.finishJob()
		return
	}
}

// pollRetcode waits up to workerCheckPeriod for the process to exit,
// the Go substitute for Popen.wait(timeout=CHECK_PERIOD): exec.Cmd has
// no native timed wait, so a background goroutine owns the blocking
// Wait and this selects against a timer.
func (w *Worker) pollRetcode() (int, bool) {
	done := make(chan error, 1)
	go func() { done <- w.process.Wait() }()
	select {
	case err := <-done:
		return exitCode(err), true
	case <-time.After(workerCheckPeriod):
		return 0, false
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

func (w *Worker) startJob(msg Message) bool {
	w.taskID = msg.TaskID
	outName := filepath.Join(msg.Workdir, msg.Name+".out")
	timedCmd := fmt.Sprintf("time -p ( %s )", msg.Cmd)

	for attempt := 0; attempt < 4; attempt++ {
		outfile, err := os.OpenFile(outName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			w.log.Warnf("ensemble: rank %d: open outfile: %v", w.rank, err)
			jitterSleep()
			continue
		}

		cmd := exec.Command("/bin/bash", "-c", timedCmd)
		cmd.Dir = msg.Workdir
		cmd.Stdout = outfile
		cmd.Stderr = outfile
		cmd.Env = envSlice(msg.Envs)

		if err := cmd.Start(); err != nil {
			outfile.Close()
			w.log.Warnf("ensemble: rank %d: start error, retrying: %v", w.rank, err)
			jitterSleep()
			continue
		}
		w.process = cmd
		w.outfile = outfile
		return true
	}
	w.log.Errorf("ensemble: rank %d: failed to start process after 4 attempts", w.rank)
	return false
}

func jitterSleep() {
	time.Sleep(time.Duration((0.5+3.5*rand.Float64())*1000) * time.Millisecond)
}

func envSlice(envs map[string]string) []string {
	out := make([]string, 0, len(envs))
	for k, v := range envs {
		out = append(out, k+"="+v)
	}
	return out
}

// kill SIGTERMs the running process, giving it workerCheckPeriod to
// exit gracefully before SIGKILL.
func (w *Worker) kill() {
	if w.process == nil {
		return
	}
	_ = w.process.Process.Signal(syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- w.process.Wait() }()
	select {
	case <-done:
	case <-time.After(workerCheckPeriod):
		_ = w.process.Process.Kill()
		<-done
	}
	w.finishJob()
}

func (w *Worker) finishJob() {
	if w.outfile != nil {
		w.outfile.Close()
	}
	w.process = nil
	w.outfile = nil
	w.taskID = ""
}

var elapsedPattern = regexp.MustCompile(`(?m)^real\s+([0-9.]+)`)

// parseElapsed reads "real N.N" out of the timed command's tail, the
// Go substitute for original_source's parse_real_time(get_tail(...)).
func (w *Worker) parseElapsed() float64 {
	tail := w.tail(10)
	m := elapsedPattern.FindStringSubmatch(tail)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return v
}

// tail reads the last n lines of the process's output file.
func (w *Worker) tail(n int) string {
	if w.outfile == nil {
		return ""
	}
	data, err := os.ReadFile(w.outfile.Name())
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
