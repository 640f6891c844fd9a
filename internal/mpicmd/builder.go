// Package mpicmd implements the MPI Command Builder (C2): a pure,
// host-flavor-aware renderer of an MPI launch line (spec.md §4.6). It
// performs no I/O and owns no state.
package mpicmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Larofeticus/balsam/internal/worker"
)

// Spec describes one MPI launch request.
type Spec struct {
	Workers        []*worker.Worker
	Command        string
	Env            map[string]string
	NumRanks       int
	RanksPerNode   int
	ThreadsPerRank int
	ThreadsPerCore int
}

// Builder renders argv for a host flavor.
type Builder interface {
	Build(s Spec) ([]string, error)
}

// For selects the Builder for a host type string (CRAY, BGQ, COBALT, or
// DEFAULT).
func For(hostType string) (Builder, error) {
	switch strings.ToUpper(hostType) {
	case "CRAY":
		return crayBuilder{}, nil
	case "BGQ":
		return bgqBuilder{}, nil
	case "COBALT":
		return cobaltBuilder{}, nil
	case "DEFAULT", "":
		return defaultBuilder{}, nil
	default:
		return nil, fmt.Errorf("mpicmd: unknown host type %q", hostType)
	}
}

func sortedEnvFlags(flag string, env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		out = append(out, flag, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func nodeIDs(workers []*worker.Worker) []string {
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	return ids
}

// defaultBuilder targets a local/COBALT-less workstation: plain mpirun with
// a host list, threading passed as an exported OMP_NUM_THREADS.
type defaultBuilder struct{}

func (defaultBuilder) Build(s Spec) ([]string, error) {
	if len(s.Workers) == 0 {
		return nil, fmt.Errorf("mpicmd: no workers supplied")
	}
	argv := []string{"mpirun", "-n", itoa(s.NumRanks), "--host", strings.Join(nodeIDs(s.Workers), ",")}
	if s.RanksPerNode > 0 {
		argv = append(argv, "--npernode", itoa(s.RanksPerNode))
	}
	if s.ThreadsPerRank > 1 {
		argv = append(argv, "-x", fmt.Sprintf("OMP_NUM_THREADS=%d", s.ThreadsPerRank))
	}
	argv = append(argv, sortedEnvFlags("-x", withoutOMP(s.Env))...)
	argv = append(argv, splitCommand(s.Command)...)
	return argv, nil
}

// cobaltBuilder targets Cobalt-scheduled Theta-like clusters: aprun with a
// depth/cpu-binding flag set appropriate to hyperthreaded Xeon Phi nodes.
type cobaltBuilder struct{}

func (cobaltBuilder) Build(s Spec) ([]string, error) {
	if len(s.Workers) == 0 {
		return nil, fmt.Errorf("mpicmd: no workers supplied")
	}
	depth := s.ThreadsPerRank * s.ThreadsPerCore
	if depth < 1 {
		depth = 1
	}
	argv := []string{
		"aprun", "-n", itoa(s.NumRanks), "-N", itoa(s.RanksPerNode),
		"-d", itoa(depth), "-cc", "depth",
		"-L", strings.Join(nodeIDs(s.Workers), ","),
	}
	argv = append(argv, sortedEnvFlags("-e", s.Env)...)
	argv = append(argv, splitCommand(s.Command)...)
	return argv, nil
}

// crayBuilder targets native Cray (Slurm-on-Cray / ALPS-less) systems using
// srun with an explicit node list.
type crayBuilder struct{}

func (crayBuilder) Build(s Spec) ([]string, error) {
	if len(s.Workers) == 0 {
		return nil, fmt.Errorf("mpicmd: no workers supplied")
	}
	argv := []string{
		"srun", "--nodelist=" + strings.Join(nodeIDs(s.Workers), ","),
		"-n", itoa(s.NumRanks), "--ntasks-per-node", itoa(s.RanksPerNode),
	}
	if s.ThreadsPerRank > 0 {
		argv = append(argv, "--cpus-per-task", itoa(s.ThreadsPerRank*s.ThreadsPerCore))
	}
	for _, kv := range sortedEnvFlags("", s.Env) {
		if kv == "" {
			continue
		}
		argv = append(argv, "--export=ALL,"+kv)
	}
	argv = append(argv, splitCommand(s.Command)...)
	return argv, nil
}

// bgqBuilder targets a BG/Q-style sub-block host via runjob, addressing the
// worker's shape/block/corner rather than a flat node list.
type bgqBuilder struct{}

func (bgqBuilder) Build(s Spec) ([]string, error) {
	if len(s.Workers) == 0 {
		return nil, fmt.Errorf("mpicmd: no workers supplied")
	}
	w := s.Workers[0]
	argv := []string{
		"runjob", "--block", w.Block, "--corner", w.Corner, "--shape", w.Shape,
		"--ranks-per-node", itoa(s.RanksPerNode),
		"--np", itoa(s.NumRanks),
	}
	argv = append(argv, sortedEnvFlags("--envs", s.Env)...)
	argv = append(argv, ":")
	argv = append(argv, splitCommand(s.Command)...)
	return argv, nil
}

func withoutOMP(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if k == "OMP_NUM_THREADS" {
			continue
		}
		out[k] = v
	}
	return out
}

func splitCommand(cmd string) []string {
	return strings.Fields(cmd)
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
