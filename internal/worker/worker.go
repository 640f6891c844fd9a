// Package worker implements the Worker Pool (C1): the immutable-inventory,
// allocation-scoped compute units the Launcher packs tasks onto.
package worker

import (
	"fmt"
	"strconv"
	"strings"
)

// Worker is one scheduling unit within the allocation — typically one
// physical node, or a sub-block on BG/Q-style machines (spec.md §3,
// glossary "Worker"). In-memory only; created at Launcher start from the
// outer scheduler's node list and destroyed at shutdown.
type Worker struct {
	ID               string
	HostType         string
	NumNodes         int
	MaxRanksPerNode  int
	Shape            string
	Block            string
	Corner           string
	Idle             bool
}

// Pool is the in-memory collection of Workers for the current allocation.
// Mutation of the Idle flag is the Runner Group's exclusive responsibility;
// all other readers (the Main Loop) are single-threaded (spec.md §5).
type Pool struct {
	Workers []*Worker
}

func (p *Pool) Idle() []*Worker {
	var idle []*Worker
	for _, w := range p.Workers {
		if w.Idle {
			idle = append(idle, w)
		}
	}
	return idle
}

// NodesPerWorker and MaxRanksPerNode assume (and the Runner Group asserts,
// spec.md §4.4) that every Worker in a pool shares the same shape.
func (p *Pool) NodesPerWorker() int {
	if len(p.Workers) == 0 {
		return 0
	}
	return p.Workers[0].NumNodes
}

func (p *Pool) MaxRanksPerNode() int {
	if len(p.Workers) == 0 {
		return 0
	}
	return p.Workers[0].MaxRanksPerNode
}

// NewDefaultPool builds N single-node workers for the DEFAULT host flavor
// (spec.md §6: --num-workers N).
func NewDefaultPool(numWorkers, maxRanksPerNode int) *Pool {
	workers := make([]*Worker, numWorkers)
	for i := range workers {
		workers[i] = &Worker{
			ID:              strconv.Itoa(i),
			HostType:        "DEFAULT",
			NumNodes:        1,
			MaxRanksPerNode: maxRanksPerNode,
			Idle:            true,
		}
	}
	return &Pool{Workers: workers}
}

// NewCrayPool parses a CRAY-style workers string such as
// "1001-1005,1030,1034-1200" into one Worker per node id (spec.md §6).
func NewCrayPool(workersStr string, maxRanksPerNode int) (*Pool, error) {
	var ids []int
	for _, part := range strings.Split(workersStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bounds := strings.SplitN(part, "-", 2)
		lo, err := strconv.Atoi(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("worker: bad node range %q: %w", part, err)
		}
		hi := lo
		if len(bounds) == 2 {
			hi, err = strconv.Atoi(bounds[1])
			if err != nil {
				return nil, fmt.Errorf("worker: bad node range %q: %w", part, err)
			}
		}
		for id := lo; id <= hi; id++ {
			ids = append(ids, id)
		}
	}
	workers := make([]*Worker, len(ids))
	for i, id := range ids {
		workers[i] = &Worker{
			ID:              strconv.Itoa(id),
			HostType:        "CRAY",
			NumNodes:        1,
			MaxRanksPerNode: maxRanksPerNode,
			Idle:            true,
		}
	}
	return &Pool{Workers: workers}, nil
}

// NewBGQPool builds nodesPerWorker-sized sub-block workers for a BG/Q-style
// system; shape/block/corner assignment is a stub left for the batch
// scheduler's node file (spec.md §9: "box_pack job packer is a stub").
func NewBGQPool(numWorkers, nodesPerWorker, maxRanksPerNode int) *Pool {
	workers := make([]*Worker, numWorkers)
	for i := range workers {
		workers[i] = &Worker{
			ID:              strconv.Itoa(i),
			HostType:        "BGQ",
			NumNodes:        nodesPerWorker,
			MaxRanksPerNode: maxRanksPerNode,
			Idle:            true,
		}
	}
	return &Pool{Workers: workers}
}
