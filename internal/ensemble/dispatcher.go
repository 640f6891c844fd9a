package ensemble

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/Larofeticus/balsam/internal/tasksource"
)

// Config holds the balsam-ensemble binary's startup parameters
// (SPEC_FULL.md §12, spec.md §4.7).
type Config struct {
	ManifestPath    string
	RendezvousPath  string
	TimeLimitMin    float64
	RendezvousWait  time.Duration
}

// Run dispatches to the master or worker role based on this process's
// MPI rank (spec.md §4.7's `if RANK == 0`).
func Run(ctx context.Context, cfg Config, store taskmodel.Storage, source tasksource.Source, log *logging.Logger) error {
	info, err := DetectRank()
	if err != nil {
		return fmt.Errorf("ensemble: %w", err)
	}

	if info.Rank == 0 {
		return runMaster(ctx, cfg, info, store, source, log)
	}
	return runWorker(cfg, info, log)
}

func runMaster(ctx context.Context, cfg Config, info RankInfo, store taskmodel.Storage, source tasksource.Source, log *logging.Logger) error {
	manifest, err := ReadManifest(cfg.ManifestPath)
	if err != nil {
		return err
	}

	m := NewMaster(store, source, manifest, cfg.TimeLimitMin, log)

	sigusr1 := make(chan os.Signal, 1)
	signal.Notify(sigusr1, syscall.SIGUSR1)
	go func() {
		for range sigusr1 {
			log.Infof("ensemble master: SIGUSR1 received, draining without new work")
			m.SetRunNewJobs(false)
		}
	}()

	if err := m.Listen(cfg.RendezvousPath, info.Size); err != nil {
		return err
	}
	m.Run(ctx)
	return nil
}

func runWorker(cfg Config, info RankInfo, log *logging.Logger) error {
	// Workers ignore termination signals directly; shutdown is driven
	// entirely by the master's EXIT message (spec.md §4.7).
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	wait := cfg.RendezvousWait
	if wait <= 0 {
		wait = 60 * time.Second
	}
	addr, err := waitForRendezvousFile(cfg.RendezvousPath, wait)
	if err != nil {
		return err
	}

	w, err := DialMaster(addr, info.Rank)
	if err != nil {
		return err
	}
	w.Run(log.With(fmt.Sprintf("ensemble-rank-%d", info.Rank)))
	return nil
}
