// Command balsam-ensemble is the MPI Ensemble Dispatcher (C7,
// spec.md §4.7): rank 0 runs the pull-scheduler master, every other
// rank runs a worker that executes whatever task the master assigns.
// Launched by the Runner Group through mpicmd, never directly by an
// operator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Larofeticus/balsam/internal/config"
	"github.com/Larofeticus/balsam/internal/ensemble"
	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/mainloop"
	"github.com/Larofeticus/balsam/internal/store/postgres"
	"github.com/Larofeticus/balsam/internal/store/sqliteproxy"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/Larofeticus/balsam/internal/tasksource"
)

func main() {
	timeLimitMin := flag.Float64("time-limit-minutes", 0, "wall time remaining for this ensemble, 0 means unbounded")
	rendezvousWait := flag.Duration("rendezvous-wait", 60*time.Second, "how long a worker rank waits for the master's rendezvous file")
	configPath := flag.String("config", "", "optional JSON config overlay (store connection settings)")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: balsam-ensemble [flags] <manifest-path>")
		os.Exit(2)
	}
	manifestPath := flag.Arg(0)

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(logging.Options{Level: level, Format: logging.TextFormat, Output: os.Stderr, Component: "balsam-ensemble"})

	cfg, err := config.LoadFile(config.Default(), *configPath)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	info, err := ensemble.DetectRank()
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	ecfg := ensemble.Config{
		ManifestPath:   manifestPath,
		RendezvousPath: manifestPath + ".rendezvous",
		TimeLimitMin:   *timeLimitMin,
		RendezvousWait: *rendezvousWait,
	}

	ctx, cancel := context.WithCancel(context.Background())
	mainloop.WatchSignals(cancel, log)

	var store taskmodel.Storage
	var source tasksource.Source
	if info.Rank == 0 {
		store, err = openStore(ctx, cfg.Store, cfg.Work.RootDirectory)
		if err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
		source = tasksource.NewConsumeAll(store)
	}

	if err := ensemble.Run(ctx, ecfg, store, source, log); err != nil {
		log.Errorf("ensemble dispatcher: %v", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig, workRoot string) (taskmodel.Storage, error) {
	switch cfg.Kind {
	case "postgres":
		s, err := postgres.New(ctx, &postgres.DatabaseConfig{
			ConnectionString: cfg.PostgresDSN,
			MaxConnections:   4,
			ConnectTimeout:   10 * time.Second,
			ListenChannel:    cfg.ListenChannel,
		}, workRoot)
		if err != nil {
			return nil, fmt.Errorf("balsam-ensemble: %w", err)
		}
		return s, nil
	case "sqliteproxy":
		c, err := sqliteproxy.NewClient(cfg.SqlitePath, cfg.WriterAddr, workRoot)
		if err != nil {
			return nil, fmt.Errorf("balsam-ensemble: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("balsam-ensemble: unknown store kind %q", cfg.Kind)
	}
}
