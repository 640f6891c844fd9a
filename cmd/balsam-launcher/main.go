// Command balsam-launcher is the in-allocation workflow Launcher
// (spec.md §6): it runs the Main Loop (C8) against one of the three
// Task Source strategies until every targeted task reaches an END
// state or the allocation's wall time is exhausted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Larofeticus/balsam/internal/config"
	"github.com/Larofeticus/balsam/internal/diagnostics"
	"github.com/Larofeticus/balsam/internal/logging"
	"github.com/Larofeticus/balsam/internal/mainloop"
	"github.com/Larofeticus/balsam/internal/runner"
	"github.com/Larofeticus/balsam/internal/store/postgres"
	"github.com/Larofeticus/balsam/internal/store/sqliteproxy"
	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/Larofeticus/balsam/internal/tasksource"
	"github.com/Larofeticus/balsam/internal/transition"
	"github.com/Larofeticus/balsam/internal/worker"
)

func main() {
	consumeAll := flag.Bool("consume-all", false, "process every task in the store")
	wfName := flag.String("wf-name", "", "process tasks with this workflow label")
	jobFile := flag.String("job-file", "", "process the UUID list in this newline-delimited file")

	numWorkers := flag.Int("num-workers", 0, "worker count, DEFAULT host only; 0 reads $COBALT_PARTSIZE")
	nodesPerWorker := flag.Int("nodes-per-worker", 1, "nodes per worker, BG/Q only")
	maxRanksPerNode := flag.Int("max-ranks-per-node", 4, "max MPI ranks per node")
	timeLimitMinutes := flag.Float64("time-limit-minutes", 0, "0 means no time limit; the allocation's remaining wall time is not read")
	daemon := flag.Bool("daemon", false, "suppress ANSI color and interactive output")

	hostType := flag.String("host-type", "DEFAULT", "CRAY|BGQ|COBALT|DEFAULT")
	workersString := flag.String("workers", "", "CRAY-style node id ranges, e.g. 1001-1005,1030")
	ensembleExe := flag.String("ensemble-exe", "balsam-ensemble", "path to the balsam-ensemble binary")
	configPath := flag.String("config", "", "optional JSON config overlay")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")

	sqliteWriter := flag.Bool("sqlite-writer", false, "run as the sqliteproxy single-writer process instead of the launcher")

	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	color := !*daemon
	log := logging.New(logging.Options{Level: level, Format: logging.TextFormat, Output: os.Stderr, Component: "balsam-launcher", Color: &color})

	cfg, err := config.LoadFile(config.Default(), *configPath)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	if *sqliteWriter {
		runSqliteWriter(cfg, log)
		return
	}

	if err := run(runOptions{
		consumeAll: *consumeAll, wfName: *wfName, jobFile: *jobFile,
		numWorkers: *numWorkers, nodesPerWorker: *nodesPerWorker, maxRanksPerNode: *maxRanksPerNode,
		timeLimitMinutes: *timeLimitMinutes, hostType: *hostType, workersString: *workersString,
		ensembleExe: *ensembleExe, cfg: cfg, log: log,
	}); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

// runSqliteWriter runs the single-writer sqlite proxy process and blocks
// until a shutdown signal is received. balsam-launcher takes this writer
// role via a flag, much as balsam-ensemble picks master/worker roles by
// MPI rank.
func runSqliteWriter(cfg config.Config, log *logging.Logger) {
	w, err := sqliteproxy.NewWriter(cfg.Store.SqlitePath, cfg.Store.WriterAddr, log)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	mainloop.WatchSignals(cancel, log)

	if err := w.Serve(ctx); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

type runOptions struct {
	consumeAll                 bool
	wfName, jobFile, hostType  string
	workersString, ensembleExe string
	numWorkers, nodesPerWorker int
	maxRanksPerNode            int
	timeLimitMinutes           float64
	cfg                        config.Config
	log                        *logging.Logger
}

func run(o runOptions) error {
	modes := 0
	for _, v := range []bool{o.consumeAll, o.wfName != "", o.jobFile != ""} {
		if v {
			modes++
		}
	}
	if modes != 1 {
		return errors.New("exactly one of --consume-all, --wf-name, --job-file is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, wake, err := openStore(ctx, o.cfg.Store, o.cfg.Work.RootDirectory)
	if err != nil {
		return err
	}
	defer closeStore(store)

	resolveApp := func(name string) (*taskmodel.ApplicationDefinition, error) {
		return store.GetApplication(ctx, name)
	}

	source, index, err := buildSource(ctx, o, store)
	if err != nil {
		return err
	}
	if watcher, ok := source.(interface{ Watch() error }); ok {
		if err := watcher.Watch(); err != nil {
			return fmt.Errorf("balsam-launcher: watch job file: %w", err)
		}
	}

	pool, err := buildPool(o)
	if err != nil {
		return err
	}

	var lock sync.Mutex
	table := transition.DefaultTable(resolveApp)
	trans := transition.New(store, table, &lock, 4, 64, o.log.With("transition-pool"))
	if index != nil {
		trans.SetIndexer(func(t *taskmodel.Task) {
			if err := index.Index(t); err != nil {
				o.log.Warnf("search index: %v", err)
			}
		})
	}
	trans.Launch(4)

	group := runner.NewGroup(&lock, o.cfg.Scheduling.MaxConcurrentRunners, o.ensembleExe, resolveApp, o.log.With("runner-group"))

	timeLimit := time.Duration(o.timeLimitMinutes * float64(time.Minute))
	loop := mainloop.New(mainloop.Config{
		TimeLimit:            timeLimit,
		RunnerCreationPeriod: o.cfg.Scheduling.RunnerCreationPeriod,
		MaxDelay:             10 * time.Second,
	}, store, source, pool, trans, group, o.log.With("main-loop"))
	if wake != nil {
		loop.SetWake(wake)
	}

	var diagServer *diagnostics.Server
	if o.cfg.Diagnostics.Addr != "" {
		diagServer = diagnostics.New(source, loop, o.log.With("diagnostics"))
		loop.SetOnReady(diagServer.MarkReady)
		go func() {
			if err := diagServer.Serve(ctx, o.cfg.Diagnostics.Addr); err != nil {
				o.log.Warnf("diagnostics server: %v", err)
			}
		}()
	}

	mainloop.WatchSignals(cancel, o.log)

	if err := loop.DetectDeadRunners(ctx); err != nil {
		return fmt.Errorf("balsam-launcher: startup recovery: %w", err)
	}

	runErr := loop.Run(ctx)
	loop.Shutdown(ctx)
	return runErr
}

// buildSource constructs the Task Source strategy selected by flags. The
// --consume-all and --wf-name strategies get a bleve search index
// (SPEC_FULL.md §4.1); --job-file's membership is already a fixed,
// small list that grep serves just as well, so it stays a plain Source.
func buildSource(ctx context.Context, o runOptions, store taskmodel.Storage) (tasksource.Source, *tasksource.Index, error) {
	switch {
	case o.consumeAll:
		index, err := newSeededIndex(ctx, store, nil)
		if err != nil {
			return nil, nil, err
		}
		return tasksource.NewSearchableConsumeAll(store, index), index, nil
	case o.wfName != "":
		matchesWorkflow := func(t *taskmodel.Task) bool { return t.Workflow == o.wfName }
		index, err := newSeededIndex(ctx, store, matchesWorkflow)
		if err != nil {
			return nil, nil, err
		}
		return tasksource.NewSearchableWorkflow(store, o.wfName, index), index, nil
	default:
		src, err := tasksource.NewFileWatching(store, o.jobFile, o.log)
		return src, nil, err
	}
}

// newSeededIndex builds an Index and backfills it with every in-scope
// task already in the store, so Search covers tasks submitted before
// this launcher process started.
func newSeededIndex(ctx context.Context, store taskmodel.Storage, filter func(*taskmodel.Task) bool) (*tasksource.Index, error) {
	index, err := tasksource.NewIndex()
	if err != nil {
		return nil, fmt.Errorf("balsam-launcher: %w", err)
	}
	tasks, err := store.ByStates(ctx, taskmodel.States)
	if err != nil {
		return nil, fmt.Errorf("balsam-launcher: seed search index: %w", err)
	}
	for _, t := range tasks {
		if filter != nil && !filter(t) {
			continue
		}
		if err := index.Index(t); err != nil {
			return nil, fmt.Errorf("balsam-launcher: seed search index: %w", err)
		}
	}
	return index, nil
}

func buildPool(o runOptions) (*worker.Pool, error) {
	switch strings.ToUpper(o.hostType) {
	case "CRAY":
		if o.workersString == "" {
			return nil, errors.New("balsam-launcher: --workers is required for --host-type CRAY")
		}
		return worker.NewCrayPool(o.workersString, o.maxRanksPerNode)
	case "BGQ":
		n := o.numWorkers
		if n == 0 {
			n = envInt("COBALT_PARTSIZE", 1)
		}
		return worker.NewBGQPool(n, o.nodesPerWorker, o.maxRanksPerNode), nil
	case "DEFAULT", "COBALT", "":
		n := o.numWorkers
		if n == 0 {
			n = envInt("COBALT_PARTSIZE", 1)
		}
		return worker.NewDefaultPool(n, o.maxRanksPerNode), nil
	default:
		return nil, fmt.Errorf("balsam-launcher: unknown host type %q", o.hostType)
	}
}

// closeStore releases the store's connection, tolerating either Close
// signature the two Storage implementations use.
func closeStore(store taskmodel.Storage) {
	switch c := store.(type) {
	case interface{ Close() }:
		c.Close()
	case interface{ Close() error }:
		_ = c.Close()
	}
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func openStore(ctx context.Context, cfg config.StoreConfig, workRoot string) (taskmodel.Storage, <-chan struct{}, error) {
	switch cfg.Kind {
	case "postgres":
		s, err := postgres.New(ctx, &postgres.DatabaseConfig{
			ConnectionString: cfg.PostgresDSN,
			ListenChannel:    cfg.ListenChannel,
		}, workRoot)
		if err != nil {
			return nil, nil, fmt.Errorf("balsam-launcher: %w", err)
		}
		if err := s.MigrateToLatest(); err != nil {
			return nil, nil, fmt.Errorf("balsam-launcher: %w", err)
		}
		listener, err := postgres.NewListener(cfg.PostgresDSN, cfg.ListenChannel)
		if err != nil {
			return s, nil, nil
		}
		return s, listener.Events, nil
	case "sqliteproxy":
		c, err := sqliteproxy.NewClient(cfg.SqlitePath, cfg.WriterAddr, workRoot)
		if err != nil {
			return nil, nil, fmt.Errorf("balsam-launcher: %w", err)
		}
		return c, nil, nil
	default:
		return nil, nil, fmt.Errorf("balsam-launcher: unknown store kind %q", cfg.Kind)
	}
}
