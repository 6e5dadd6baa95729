// Package main implements the tidelake admin binary: timeline inspection,
// rollback/restore/savepoint operations, manual table service runs, and the
// background service daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/arkilian/tidelake/internal/config"
	"github.com/arkilian/tidelake/internal/rollback"
	"github.com/arkilian/tidelake/internal/storage"
	"github.com/arkilian/tidelake/internal/table"
	"github.com/arkilian/tidelake/internal/tableservice"
	"github.com/arkilian/tidelake/internal/timeline"
	"github.com/arkilian/tidelake/internal/txn"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: tidelake [-config FILE] COMMAND [args]

Commands:
  timeline                     show the table's instants
  rollback INSTANT             undo the instant at INSTANT
  savepoint INSTANT [COMMENT]  pin the table state at INSTANT
  release-savepoint INSTANT    unpin a savepoint
  restore INSTANT              return the table to the savepoint at INSTANT
  compact [PARTITION...]       schedule and run compaction
  cluster [PARTITION...]       schedule and run clustering
  serve                        run the background service daemon
`)
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", "", "path to config file (YAML or JSON)")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	t, err := openTable(ctx, cfg)
	if err != nil {
		log.Fatalf("open table: %v", err)
	}
	defer t.Close()

	args := flag.Args()
	switch args[0] {
	case "timeline":
		err = showTimeline(t)
	case "rollback":
		err = runRollback(ctx, t, args[1:])
	case "savepoint":
		err = runSavepoint(ctx, t, args[1:])
	case "release-savepoint":
		err = runReleaseSavepoint(ctx, t, args[1:])
	case "restore":
		err = runRestore(ctx, t, args[1:])
	case "compact":
		err = runService(ctx, t, timeline.ActionCompaction, args[1:])
	case "cluster":
		err = runService(ctx, t, timeline.ActionReplace, args[1:])
	case "serve":
		err = serve(ctx, cfg, t)
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func openTable(ctx context.Context, cfg *config.Config) (*table.Table, error) {
	var store storage.ObjectStore
	switch cfg.Storage.Type {
	case "s3":
		s3store, err := storage.NewS3Store(ctx, cfg.Storage.S3.Bucket, storage.S3Config{
			Region:            cfg.Storage.S3.Region,
			Endpoint:          cfg.Storage.S3.Endpoint,
			ConditionalWrites: cfg.Storage.S3.ConditionalWrites,
		})
		if err != nil {
			return nil, err
		}
		store = s3store
	default:
		local, err := storage.NewLocalStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		store = local
	}

	var lock txn.LockProvider
	switch cfg.Lock.Provider {
	case "storage":
		sl, err := txn.NewStorageLock(store, cfg.Table.BasePath+"/.timeline/table.lock", cfg.Lock.TTL)
		if err != nil {
			return nil, err
		}
		lock = sl
	case "zookeeper":
		zl, err := txn.NewZKLock(cfg.Lock.ZKServers, cfg.Lock.ZKPath, 10*time.Second)
		if err != nil {
			return nil, err
		}
		lock = zl
	default:
		lock = txn.NewInProcessLock()
	}

	indexPath := cfg.Table.IndexPath
	if !cfg.IndexEnabled() {
		indexPath = ""
	}
	return table.Open(ctx, store, cfg.Table.BasePath, table.Options{
		Lock:               lock,
		LockTimeout:        cfg.Lock.Timeout,
		IndexPath:          indexPath,
		MarkerPolicy:       rollback.DefaultMarkerPolicy,
		MaxClockSkew:       cfg.Table.MaxClockSkew,
		ServicePolicy:      tableservice.SelectionPolicy(cfg.Service.Policy),
		ServiceParallelism: cfg.Service.Parallelism,
		Planner: tableservice.PlannerConfig{
			MaxLogFiles:    cfg.Service.MaxLogFiles,
			SmallFileBytes: cfg.Service.SmallFileBytes,
		},
	})
}

func showTimeline(t *table.Table) error {
	for _, inst := range t.Timeline().Instants() {
		fmt.Printf("%s  %-13s %s\n", inst.Time, inst.Action, inst.State)
	}
	return nil
}

func runRollback(ctx context.Context, t *table.Table, args []string) error {
	if len(args) != 1 {
		usage()
	}
	res, err := t.Rollback(ctx, args[0])
	if err != nil {
		return err
	}
	if res.AlreadyDone {
		fmt.Printf("instant %s was already rolled back by %s\n", res.TargetInstant, res.RollbackInstant)
		return nil
	}
	fmt.Printf("rolled back %s (rollback instant %s, %d files deleted)\n",
		res.TargetInstant, res.RollbackInstant, res.FilesDeleted)
	return nil
}

func runSavepoint(ctx context.Context, t *table.Table, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		usage()
	}
	comment := ""
	if len(args) == 2 {
		comment = args[1]
	}
	if err := t.Savepoint(ctx, args[0], comment); err != nil {
		return err
	}
	fmt.Printf("savepoint created at %s\n", args[0])
	return nil
}

func runReleaseSavepoint(ctx context.Context, t *table.Table, args []string) error {
	if len(args) != 1 {
		usage()
	}
	if err := t.ReleaseSavepoint(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("savepoint %s released\n", args[0])
	return nil
}

func runRestore(ctx context.Context, t *table.Table, args []string) error {
	if len(args) != 1 {
		usage()
	}
	res, err := t.Restore(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("restored to savepoint %s (restore instant %s, %d instants rolled back)\n",
		res.SavepointTime, res.RestoreInstant, len(res.RolledBack))
	return nil
}

func runService(ctx context.Context, t *table.Table, action timeline.Action, partitions []string) error {
	instant, scheduled, err := t.Services().Schedule(ctx, action, partitions)
	if err != nil {
		return err
	}
	if !scheduled {
		fmt.Println("nothing to do")
	} else {
		fmt.Printf("scheduled %s at %s\n", action, instant)
	}
	for {
		res, err := t.Services().Execute(ctx)
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		fmt.Printf("executed %s at %s (%d files written)\n", res.Action, res.InstantTime, res.FilesWritten)
	}
}

func serve(ctx context.Context, cfg *config.Config, t *table.Table) error {
	partitions, err := flagPartitions(ctx, t)
	if err != nil {
		return err
	}
	daemon := tableservice.NewDaemon(tableservice.DaemonConfig{
		CheckInterval: cfg.Service.CheckInterval,
		Partitions:    partitions,
	}, t.Services())
	if err := daemon.Start(ctx); err != nil {
		return err
	}
	log.WithField("interval", cfg.Service.CheckInterval).Info("service daemon started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: cfg.Service.MetricsAddr, Handler: mux, ReadTimeout: 30 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("err", err).Error("metrics server error")
		}
	}()
	log.WithField("addr", cfg.Service.MetricsAddr).Info("metrics listener started")

	<-ctx.Done()
	log.Info("shutting down")
	if err := daemon.Stop(); err != nil {
		log.WithField("err", err).Error("daemon stop error")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// flagPartitions resolves the partitions the daemon should maintain: every
// partition currently holding data.
func flagPartitions(ctx context.Context, t *table.Table) ([]string, error) {
	files, err := t.Incremental(ctx, "00000000000000000", "")
	if err != nil {
		return nil, err
	}
	var partitions []string
	for p := range files {
		partitions = append(partitions, p)
	}
	return partitions, nil
}
