package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/devrev/pairdb/windowstore/internal/collector"
	"github.com/devrev/pairdb/windowstore/internal/config"
	"github.com/devrev/pairdb/windowstore/internal/health"
	"github.com/devrev/pairdb/windowstore/internal/metrics"
	"github.com/devrev/pairdb/windowstore/internal/serde"
	"github.com/devrev/pairdb/windowstore/internal/server"
	"github.com/devrev/pairdb/windowstore/internal/service"
	"github.com/devrev/pairdb/windowstore/internal/storage/cache"
	"github.com/devrev/pairdb/windowstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/windowstore/internal/storage/segmented"
	"github.com/devrev/pairdb/windowstore/internal/storage/sstable"
	"github.com/devrev/pairdb/windowstore/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const inputTopic = "events"

type options struct {
	configPath string
	tasks      int
	records    int
	keys       int
}

func parseFlags() options {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "./config.yaml"
	}

	var opts options
	flag.StringVarP(&opts.configPath, "config", "c", defaultConfig, "path to the YAML configuration file")
	flag.IntVarP(&opts.tasks, "tasks", "t", 0, "number of stream tasks (overrides task.count)")
	flag.IntVarP(&opts.records, "records", "n", 10000, "records generated per task, 0 runs until interrupted")
	flag.IntVarP(&opts.keys, "keys", "k", 100, "number of distinct record keys")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if opts.tasks > 0 {
		cfg.Task.Count = opts.tasks
	}
	if opts.keys < 1 {
		fmt.Fprintln(os.Stderr, "--keys must be positive")
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, opts, logger); err != nil {
		logger.Fatal("Window store exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, opts options, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("application_id", cfg.Application.ID),
		zap.String("store", cfg.Store.Name),
		zap.Duration("window_size", cfg.Store.WindowSize),
		zap.Int("tasks", cfg.Task.Count))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Application.ID, reg)

	sharedCache := cache.NewThreadCache(&cache.Config{MaxBytes: cfg.Cache.MaxBytes}, logger, m)

	var disk *diskmanager.DiskManager
	if cfg.Store.DataDir != "" {
		if err := os.MkdirAll(cfg.Store.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		dm, err := diskmanager.NewDiskManager(&diskmanager.Config{
			DataDir:                 cfg.Store.DataDir,
			CheckInterval:           cfg.Store.Disk.CheckInterval,
			WarningThreshold:        cfg.Store.Disk.WarningThreshold,
			CircuitBreakerThreshold: cfg.Store.Disk.CircuitBreakerThreshold,
		}, logger)
		if err != nil {
			return err
		}
		disk = dm
	}

	var diskStats health.DiskStats
	if disk != nil {
		diskStats = disk
	}
	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		ApplicationID: cfg.Application.ID,
		DataDir:       cfg.Store.DataDir,
	}, sharedCache, diskStats, logger)
	go checker.Start(ctx)

	if cfg.Metrics.Enabled {
		metricsServer := server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, reg, m, checker, diskStats, logger)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer metricsServer.Stop(context.Background())
	}

	producerDir, err := producerDirectory(cfg)
	if err != nil {
		return err
	}

	tasks := make([]*service.StreamTask, 0, cfg.Task.Count)
	for i := 0; i < cfg.Task.Count; i++ {
		task, err := newCountingTask(cfg, fmt.Sprintf("0_%d", i), producerDir, sharedCache, disk, logger, m)
		if err != nil {
			return multierr.Append(err, closeTasks(tasks, logger))
		}
		tasks = append(tasks, task)
	}

	commitCtx, stopCommits := context.WithCancel(ctx)
	pool := workerpool.NewWorkerPool(commitCtx, &workerpool.Config{
		Name:       "commits",
		MaxWorkers: len(tasks),
		QueueSize:  len(tasks) * 2,
		Logger:     logger,
	})
	commitsDone := make(chan struct{})
	go func() {
		defer close(commitsDone)
		scheduleCommits(commitCtx, pool, tasks, cfg.Task.CommitInterval, logger)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		task := task
		seed := int64(i) + time.Now().UnixNano()
		g.Go(func() error {
			return generate(gctx, task, rate.Limit(cfg.Task.RecordsPerSecond), opts.records, opts.keys, seed)
		})
	}
	runErr := g.Wait()
	if stderrors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	checker.SetReadiness(false)
	stopCommits()
	<-commitsDone
	if err := pool.Stop(cfg.Task.CommitInterval); err != nil {
		logger.Warn("Commit pool did not stop cleanly", zap.Error(err))
	}

	stats := sharedCache.Stats()
	logger.Info("Shutting down",
		zap.Int64("cache_puts", stats.Puts),
		zap.Int64("cache_evictions", stats.Evictions),
		zap.Float64("cache_hit_rate", sharedCache.HitRate()),
		zap.String("changelog_dir", producerDir))

	return multierr.Append(runErr, closeTasks(tasks, logger))
}

func producerDirectory(cfg *config.Config) (string, error) {
	switch {
	case cfg.Producer.DataDir != "":
		return cfg.Producer.DataDir, nil
	case cfg.Store.DataDir != "":
		return filepath.Join(cfg.Store.DataDir, "changelog"), nil
	default:
		return os.MkdirTemp("", "windowstore-changelog-")
	}
}

// newCountingTask builds a task counting records per key and window
func newCountingTask(
	cfg *config.Config,
	taskID string,
	producerDir string,
	sharedCache *cache.ThreadCache,
	disk *diskmanager.DiskManager,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*service.StreamTask, error) {
	producer, err := collector.NewLogProducer(&collector.LogProducerConfig{
		DataDir:    filepath.Join(producerDir, taskID),
		Partitions: cfg.Producer.Partitions,
		SyncWrites: cfg.Producer.SyncWrites,
	}, logger)
	if err != nil {
		return nil, err
	}
	rc := collector.NewRecordCollector(producer, &collector.Config{
		MaxSendAttempts: cfg.Producer.MaxSendAttempts,
		RetryBackoff:    cfg.Producer.RetryBackoff,
	}, logger, m)

	task := service.NewStreamTask(&service.TaskConfig{
		ApplicationID: cfg.Application.ID,
		TaskID:        taskID,
	}, sharedCache, rc, logger, m)

	storeDir := ""
	if cfg.Store.DataDir != "" {
		storeDir = filepath.Join(cfg.Store.DataDir, taskID, cfg.Store.Name)
	}
	underlying, err := segmented.NewStore(&segmented.Config{
		Name:            cfg.Store.Name,
		DataDir:         storeDir,
		SegmentInterval: cfg.Store.SegmentIntervalMs(),
		Snapshot: &sstable.Config{
			BloomFilterFP:    cfg.Store.BloomFilterFP,
			ExpectedElements: 10000,
		},
	}, disk, logger, m)
	if err != nil {
		return nil, multierr.Append(err, rc.Close())
	}

	valueSerde := serde.Int64Value()
	store, err := service.NewCachingWindowStore[string, *wrapperspb.Int64Value](
		underlying, serde.String{}, valueSerde,
		&service.WindowStoreConfig{WindowSize: cfg.Store.WindowSizeMs()},
		logger, m)
	if err != nil {
		return nil, multierr.Append(err, rc.Close())
	}
	if err := task.AddStore(store); err != nil {
		return nil, multierr.Append(err, rc.Close())
	}

	store.SetFlushListener(service.NewForwardingListener[string, *wrapperspb.Int64Value](
		context.Background(), task.Context(), rc, cfg.Producer.Topic, serde.String{}, valueSerde))

	windowSize := cfg.Store.WindowSizeMs()
	task.SetProcessor(func(_ context.Context, record service.Record) error {
		key := string(record.Key)
		start := record.Timestamp - record.Timestamp%windowSize

		current, found, err := store.FetchAt(key, start)
		if err != nil {
			return err
		}
		var count int64
		if found {
			count = current.GetValue()
		}
		return store.Put(key, wrapperspb.Int64(count+1), start)
	})

	return task, nil
}

// generate feeds synthetic records to task. records of zero runs until ctx
// is done.
func generate(ctx context.Context, task *service.StreamTask, limit rate.Limit, records, keys int, seed int64) error {
	limiter := rate.NewLimiter(limit, 1)
	if limit == 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	rng := rand.New(rand.NewSource(seed))

	for offset := 0; records == 0 || offset < records; offset++ {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		record := service.Record{
			Topic:     inputTopic,
			Offset:    int64(offset),
			Timestamp: time.Now().UnixMilli(),
			Key:       []byte(fmt.Sprintf("key-%d", rng.Intn(keys))),
		}
		if err := task.Process(ctx, record); err != nil {
			return fmt.Errorf("task %s failed at offset %d: %w", task.ID(), offset, err)
		}
	}
	return nil
}

func scheduleCommits(ctx context.Context, pool *workerpool.WorkerPool, tasks []*service.StreamTask, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, task := range tasks {
				task := task
				err := pool.Submit(workerpool.Job{
					ID: "commit-" + task.ID(),
					Fn: task.Commit,
				})
				if err != nil {
					logger.Warn("Skipping commit", zap.String("task_id", task.ID()), zap.Error(err))
				}
			}
		}
	}
}

func closeTasks(tasks []*service.StreamTask, logger *zap.Logger) error {
	var err error
	for _, task := range tasks {
		if closeErr := task.Close(context.Background()); closeErr != nil {
			logger.Error("Failed to close task", zap.String("task_id", task.ID()), zap.Error(closeErr))
			err = multierr.Append(err, closeErr)
			continue
		}
		offsets := task.Collector().Offsets()
		logger.Info("Task closed",
			zap.String("task_id", task.ID()),
			zap.Int64("processed", task.Processed()),
			zap.Int("changelog_partitions", len(offsets)))
	}
	return err
}

// initLogger builds a zap logger from the logging configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}
