package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/mohans/surveyx/config"
	"github.com/mohans/surveyx/crawl"
	"github.com/mohans/surveyx/dispatch"
	"github.com/mohans/surveyx/engine"
	"github.com/mohans/surveyx/events"
	"github.com/mohans/surveyx/httpapi"
	"github.com/mohans/surveyx/llm"
	"github.com/mohans/surveyx/metrics"
	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/search"
	"github.com/mohans/surveyx/sink"
	"github.com/mohans/surveyx/stages"
	"github.com/mohans/surveyx/task"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var role, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the survey service",
		Long: `Run the survey service in one of three roles:

  all     HTTP API, task monitors and the pipeline in one process (default)
  api     HTTP API and task monitors; jobs are queued to Redis for workers
  worker  pipeline only; consumes queued jobs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(g.logLevel)
			cfg, err := loadServeConfig(g.configPath, role, addr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "Process role: all, api or worker (overrides config)")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

func loadServeConfig(path, role, addr string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	cfg.ApplyEnv()
	if role != "" {
		cfg.Role = role
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// closers run in reverse registration order on exit.
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// stopWithin runs stop with a fresh timeout and logs a failure as msg.
func stopWithin(timeout time.Duration, stop func(context.Context) error, logger *slog.Logger, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Warn(msg, "error", err)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup closers
	defer cleanup.run()

	logger.Info("surveyx starting", "version", Version, "role", cfg.Role, "addr", cfg.Server.Addr)

	var rdb *redis.Client
	if cfg.Store.Driver == config.DriverRedis || cfg.Sink.Kind == config.SinkRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		cleanup.add(func() { _ = rdb.Close() })
	}

	store, err := openStore(ctx, cfg, rdb, &cleanup)
	if err != nil {
		return err
	}
	out, err := openSink(cfg, rdb, &cleanup)
	if err != nil {
		return err
	}
	extractor := sink.NewExtractor(out,
		sink.WithMarkerField(cfg.Sink.MarkerField),
		sink.WithCacheSize(cfg.Sink.CacheSize),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var pub events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		np, drain, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		cleanup.add(drain)
		pub = np
		logger.Info("publishing task events", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	tracker := engine.NewStoreTracker(store, pub, m, logger.With("component", "tracker"))

	var graph *pipeline.Graph
	if cfg.Role != config.RoleAPI {
		graph, err = buildGraph(cfg, out, tracker, logger)
		if err != nil {
			return err
		}
		// drained by Stop on exit, not aborted by the signal
		if err := graph.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("start pipeline: %w", err)
		}
		cleanup.add(func() {
			stopWithin(cfg.Server.ShutdownTimeout, graph.Stop, logger, "pipeline did not drain")
		})
		reg.MustRegister(metrics.NewPipelineCollector(graph))
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}

	var ctrl *engine.Controller
	if cfg.Role != config.RoleWorker {
		var injector engine.Injector = engine.GraphInjector{Graph: graph}
		if cfg.Role == config.RoleAPI {
			client := dispatch.NewClient(redisOpt, dispatch.ClientOptions{
				Queue:    cfg.Dispatch.Queue,
				MaxRetry: cfg.Dispatch.MaxRetry,
				Timeout:  cfg.Dispatch.Timeout,
			})
			cleanup.add(func() { _ = client.Close() })
			injector = client
		}

		reaper := engine.NewReaper(cfg.Tasks.WorkDir, store, logger.With("component", "reaper"))
		if err := reaper.Start(cfg.Reaper.Schedule); err != nil {
			return fmt.Errorf("reaper schedule %q: %w", cfg.Reaper.Schedule, err)
		}
		cleanup.add(reaper.Stop)

		ctrl = engine.NewController(store, injector, extractor, reaper, engine.Options{
			PollInterval:  cfg.Tasks.PollInterval,
			Timeout:       cfg.Tasks.Timeout,
			WorkDir:       cfg.Tasks.WorkDir,
			OutputLocator: out.Locator(),
		},
			engine.WithLogger(logger.With("component", "controller")),
			engine.WithEvents(pub),
			engine.WithMetrics(m),
		)
		tracker.OnFailed = ctrl.TaskFailed
		cleanup.add(func() {
			stopWithin(cfg.Server.ShutdownTimeout, ctrl.Shutdown, logger, "task monitors did not stop")
		})

		n, err := ctrl.Recover(ctx)
		if err != nil {
			logger.Warn("recovering active tasks failed", "error", err)
		} else if n > 0 {
			logger.Info("resumed monitoring", "tasks", n)
		}
	} else {
		processor := dispatch.NewProcessor(redisOpt, store, graph, dispatch.ProcessorConfig{
			Concurrency:     cfg.Dispatch.Concurrency,
			Queues:          map[string]int{cfg.Dispatch.Queue: 1},
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Logger:          logger.With("component", "dispatch"),
		})
		if err := processor.Start(); err != nil {
			return fmt.Errorf("start dispatch processor: %w", err)
		}
		cleanup.add(processor.Shutdown)
	}

	var src engine.PipelineSource
	if graph != nil {
		src = graph
	}
	reporter := engine.NewReporter(store, src, ctrl, logger.With("component", "reporter"))
	go reporter.Run(ctx, cfg.Server.ReportInterval)

	opts := httpapi.Options{
		Status:         reporter,
		Store:          store,
		Sink:           out,
		MetricsHandler: metrics.Handler(reg),
		Logger:         logger.With("component", "http"),
	}
	if ctrl != nil {
		opts.Tasks = ctrl
	}
	srv := httpapi.NewServer(cfg.Server.Addr, httpapi.NewHandler(opts))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, cleanup *closers) (task.Store, error) {
	ttl := task.WithTTL(cfg.Tasks.TTL)
	if cfg.Store.Driver == config.DriverRedis {
		s := task.NewRedisStore(rdb, cfg.Store.KeyPrefix, ttl)
		if err := s.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("redis store %s: %w", cfg.Redis.Addr, err)
		}
		return s, nil
	}

	driver, dialect := "sqlite", task.DialectSQLite
	if cfg.Store.Driver == config.DriverPostgres {
		driver, dialect = "pgx", task.DialectPostgres
	} else if dir := filepath.Dir(cfg.Store.DSN); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open(driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	if dialect == task.DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s := task.NewSQLStore(db, dialect, ttl)
	cleanup.add(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
	}
	return s, nil
}

type outputSink interface {
	sink.Stream
	HealthCheck(ctx context.Context) error
}

func openSink(cfg *config.Config, rdb *redis.Client, cleanup *closers) (outputSink, error) {
	if cfg.Sink.Kind == config.SinkRedis {
		return sink.NewRedisSink(rdb, cfg.Sink.Location), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Sink.Location), 0o755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}
	fs := sink.NewFileSink(cfg.Sink.Location)
	cleanup.add(func() { _ = fs.Close() })
	return fs, nil
}

func buildGraph(cfg *config.Config, out sink.Sink, tracker pipeline.Tracker, logger *slog.Logger) (*pipeline.Graph, error) {
	llmClient := llm.NewClient(cfg.LLM, logger.With("component", "llm"))
	crawler := crawl.NewCrawler(
		crawl.NewFetcher(cfg.Crawl.Timeout, cfg.Crawl.UserAgent, cfg.Crawl.MaxContentSize),
		crawl.NewConverter(),
		crawl.Options{
			Concurrency:       cfg.Crawl.Concurrency,
			RequestsPerSecond: cfg.Crawl.RequestsPerSecond,
			MinLength:         cfg.Crawl.MinLength,
			MaxLength:         cfg.Crawl.MaxLength,
		},
		logger.With("component", "crawl"),
	)
	graph, err := stages.Build(stages.Deps{
		Queries:           search.NewQueryGenerator(llmClient, cfg.Search.MaxQueries),
		Searcher:          search.NewWebSearcher(cfg.Search.Endpoint, cfg.Search.Timeout),
		Crawler:           crawler,
		LLM:               llmClient,
		Sink:              out,
		Log:               logger.With("component", "stages"),
		DigestConcurrency: cfg.Crawl.DigestConcurrency,
	}, cfg.Stages,
		pipeline.WithLogger(logger.With("component", "pipeline")),
		pipeline.WithTracker(tracker),
		pipeline.WithSubmitTimeout(cfg.Tasks.SubmitTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return graph, nil
}
