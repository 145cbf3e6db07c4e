package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/config"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/logging"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/metrics"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/pipeline"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/platform"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/queue"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/ratelimit"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/shutdown"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/taxonomy"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/telemetry"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/tracing"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/warehouse"
)

// runtime holds the components shared by the long-running commands. Every
// resource is registered with the shutdown manager as it is opened.
type runtime struct {
	cfg      *config.Config
	logger   *logging.Logger
	shutdown *shutdown.Manager
	registry *prometheus.Registry
	recorder *metrics.Recorder
	tracer   *tracing.Provider
	store    warehouse.Store
}

func newRuntime(ctx context.Context, component string) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logger(component)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown.New(cfg.Server.ShutdownTimeout, logger),
		registry: prometheus.NewRegistry(),
	}
	rt.shutdown.Register("logger", shutdown.CloseResource(logger))

	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.recorder = metrics.NewRecorder(rt.registry)

	rt.tracer, err = tracing.InitTracer(ctx, cfg.Tracer(version), logger)
	if err != nil {
		return nil, err
	}
	rt.shutdown.Register("tracer", rt.tracer.Shutdown)

	rt.store, err = warehouse.NewStore(cfg.Store())
	if err != nil {
		rt.shutdown.Shutdown()
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}
	rt.shutdown.Register("warehouse", shutdown.CloseResource(rt.store))

	logger.Info("Warehouse opened", logging.Fields{"type": cfg.Database.Type, "version": version})
	return rt, nil
}

// processor wires the platform client, telemetry source and load
// dependencies into a pipeline processor
func (rt *runtime) processor() (*pipeline.Processor, error) {
	cfg := rt.cfg

	tax, err := taxonomy.LoadOrDefault(cfg.Taxonomy.Path)
	if err != nil {
		return nil, err
	}
	classifier, err := taxonomy.NewClassifier(tax)
	if err != nil {
		return nil, err
	}
	if skipped := tax.Unordered(); len(skipped) > 0 {
		rt.logger.Warn("Taxonomy classes missing from deconflict_order are never assigned",
			logging.Fields{"classes": skipped})
	}
	cache, err := warehouse.NewIDCache(cfg.Database.CacheSize)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(cfg.GitLab.RequestsPerSecond, cfg.GitLab.Burst)
	gl, err := platform.NewGitLab(cfg.Platform(), limiter, rt.logger.WithField("component", "gitlab"))
	if err != nil {
		return nil, err
	}

	var source telemetry.Source = telemetry.StaticSource{}
	if cfg.Prometheus.URL != "" {
		source, err = telemetry.NewPrometheusSource(cfg.Telemetry(), rt.logger.WithField("component", "telemetry"))
		if err != nil {
			return nil, err
		}
	} else {
		rt.logger.Warn("No Prometheus configured, every job is recorded as a non-cluster job")
	}

	rt.logger.Info("Taxonomy loaded", logging.Fields{"version": classifier.Version(), "path": cfg.Taxonomy.Path})

	return pipeline.NewProcessor(pipeline.Options{
		Store:    rt.store,
		Platform: gl,
		Source:   source,
		Deps: warehouse.Deps{
			Classifier: classifier,
			Policy:     cfg.Policy(),
			Cache:      cache,
		},
		Recorder:        rt.recorder,
		Tracer:          rt.tracer,
		Logger:          rt.logger,
		ProjectURL:      cfg.GitLab.ProjectURL,
		TimingsArtifact: cfg.GitLab.TimingsArtifact,
	}), nil
}

// queue opens the Redis stream queue, or an in-process queue when allowed
// and no Redis URL is configured
func (rt *runtime) queue(ctx context.Context, allowMemory bool) (queue.Queue, error) {
	cfg := rt.cfg
	if cfg.Redis.URL == "" {
		if !allowMemory {
			return nil, fmt.Errorf("redis.url is required")
		}
		rt.logger.Warn("No Redis configured, queued events are lost on restart")
		q := queue.NewMemoryQueue(cfg.Redis.MaxAttempts, cfg.Worker.PollInterval)
		rt.shutdown.Register("queue", shutdown.CloseResource(q))
		return q, nil
	}

	q, err := queue.NewRedisQueue(ctx, cfg.Queue())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	rt.shutdown.Register("queue", shutdown.CloseResource(q))
	rt.logger.Info("Connected to Redis", logging.Fields{"stream": cfg.Redis.Stream, "group": cfg.Redis.Group})
	return q, nil
}
