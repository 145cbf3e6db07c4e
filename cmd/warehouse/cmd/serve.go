package cmd

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/api"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/logging"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/metrics"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/ratelimit"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/tls"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/worker"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive webhooks and process jobs",
	Long: `Starts the webhook listener and a worker pool in one process. Without a Redis
URL the two share an in-process queue.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued job events",
	Long:  `Consumes job events from the Redis stream. Requires redis.url.`,
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address of the /metrics and /health listener")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := newRuntime(ctx, "serve")
	if err != nil {
		return err
	}
	cfg := rt.cfg

	proc, err := rt.processor()
	if err != nil {
		rt.shutdown.Shutdown()
		return err
	}
	q, err := rt.queue(ctx, true)
	if err != nil {
		rt.shutdown.Shutdown()
		return err
	}

	var tlsConfig *cryptotls.Config
	if cfg.Server.TLSEnabled {
		tlsConfig, err = tls.ServerConfig(cfg.Server.TLS)
		if err != nil {
			rt.shutdown.Shutdown()
			return err
		}
	}
	if cfg.GitLab.WebhookSecret == "" {
		rt.logger.Warn("No webhook secret configured, webhook deliveries are not authenticated")
	}

	server := api.NewServer(api.ServerOptions{
		Addr:    cfg.Server.Addr,
		Handler: api.NewWarehouseHandler(rt.store, q, cfg.GitLab.WebhookSecret, rt.recorder, rt.logger),
		Metrics: metrics.NewCollector(rt.store, rt.registry),
		APIKey:  cfg.Server.APIKey,
		Limiter: ratelimit.NewLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		Tracer:  rt.tracer,
		TLS:     tlsConfig,
		Logger:  rt.logger,
	})
	pool := worker.NewPool(q, proc.HandleMessage, cfg.Worker.Concurrency, rt.logger.WithField("component", "worker"))

	err = runUntilDone(ctx, rt.logger, cfg.Server.ShutdownTimeout, server, pool)
	if shutdownErr := rt.shutdown.Shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := newRuntime(ctx, "worker")
	if err != nil {
		return err
	}
	cfg := rt.cfg

	proc, err := rt.processor()
	if err != nil {
		rt.shutdown.Shutdown()
		return err
	}
	q, err := rt.queue(ctx, false)
	if err != nil {
		rt.shutdown.Shutdown()
		return err
	}

	r := mux.NewRouter()
	r.Handle("/metrics", metrics.NewCollector(rt.store, rt.registry)).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.store.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	metricsServer := &http.Server{
		Addr:         metricsAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	pool := worker.NewPool(q, proc.HandleMessage, cfg.Worker.Concurrency, rt.logger.WithField("component", "worker"))

	err = runUntilDone(ctx, rt.logger, cfg.Server.ShutdownTimeout, metricsServer, pool)
	if shutdownErr := rt.shutdown.Shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

type listener interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// runUntilDone runs the listener and the pool until ctx is cancelled or
// either of them fails, then stops the listener
func runUntilDone(ctx context.Context, logger *logging.Logger, timeout time.Duration, srv listener, pool *worker.Pool) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	stats := pool.Stats()
	logger.Info("Stopped", logging.Fields{
		"processed":     stats.Processed,
		"retried":       stats.Retried,
		"dead_lettered": stats.DeadLettered,
	})
	return err
}
