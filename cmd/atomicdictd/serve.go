package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ASHISH26940/atomicdict/internal/config"
	"github.com/ASHISH26940/atomicdict/internal/monitoring"
	"github.com/ASHISH26940/atomicdict/internal/retry"
	"github.com/ASHISH26940/atomicdict/internal/server"
	"github.com/ASHISH26940/atomicdict/internal/store"
)

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.New()
	if path := c.String("config"); path != "" {
		if err := cfg.Load(path); err != nil {
			return nil, err
		}
	}
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logrus.FieldLogger {
	logger := logrus.New()
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.NodeID != "" {
		return logger.WithField("node_id", cfg.NodeID)
	}
	return logger
}

// retryOptions turns the [retry] section into a retry.Run policy. The "none"
// policy keeps the default of retrying forever without delay.
func retryOptions(rc config.Retry) []retry.Option {
	var opts []retry.Option
	if rc.Policy == config.RetryPolicyExponential {
		opts = append(opts, retry.WithBackOff(func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(rc.InitialInterval.Duration),
				backoff.WithMaxInterval(rc.MaxInterval.Duration),
				backoff.WithMaxElapsedTime(rc.MaxElapsed.Duration),
			)
		}))
	}
	if rc.MaxAttempts > 0 {
		opts = append(opts, retry.WithMaxAttempts(rc.MaxAttempts))
	}
	return opts
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	st := store.New[string, json.RawMessage](nil, store.WithMetrics(metrics))
	srv := server.New(st,
		server.WithLogger(logger),
		server.WithMetrics(metrics, reg),
		server.WithRetryOptions(retryOptions(cfg.Retry)...),
	)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("starting HTTP server")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return pkgerrors.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := srv.Sessions().Sweep(cfg.TxTTL.Duration); n > 0 {
					logger.WithField("dropped", n).Info("swept abandoned transactions")
				}
			}
		}
	})

	return g.Wait()
}
