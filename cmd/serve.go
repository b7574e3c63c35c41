/*
 * Copyright 2025 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/api"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/jobs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the asynchronous generation service",
	Long: `Starts an HTTP server that accepts generation jobs, runs them on a bounded
worker pool and serves their status and documents. Finished jobs are purged
after jobs.retention.`,
	Example: `./metagen serve --config metagen.yaml --addr :8080`,
	RunE:    runServe,
}

const shutdownTimeout = 30 * time.Second

func openJobStore(c config.JobsConfig) (jobs.Store, func() error, error) {
	switch c.Store {
	case "", "memory":
		return jobs.NewMemoryStore(), func() error { return nil }, nil
	case "redis":
		store, err := jobs.NewRedisStore(c.RedisURL, c.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported job store %q (memory or redis)", c.Store)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := setupPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	store, closeStore, err := openJobStore(cfg.Jobs)
	if err != nil {
		return err
	}
	defer closeStore()
	if rs, ok := store.(*jobs.RedisStore); ok {
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach job store: %w", err)
		}
	}

	opts := jobs.OptionsFromConfig(cfg.Jobs)
	opts.Metrics = p.metrics
	manager := jobs.NewManager(p.service, store, opts, logger)
	// Generations outlive the signal context so Shutdown can let in-flight
	// sections finish.
	manager.Start(context.WithoutCancel(ctx))

	deps := api.Dependencies{
		Jobs:      manager,
		Generator: p.service,
		Defaults:  generationDefaults(cfg),
		Logger:    logger,
	}
	if p.store != nil {
		deps.Documents = p.store
	}
	if cfg.Server.Metrics {
		deps.Metrics = promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	}
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go purgeLoop(ctx, manager, cfg.Jobs.Retention)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	return manager.Shutdown(shutdownCtx)
}

// purgeLoop drops finished jobs older than retention until ctx ends.
func purgeLoop(ctx context.Context, m *jobs.Manager, retention time.Duration) {
	if retention <= 0 {
		return
	}
	interval := min(retention/4, time.Hour)
	ticker := time.NewTicker(max(interval, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Purge(ctx, retention); err != nil {
				logger.Warn("job purge failed", zap.Error(err))
			}
		}
	}
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (defaults to server.address)")
	_ = v.BindPFlag("server.address", serveCmd.Flags().Lookup("addr"))
}
