// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the sidecar together: backend, bridge, dispatch host,
// gRPC server, and the metrics endpoint.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/tombee/taskhub/internal/backend"
	"github.com/tombee/taskhub/internal/backend/memory"
	"github.com/tombee/taskhub/internal/backend/sqlite"
	"github.com/tombee/taskhub/internal/bridge"
	"github.com/tombee/taskhub/internal/config"
	"github.com/tombee/taskhub/internal/dispatch"
	internallog "github.com/tombee/taskhub/internal/log"
	"github.com/tombee/taskhub/internal/metrics"
	"github.com/tombee/taskhub/internal/protocol"
	"github.com/tombee/taskhub/internal/tracing"
)

// metricsShutdownTimeout bounds the metrics HTTP server drain.
const metricsShutdownTimeout = 5 * time.Second

// Options carries build metadata injected via ldflags.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the taskhubd sidecar process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	be           backend.Backend
	signal       *dispatch.TrafficSignal
	service      *bridge.Service
	management   *bridge.Management
	host         *dispatch.Host
	grpcServer   *grpc.Server
	metricsSrv   *http.Server
	ln           net.Listener
	otelProvider *tracing.Provider

	mu      sync.Mutex
	started bool
}

// New creates a daemon from configuration.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.New(&internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})

	be, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	signal := dispatch.NewTrafficSignal()
	service := bridge.NewService(signal, logger,
		bridge.WithEmbedThreshold(cfg.Dispatch.HistoryEmbedThresholdBytes))
	management := bridge.NewManagement(be, logger)
	host := dispatch.NewHost(be, service, signal, logger,
		dispatch.WithStopGracePeriod(cfg.Dispatch.StopGracePeriod))

	return &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     internallog.WithComponent(logger, "daemon"),
		be:         be,
		signal:     signal,
		service:    service,
		management: management,
		host:       host,
	}, nil
}

func newBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Type {
	case "sqlite":
		be, err := sqlite.New(sqlite.Config{
			Path:        cfg.Backend.SQLite.Path,
			WAL:         cfg.Backend.SQLite.WAL,
			LockTimeout: cfg.Backend.SQLite.LockTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite backend: %w", err)
		}
		return be, nil
	default:
		return memory.New(memory.Options{}), nil
	}
}

// Start brings up the gRPC and metrics listeners and the dispatch host, then
// blocks until ctx is cancelled or the gRPC server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.Tracing.Enabled {
		provider, err := tracing.NewProvider(ctx, d.cfg.Tracing)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		d.otelProvider = provider
	}

	if err := d.be.CreateTaskHub(ctx); err != nil {
		return fmt.Errorf("failed to provision task hub: %w", err)
	}

	ln, err := net.Listen("tcp", d.cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Listen.Addr, err)
	}
	d.ln = ln

	d.grpcServer = grpc.NewServer()
	protocol.RegisterTaskHubWorkerServer(d.grpcServer, d.service)
	protocol.RegisterTaskHubManagementServer(d.grpcServer, d.management)

	if d.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metricsSrv = &http.Server{Addr: d.cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				d.logger.Error("metrics server failed", internallog.Error(err))
			}
		}()
		d.logger.Info("metrics listening", slog.String("addr", d.cfg.Metrics.Addr))
	}

	hostCtx, hostCancel := context.WithCancel(ctx)
	defer hostCancel()
	go func() {
		if err := d.host.Start(hostCtx); err != nil && hostCtx.Err() == nil {
			d.logger.Error("dispatch host failed", internallog.Error(err))
		}
	}()

	d.logger.Info("taskhubd started",
		slog.String("addr", d.cfg.Listen.Addr),
		slog.String("backend", d.cfg.Backend.Type),
		slog.String("version", d.opts.Version))

	errCh := make(chan error, 1)
	go func() { errCh <- d.grpcServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc server failed: %w", err)
		}
		return nil
	}
}

// Shutdown drains in-flight work and releases all resources.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")

	// Stop the dispatchers first so in-flight work commits before the wire
	// goes away.
	if err := d.host.Stop(ctx); err != nil {
		d.logger.Warn("dispatch host drain incomplete", internallog.Error(err))
	}
	d.service.Close()

	if d.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			d.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			d.grpcServer.Stop()
		}
	}

	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, metricsShutdownTimeout)
		defer cancel()
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("metrics server shutdown error", internallog.Error(err))
		}
	}

	if d.otelProvider != nil {
		if err := d.otelProvider.Shutdown(ctx); err != nil {
			d.logger.Error("tracing shutdown error", internallog.Error(err))
		}
	}

	if err := d.be.Close(); err != nil {
		d.logger.Error("backend close error", internallog.Error(err))
	}

	d.started = false
	d.logger.Info("taskhubd stopped")
	return nil
}
