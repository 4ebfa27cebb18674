package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/freeCoder-ahl/Jupiter/internal/acceptor"
	"github.com/freeCoder-ahl/Jupiter/internal/config"
	"github.com/freeCoder-ahl/Jupiter/internal/logger"
	"github.com/freeCoder-ahl/Jupiter/internal/metrics"
	"github.com/freeCoder-ahl/Jupiter/internal/processor"
	"github.com/freeCoder-ahl/Jupiter/internal/transport"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to the TOML configuration file; built-in defaults apply when omitted")
	flag.Parse()

	// 1. Configuration.
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Logger. Anything before this point falls back to the standard
	// library logger.
	lg, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error().Err(err).Msg("daemon stopped with error")
		_ = lg.Close()
		os.Exit(1)
	}
	lg.Info().Msg("daemon shut down gracefully")
	_ = lg.Close()
}

// loadConfig reads the configuration at path, or returns the built-in
// defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// run assembles the daemon and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	// 3. Metrics are optional; the nil *Metrics disables recording.
	var (
		m   *metrics.Metrics
		reg *prometheus.Registry
	)
	if *cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		m = metrics.New(reg)
	}

	// 4. Services and the worker pool executing them.
	registry := processor.NewRegistry()
	if err := processor.RegisterBuiltins(registry); err != nil {
		return err
	}
	proc := processor.New(registry, lg, cfg.Processor)

	// 5. The connection event handler and the transport feeding it.
	handler := acceptor.New(proc, lg, acceptor.WithMetrics(m))
	srv, err := transport.NewServer(cfg, lg, handler)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	proc.Start()
	defer proc.Shutdown()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ctx); err != nil && !errors.Is(err, transport.ErrServerClosed) {
			return err
		}
		return nil
	})

	if *cfg.Metrics.Enabled {
		ms := metrics.NewHTTPServer(*cfg.Metrics.ListenAddr, reg)
		lg.Info().Str("addr", ms.Addr).Msg("metrics endpoint listening")
		g.Go(func() error {
			if err := ms.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
