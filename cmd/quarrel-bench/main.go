package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/quarrel-core/internal/alloc"
	"github.com/23skdu/quarrel-core/internal/config"
	"github.com/23skdu/quarrel-core/internal/cpu"
	"github.com/23skdu/quarrel-core/internal/logger"
	"github.com/23skdu/quarrel-core/internal/metrics"
)

var (
	rows        = flag.Int("m", 256, "Rows of A / output features")
	inner       = flag.Int("k", 1024, "Inner dimension")
	cols        = flag.Int("n", 64, "Columns of B")
	heads       = flag.Int("heads", 8, "Attention heads")
	hidden      = flag.Int("hidden", 512, "Attention hidden size")
	seqLen      = flag.Int("seq", 32, "Attention sequence length")
	iters       = flag.Int("iters", 20, "Timed iterations per kernel")
	requests    = flag.Int("requests", 32, "Requests pushed through the batch processor")
	threads     = flag.Int("threads", 0, "Worker goroutines per kernel call (0 = GOMAXPROCS)")
	width       = flag.Int("width", 0, "Force vector width: 0 auto, 1 reference, 8 or 16")
	weightsIn   = flag.String("weights", "", "Arrow IPC weights file to benchmark instead of random Q4 weights")
	weightsOut  = flag.String("export", "", "Write the generated Q4 weights to this Arrow IPC file")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics (empty disables)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	if err := run(); err != nil {
		logger.Log.Error("benchmark failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	cfg.Hidden = *hidden
	cfg.Heads = *heads
	cfg.Threads = *threads
	cfg.VectorWidth = *width
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if *rows <= 0 || *inner <= 0 || *cols <= 0 || *seqLen <= 0 || *iters <= 0 {
		return errors.New("m, k, n, seq and iters must be positive")
	}

	collector := metrics.NewPrometheus(prometheus.DefaultRegisterer, "quarrel")
	alloc.SetCollector(collector)

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("metrics serving", "addr", *metricsAddr, "path", "/metrics")
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Log.Error("metrics server error", "error", err)
			}
		}()
	}

	features, err := cpu.Detect().Force(cfg.VectorWidth)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := &bench{cfg: cfg, features: features, collector: collector}
	for _, phase := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"gemm", b.gemm},
		{"q4", b.q4},
		{"attention", b.attention},
		{"batch", b.batch},
	} {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := phase.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", phase.name, err)
		}
	}
	return nil
}
