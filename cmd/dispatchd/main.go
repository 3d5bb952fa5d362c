// Command dispatchd runs one batch of inference requests from a file and
// prints the batch summary. The pipeline stages that normally feed the
// dispatcher are replaced here by a JSON batch file, which makes the
// binary useful for smoke-testing endpoint and rate-limit settings.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/paperflow/docbatch/config"
	"github.com/paperflow/docbatch/dispatch"
	"github.com/paperflow/docbatch/inference"
	"github.com/paperflow/docbatch/internal/metrics"
	"github.com/paperflow/docbatch/stream"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		batchPath  = flag.String("batch", "", "path to JSON file with the request list")
		verbose    = flag.Bool("v", false, "log lifecycle events")
	)
	flag.Parse()

	if *batchPath == "" {
		fmt.Fprintln(os.Stderr, "usage: dispatchd -batch requests.json [-config config.yaml]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	reqs, err := loadBatch(*batchPath)
	if err != nil {
		logger.Fatal("load batch file", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	exec := stream.NewExecutor(cfg.Executor, nil, logger)
	collector := metrics.NewCollector("docbatch", prometheus.DefaultRegisterer)

	opts := []dispatch.Option{dispatch.WithMetrics(collector)}
	if *verbose {
		opts = append(opts, dispatch.WithOnEvent(func(ev dispatch.Event) {
			if ev.Type == dispatch.EventProgress {
				logger.Info("progress",
					zap.Int("completed", ev.Progress.Completed),
					zap.Int("failed", ev.Progress.Failed),
					zap.Int("in_flight", ev.Progress.InFlight),
					zap.Int("queued", ev.Progress.Queued),
					zap.Float64("cost_usd", ev.Progress.CumulativeCost),
				)
				return
			}
			logger.Debug("event",
				zap.String("type", string(ev.Type)),
				zap.String("request_id", ev.RequestID),
				zap.String("model", ev.Model),
			)
		}))
	}

	d := dispatch.NewDispatcher(cfg.Dispatcher, exec, logger, opts...)
	results, err := d.Submit(ctx, reqs)
	if err != nil {
		logger.Fatal("submit batch", zap.Error(err))
	}

	stats := d.Stats()
	logger.Info("batch finished",
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Duration("avg_total_time", stats.AvgTotalTime),
		zap.Float64("cost_usd", stats.TotalCost),
		zap.Int64("tokens", stats.TotalTokens),
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		logger.Error("encode results", zap.Error(err))
	}
	if stats.Failed > 0 {
		os.Exit(1)
	}
}

func loadBatch(path string) ([]*inference.Request, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reqs []*inference.Request
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return reqs, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
