// posture-sim runs the full sensor against a synthetic camera and a
// simulated keypoint provider: it calibrates, starts monitoring and prints
// pipeline statistics until interrupted.
//
//	mock source → pipeline → status machine
//	                 │
//	                 └─► observations (calibration, overlay snapshots)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/orion-posture/internal/calibration"
	"github.com/e7canasta/orion-posture/internal/capture"
	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/core"
	"github.com/e7canasta/orion-posture/internal/keypoints"
	"github.com/e7canasta/orion-posture/internal/logging"
)

const version = "0.1.0"

// Options holds the simulation parameters
type Options struct {
	Width         int
	Height        int
	FPS           int
	Metric        float64
	Drift         float64
	Period        int
	Duration      time.Duration
	StatsInterval time.Duration
	SaveDir       string
	Port          string
}

func main() {
	var opts Options
	flag.IntVar(&opts.Width, "width", 320, "Synthetic frame width")
	flag.IntVar(&opts.Height, "height", 240, "Synthetic frame height")
	flag.IntVar(&opts.FPS, "fps", 15, "Synthetic frame rate")
	flag.Float64Var(&opts.Metric, "metric", 0.12, "Resting neck-to-shoulder distance")
	flag.Float64Var(&opts.Drift, "drift", 0.35, "Relative drift amplitude around the resting metric")
	flag.IntVar(&opts.Period, "period", 150, "Drift period in frames")
	flag.DurationVar(&opts.Duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	flag.DurationVar(&opts.StatsInterval, "stats-interval", 5*time.Second, "Statistics reporting interval")
	flag.StringVar(&opts.SaveDir, "save-dir", "", "Write an overlay PNG on every status change into this directory")
	flag.StringVar(&opts.Port, "port", "", "Serve health, events and metrics on this port")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger, closer := logging.New(config.LoggingConfig{}, *debug)
	defer closer.Close()
	slog.SetDefault(logger)

	printBanner(opts)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if opts.Duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, opts.Duration)
		defer stop()
	}

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		slog.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts Options) error {
	cfg, err := config.Parse([]byte(fmt.Sprintf(
		"instance_id: posture-sim\ncamera:\n  source: mock\n  width: %d\n  height: %d\n  fps: %d\n",
		opts.Width, opts.Height, opts.FPS)))
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}
	cfg.MQTT.Broker = ""

	provider := keypoints.Simulated{Metric: opts.Metric, Drift: opts.Drift, Period: opts.Period}
	sensor, err := core.New(cfg,
		core.WithSource(capture.NewMockSource(opts.Width, opts.Height, opts.FPS)),
		core.WithProvider(provider),
		core.WithStore(calibration.NewMemoryStore()),
	)
	if err != nil {
		return fmt.Errorf("failed to create sensor: %w", err)
	}

	if opts.Port != "" {
		if err := sensor.StartHealthServer(opts.Port); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- sensor.Run(ctx)
	}()

	select {
	case <-sensor.Ready():
	case err := <-errChan:
		return err
	}
	defer shutdown(sensor)

	var saver *OverlaySaver
	if opts.SaveDir != "" {
		saver, err = NewOverlaySaver(opts.SaveDir, 256)
		if err != nil {
			return err
		}
		go saver.Run(ctx, sensor.States())
	}

	baseline, err := sensor.RequestCalibration(ctx)
	if err != nil {
		return fmt.Errorf("calibration failed: %w", err)
	}
	slog.Info("calibrated", "baseline", baseline)

	if err := sensor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitoring: %w", err)
	}

	start := time.Now()
	reportStats(ctx, opts.StatsInterval, sensor, saver)

	printFinalStats(time.Since(start), sensor, saver)
	return nil
}

func shutdown(sensor *core.Sensor) {
	ctx, cancel := context.WithTimeout(context.Background(), sensor.ShutdownTimeout())
	defer cancel()
	if err := sensor.Shutdown(ctx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}

func printBanner(opts Options) {
	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║    Orion Posture Simulation                                   ║")
	fmt.Printf("║                    Version %-34s ║\n", version)
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("  Source:          mock %dx%d @ %d fps\n", opts.Width, opts.Height, opts.FPS)
	fmt.Printf("  Resting metric:  %.3f (drift ±%.0f%%, period %d frames)\n", opts.Metric, opts.Drift*100, opts.Period)
	fmt.Printf("  Stats Interval:  %v\n", opts.StatsInterval)
	if opts.SaveDir != "" {
		fmt.Printf("  Overlay Dir:     %s\n", opts.SaveDir)
	}
	fmt.Println()
	fmt.Println("Pipeline:")
	fmt.Println("  mock source → pipeline → simulated keypoints → analyzer → status")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop gracefully")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}
