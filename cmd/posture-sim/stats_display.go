package main

import (
	"context"
	"fmt"
	"time"

	"github.com/e7canasta/orion-posture/internal/core"
	"github.com/e7canasta/orion-posture/internal/pipeline"
)

// reportStats periodically prints pipeline and status statistics until ctx
// is cancelled
func reportStats(ctx context.Context, interval time.Duration, sensor *core.Sensor, saver *OverlaySaver) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printLiveStats(time.Since(startTime), sensor, saver)
		}
	}
}

func printLiveStats(uptime time.Duration, sensor *core.Sensor, saver *OverlaySaver) {
	stats := sensor.PipelineStats()
	snap := sensor.States().Snapshot()
	counters := sensor.States().Counters()

	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	fmt.Printf("│ Posture Statistics (Uptime: %v)\n", uptime.Round(time.Second))
	fmt.Println("├─────────────────────────────────────────────────────────────────┤")

	fmt.Println("│ Capture:")
	fmt.Printf("│   Frames Captured:    %6d frames\n", stats.FramesCaptured)
	fmt.Printf("│   Frames Dropped:     %6d frames (%.1f%%)\n",
		stats.FramesDropped,
		dropRate(stats.FramesCaptured, stats.FramesDropped))
	fmt.Printf("│   Target FPS:         %6d fps\n", stats.Source.FPSTarget)
	fmt.Printf("│   Real FPS:           %6.2f fps\n", stats.Source.FPSReal)

	fmt.Println("│")
	fmt.Println("│ Processing:")
	fmt.Printf("│   Frames Processed:   %6d frames\n", stats.FramesProcessed)
	fmt.Printf("│   Stale Discarded:    %6d frames\n", stats.FramesStale)
	fmt.Printf("│   No Body:            %6d frames\n", stats.NoBody)
	fmt.Printf("│   Provider Errors:    %6d\n", stats.ProviderErrors)
	fmt.Printf("│   Last Metric:        %6.3f (%.1f%% deviation)\n", stats.LastMetric, stats.LastDeviation)

	fmt.Println("│")
	fmt.Println("│ Status:")
	fmt.Printf("│   Current:            %s (%s)\n", snap.Status, snap.Label)
	fmt.Printf("│   Generation:         %6d\n", snap.Generation)
	fmt.Printf("│   Changes:            %6d applied, %d redundant, %d stale\n",
		counters.Applied, counters.Redundant, counters.Stale)

	if saver != nil {
		saved, dropped := saver.Stats()
		fmt.Println("│")
		fmt.Println("│ Overlay Saving:")
		fmt.Printf("│   Snapshots Saved:    %6d (%d failed)\n", saved, dropped)
	}

	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
	fmt.Println()
}

func printFinalStats(elapsed time.Duration, sensor *core.Sensor, saver *OverlaySaver) {
	stats := sensor.PipelineStats()
	counters := sensor.States().Counters()

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("                     Final Statistics                         ")
	fmt.Println("═══════════════════════════════════════════════════════════════")

	fmt.Printf("  Monitoring Time:       %v\n", elapsed.Round(time.Second))
	fmt.Printf("  Frames Captured:       %d frames\n", stats.FramesCaptured)
	fmt.Printf("  Frames Processed:      %d frames (%.1f%%)\n",
		stats.FramesProcessed,
		processedRate(stats))
	fmt.Printf("  Classified:            %d\n", stats.Classified)
	fmt.Printf("  Status Changes:        %d\n", counters.Applied)

	if saver != nil {
		saved, dropped := saver.Stats()
		fmt.Println()
		fmt.Printf("  Overlays Saved:        %d\n", saved)
		if dropped > 0 {
			fmt.Printf("  Overlay Failures:      %d\n", dropped)
		}
	}

	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}

func dropRate(total, drops uint64) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(drops) / float64(total) * 100.0
}

func processedRate(stats pipeline.Stats) float64 {
	if stats.FramesCaptured == 0 {
		return 0.0
	}
	return float64(stats.FramesProcessed) / float64(stats.FramesCaptured) * 100.0
}
