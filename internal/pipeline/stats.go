package pipeline

import (
	"math"
	"sync/atomic"

	"github.com/e7canasta/orion-posture/internal/posture"
	"github.com/e7canasta/orion-posture/internal/types"
)

// Stats is a snapshot of pipeline activity
type Stats struct {
	Running    bool   `json:"running"`
	Generation uint64 `json:"generation"`

	FramesCaptured  uint64 `json:"frames_captured"`
	FramesProcessed uint64 `json:"frames_processed"`
	FramesDropped   uint64 `json:"frames_dropped"`
	FramesStale     uint64 `json:"frames_stale"`
	ProviderErrors  uint64 `json:"provider_errors"`
	NoBody          uint64 `json:"no_body"`
	SetupFailures   uint64 `json:"setup_failures"`
	SourceLost      uint64 `json:"source_lost"`

	Classified    uint64  `json:"classified"`
	LastMetric    float64 `json:"last_metric"`
	LastDeviation float64 `json:"last_deviation_pct"`

	Source types.StreamStats `json:"source"`
}

type counters struct {
	captured       atomic.Uint64
	processed      atomic.Uint64
	dropped        atomic.Uint64
	stale          atomic.Uint64
	providerErrors atomic.Uint64
	noBody         atomic.Uint64
	setupFailures  atomic.Uint64
	sourceLost     atomic.Uint64

	classified    atomic.Uint64
	lastMetric    atomic.Uint64 // float64 bits
	lastDeviation atomic.Uint64 // float64 bits
}

func (c *counters) record(res posture.Result) {
	c.classified.Add(1)
	if res.HasMetric {
		c.lastMetric.Store(math.Float64bits(res.Metric))
		c.lastDeviation.Store(math.Float64bits(res.DeviationPct))
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		FramesCaptured:  c.captured.Load(),
		FramesProcessed: c.processed.Load(),
		FramesDropped:   c.dropped.Load(),
		FramesStale:     c.stale.Load(),
		ProviderErrors:  c.providerErrors.Load(),
		NoBody:          c.noBody.Load(),
		SetupFailures:   c.setupFailures.Load(),
		SourceLost:      c.sourceLost.Load(),
		Classified:      c.classified.Load(),
		LastMetric:      math.Float64frombits(c.lastMetric.Load()),
		LastDeviation:   math.Float64frombits(c.lastDeviation.Load()),
	}
}
