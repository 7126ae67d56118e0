package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-posture/internal/pipeline"
	"github.com/e7canasta/orion-posture/internal/status"
)

type fakePipeline struct{ stats pipeline.Stats }

func (f fakePipeline) Stats() pipeline.Stats { return f.stats }

type fakeStatus struct{ monitoring bool }

func (f fakeStatus) Counters() status.Counters { return status.Counters{Applied: 5, Redundant: 4} }
func (f fakeStatus) Monitoring() bool { return f.monitoring }

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Scrape(t *testing.T) {
	m := New(
		fakePipeline{stats: pipeline.Stats{FramesCaptured: 12, FramesDropped: 3, LastMetric: 0.25}},
		fakeStatus{monitoring: true},
	)
	m.CalibrationsOK.Add(2)

	body := scrape(t, m)

	for _, line := range []string{
		"posture_frames_captured_total 12",
		"posture_frames_dropped_total 3",
		"posture_metric 0.25",
		"posture_monitoring 1",
		"posture_status_redundant_total 4",
		"posture_status_changes_total 5",
		"posture_calibrations_ok_total 2",
	} {
		assert.True(t, strings.Contains(body, line), "missing %q", line)
	}
	t.Logf("✅ %d metric families exposed", strings.Count(body, "# TYPE"))
}

func TestMetrics_NilSources(t *testing.T) {
	m := New(nil, nil)
	body := scrape(t, m)
	assert.Contains(t, body, "posture_monitoring 0")
	assert.Contains(t, body, "posture_frames_captured_total 0")
}
