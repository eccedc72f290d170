package session

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aromcp/workflow-server/pkg/workflow/def"
	"github.com/aromcp/workflow-server/pkg/workflow/engine"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newInstance(t *testing.T) *engine.Instance {
	t.Helper()
	d, _, err := def.Parse([]byte(`
name: "test:tracked"
version: "1.0.0"
steps:
  - type: wait_step
`))
	require.NoError(t, err)
	in, err := engine.New(d, nil, engine.Config{Logger: testLogger()})
	require.NoError(t, err)
	return in
}

func newTestManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	return NewManager(cfg)
}

func TestTrackAndGet(t *testing.T) {
	m := newTestManager(Config{})
	defer m.Close()

	in := newInstance(t)
	require.NoError(t, m.Track(in))

	got, err := m.Get(in.ID)
	require.NoError(t, err)
	assert.Same(t, in, got)
	assert.Equal(t, 1, m.Count())

	_, err = m.Get("wf_nope")
	require.Error(t, err)
	assert.Equal(t, wferrors.KindValidation, wferrors.KindOf(err))
}

func TestTrackEnforcesCapacity(t *testing.T) {
	m := newTestManager(Config{MaxInstances: 2})
	defer m.Close()

	first := newInstance(t)
	require.NoError(t, m.Track(first))
	require.NoError(t, m.Track(newInstance(t)))

	err := m.Track(newInstance(t))
	require.Error(t, err)
	assert.Equal(t, wferrors.KindValidation, wferrors.KindOf(err))

	// finished instances stop counting against the cap
	first.Cancel()
	assert.NoError(t, m.Track(newInstance(t)))
}

func TestRemove(t *testing.T) {
	m := newTestManager(Config{})
	defer m.Close()

	in := newInstance(t)
	require.NoError(t, m.Track(in))
	m.Remove(in.ID)

	_, err := m.Get(in.ID)
	assert.Error(t, err)
	assert.Equal(t, 0, m.Count())
}

func TestListSummaries(t *testing.T) {
	m := newTestManager(Config{})
	defer m.Close()

	in := newInstance(t)
	require.NoError(t, m.Track(in))

	summaries := m.List()
	require.Len(t, summaries, 1)
	assert.Equal(t, in.ID, summaries[0].ID)
	assert.Equal(t, "test:tracked", summaries[0].Name)
	assert.Equal(t, engine.StatusRunning, summaries[0].Status)
}

func TestSweepDropsFinishedPastRetention(t *testing.T) {
	m := newTestManager(Config{Retention: 10 * time.Minute})
	defer m.Close()

	running := newInstance(t)
	finished := newInstance(t)
	require.NoError(t, m.Track(running))
	require.NoError(t, m.Track(finished))
	finished.Cancel()

	// within retention both stay
	m.sweep(time.Now())
	assert.Equal(t, 2, m.Count())

	// past retention only the finished one is dropped
	m.sweep(time.Now().Add(11 * time.Minute))
	assert.Equal(t, 1, m.Count())
	_, err := m.Get(running.ID)
	assert.NoError(t, err)
	_, err = m.Get(finished.ID)
	assert.Error(t, err)
}

func TestMetricsTrackStartsAndActive(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m := newTestManager(Config{Metrics: metrics})
	defer m.Close()

	in := newInstance(t)
	require.NoError(t, m.Track(in))

	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.starts.WithLabelValues("test:tracked")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.active))

	in.Cancel()
	m.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.finishes.WithLabelValues("test:tracked", "cancelled")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.active))
}
