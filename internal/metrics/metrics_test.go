package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/pulp-manager/orchestrator/internal/events"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		total += pb.GetCounter().GetValue()
	}
	return total
}

func TestHandlerIncrementsJobsTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	h := m.Handler()

	h(events.NewEvent(events.JobStarted, "j1").WithServer("srv1"))
	h(events.NewEvent(events.JobSucceeded, "j1").WithServer("srv1"))
	h(events.NewEvent(events.JobFailed, "j2").WithServer("srv1"))

	require.Equal(t, float64(1), counterValue(t, m.jobsTotal.WithLabelValues("srv1", "succeeded")))
	require.Equal(t, float64(1), counterValue(t, m.jobsTotal.WithLabelValues("srv1", "failed")))
}

func TestHandlerTracksRepoTaskOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	h := m.Handler()

	h(events.NewEvent(events.RepoTaskComplete, "j1").WithServer("srv1").WithRepo("r1"))
	h(events.NewEvent(events.RepoTaskFailed, "j1").WithServer("srv1").WithRepo("r2"))
	h(events.NewEvent(events.RepoTaskTimedOut, "j1").WithServer("srv1").WithRepo("r3"))

	require.Equal(t, float64(1), counterValue(t, m.repoTasksTotal.WithLabelValues("srv1", "completed")))
	require.Equal(t, float64(1), counterValue(t, m.repoTasksTotal.WithLabelValues("srv1", "failed")))
	require.Equal(t, float64(1), counterValue(t, m.repoTasksTotal.WithLabelValues("srv1", "timed_out")))
}

func TestHandlerObservesJobDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	h := m.Handler()

	h(events.NewEvent(events.JobStarted, "j1").WithServer("srv1"))
	h(events.NewEvent(events.JobSucceeded, "j1").WithServer("srv1"))

	ch := make(chan prometheus.Metric, 1)
	m.jobDuration.WithLabelValues("srv1").(prometheus.Histogram).Collect(ch)
	close(ch)
	var pb dto.Metric
	require.NoError(t, (<-ch).Write(&pb))
	require.Equal(t, uint64(1), pb.GetHistogram().GetSampleCount())
}

func TestHandlerTracksReconcileOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	h := m.Handler()

	h(events.NewEvent(events.ReconcileCreated, "j1").WithServer("srv1").WithRepo("nginx"))
	h(events.NewEvent(events.ReconcileOrphan, "j1").WithServer("srv1").WithRepo("old"))

	require.Equal(t, float64(1), counterValue(t, m.reconcileTotal.WithLabelValues("srv1", "created")))
	require.Equal(t, float64(1), counterValue(t, m.reconcileTotal.WithLabelValues("srv1", "orphan")))
}
