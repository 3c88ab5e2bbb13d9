package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.Transitions.WithLabelValues("PENDING", "PLANNING").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Transitions.WithLabelValues("PENDING", "PLANNING")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Transitions.WithLabelValues("PENDING", "PLANNING")))
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.Outcomes.WithLabelValues("COMPLETED").Inc()
	m.StageDuration.WithLabelValues("planning", "ok").Observe(0.2)
	n, err := testutil.GatherAndCount(m.Registry, "ticketline_workflow_outcomes_total", "ticketline_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
