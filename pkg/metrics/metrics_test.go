package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPluginInvocationsCounter(t *testing.T) {
	before := testutil.ToFloat64(PluginInvocations.WithLabelValues("relay", "hook:event.published", "ok"))
	PluginInvocations.WithLabelValues("relay", "hook:event.published", "ok").Inc()
	after := testutil.ToFloat64(PluginInvocations.WithLabelValues("relay", "hook:event.published", "ok"))
	assert.Equal(t, before+1, after)
}

func TestCircuitBreakerGauge(t *testing.T) {
	CircuitBreakerState.WithLabelValues("federation").Set(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(CircuitBreakerState.WithLabelValues("federation")))
}
