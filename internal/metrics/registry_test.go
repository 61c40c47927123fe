package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegister_ReusesExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := prometheus.CounterOpts{Name: "invoicing_test_total", Help: "test"}

	first := register(reg, prometheus.NewCounter(opts))
	second := register(reg, prometheus.NewCounter(opts))
	second.Inc()

	require.InDelta(t, 1, testutil.ToFloat64(first), 0)
}

func TestRegister_PanicsOnTypeMismatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	register(reg, prometheus.NewCounter(prometheus.CounterOpts{Name: "invoicing_clash", Help: "clash"}))

	require.Panics(t, func() {
		register(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: "invoicing_clash", Help: "clash"}))
	})
}
