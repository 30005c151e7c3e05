package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncSnapshot("sse")
	collector.IncAction("delete", "failed")
	collector.SetBlocks(3)
}

func TestPrometheusCollectorRegistersAndReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncSnapshot("sse")

	family := gatherFamily(t, reg, "fmbview_snapshots_total")
	requireCounterValue(t, family, 1)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.snapshots, again.snapshots)

	again.IncSnapshot("sse")
	requireCounterValue(t, gatherFamily(t, reg, "fmbview_snapshots_total"), 2)
}

func TestPrometheusCollectorActionsAndBlocks(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.IncAction("delete", "succeeded")
	collector.SetBlocks(4)

	requireCounterValue(t, gatherFamily(t, reg, "fmbview_device_actions_total"), 1)

	blocks := gatherFamily(t, reg, "fmbview_device_blocks")
	require.Len(t, blocks.Metric, 1)
	require.Equal(t, 4.0, blocks.Metric[0].GetGauge().GetValue())
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	require.NotPanics(t, func() {
		collector.IncSnapshot("sse")
		collector.SetBlocks(1)
	})
}

func gatherFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
