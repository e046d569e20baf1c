package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/soypat/tcpka/netidle"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			byResult := make(map[string]int64)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(resultKey)
				byResult[v.AsString()] += dp.Value
			}
			out[m.Name] = byResult
		}
	}
	return out
}

func TestObserverCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	obs, err := NewObserver(mp.Meter("tcpka-test"))
	require.NoError(t, err)

	failed := errors.New("join failed")
	obs.WifiAttempt(1, failed)
	obs.WifiAttempt(2, failed)
	obs.WifiAttempt(3, nil)
	obs.ConnectAttempt(1, nil)
	obs.Disconnected(3)
	obs.SuspendWait(200*time.Millisecond, nil)
	obs.SuspendWait(300*time.Millisecond, netidle.ErrBusy)
	obs.SuspendWait(time.Second, netidle.ErrTimeout)
	obs.SuspendWait(time.Millisecond, context.Canceled)

	got := collect(t, reader)
	require.Equal(t, map[string]int64{"error": 2, "ok": 1}, got["tcpka.wifi.attempts"])
	require.Equal(t, map[string]int64{"ok": 1}, got["tcpka.tcp.connect.attempts"])
	require.Equal(t, map[string]int64{"": 1}, got["tcpka.tcp.disconnects"])
	require.Equal(t, map[string]int64{"suspended": 1, "busy": 1, "timeout": 1, "error": 1}, got["tcpka.net.suspend.waits"])
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	obs, err := NewObserver(p.Meter("tcpka"))
	require.NoError(t, err)
	obs.WifiAttempt(1, nil)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
