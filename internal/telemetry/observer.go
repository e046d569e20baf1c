package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/soypat/tcpka"
	"github.com/soypat/tcpka/netidle"
)

const (
	resultOK        = "ok"
	resultError     = "error"
	resultSuspended = "suspended"
	resultBusy      = "busy"
	resultTimeout   = "timeout"
)

var resultKey = attribute.Key("result")

// Observer records client events as OpenTelemetry metrics.
type Observer struct {
	wifiAttempts    metric.Int64Counter
	connectAttempts metric.Int64Counter
	disconnects     metric.Int64Counter
	suspendWaits    metric.Int64Counter
	suspendWaitTime metric.Float64Histogram
}

var _ tcpka.Observer = (*Observer)(nil)

func NewObserver(meter metric.Meter) (*Observer, error) {
	var o Observer
	var err error
	o.wifiAttempts, err = meter.Int64Counter("tcpka.wifi.attempts",
		metric.WithDescription("Wi-Fi join attempts"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}
	o.connectAttempts, err = meter.Int64Counter("tcpka.tcp.connect.attempts",
		metric.WithDescription("TCP connect attempts to the server"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}
	o.disconnects, err = meter.Int64Counter("tcpka.tcp.disconnects",
		metric.WithDescription("Disconnections reported by the network stack"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	o.suspendWaits, err = meter.Int64Counter("tcpka.net.suspend.waits",
		metric.WithDescription("Calls to the network idle/suspend primitive"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	o.suspendWaitTime, err = meter.Float64Histogram("tcpka.net.suspend.wait.duration",
		metric.WithDescription("Time spent inside the network idle/suspend primitive"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *Observer) WifiAttempt(attempt int, err error) {
	o.wifiAttempts.Add(context.Background(), 1, metric.WithAttributes(resultKey.String(okOrError(err))))
}

func (o *Observer) ConnectAttempt(attempt int, err error) {
	o.connectAttempts.Add(context.Background(), 1, metric.WithAttributes(resultKey.String(okOrError(err))))
}

func (o *Observer) Disconnected(fd tcpka.Sockfd) {
	o.disconnects.Add(context.Background(), 1)
}

func (o *Observer) SuspendWait(elapsed time.Duration, err error) {
	var result string
	switch {
	case err == nil:
		result = resultSuspended
	case errors.Is(err, netidle.ErrBusy):
		result = resultBusy
	case errors.Is(err, netidle.ErrTimeout):
		result = resultTimeout
	default:
		result = resultError
	}
	attrs := metric.WithAttributes(resultKey.String(result))
	o.suspendWaits.Add(context.Background(), 1, attrs)
	o.suspendWaitTime.Record(context.Background(), float64(elapsed)/float64(time.Millisecond), attrs)
}

func okOrError(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}
