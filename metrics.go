package overlay

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricHostsKnown           = []string{"overlay", "hosts", "known"}
	MetricHostsStoredCount     = []string{"overlay", "hosts", "stored", "count"}
	MetricChannelMsgInCount    = []string{"overlay", "channel", "message", "in", "count"}
	MetricChannelMsgOutCount   = []string{"overlay", "channel", "message", "out", "count"}
	MetricChannelInBytes       = []string{"overlay", "channel", "in", "bytes"}
	MetricChannelOutBytes      = []string{"overlay", "channel", "out", "bytes"}
	MetricChannelDroppedCount  = []string{"overlay", "channel", "message", "dropped", "count"}
	MetricChannelStoppedCount  = []string{"overlay", "channel", "stopped", "count"}
	MetricChannelsActive       = []string{"overlay", "channels", "active"}
	MetricAcceptCount          = []string{"overlay", "acceptor", "accept", "count"}
	MetricAcceptErrorCount     = []string{"overlay", "acceptor", "accept", "error", "count"}
	MetricDialCount            = []string{"overlay", "connector", "dial", "count"}
	MetricDialErrorCount       = []string{"overlay", "connector", "dial", "error", "count"}
	MetricSlotTransitionCount  = []string{"overlay", "outbound", "slot", "transition", "count"}
	MetricSlotExhaustedCount   = []string{"overlay", "outbound", "slot", "exhausted", "count"}
	MetricPingRttMs            = []string{"overlay", "ping", "rtt", "ms"}
	MetricPingTimeoutCount     = []string{"overlay", "ping", "timeout", "count"}
	MetricDiscoveryEventCount  = []string{"overlay", "discovery", "event", "count"}
	MetricQuicStreamErrorCount = []string{"overlay", "quic", "stream", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelSession   TelemetryLabel = "session"
	LabelCommand   TelemetryLabel = "command"
	LabelSlot      TelemetryLabel = "slot"
	LabelState     TelemetryLabel = "state"
	LabelTransport TelemetryLabel = "transport"
	LabelEvent     TelemetryLabel = "event"
	LabelProtocol  TelemetryLabel = "protocol"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// telemetry bundles what every component needs to report what it does.
type telemetry struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func newTelemetry(handler slog.Handler, msink metrics.MetricSink, labels []metrics.Label) telemetry {
	tm := telemetry{
		msink:  msink,
		labels: labels,
	}
	if handler == nil {
		tm.logger = slog.Default()
	} else {
		tm.logger = slog.New(handler)
	}
	if tm.msink == nil {
		tm.msink = metrics.Default()
	}
	return tm
}

// with returns a copy whose logger carries attrs.
func (tm telemetry) with(attrs ...any) telemetry {
	tm.logger = tm.logger.With(attrs...)
	return tm
}

// mLabels returns a fresh slice, tm.labels is shared by every copy.
func (tm telemetry) mLabels(extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(tm.labels)+len(extra))
	labels = append(labels, tm.labels...)
	return append(labels, extra...)
}

func (tm telemetry) incr(key []string, val float32, extra ...metrics.Label) {
	tm.msink.IncrCounterWithLabels(key, val, tm.mLabels(extra...))
}

func (tm telemetry) gauge(key []string, val float32, extra ...metrics.Label) {
	tm.msink.SetGaugeWithLabels(key, val, tm.mLabels(extra...))
}

func (tm telemetry) sample(key []string, val float32, extra ...metrics.Label) {
	tm.msink.AddSampleWithLabels(key, val, tm.mLabels(extra...))
}
