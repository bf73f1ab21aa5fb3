package telemetry

import (
	"github.com/rs/zerolog"

	"github.com/thenexusengine/pubmatic_htb/internal/metrics"
)

// LogEmitter writes events to a zerolog logger at debug level
type LogEmitter struct {
	Logger zerolog.Logger
}

// NewLogEmitter creates an emitter writing to log
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{Logger: log}
}

// Emit logs the event
func (l *LogEmitter) Emit(name string, e Event) {
	ev := l.Logger.Debug().Str("event", name)
	if e.Partner != "" {
		ev = ev.Str("partner", e.Partner)
	}
	if e.Status != "" {
		ev = ev.Str("status", e.Status)
	}
	if e.CorrelationID != "" {
		ev = ev.Str("correlation_id", e.CorrelationID)
	}
	if e.SessionID != "" {
		ev = ev.Str("session_id", e.SessionID)
	}
	if e.HTSlotID != "" {
		ev = ev.Str("ht_slot_id", e.HTSlotID).Str("request_id", e.RequestID)
	}
	if len(e.XSlotNames) > 0 {
		ev = ev.Strs("x_slot_names", e.XSlotNames)
	}
	if e.Latency > 0 {
		ev = ev.Dur("latency", e.Latency)
	}
	ev.Msg("Telemetry event")
}

// MetricsEmitter turns events into Prometheus metrics
type MetricsEmitter struct {
	metrics *metrics.Metrics
	partner string
}

// NewMetricsEmitter creates an emitter recording into m. partner labels
// stats events, which do not carry a partner name.
func NewMetricsEmitter(m *metrics.Metrics, partner string) *MetricsEmitter {
	return &MetricsEmitter{metrics: m, partner: partner}
}

// Emit records the event
func (m *MetricsEmitter) Emit(name string, e Event) {
	if m.metrics == nil {
		return
	}
	partner := e.Partner
	if partner == "" {
		partner = m.partner
	}

	switch name {
	case EventRequestSent:
		m.metrics.RecordRequestSent(partner)
	case EventRequestComplete:
		m.metrics.RecordRequestComplete(partner, e.Status, e.Latency)
	case EventSlotRequest:
		m.metrics.RecordSlotOutcome(partner, "request", len(e.XSlotNames))
	case EventSlotBid:
		m.metrics.RecordSlotOutcome(partner, "bid", len(e.XSlotNames))
		if e.Price > 0 {
			m.metrics.RecordBid(partner, e.Price)
		}
	case EventSlotPass:
		m.metrics.RecordSlotOutcome(partner, "pass", len(e.XSlotNames))
	case EventSlotTimeout:
		m.metrics.RecordSlotOutcome(partner, "timeout", len(e.XSlotNames))
	}
}
