package metrics

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metric names exported on /metrics.
const (
	nameConnectionsActive = "facerelay_connections_active"
	nameConnectionsOpened = "facerelay_connections_opened_total"
	nameEventsReceived    = "facerelay_events_received_total"
	nameFramesSent        = "facerelay_frames_sent_total"
	nameSendFailures      = "facerelay_send_failures_total"
	nameMalformedFrames   = "facerelay_malformed_frames_total"
	nameEvictions         = "facerelay_evictions_total"
	nameClusterEvents     = "facerelay_cluster_events_total"
)

// Stats is a point-in-time copy of the relay counters.
type Stats struct {
	ConnectionsActive int    `json:"connections_active"`
	ConnectionsOpened uint64 `json:"connections_opened"`
	EventsReceived    uint64 `json:"events_received"`
	FramesSent        uint64 `json:"frames_sent"`
	SendFailures      uint64 `json:"send_failures"`
	MalformedFrames   uint64 `json:"malformed_frames"`
	Evictions         uint64 `json:"evictions"`
	ClusterEvents     uint64 `json:"cluster_events"`
}

// Metrics holds the relay counters. All methods are safe on a nil receiver,
// so components can run without metrics in tests.
type Metrics struct {
	opened    atomic.Uint64
	received  atomic.Uint64
	sent      atomic.Uint64
	failures  atomic.Uint64
	malformed atomic.Uint64
	evictions atomic.Uint64
	cluster   atomic.Uint64

	active atomic.Pointer[func() int]
}

// New returns a Metrics with all counters at zero.
func New() *Metrics {
	return &Metrics{}
}

// SetActiveFunc installs the gauge source for live connections.
func (m *Metrics) SetActiveFunc(fn func() int) {
	if m == nil {
		return
	}
	m.active.Store(&fn)
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.opened.Add(1)
	}
}

func (m *Metrics) EventReceived() {
	if m != nil {
		m.received.Add(1)
	}
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.sent.Add(1)
	}
}

func (m *Metrics) SendFailed() {
	if m != nil {
		m.failures.Add(1)
	}
}

func (m *Metrics) MalformedFrame() {
	if m != nil {
		m.malformed.Add(1)
	}
}

func (m *Metrics) Evicted() {
	if m != nil {
		m.evictions.Add(1)
	}
}

func (m *Metrics) ClusterEvent() {
	if m != nil {
		m.cluster.Add(1)
	}
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	s := Stats{
		ConnectionsOpened: m.opened.Load(),
		EventsReceived:    m.received.Load(),
		FramesSent:        m.sent.Load(),
		SendFailures:      m.failures.Load(),
		MalformedFrames:   m.malformed.Load(),
		Evictions:         m.evictions.Load(),
		ClusterEvents:     m.cluster.Load(),
	}
	if fn := m.active.Load(); fn != nil {
		s.ConnectionsActive = (*fn)()
	}
	return s
}

// Families renders the counters as Prometheus metric families.
func (m *Metrics) Families() []*dto.MetricFamily {
	s := m.Snapshot()
	return []*dto.MetricFamily{
		gauge(nameConnectionsActive, "Connections currently registered for broadcasts.", float64(s.ConnectionsActive)),
		counter(nameConnectionsOpened, "Connections that completed the handshake.", s.ConnectionsOpened),
		counter(nameEventsReceived, "Events received from clients.", s.EventsReceived),
		counter(nameFramesSent, "Broadcast frames handed to connection queues.", s.FramesSent),
		counter(nameSendFailures, "Broadcast frames that could not be queued.", s.SendFailures),
		counter(nameMalformedFrames, "Inbound frames dropped as malformed.", s.MalformedFrames),
		counter(nameEvictions, "Connections evicted after a failed send.", s.Evictions),
		counter(nameClusterEvents, "Events received from peer relay nodes.", s.ClusterEvents),
	}
}

// Write encodes all families to w in the Prometheus text format.
func (m *Metrics) Write(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range m.Families() {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Handler serves the text exposition.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		if err := m.Write(w); err != nil {
			slog.Error("metrics: write exposition", "err", err)
		}
	})
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	val := float64(v)
	return &dto.MetricFamily{
		Name:   &name,
		Help:   &help,
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: &val}}},
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   &name,
		Help:   &help,
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: &v}}},
	}
}
