package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/facerelay/facerelay/pkg/socketio"
	"github.com/facerelay/facerelay/pkg/types"
	"github.com/facerelay/facerelay/server/internal/metrics"
	"github.com/facerelay/facerelay/server/internal/registry"
)

const tracerName = "facerelay"

// Transport is the per-recipient side of the transport adapter.
// Send must not block on a slow recipient and must not retain or modify
// frame after returning, since the same slice goes to every recipient.
type Transport interface {
	Send(id string, frame []byte) error
	Evict(id, reason string)
}

// Result summarises one dispatch cycle.
type Result struct {
	Attempted int
	Delivered int
	Failed    int
}

// Dispatcher fans events out to every registered connection.
type Dispatcher struct {
	reg     *registry.Registry
	out     Transport
	metrics *metrics.Metrics
	tracer  trace.Tracer
	policy  atomic.Int32
}

// New creates a Dispatcher broadcasting to the members of reg through out.
// The initial policy is IncludeSender.
func New(reg *registry.Registry, out Transport, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		out:     out,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

// SetPolicy switches the self-delivery policy for subsequent dispatches.
func (d *Dispatcher) SetPolicy(p Policy) {
	d.policy.Store(int32(p))
}

// Policy returns the active self-delivery policy.
func (d *Dispatcher) Policy() Policy {
	return Policy(d.policy.Load())
}

// Dispatch encodes ev once and hands it to every connection in a registry
// snapshot. A failed send unregisters and evicts that recipient only; the
// remaining recipients are still attempted. Dispatch never fails as a whole.
func (d *Dispatcher) Dispatch(ctx context.Context, origin string, ev types.Event) Result {
	_, span := d.tracer.Start(ctx, "relay.dispatch",
		trace.WithAttributes(
			attribute.String("event.name", ev.Name),
			attribute.String("relay.origin", origin),
		),
	)
	defer span.End()

	frame := socketio.EncodeEvent(ev)
	policy := d.Policy()

	var res Result
	for _, id := range d.reg.Snapshot() {
		if policy == ExcludeSender && id == origin {
			continue
		}
		res.Attempted++

		if err := d.out.Send(id, frame); err != nil {
			res.Failed++
			d.metrics.SendFailed()
			if d.reg.Unregister(id) {
				d.metrics.Evicted()
				slog.Warn("dispatch: send failed, evicting connection",
					"sid", id, "event", ev.Name, "err", err)
			}
			d.out.Evict(id, "send failed")
			continue
		}
		res.Delivered++
		d.reg.MarkSent(id)
		d.metrics.FrameSent()
	}

	span.SetAttributes(
		attribute.Int("relay.recipients", res.Attempted),
		attribute.Int("relay.failed", res.Failed),
	)
	slog.Debug("dispatch: event broadcast",
		"event", ev.Name,
		"origin", origin,
		"recipients", res.Attempted,
		"failed", res.Failed,
	)
	return res
}
