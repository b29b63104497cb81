package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/facerelay/facerelay/pkg/types"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("cluster: bridge closed")

// Envelope is the wire form of an event travelling between nodes.
type Envelope struct {
	Node    string          `json:"node"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Sink receives events published by other nodes.
type Sink interface {
	DispatchRemote(ctx context.Context, ev types.Event)
}

// Bridge publishes local events and feeds remote ones to a Sink.
type Bridge struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	node    string
	sink    Sink
}

// Connect dials NATS at url and subscribes to subject under a fresh node id.
func Connect(ctx context.Context, url, subject string, sink Sink) (*Bridge, error) {
	b := &Bridge{subject: subject, node: uuid.NewString(), sink: sink}

	nc, err := nats.Connect(url,
		nats.Name("facerelay-"+b.node),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("cluster: nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("cluster: nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) { b.handle(msg.Data) })
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	// Subscription is registered server-side once the flush completes.
	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	b.nc = nc
	b.sub = sub
	slog.Info("cluster: bridge connected", "url", url, "subject", subject, "node", b.node)
	return b, nil
}

// Node returns this bridge's node id.
func (b *Bridge) Node() string { return b.node }

// Publish sends ev to the other nodes.
func (b *Bridge) Publish(_ context.Context, ev types.Event) error {
	if b.nc == nil || b.nc.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(Envelope{Node: b.node, Name: ev.Name, Payload: ev.Payload})
	if err != nil {
		return fmt.Errorf("cluster: encode envelope: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", b.subject, err)
	}
	return nil
}

// Close drains the subscription and closes the connection.
func (b *Bridge) Close() error {
	if b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

func (b *Bridge) handle(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Debug("cluster: undecodable envelope dropped", "error", err)
		return
	}
	if env.Node == b.node {
		return
	}
	if env.Name == "" {
		slog.Debug("cluster: envelope without event name dropped", "node", env.Node)
		return
	}
	b.sink.DispatchRemote(context.Background(), types.NewEvent(env.Name, env.Payload))
}
