package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/facerelay/facerelay/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
)

var errSessionEnded = errors.New("outbox: session ended")

// Session is one live connection to the relay.
type Session interface {
	Emit(ev types.Event) error
	Events() <-chan types.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens a new Session.
type DialFunc func(ctx context.Context) (Session, error)

// Outbox buffers outbound events and runs the reconnect loop.
type Outbox struct {
	buf       chan types.Event
	dial      DialFunc
	onReceive func(types.Event)

	minWait, maxWait time.Duration // injectable for tests
}

// New creates an Outbox holding up to size events. onReceive is called from
// Run's goroutine for every event the server sends.
func New(size int, dial DialFunc, onReceive func(types.Event)) *Outbox {
	return &Outbox{
		buf:       make(chan types.Event, size),
		dial:      dial,
		onReceive: onReceive,
		minWait:   backoffInitial,
		maxWait:   backoffMax,
	}
}

// Push enqueues ev. If the buffer is full the oldest entry is evicted.
func (o *Outbox) Push(ev types.Event) {
	for {
		select {
		case o.buf <- ev:
			return
		default:
		}
		select {
		case old := <-o.buf:
			slog.Warn("outbox: buffer full, evicted oldest event",
				"event", old.Name, "buffer_cap", cap(o.buf))
		default:
		}
	}
}

// Len returns the number of queued events.
func (o *Outbox) Len() int { return len(o.buf) }

// Run connects, pumps events both ways and reconnects until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) {
	bo := newBackoff(o.minWait, o.maxWait)

	for {
		if ctx.Err() != nil {
			return
		}

		s, err := o.dial(ctx)
		if err != nil {
			wait := bo.next()
			slog.Error("outbox: dial failed, will retry", "err", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		slog.Info("outbox: connected")
		bo.reset()

		err = o.pump(ctx, s)
		s.Close() //nolint:errcheck

		if ctx.Err() != nil {
			return
		}

		wait := bo.next()
		slog.Warn("outbox: connection lost, will reconnect", "err", err, "retry_in", wait)
		if !sleep(ctx, wait) {
			return
		}
	}
}

// pump moves events between the buffer, the session and onReceive until the
// session ends or ctx is cancelled.
func (o *Outbox) pump(ctx context.Context, s Session) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-s.Events():
			o.onReceive(ev)

		case <-s.Done():
			o.drainReceived(s)
			if err := s.Err(); err != nil {
				return err
			}
			return errSessionEnded

		case ev := <-o.buf:
			if err := s.Emit(ev); err != nil {
				// Requeue if there's room; a newer event may have taken the slot.
				select {
				case o.buf <- ev:
				default:
				}
				return fmt.Errorf("emit %s: %w", ev.Name, err)
			}
			slog.Debug("outbox: event sent", "event", ev.Name)
		}
	}
}

// drainReceived delivers events that arrived before the session ended.
func (o *Outbox) drainReceived(s Session) {
	for {
		select {
		case ev := <-s.Events():
			o.onReceive(ev)
		default:
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
