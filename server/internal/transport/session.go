package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/facerelay/facerelay/pkg/engineio"
	"github.com/facerelay/facerelay/server/internal/registry"
)

// session is one Engine.IO connection. Outbound packets go through a bounded
// queue drained by whichever transport currently carries the session.
type session struct {
	id      string
	version int
	conn    *registry.Conn
	srv     *Server

	queue chan engineio.Packet
	done  chan struct{}
	alive chan struct{}

	closeOnce sync.Once
	notify    bool

	// inMu serializes inbound packets so messages reach the handler in the
	// order the client sent them, across polling requests and the upgrade.
	inMu sync.Mutex

	mu        sync.Mutex
	polling   bool
	upgrading bool
	ws        *websocket.Conn
}

func newSession(srv *Server, conn *registry.Conn) *session {
	return &session{
		id:      conn.ID,
		version: conn.Protocol,
		conn:    conn,
		srv:     srv,
		queue:   make(chan engineio.Packet, srv.opts.SendQueue),
		done:    make(chan struct{}),
		alive:   make(chan struct{}, 1),
		notify:  true,
	}
}

// enqueue offers p to the outbound queue without blocking.
func (s *session) enqueue(p engineio.Packet) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.queue <- p:
		return nil
	default:
		return ErrQueueFull
	}
}

// close ends the session once and reports it to the handler.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.srv.sessions.remove(s.id, s)
		if s.notify {
			s.srv.handler.OnClose(s.id, reason)
		}
		slog.Debug("transport: session closed", "sid", s.id, "reason", reason)
	})
}

// abort ends a session whose OnOpen failed. The handler is not notified.
func (s *session) abort() {
	s.notify = false
	s.close("rejected")
}

func (s *session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// handle processes one inbound packet.
func (s *session) handle(ctx context.Context, p engineio.Packet) {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if s.isClosed() {
		return
	}

	switch p.Type {
	case engineio.Message:
		if p.Binary {
			// Binary attachments are not relayed.
			s.srv.metrics.MalformedFrame()
			slog.Debug("transport: binary message dropped", "sid", s.id)
			return
		}
		s.srv.handler.OnMessage(ctx, s.id, p.Data)
	case engineio.Ping:
		// Legacy clients drive the heartbeat.
		s.markAlive()
		if err := s.enqueue(engineio.Packet{Type: engineio.Pong, Data: p.Data}); err != nil {
			s.close("pong failed")
		}
	case engineio.Pong:
		s.markAlive()
	case engineio.Close:
		s.close("client close")
	default:
		slog.Debug("transport: packet ignored", "sid", s.id, "type", p.Type)
	}
}

func (s *session) markAlive() {
	select {
	case s.alive <- struct{}{}:
	default:
	}
}

// heartbeat keeps the liveness check for the session. v4 sessions are pinged
// by the server and must answer within PingTimeout; v3 clients ping on their
// own and must do so within PingInterval+PingTimeout.
func (s *session) heartbeat() {
	interval, timeout := s.srv.opts.PingInterval, s.srv.opts.PingTimeout
	if s.version == engineio.Version3 {
		s.watchClientPings(interval + timeout)
		return
	}

	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		}

		select {
		case <-s.alive:
		default:
		}
		if err := s.enqueue(engineio.Packet{Type: engineio.Ping}); err != nil {
			s.close("ping failed")
			return
		}

		t.Reset(timeout)
		select {
		case <-s.done:
			return
		case <-s.alive:
		case <-t.C:
			s.close("ping timeout")
			return
		}
		t.Reset(interval)
	}
}

func (s *session) watchClientPings(deadline time.Duration) {
	t := time.NewTimer(deadline)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.alive:
			t.Reset(deadline)
		case <-t.C:
			s.close("ping timeout")
			return
		}
	}
}
