package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/facerelay/facerelay/pkg/engineio"
)

// writeTimeout is the deadline for a single write to a websocket client.
const writeTimeout = 10 * time.Second

// upgrade moves a polling session onto websocket: 2probe / 3probe, a noop to
// release the pending poll, then the client's upgrade packet.
func (srv *Server) upgrade(w http.ResponseWriter, r *http.Request, s *session) {
	if !s.beginUpgrade() {
		writeError(w, http.StatusBadRequest, codeBadRequest)
		return
	}

	ws, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.endUpgrade()
		return
	}

	if err := srv.probe(s, ws); err != nil {
		slog.Debug("transport: upgrade failed", "sid", s.id, "err", err)
		ws.Close()
		s.endUpgrade()
		return
	}

	s.attach(ws)
	s.conn.MarkUpgraded()
	slog.Debug("transport: session upgraded", "sid", s.id)
	s.serveWebsocket(r.Context(), ws)
}

func (srv *Server) probe(s *session, ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(srv.opts.UpgradeTimeout)) //nolint:errcheck

	p, err := readPacket(ws)
	if err != nil {
		return err
	}
	if p.Type != engineio.Ping || p.Data != engineio.ProbeData {
		return errUpgradeSequence
	}
	ws.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	pong := engineio.Packet{Type: engineio.Pong, Data: engineio.ProbeData}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(pong.Encode())); err != nil {
		return err
	}
	// Release a GET that is still parked so the client can finish the upgrade.
	s.enqueue(engineio.Packet{Type: engineio.Noop}) //nolint:errcheck

	for {
		p, err = readPacket(ws)
		if err != nil {
			return err
		}
		switch p.Type {
		case engineio.Upgrade:
			ws.SetReadDeadline(time.Time{}) //nolint:errcheck
			return nil
		case engineio.Noop:
		default:
			return errUpgradeSequence
		}
	}
}

func (s *session) beginUpgrade() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upgrading || s.ws != nil || s.conn.Transport != Polling {
		return false
	}
	s.upgrading = true
	return true
}

func (s *session) endUpgrade() {
	s.mu.Lock()
	s.upgrading = false
	s.mu.Unlock()
}

// attach makes ws the carrier of the session.
func (s *session) attach(ws *websocket.Conn) {
	s.mu.Lock()
	s.ws = ws
	s.upgrading = false
	s.mu.Unlock()
}

// serveWebsocket pumps the session over ws until either side closes.
func (s *session) serveWebsocket(ctx context.Context, ws *websocket.Conn) {
	go s.writePump(ws)
	s.readPump(ctx, ws) // blocks until connection closes
}

// writePump drains the outbound queue onto ws. When the session closes it
// flushes what is left, sends the close packet and closes the connection.
func (s *session) writePump(ws *websocket.Conn) {
	defer ws.Close()

	write := func(p engineio.Packet) error {
		ws.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
		if p.Binary {
			return ws.WriteMessage(websocket.BinaryMessage, []byte(p.Data))
		}
		return ws.WriteMessage(websocket.TextMessage, []byte(p.Encode()))
	}

	for {
		select {
		case p := <-s.queue:
			if err := write(p); err != nil {
				s.close("transport error")
				return
			}

		case <-s.done:
		flush:
			for {
				select {
				case p := <-s.queue:
					if write(p) != nil {
						return
					}
				default:
					break flush
				}
			}
			_ = write(engineio.Packet{Type: engineio.Close})
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump reads packets from ws and hands them to the session. Blocks until
// the connection closes.
func (s *session) readPump(ctx context.Context, ws *websocket.Conn) {
	defer s.close("transport close")
	ws.SetReadLimit(s.srv.opts.MaxPayload)
	for {
		p, err := readPacket(ws)
		if err != nil {
			if errors.Is(err, engineio.ErrMalformed) {
				s.srv.metrics.MalformedFrame()
				slog.Debug("transport: malformed packet dropped", "sid", s.id, "err", err)
				continue
			}
			return
		}
		s.handle(ctx, p)
	}
}

var errUpgradeSequence = errors.New("transport: unexpected packet during upgrade")

// readPacket reads one websocket message as an Engine.IO packet. Binary
// frames are message packets carrying raw bytes.
func readPacket(ws *websocket.Conn) (engineio.Packet, error) {
	mt, data, err := ws.ReadMessage()
	if err != nil {
		return engineio.Packet{}, err
	}
	if mt == websocket.BinaryMessage {
		return engineio.Packet{Type: engineio.Message, Data: string(data), Binary: true}, nil
	}
	return engineio.Decode(string(data))
}
