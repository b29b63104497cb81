package transport

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/facerelay/facerelay/pkg/engineio"
)

// poll answers a long-polling GET with every packet queued for s, waiting for
// the first one if the queue is empty.
func (srv *Server) poll(w http.ResponseWriter, r *http.Request, s *session) {
	if ok, overlap := s.beginPoll(); !ok {
		writeError(w, http.StatusBadRequest, codeBadRequest)
		if overlap {
			s.close("overlapping poll")
		}
		return
	}
	defer s.endPoll()

	var pkts []engineio.Packet
	select {
	case p := <-s.queue:
		pkts = append(pkts, p)
	case <-s.done:
		pkts = append(pkts, engineio.Packet{Type: engineio.Close})
	case <-r.Context().Done():
		return
	}
	pkts = s.drain(pkts, srv.opts.MaxPayload)
	writePayload(w, s.version, pkts)
}

// ingest decodes a polling POST body and hands each packet to the session.
// A body that is not a valid payload is dropped; the session stays open.
func (srv *Server) ingest(w http.ResponseWriter, r *http.Request, s *session) {
	if !s.acceptsPolling() {
		writeError(w, http.StatusBadRequest, codeBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, srv.opts.MaxPayload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeBadRequest)
			s.close("payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, codeBadRequest)
		return
	}

	pkts, err := engineio.DecodePayload(s.version, string(body))
	if err != nil {
		srv.metrics.MalformedFrame()
		slog.Debug("transport: malformed payload dropped", "sid", s.id, "err", err)
		writeError(w, http.StatusBadRequest, codeBadRequest)
		return
	}
	for _, p := range pkts {
		s.handle(r.Context(), p)
	}

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck
}

// beginPoll claims the polling GET slot. Only one GET may be pending and none
// once the session runs over websocket; overlap reports a second GET.
func (s *session) beginPoll() (ok, overlap bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws != nil || s.conn.Transport != Polling {
		return false, false
	}
	if s.polling {
		return false, true
	}
	s.polling = true
	return true, false
}

func (s *session) endPoll() {
	s.mu.Lock()
	s.polling = false
	s.mu.Unlock()
}

func (s *session) acceptsPolling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws == nil && s.conn.Transport == Polling
}

// drain appends queued packets to pkts without blocking until the queue is
// empty or the payload reaches limit bytes.
func (s *session) drain(pkts []engineio.Packet, limit int64) []engineio.Packet {
	var size int64
	for _, p := range pkts {
		size += int64(len(p.Data)) + 2
	}
	for size < limit {
		select {
		case p := <-s.queue:
			pkts = append(pkts, p)
			size += int64(len(p.Data)) + 2
		default:
			return pkts
		}
	}
	return pkts
}
