package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/facerelay/facerelay/pkg/engineio"
	"github.com/facerelay/facerelay/server/internal/metrics"
	"github.com/facerelay/facerelay/server/internal/registry"
)

// Transport names as they appear in the "transport" query parameter.
const (
	Polling   = "polling"
	Websocket = "websocket"
)

var (
	// ErrUnknownSession is returned by Send for ids with no live session.
	ErrUnknownSession = errors.New("transport: unknown session")

	// ErrClosed is returned by Send after the session was closed.
	ErrClosed = errors.New("transport: session closed")

	// ErrQueueFull is returned by Send when the recipient's outbound queue
	// is at capacity. The caller is expected to evict the session.
	ErrQueueFull = errors.New("transport: send queue full")
)

// Handler receives the lifecycle of every session. Calls for one session are
// never concurrent with each other, except OnClose which may race a message
// that is already being handled.
type Handler interface {
	// OnOpen is called once the handshake was sent. A non-nil error aborts
	// the session without a matching OnClose.
	OnOpen(c *registry.Conn) error
	// OnMessage delivers the data of one Engine.IO message packet.
	OnMessage(ctx context.Context, id, data string)
	// OnClose is called exactly once per opened session.
	OnClose(id, reason string)
}

// Options configures the Engine.IO server.
type Options struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	UpgradeTimeout time.Duration
	MaxPayload     int64
	SendQueue      int
	AllowEIO3      bool
	CORSOrigin     string
}

// Default option values.
const (
	DefaultPingInterval   = 25 * time.Second
	DefaultPingTimeout    = 20 * time.Second
	DefaultUpgradeTimeout = 10 * time.Second
	DefaultMaxPayload     = 1_000_000
	DefaultSendQueue      = 256
)

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.UpgradeTimeout <= 0 {
		o.UpgradeTimeout = DefaultUpgradeTimeout
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = DefaultMaxPayload
	}
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	return o
}

// Engine.IO error codes returned in handshake and request errors.
const (
	codeUnknownTransport   = 0
	codeUnknownSID         = 1
	codeBadHandshakeMethod = 2
	codeBadRequest         = 3
	codeUnsupportedVersion = 5
)

var codeMessages = map[int]string{
	codeUnknownTransport:   "Transport unknown",
	codeUnknownSID:         "Session ID unknown",
	codeBadHandshakeMethod: "Bad handshake method",
	codeBadRequest:         "Bad request",
	codeUnsupportedVersion: "Unsupported protocol version",
}

// Server is the Engine.IO endpoint. It owns every session and its bounded
// outbound queue, and implements the relay's Send/Evict contract.
type Server struct {
	opts     Options
	metrics  *metrics.Metrics
	handler  Handler
	sessions *table
	upgrader websocket.Upgrader
	closing  atomic.Bool
}

// New creates a Server. SetHandler must be called before it serves requests.
func New(opts Options, m *metrics.Metrics) *Server {
	return &Server{
		opts:     opts.withDefaults(),
		metrics:  m,
		handler:  nopHandler{},
		sessions: newTable(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced by the CORS headers on polling.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetHandler installs the session callbacks.
func (srv *Server) SetHandler(h Handler) {
	srv.handler = h
}

// Send enqueues one Socket.IO frame for session id. It never blocks.
func (srv *Server) Send(id string, frame []byte) error {
	s, ok := srv.sessions.get(id)
	if !ok {
		return ErrUnknownSession
	}
	return s.enqueue(engineio.Packet{Type: engineio.Message, Data: string(frame)})
}

// Evict closes session id. Evicting an unknown session is a no-op.
func (srv *Server) Evict(id, reason string) {
	if s, ok := srv.sessions.get(id); ok {
		s.close(reason)
	}
}

// Count returns the number of live sessions, including ones that have not
// joined a namespace yet.
func (srv *Server) Count() int {
	return srv.sessions.count()
}

// Shutdown closes every session and rejects new handshakes.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.closing.Store(true)
	for _, s := range srv.sessions.all() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.close("server shutting down")
	}
	return nil
}

// ServeHTTP routes Engine.IO requests: handshake, long-polling and
// websocket, including the polling to websocket upgrade.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.cors(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	q := r.URL.Query()
	version, ok := srv.protocol(q.Get("EIO"))
	if !ok {
		writeError(w, http.StatusBadRequest, codeUnsupportedVersion)
		return
	}
	transport := q.Get("transport")
	if transport != Polling && transport != Websocket {
		writeError(w, http.StatusBadRequest, codeUnknownTransport)
		return
	}

	sid := q.Get("sid")
	if sid == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusBadRequest, codeBadHandshakeMethod)
			return
		}
		if srv.closing.Load() {
			writeError(w, http.StatusServiceUnavailable, codeBadRequest)
			return
		}
		srv.handshake(w, r, version, transport)
		return
	}

	s, ok := srv.sessions.get(sid)
	if !ok {
		writeError(w, http.StatusBadRequest, codeUnknownSID)
		return
	}
	switch {
	case transport == Websocket:
		srv.upgrade(w, r, s)
	case r.Method == http.MethodGet:
		srv.poll(w, r, s)
	case r.Method == http.MethodPost:
		srv.ingest(w, r, s)
	default:
		writeError(w, http.StatusBadRequest, codeBadRequest)
	}
}

func (srv *Server) protocol(eio string) (int, bool) {
	switch eio {
	case "4":
		return engineio.Version4, true
	case "3":
		return engineio.Version3, srv.opts.AllowEIO3
	default:
		return 0, false
	}
}

func (srv *Server) handshake(w http.ResponseWriter, r *http.Request, version int, transport string) {
	conn := &registry.Conn{
		ID:         uuid.NewString(),
		Transport:  transport,
		Protocol:   version,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}

	var upgrades []string
	if transport == Polling {
		upgrades = []string{Websocket}
	}
	var maxPayload int64
	if version == engineio.Version4 {
		maxPayload = srv.opts.MaxPayload
	}
	open := engineio.NewHandshake(conn.ID, upgrades, srv.opts.PingInterval, srv.opts.PingTimeout, maxPayload).Packet()

	if transport == Websocket {
		ws, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// upgrader has already written the error response.
			return
		}
		ws.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
		if err := ws.WriteMessage(websocket.TextMessage, []byte(open.Encode())); err != nil {
			ws.Close()
			return
		}
		s := newSession(srv, conn)
		if err := srv.open(s); err != nil {
			ws.Close()
			return
		}
		s.attach(ws)
		s.serveWebsocket(r.Context(), ws)
		return
	}

	s := newSession(srv, conn)
	if err := srv.open(s); err != nil {
		writeError(w, http.StatusInternalServerError, codeBadRequest)
		return
	}
	writePayload(w, version, []engineio.Packet{open})
}

// open publishes s in the session table and hands it to the handler.
func (srv *Server) open(s *session) error {
	srv.sessions.put(s)
	if err := srv.handler.OnOpen(s.conn); err != nil {
		s.abort()
		slog.Error("transport: session rejected", "sid", s.id, "err", err)
		return err
	}
	go s.heartbeat()
	slog.Debug("transport: session opened",
		"sid", s.id,
		"transport", s.conn.Transport,
		"protocol", s.version,
	)
	return nil
}

func (srv *Server) cors(w http.ResponseWriter) {
	if srv.opts.CORSOrigin == "" {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", srv.opts.CORSOrigin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Code: code, Message: codeMessages[code]}) //nolint:errcheck
}

func writePayload(w http.ResponseWriter, version int, pkts []engineio.Packet) {
	body := engineio.EncodePayload(version, pkts)
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body)) //nolint:errcheck
}

type nopHandler struct{}

func (nopHandler) OnOpen(*registry.Conn) error { return nil }

func (nopHandler) OnMessage(context.Context, string, string) {}

func (nopHandler) OnClose(string, string) {}
