package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/facerelay/facerelay/pkg/socketio"
	"github.com/facerelay/facerelay/pkg/types"
	"github.com/facerelay/facerelay/server/internal/dispatch"
	"github.com/facerelay/facerelay/server/internal/metrics"
	"github.com/facerelay/facerelay/server/internal/registry"
)

// ErrAdapterContract is returned when the transport hands over a connection
// id that is already in use. It aborts that connection's setup.
var ErrAdapterContract = errors.New("relay: adapter contract violation")

// Transport is the transport adapter as seen by the relay.
type Transport interface {
	Send(id string, frame []byte) error
	Evict(id, reason string)
}

// Publisher forwards locally received events to peer relay nodes.
type Publisher interface {
	Publish(ctx context.Context, ev types.Event) error
}

// peer is the relay-side state of one connection.
type peer struct {
	conn  *registry.Conn
	state atomic.Int32
}

func (p *peer) State() State { return State(p.state.Load()) }

// Service composes the registry and the dispatcher behind the transport
// callbacks: any event in, rebroadcast to all.
type Service struct {
	reg     *registry.Registry
	disp    *dispatch.Dispatcher
	out     Transport
	metrics *metrics.Metrics

	mu    sync.Mutex
	peers map[string]*peer

	publisher atomic.Pointer[Publisher]
}

// New creates a Service. The registry is owned by the service; the
// dispatcher must broadcast over the same registry.
func New(reg *registry.Registry, disp *dispatch.Dispatcher, out Transport, m *metrics.Metrics) *Service {
	return &Service{
		reg:     reg,
		disp:    disp,
		out:     out,
		metrics: m,
		peers:   make(map[string]*peer),
	}
}

// SetPublisher installs the cluster bridge. A nil publisher disables it.
func (s *Service) SetPublisher(p Publisher) {
	if p == nil {
		s.publisher.Store(nil)
		return
	}
	s.publisher.Store(&p)
}

// State returns the state of connection id. Unknown ids report StateClosed.
func (s *Service) State(id string) State {
	s.mu.Lock()
	p, ok := s.peers[id]
	s.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return p.State()
}

// OnOpen is called by the transport after it accepted a session. The
// connection starts in StateConnecting. Legacy (Engine.IO v3) clients join
// the default namespace implicitly, so their handshake completes here.
func (s *Service) OnOpen(c *registry.Conn) error {
	p := &peer{conn: c}
	p.state.Store(int32(StateConnecting))

	s.mu.Lock()
	if _, dup := s.peers[c.ID]; dup {
		s.mu.Unlock()
		slog.Error("relay: adapter contract violation", "sid", c.ID, "err", "duplicate id on open")
		return fmt.Errorf("%w: duplicate id %s", ErrAdapterContract, c.ID)
	}
	s.peers[c.ID] = p
	s.mu.Unlock()

	if c.Protocol < 4 {
		return s.connect(p)
	}
	return nil
}

// OnMessage handles one Socket.IO packet from connection id. Frames are
// delivered sequentially per connection, which keeps each origin's events in
// order. Malformed frames are dropped and the connection stays open.
func (s *Service) OnMessage(ctx context.Context, id, data string) {
	s.mu.Lock()
	p, ok := s.peers[id]
	s.mu.Unlock()
	if !ok {
		slog.Debug("relay: message for unknown connection dropped", "sid", id)
		return
	}

	pkt, err := socketio.Decode(data)
	if err != nil {
		s.metrics.MalformedFrame()
		slog.Debug("relay: malformed frame dropped", "sid", id, "err", err)
		return
	}

	switch pkt.Type {
	case socketio.Connect:
		s.handleConnect(p, pkt)

	case socketio.Disconnect:
		if pkt.Namespace == socketio.DefaultNamespace {
			s.out.Evict(id, "client namespace disconnect")
		}

	case socketio.Event, socketio.BinaryEvent:
		if p.State() != StateOpen || pkt.Namespace != socketio.DefaultNamespace {
			slog.Debug("relay: event outside open namespace dropped",
				"sid", id, "state", p.State(), "nsp", pkt.Namespace)
			return
		}
		ev, err := pkt.Event()
		if err != nil {
			s.metrics.MalformedFrame()
			slog.Debug("relay: malformed event dropped", "sid", id, "err", err)
			return
		}
		s.metrics.EventReceived()
		s.disp.Dispatch(ctx, id, ev)
		s.publish(ctx, ev)

	default:
		slog.Debug("relay: packet ignored", "sid", id, "type", pkt.Type)
	}
}

// OnClose is called by the transport when a session ends for any reason.
// It is safe to call more than once.
func (s *Service) OnClose(id, reason string) {
	s.mu.Lock()
	p, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	wasOpen := State(p.state.Swap(int32(StateClosed))) == StateOpen
	s.reg.Unregister(id)
	if wasOpen {
		slog.Info("relay: connection closed", "sid", id, "reason", reason)
	}
}

// DispatchRemote broadcasts an event that originated on another relay node.
// It is not published again.
func (s *Service) DispatchRemote(ctx context.Context, ev types.Event) {
	s.metrics.ClusterEvent()
	s.disp.Dispatch(ctx, "", ev)
}

func (s *Service) handleConnect(p *peer, pkt socketio.Packet) {
	if pkt.Namespace != socketio.DefaultNamespace {
		frame := socketio.NamespaceError(p.conn.Protocol, pkt.Namespace).Encode()
		if err := s.out.Send(p.conn.ID, []byte(frame)); err != nil {
			s.out.Evict(p.conn.ID, "send failed")
		}
		return
	}
	if p.State() != StateConnecting {
		return
	}
	if err := s.connect(p); err != nil {
		s.out.Evict(p.conn.ID, err.Error())
	}
}

// connect acknowledges the default namespace and admits the connection to
// the registry: StateConnecting -> StateOpen.
func (s *Service) connect(p *peer) error {
	id := p.conn.ID
	ack := socketio.ConnectAck(p.conn.Protocol, id).Encode()
	if err := s.out.Send(id, []byte(ack)); err != nil {
		s.discard(p)
		return fmt.Errorf("relay: connect ack: %w", err)
	}

	if _, err := s.reg.Register(p.conn); err != nil {
		slog.Error("relay: adapter contract violation", "sid", id, "err", err)
		s.discard(p)
		return fmt.Errorf("%w: %w", ErrAdapterContract, err)
	}

	if !p.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// Closed while registering.
		s.reg.Unregister(id)
		return nil
	}
	s.metrics.ConnectionOpened()
	slog.Info("relay: connection open",
		"sid", id,
		"transport", p.conn.Transport,
		"protocol", p.conn.Protocol,
		"remote", p.conn.RemoteAddr,
	)
	return nil
}

// discard closes a peer whose handshake failed. The transport aborts such a
// session without calling OnClose.
func (s *Service) discard(p *peer) {
	p.state.Store(int32(StateClosed))
	s.mu.Lock()
	if s.peers[p.conn.ID] == p {
		delete(s.peers, p.conn.ID)
	}
	s.mu.Unlock()
}

func (s *Service) publish(ctx context.Context, ev types.Event) {
	pp := s.publisher.Load()
	if pp == nil {
		return
	}
	if err := (*pp).Publish(ctx, ev); err != nil {
		slog.Warn("relay: cluster publish failed", "event", ev.Name, "err", err)
	}
}
