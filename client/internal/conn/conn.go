package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/facerelay/facerelay/pkg/engineio"
	"github.com/facerelay/facerelay/pkg/socketio"
	"github.com/facerelay/facerelay/pkg/types"
)

const (
	writeTimeout = 10 * time.Second
	eventBuffer  = 256
)

var (
	// ErrClosed is returned by Emit once the connection has ended.
	ErrClosed = errors.New("conn: closed")

	// ErrRejected is returned by Dial when the server refuses the namespace.
	ErrRejected = errors.New("conn: namespace connect rejected")

	errServerClosed = errors.New("conn: closed by server")
)

// Conn is one Socket.IO connection.
type Conn struct {
	ws     *websocket.Conn
	hs     engineio.Handshake
	id     string
	events chan types.Event

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial opens the websocket at url, completes the Engine.IO handshake and
// joins the default namespace. ctx bounds the whole handshake.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(dl) //nolint:errcheck
	}

	c := &Conn{
		ws:     ws,
		events: make(chan types.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	if err := c.handshake(); err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetReadDeadline(time.Time{}) //nolint:errcheck

	go c.readLoop()
	return c, nil
}

func (c *Conn) handshake() error {
	p, err := c.read()
	if err != nil {
		return fmt.Errorf("read open packet: %w", err)
	}
	if c.hs, err = engineio.ParseHandshake(p); err != nil {
		return err
	}

	connect := socketio.Packet{Type: socketio.Connect, Namespace: socketio.DefaultNamespace}
	if err := c.write(engineio.Packet{Type: engineio.Message, Data: connect.Encode()}); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	for {
		p, err := c.read()
		if err != nil {
			return fmt.Errorf("await connect ack: %w", err)
		}
		switch p.Type {
		case engineio.Ping:
			if err := c.write(engineio.Packet{Type: engineio.Pong, Data: p.Data}); err != nil {
				return err
			}
			continue
		case engineio.Close:
			return errServerClosed
		case engineio.Message:
		default:
			continue
		}

		pkt, err := socketio.Decode(p.Data)
		if err != nil {
			return fmt.Errorf("await connect ack: %w", err)
		}
		switch pkt.Type {
		case socketio.Connect:
			c.id = connectID(pkt)
			slog.Debug("conn: connected", "sid", c.hs.SID, "socket_id", c.id)
			return nil
		case socketio.ConnectError:
			return fmt.Errorf("%w: %s", ErrRejected, pkt.Data)
		}
	}
}

// ID returns the socket id assigned by the server.
func (c *Conn) ID() string { return c.id }

// Events delivers every event received from the server.
func (c *Conn) Events() <-chan types.Event { return c.events }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, or nil while it is open or after a
// local Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Emit sends ev to the server.
func (c *Conn) Emit(ev types.Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.write(engineio.Packet{Type: engineio.Message, Data: string(socketio.EncodeEvent(ev))})
}

// Close leaves the namespace and closes the websocket.
func (c *Conn) Close() error {
	disconnect := socketio.Packet{Type: socketio.Disconnect, Namespace: socketio.DefaultNamespace}
	c.write(engineio.Packet{Type: engineio.Message, Data: disconnect.Encode()}) //nolint:errcheck
	c.finish(nil)
	return nil
}

func (c *Conn) readLoop() {
	// The server pings every interval and waits timeout for the pong; silence
	// beyond both means it is gone.
	idle := c.hs.Interval() + c.hs.Timeout()
	for {
		if idle > 0 {
			c.ws.SetReadDeadline(time.Now().Add(idle)) //nolint:errcheck
		}
		p, err := c.read()
		if err != nil {
			if errors.Is(err, engineio.ErrMalformed) {
				slog.Debug("conn: malformed packet dropped", "err", err)
				continue
			}
			c.finish(err)
			return
		}

		switch p.Type {
		case engineio.Ping:
			if err := c.write(engineio.Packet{Type: engineio.Pong, Data: p.Data}); err != nil {
				c.finish(err)
				return
			}
		case engineio.Close:
			c.finish(errServerClosed)
			return
		case engineio.Message:
			if !c.dispatch(p.Data) {
				return
			}
		}
	}
}

// dispatch handles one Socket.IO packet and reports whether to keep reading.
func (c *Conn) dispatch(data string) bool {
	pkt, err := socketio.Decode(data)
	if err != nil {
		slog.Debug("conn: malformed socket.io packet dropped", "err", err)
		return true
	}
	switch pkt.Type {
	case socketio.Event:
		ev, err := pkt.Event()
		if err != nil {
			slog.Debug("conn: malformed event dropped", "err", err)
			return true
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return false
		}
	case socketio.Disconnect:
		c.finish(errServerClosed)
		return false
	}
	return true
}

func (c *Conn) read() (engineio.Packet, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return engineio.Packet{}, err
	}
	if mt == websocket.BinaryMessage {
		return engineio.Packet{Type: engineio.Message, Data: string(data), Binary: true}, nil
	}
	return engineio.Decode(string(data))
}

func (c *Conn) write(p engineio.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return c.ws.WriteMessage(websocket.TextMessage, []byte(p.Encode()))
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.ws.Close()
	})
}

func connectID(pkt socketio.Packet) string {
	var body struct {
		SID string `json:"sid"`
	}
	if len(pkt.Data) > 0 {
		json.Unmarshal(pkt.Data, &body) //nolint:errcheck
	}
	return body.SID
}
