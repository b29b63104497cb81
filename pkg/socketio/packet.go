package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/facerelay/facerelay/pkg/types"
)

// Type is the Socket.IO packet type.
type Type byte

// Packet types, in wire order.
const (
	Connect Type = iota
	Disconnect
	Event
	Ack
	ConnectError
	BinaryEvent
	BinaryAck
)

// DefaultNamespace is the only namespace served by the relay.
const DefaultNamespace = "/"

// ErrMalformed is returned for packets that cannot be decoded, and for event
// packets whose data is not a ["name", ...args] array.
var ErrMalformed = errors.New("socketio: malformed packet")

// Packet is one decoded Socket.IO packet.
type Packet struct {
	Type        Type
	Namespace   string
	Attachments int
	ID          int64
	HasID       bool
	Data        json.RawMessage
}

// Decode parses the Socket.IO packet carried in an Engine.IO message.
func Decode(s string) (Packet, error) {
	if s == "" || s[0] < '0' || Type(s[0]-'0') > BinaryAck {
		return Packet{}, fmt.Errorf("%w: bad type", ErrMalformed)
	}
	p := Packet{Type: Type(s[0] - '0'), Namespace: DefaultNamespace}
	rest := s[1:]

	if p.Type == BinaryEvent || p.Type == BinaryAck {
		dash := strings.IndexByte(rest, '-')
		if dash <= 0 {
			return Packet{}, fmt.Errorf("%w: missing attachment count", ErrMalformed)
		}
		n, err := strconv.Atoi(rest[:dash])
		if err != nil || n < 0 {
			return Packet{}, fmt.Errorf("%w: bad attachment count", ErrMalformed)
		}
		p.Attachments = n
		rest = rest[dash+1:]
	}

	if strings.HasPrefix(rest, "/") {
		comma := strings.IndexByte(rest, ',')
		if comma < 0 {
			p.Namespace, rest = rest, ""
		} else {
			p.Namespace, rest = rest[:comma], rest[comma+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseInt(rest[:digits], 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: bad ack id", ErrMalformed)
		}
		p.ID, p.HasID = id, true
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return Packet{}, fmt.Errorf("%w: invalid json", ErrMalformed)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// Encode renders p in wire form.
func (p Packet) Encode() string {
	var b strings.Builder
	b.WriteByte('0' + byte(p.Type))
	if p.Type == BinaryEvent || p.Type == BinaryAck {
		b.WriteString(strconv.Itoa(p.Attachments))
		b.WriteByte('-')
	}
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.HasID {
		b.WriteString(strconv.FormatInt(p.ID, 10))
	}
	b.Write(p.Data)
	return b.String()
}

// Event extracts the event name and first argument from an EVENT packet.
// Arguments beyond the first are discarded; a missing argument becomes null.
func (p Packet) Event() (types.Event, error) {
	switch p.Type {
	case Event:
	case BinaryEvent:
		return types.Event{}, fmt.Errorf("%w: binary attachments are not supported", ErrMalformed)
	default:
		return types.Event{}, fmt.Errorf("%w: not an event packet", ErrMalformed)
	}

	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return types.Event{}, fmt.Errorf("%w: event data is not an array", ErrMalformed)
	}
	if len(args) == 0 {
		return types.Event{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return types.Event{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}

	var payload json.RawMessage
	if len(args) > 1 {
		payload = args[1]
	}
	return types.NewEvent(name, payload), nil
}

// EncodeEvent renders ev as an EVENT packet on the default namespace.
func EncodeEvent(ev types.Event) []byte {
	name, _ := json.Marshal(ev.Name) //nolint:errchkjson // string
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	buf := make([]byte, 0, len(name)+len(payload)+4)
	buf = append(buf, '0'+byte(Event), '[')
	buf = append(buf, name...)
	buf = append(buf, ',')
	buf = append(buf, payload...)
	buf = append(buf, ']')
	return buf
}

// ConnectAck returns the CONNECT acknowledgement for the default namespace.
// Protocol v5 (Engine.IO v4) clients expect the socket id; legacy clients
// expect an empty CONNECT.
func ConnectAck(eioVersion int, sid string) Packet {
	p := Packet{Type: Connect, Namespace: DefaultNamespace}
	if eioVersion >= 4 {
		data, _ := json.Marshal(map[string]string{"sid": sid}) //nolint:errchkjson // map of strings
		p.Data = data
	}
	return p
}

// NamespaceError returns the CONNECT_ERROR sent for an unknown namespace.
func NamespaceError(eioVersion int, nsp string) Packet {
	p := Packet{Type: ConnectError, Namespace: nsp}
	if eioVersion >= 4 {
		p.Data = json.RawMessage(`{"message":"Invalid namespace"}`)
	} else {
		p.Data = json.RawMessage(`"Invalid namespace"`)
	}
	return p
}
