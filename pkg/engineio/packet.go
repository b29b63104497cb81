package engineio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Type is the single-digit Engine.IO packet type.
type Type byte

// Packet types, in wire order.
const (
	Open Type = iota
	Close
	Ping
	Pong
	Message
	Upgrade
	Noop
)

// Protocol revisions understood by this package.
const (
	Version3 = 3
	Version4 = 4
)

// ProbeData is the payload exchanged in the ping/pong that precedes a
// transport upgrade.
const ProbeData = "probe"

const (
	// recordSeparator joins packets in a v4 polling payload.
	recordSeparator = '\x1e'

	// binaryPrefix marks a base64-encoded binary packet in polling payloads.
	binaryPrefix = 'b'
)

// ErrMalformed is returned for input that is not a valid packet or payload.
var ErrMalformed = errors.New("engineio: malformed packet")

var typeNames = [...]string{"open", "close", "ping", "pong", "message", "upgrade", "noop"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Packet is one Engine.IO packet. Binary is set for message packets that
// arrived base64-encoded or in a binary websocket frame.
type Packet struct {
	Type   Type
	Data   string
	Binary bool
}

// Encode renders p in its text form: the type digit followed by data.
// Binary packets use the "b<base64>" form of the polling transport.
func (p Packet) Encode() string {
	if p.Binary {
		return string(binaryPrefix) + base64.StdEncoding.EncodeToString([]byte(p.Data))
	}
	return string('0'+byte(p.Type)) + p.Data
}

// Decode parses a single text packet.
func Decode(s string) (Packet, error) {
	if s == "" {
		return Packet{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	if s[0] == binaryPrefix {
		raw, err := base64.StdEncoding.DecodeString(s[1:])
		if err != nil {
			return Packet{}, fmt.Errorf("%w: bad base64: %v", ErrMalformed, err)
		}
		return Packet{Type: Message, Data: string(raw), Binary: true}, nil
	}
	t := s[0] - '0'
	if s[0] < '0' || Type(t) > Noop {
		return Packet{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, s[0])
	}
	return Packet{Type: Type(t), Data: s[1:]}, nil
}

// EncodePayload joins packets for the polling transport using the framing of
// the given protocol version.
func EncodePayload(version int, pkts []Packet) string {
	var b strings.Builder
	for i, p := range pkts {
		enc := p.Encode()
		if version == Version3 {
			b.WriteString(strconv.Itoa(utf16Len(enc)))
			b.WriteByte(':')
			b.WriteString(enc)
			continue
		}
		if i > 0 {
			b.WriteByte(recordSeparator)
		}
		b.WriteString(enc)
	}
	return b.String()
}

// DecodePayload splits a polling payload into packets.
func DecodePayload(version int, s string) ([]Packet, error) {
	if version == Version3 {
		return decodeLengthPrefixed(s)
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	parts := strings.Split(s, string(recordSeparator))
	out := make([]Packet, 0, len(parts))
	for _, part := range parts {
		p, err := Decode(part)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// decodeLengthPrefixed handles the v3 "<len>:<packet>" framing, where len
// counts UTF-16 code units as the JavaScript reference does.
func decodeLengthPrefixed(s string) ([]Packet, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var out []Packet
	for len(s) > 0 {
		colon := strings.IndexByte(s, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("%w: missing length", ErrMalformed)
		}
		n, err := strconv.Atoi(s[:colon])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad length %q", ErrMalformed, s[:colon])
		}
		s = s[colon+1:]
		end, ok := utf16Offset(s, n)
		if !ok {
			return nil, fmt.Errorf("%w: short packet", ErrMalformed)
		}
		p, err := Decode(s[:end])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
		s = s[end:]
	}
	return out, nil
}

// utf16Len returns the number of UTF-16 code units needed to encode s.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// utf16Offset returns the byte offset in s after n UTF-16 code units.
func utf16Offset(s string, n int) (int, bool) {
	i := 0
	for n > 0 {
		if i >= len(s) {
			return 0, false
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r >= 0x10000 {
			n -= 2
		} else {
			n--
		}
		if n < 0 {
			return 0, false
		}
		i += size
	}
	return i, true
}
