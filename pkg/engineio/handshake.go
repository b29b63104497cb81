package engineio

import (
	"encoding/json"
	"fmt"
	"time"
)

// Handshake is the JSON body of the open packet sent by the server.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload,omitempty"`
}

// NewHandshake builds a Handshake with intervals expressed in milliseconds.
func NewHandshake(sid string, upgrades []string, pingInterval, pingTimeout time.Duration, maxPayload int64) Handshake {
	if upgrades == nil {
		upgrades = []string{}
	}
	return Handshake{
		SID:          sid,
		Upgrades:     upgrades,
		PingInterval: pingInterval.Milliseconds(),
		PingTimeout:  pingTimeout.Milliseconds(),
		MaxPayload:   maxPayload,
	}
}

// Packet returns the open packet carrying h.
func (h Handshake) Packet() Packet {
	data, _ := json.Marshal(h) //nolint:errchkjson // plain struct
	return Packet{Type: Open, Data: string(data)}
}

// ParseHandshake decodes the data of an open packet.
func ParseHandshake(p Packet) (Handshake, error) {
	var h Handshake
	if p.Type != Open {
		return h, fmt.Errorf("%w: expected open packet, got %s", ErrMalformed, p.Type)
	}
	if err := json.Unmarshal([]byte(p.Data), &h); err != nil {
		return h, fmt.Errorf("%w: handshake: %v", ErrMalformed, err)
	}
	if h.SID == "" {
		return h, fmt.Errorf("%w: handshake without sid", ErrMalformed)
	}
	return h, nil
}

// Interval returns the ping interval as a time.Duration.
func (h Handshake) Interval() time.Duration {
	return time.Duration(h.PingInterval) * time.Millisecond
}

// Timeout returns the ping timeout as a time.Duration.
func (h Handshake) Timeout() time.Duration {
	return time.Duration(h.PingTimeout) * time.Millisecond
}
