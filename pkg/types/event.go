package types

import (
	"bytes"
	"encoding/json"
)

// nullPayload is what an event carries when the sender supplied no argument.
var nullPayload = json.RawMessage("null")

// Event is a named message with a single opaque JSON payload.
// It exists only for the duration of one dispatch cycle.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent returns an Event whose payload is normalised: an empty payload
// becomes JSON null so it always re-encodes as a valid array element.
func NewEvent(name string, payload json.RawMessage) Event {
	p := bytes.TrimSpace(payload)
	if len(p) == 0 {
		p = nullPayload
	}
	return Event{Name: name, Payload: p}
}
