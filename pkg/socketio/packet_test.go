package socketio

import (
	"errors"
	"testing"

	"github.com/facerelay/facerelay/pkg/types"
)

func TestDecode_Event(t *testing.T) {
	p, err := Decode(`2["face",{"x":1}]`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Type != Event || p.Namespace != DefaultNamespace || p.HasID {
		t.Fatalf("got %+v", p)
	}
	ev, err := p.Event()
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if ev.Name != "face" || string(ev.Payload) != `{"x":1}` {
		t.Errorf("Event: got %+v", ev)
	}
}

func TestDecode_EventWithNamespaceAndAckID(t *testing.T) {
	p, err := Decode(`2/admin,17["face",2,3]`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Namespace != "/admin" || !p.HasID || p.ID != 17 {
		t.Fatalf("got %+v", p)
	}
	ev, err := p.Event()
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if string(ev.Payload) != "2" {
		t.Errorf("Payload: got %s, want 2 (extra args dropped)", ev.Payload)
	}
}

func TestDecode_ConnectWithoutData(t *testing.T) {
	p, err := Decode("0")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Type != Connect || p.Namespace != DefaultNamespace || p.Data != nil {
		t.Errorf("got %+v", p)
	}
}

func TestDecode_NamespaceOnly(t *testing.T) {
	p, err := Decode("0/chat")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Namespace != "/chat" {
		t.Errorf("Namespace: got %q, want /chat", p.Namespace)
	}
}

func TestDecode_BinaryEvent(t *testing.T) {
	p, err := Decode(`51-["face",{"_placeholder":true,"num":0}]`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Attachments != 1 {
		t.Errorf("Attachments: got %d, want 1", p.Attachments)
	}
	if _, err := p.Event(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Event on binary packet: got %v, want ErrMalformed", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, in := range []string{"", "9", "2{not json", "5[]"} {
		if _, err := Decode(in); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q): got %v, want ErrMalformed", in, err)
		}
	}
}

func TestEvent_Malformed(t *testing.T) {
	cases := []string{
		`2{"x":1}`,   // not an array
		`2[]`,        // no name
		`2[1,2]`,     // name not a string
		`2["",{}]`,   // empty name
		`0{"a":"b"}`, // not an event
	}
	for _, in := range cases {
		p, err := Decode(in)
		if err != nil {
			t.Fatalf("Decode(%q): %v", in, err)
		}
		if _, err := p.Event(); !errors.Is(err, ErrMalformed) {
			t.Errorf("Event(%q): got %v, want ErrMalformed", in, err)
		}
	}
}

func TestEvent_MissingPayloadIsNull(t *testing.T) {
	p, err := Decode(`2["face"]`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ev, err := p.Event()
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if string(ev.Payload) != "null" {
		t.Errorf("Payload: got %s, want null", ev.Payload)
	}
}

func TestEncodeEvent(t *testing.T) {
	got := string(EncodeEvent(types.NewEvent("face", []byte(`{"x":1}`))))
	if got != `2["face",{"x":1}]` {
		t.Errorf("EncodeEvent: got %s", got)
	}
	quoted := string(EncodeEvent(types.NewEvent(`a"b`, nil)))
	if quoted != `2["a\"b",null]` {
		t.Errorf("EncodeEvent with quote: got %s", quoted)
	}
}

func TestConnectAck(t *testing.T) {
	if got := ConnectAck(4, "abc").Encode(); got != `0{"sid":"abc"}` {
		t.Errorf("v4: got %s", got)
	}
	if got := ConnectAck(3, "abc").Encode(); got != "0" {
		t.Errorf("v3: got %s", got)
	}
}

func TestNamespaceError(t *testing.T) {
	if got := NamespaceError(4, "/admin").Encode(); got != `4/admin,{"message":"Invalid namespace"}` {
		t.Errorf("v4: got %s", got)
	}
	if got := NamespaceError(3, "/admin").Encode(); got != `4/admin,"Invalid namespace"` {
		t.Errorf("v3: got %s", got)
	}
}
