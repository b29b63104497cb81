package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/facerelay/facerelay/pkg/engineio"
	"github.com/facerelay/facerelay/server/internal/dispatch"
	"github.com/facerelay/facerelay/server/internal/metrics"
	"github.com/facerelay/facerelay/server/internal/registry"
	"github.com/facerelay/facerelay/server/internal/relay"
	"github.com/facerelay/facerelay/server/internal/transport"
)

// --- helpers ----------------------------------------------------------------

type env struct {
	srv     *transport.Server
	svc     *relay.Service
	reg     *registry.Registry
	metrics *metrics.Metrics
	url     string // http://host/socket.io/
}

func newEnv(t *testing.T, opts transport.Options) *env {
	t.Helper()
	reg := registry.New()
	m := metrics.New()
	srv := transport.New(opts, m)
	disp := dispatch.New(reg, srv, m)
	svc := relay.New(reg, disp, srv, m)
	srv.SetHandler(svc)

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Shutdown(context.Background()) //nolint:errcheck
		ts.Close()
	})
	return &env{srv: srv, svc: svc, reg: reg, metrics: m, url: ts.URL + "/socket.io/"}
}

func defaultEnv(t *testing.T) *env {
	return newEnv(t, transport.Options{AllowEIO3: true, CORSOrigin: "*"})
}

func (e *env) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(e.url, "http") + "?" + query
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// readText reads the next text frame, skipping noop and ping packets.
func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	for {
		c.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
		_, msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		s := string(msg)
		if s == "6" || s == "2" {
			continue
		}
		return s
	}
}

func writeText(t *testing.T, c *websocket.Conn, s string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func parseOpen(t *testing.T, s string) engineio.Handshake {
	t.Helper()
	p, err := engineio.Decode(s)
	if err != nil {
		t.Fatalf("decode open %q: %v", s, err)
	}
	h, err := engineio.ParseHandshake(p)
	if err != nil {
		t.Fatalf("parse handshake %q: %v", s, err)
	}
	return h
}

// openWS connects a v4 websocket client and joins the default namespace.
func openWS(t *testing.T, e *env) (*websocket.Conn, string) {
	t.Helper()
	c := dialWS(t, e.wsURL("EIO=4&transport=websocket"))
	h := parseOpen(t, readText(t, c))
	writeText(t, c, "40")
	want := `40{"sid":"` + h.SID + `"}`
	if got := readText(t, c); got != want {
		t.Fatalf("connect ack: got %q, want %q", got, want)
	}
	return c, h.SID
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	client := http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "text/plain;charset=UTF-8", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(out)
}

// openPolling performs a v4 polling handshake and joins the default
// namespace. It returns the session URL.
func openPolling(t *testing.T, e *env) (string, string) {
	t.Helper()
	code, body := get(t, e.url+"?EIO=4&transport=polling")
	if code != http.StatusOK {
		t.Fatalf("handshake: status %d body %s", code, body)
	}
	h := parseOpen(t, body)
	if len(h.Upgrades) != 1 || h.Upgrades[0] != "websocket" {
		t.Errorf("upgrades: got %v, want [websocket]", h.Upgrades)
	}
	sessURL := e.url + "?EIO=4&transport=polling&sid=" + h.SID
	if code, body := post(t, sessURL, "40"); code != http.StatusOK || body != "ok" {
		t.Fatalf("POST 40: status %d body %q", code, body)
	}
	if _, body := get(t, sessURL); body != `40{"sid":"`+h.SID+`"}` {
		t.Fatalf("connect ack: got %q", body)
	}
	return sessURL, h.SID
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func decodeError(t *testing.T, body string) errorBody {
	t.Helper()
	var eb errorBody
	if err := json.Unmarshal([]byte(body), &eb); err != nil {
		t.Fatalf("error body %q: %v", body, err)
	}
	return eb
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- websocket --------------------------------------------------------------

func TestWebsocket_HandshakeAndEcho(t *testing.T) {
	e := defaultEnv(t)
	c, sid := openWS(t, e)

	if e.svc.State(sid) != relay.StateOpen {
		t.Fatalf("state: got %s, want open", e.svc.State(sid))
	}
	writeText(t, c, `42["face",{"x":1}]`)
	if got := readText(t, c); got != `42["face",{"x":1}]` {
		t.Errorf("echo: got %q", got)
	}
}

func TestWebsocket_HandshakeFields(t *testing.T) {
	e := newEnv(t, transport.Options{PingInterval: 25 * time.Second, PingTimeout: 20 * time.Second})
	c := dialWS(t, e.wsURL("EIO=4&transport=websocket"))
	h := parseOpen(t, readText(t, c))

	if h.SID == "" {
		t.Error("sid: empty")
	}
	if len(h.Upgrades) != 0 {
		t.Errorf("upgrades: got %v, want none", h.Upgrades)
	}
	if h.PingInterval != 25000 || h.PingTimeout != 20000 {
		t.Errorf("ping: got %d/%d, want 25000/20000", h.PingInterval, h.PingTimeout)
	}
	if h.MaxPayload != transport.DefaultMaxPayload {
		t.Errorf("maxPayload: got %d", h.MaxPayload)
	}
}

func TestWebsocket_BroadcastToAll(t *testing.T) {
	e := defaultEnv(t)
	a, _ := openWS(t, e)
	b, _ := openWS(t, e)
	c, _ := openWS(t, e)

	writeText(t, a, `42["face",{"x":1}]`)

	for name, conn := range map[string]*websocket.Conn{"A": a, "B": b, "C": c} {
		if got := readText(t, conn); got != `42["face",{"x":1}]` {
			t.Errorf("%s: got %q", name, got)
		}
	}
}

func TestBroadcast_NoReplayForLateJoiner(t *testing.T) {
	e := defaultEnv(t)
	a, _ := openWS(t, e)

	writeText(t, a, `42["face",1]`)
	writeText(t, a, `42["face",2]`)
	for _, want := range []string{`42["face",1]`, `42["face",2]`} {
		if got := readText(t, a); got != want {
			t.Fatalf("A: got %q, want %q", got, want)
		}
	}

	b, _ := openWS(t, e)
	b.SetReadDeadline(time.Now().Add(300 * time.Millisecond)) //nolint:errcheck
	if _, msg, err := b.ReadMessage(); err == nil {
		t.Errorf("B: got %q, want no replayed event", msg)
	}
}

func TestWebsocket_PerOriginOrder(t *testing.T) {
	e := defaultEnv(t)
	a, _ := openWS(t, e)
	b, _ := openWS(t, e)

	for _, ev := range []string{`42["e1",1]`, `42["e2",2]`, `42["e3",3]`} {
		writeText(t, a, ev)
	}
	for _, want := range []string{`42["e1",1]`, `42["e2",2]`, `42["e3",3]`} {
		if got := readText(t, b); got != want {
			t.Fatalf("B: got %q, want %q", got, want)
		}
	}
}

func TestWebsocket_MalformedFramesDropped(t *testing.T) {
	e := defaultEnv(t)
	a, sid := openWS(t, e)
	b, _ := openWS(t, e)

	writeText(t, a, "x")
	writeText(t, a, `42{"not":"an array"}`)
	writeText(t, a, `42["face"`)
	writeText(t, a, `42["face",{"ok":true}]`)

	if got := readText(t, b); got != `42["face",{"ok":true}]` {
		t.Errorf("B: got %q", got)
	}
	if e.svc.State(sid) != relay.StateOpen {
		t.Error("sender closed by malformed frames")
	}
	if n := e.metrics.Snapshot().MalformedFrames; n != 3 {
		t.Errorf("malformed_frames: got %d, want 3", n)
	}
}

func TestWebsocket_BinaryFrameDropped(t *testing.T) {
	e := defaultEnv(t)
	a, _ := openWS(t, e)
	b, _ := openWS(t, e)

	if err := a.WriteMessage(websocket.BinaryMessage, []byte(`2["face",1]`)); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	writeText(t, a, `42["face",2]`)

	if got := readText(t, b); got != `42["face",2]` {
		t.Errorf("B: got %q, want only the text event", got)
	}
	if n := e.metrics.Snapshot().MalformedFrames; n != 1 {
		t.Errorf("malformed_frames: got %d, want 1", n)
	}
}

func TestWebsocket_DisconnectStopsDelivery(t *testing.T) {
	e := defaultEnv(t)
	a, sidA := openWS(t, e)
	b, _ := openWS(t, e)

	a.Close()
	waitFor(t, "A unregistered", func() bool { _, ok := e.reg.Get(sidA); return !ok })

	writeText(t, b, `42["face",1]`)
	if got := readText(t, b); got != `42["face",1]` {
		t.Errorf("B: got %q", got)
	}
	if e.reg.Count() != 1 {
		t.Errorf("registry count: got %d, want 1", e.reg.Count())
	}
}

func TestWebsocket_NamespaceDisconnect(t *testing.T) {
	e := defaultEnv(t)
	a, sid := openWS(t, e)

	writeText(t, a, "41")

	waitFor(t, "session closed", func() bool { return e.svc.State(sid) == relay.StateClosed })
	if got := readText(t, a); got != "1" {
		t.Errorf("got %q, want close packet", got)
	}
}

func TestWebsocket_UnknownNamespace(t *testing.T) {
	e := defaultEnv(t)
	c := dialWS(t, e.wsURL("EIO=4&transport=websocket"))
	readText(t, c)

	writeText(t, c, "40/admin,")
	if got := readText(t, c); got != `44/admin,{"message":"Invalid namespace"}` {
		t.Errorf("got %q", got)
	}
}

// --- polling ----------------------------------------------------------------

func TestPolling_HandshakeConnectEcho(t *testing.T) {
	e := defaultEnv(t)
	sessURL, _ := openPolling(t, e)

	if code, _ := post(t, sessURL, `42["face",{"x":1}]`); code != http.StatusOK {
		t.Fatalf("POST event: status %d", code)
	}
	if _, body := get(t, sessURL); body != `42["face",{"x":1}]` {
		t.Errorf("echo: got %q", body)
	}
}

func TestPolling_BatchedPayload(t *testing.T) {
	e := defaultEnv(t)
	sessURL, _ := openPolling(t, e)

	post(t, sessURL, "42[\"e1\",1]\x1e42[\"e2\",2]")
	_, body := get(t, sessURL)

	if body != "42[\"e1\",1]\x1e42[\"e2\",2]" {
		t.Errorf("payload: got %q", body)
	}
}

func TestPolling_InteropWithWebsocket(t *testing.T) {
	e := defaultEnv(t)
	sessURL, _ := openPolling(t, e)
	ws, _ := openWS(t, e)

	writeText(t, ws, `42["face",{"from":"ws"}]`)
	if _, body := get(t, sessURL); body != `42["face",{"from":"ws"}]` {
		t.Errorf("polling client: got %q", body)
	}

	post(t, sessURL, `42["face",{"from":"polling"}]`)
	if got := readText(t, ws); got != `42["face",{"from":"ws"}]` {
		t.Errorf("ws client own echo: got %q", got)
	}
	if got := readText(t, ws); got != `42["face",{"from":"polling"}]` {
		t.Errorf("ws client: got %q", got)
	}
}

func TestPolling_MalformedPayloadKeepsSession(t *testing.T) {
	e := defaultEnv(t)
	sessURL, sid := openPolling(t, e)

	if code, _ := post(t, sessURL, "x"); code != http.StatusBadRequest {
		t.Errorf("POST garbage: status %d, want 400", code)
	}
	if e.svc.State(sid) != relay.StateOpen {
		t.Error("session closed by a malformed payload")
	}
}

func TestPolling_QueueFullEvicts(t *testing.T) {
	e := newEnv(t, transport.Options{SendQueue: 2, PingInterval: time.Minute})
	// A joins but never polls, so its queue fills up.
	code, body := get(t, e.url+"?EIO=4&transport=polling")
	if code != http.StatusOK {
		t.Fatalf("handshake: %d", code)
	}
	sidA := parseOpen(t, body).SID
	urlA := e.url + "?EIO=4&transport=polling&sid=" + sidA
	post(t, urlA, "40")

	b, _ := openWS(t, e)
	writeText(t, b, `42["e",1]`)
	writeText(t, b, `42["e",2]`)
	readText(t, b)
	readText(t, b)

	waitFor(t, "A evicted", func() bool { return e.svc.State(sidA) == relay.StateClosed })
	if e.metrics.Snapshot().Evictions != 1 {
		t.Errorf("evictions: got %d, want 1", e.metrics.Snapshot().Evictions)
	}
	code, body = get(t, urlA)
	if code != http.StatusBadRequest || decodeError(t, body).Code != 1 {
		t.Errorf("poll after eviction: %d %s", code, body)
	}
}

func TestPolling_V3LegacyAutoConnect(t *testing.T) {
	e := defaultEnv(t)
	code, body := get(t, e.url+"?EIO=3&transport=polling")
	if code != http.StatusOK {
		t.Fatalf("handshake: %d %s", code, body)
	}
	pkts, err := engineio.DecodePayload(engineio.Version3, body)
	if err != nil || len(pkts) != 1 {
		t.Fatalf("payload %q: %v", body, err)
	}
	h, err := engineio.ParseHandshake(pkts[0])
	if err != nil {
		t.Fatal(err)
	}
	if h.MaxPayload != 0 {
		t.Errorf("maxPayload: got %d, want omitted for v3", h.MaxPayload)
	}

	sessURL := e.url + "?EIO=3&transport=polling&sid=" + h.SID
	if _, body := get(t, sessURL); body != "2:40" {
		t.Errorf("auto connect ack: got %q, want 2:40", body)
	}

	post(t, sessURL, `13:42["face",{}]`)
	if _, body := get(t, sessURL); body != `13:42["face",{}]` {
		t.Errorf("echo: got %q", body)
	}

	// Legacy clients ping; the server answers.
	post(t, sessURL, "1:2")
	if _, body := get(t, sessURL); body != "1:3" {
		t.Errorf("pong: got %q", body)
	}
}

// --- upgrade ----------------------------------------------------------------

func TestUpgrade_PollingToWebsocket(t *testing.T) {
	e := defaultEnv(t)
	sessURL, sid := openPolling(t, e)

	ws := dialWS(t, e.wsURL("EIO=4&transport=websocket&sid="+sid))
	writeText(t, ws, "2probe")
	if got := readText(t, ws); got != "3probe" {
		t.Fatalf("probe: got %q", got)
	}
	// The noop releasing the parked poll is still queued; drain it via GET.
	if _, body := get(t, sessURL); body != "6" {
		t.Errorf("released poll: got %q, want noop", body)
	}
	writeText(t, ws, "5")

	writeText(t, ws, `42["face",1]`)
	if got := readText(t, ws); got != `42["face",1]` {
		t.Errorf("after upgrade: got %q", got)
	}
	waitFor(t, "registry shows websocket", func() bool {
		c, ok := e.reg.Get(sid)
		return ok && c.TransportName() == "websocket"
	})

	code, body := get(t, sessURL)
	if code != http.StatusBadRequest || decodeError(t, body).Code != 3 {
		t.Errorf("poll after upgrade: %d %s", code, body)
	}
}

// --- heartbeat --------------------------------------------------------------

func TestHeartbeat_PongKeepsSessionAlive(t *testing.T) {
	e := newEnv(t, transport.Options{PingInterval: 20 * time.Millisecond, PingTimeout: 40 * time.Millisecond})
	c := dialWS(t, e.wsURL("EIO=4&transport=websocket"))
	sid := parseOpen(t, readText(t, c)).SID

	for i := 0; i < 4; i++ {
		c.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
		_, msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if string(msg) != "2" {
			t.Fatalf("got %q, want ping", msg)
		}
		writeText(t, c, "3")
	}
	if e.srv.Count() != 1 {
		t.Errorf("session %s dropped while answering pings", sid)
	}
}

func TestHeartbeat_MissingPongCloses(t *testing.T) {
	e := newEnv(t, transport.Options{PingInterval: 20 * time.Millisecond, PingTimeout: 20 * time.Millisecond})
	c := dialWS(t, e.wsURL("EIO=4&transport=websocket"))
	parseOpen(t, readText(t, c))

	waitFor(t, "ping timeout", func() bool { return e.srv.Count() == 0 })
	if got := readText(t, c); got != "1" {
		t.Errorf("got %q, want close packet", got)
	}
}

// --- errors -----------------------------------------------------------------

func TestErrors(t *testing.T) {
	e := newEnv(t, transport.Options{AllowEIO3: false})

	cases := []struct {
		name   string
		method string
		query  string
		code   int
	}{
		{"unknown transport", http.MethodGet, "EIO=4&transport=carrier-pigeon", 0},
		{"unknown sid", http.MethodGet, "EIO=4&transport=polling&sid=nope", 1},
		{"handshake via POST", http.MethodPost, "EIO=4&transport=polling", 2},
		{"missing version", http.MethodGet, "transport=polling", 5},
		{"v3 disabled", http.MethodGet, "EIO=3&transport=polling", 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(tc.method, e.url+"?"+tc.query, strings.NewReader(""))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400", resp.StatusCode)
			}
			if got := decodeError(t, string(body)).Code; got != tc.code {
				t.Errorf("code: got %d, want %d", got, tc.code)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	e := defaultEnv(t)
	req, _ := http.NewRequest(http.MethodOptions, e.url+"?EIO=4&transport=polling", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin: got %q", got)
	}
}

func TestShutdown_ClosesSessions(t *testing.T) {
	e := defaultEnv(t)
	c, sid := openWS(t, e)

	if err := e.srv.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, c); got != "1" {
		t.Errorf("got %q, want close packet", got)
	}
	if e.svc.State(sid) != relay.StateClosed {
		t.Error("session still open after shutdown")
	}
	if code, _ := get(t, e.url+"?EIO=4&transport=polling"); code != http.StatusServiceUnavailable {
		t.Errorf("handshake after shutdown: got %d, want 503", code)
	}
}
