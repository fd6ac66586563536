package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vitalink/realtime/internal/call"
	"github.com/vitalink/realtime/internal/channel"
	"github.com/vitalink/realtime/internal/chat"
	"github.com/vitalink/realtime/internal/conn"
	"github.com/vitalink/realtime/internal/presence"
	"github.com/vitalink/realtime/internal/proto"
	"github.com/vitalink/realtime/internal/queue"
	"github.com/vitalink/realtime/internal/store"
)

// stubSignaler records outgoing signals and lets tests inject inbound
// ones.
type stubSignaler struct {
	mu   sync.Mutex
	sent []proto.SignalPayload
	subs []chan proto.SignalPayload
}

func (f *stubSignaler) Send(_ context.Context, sig proto.SignalPayload) error {
	f.mu.Lock()
	f.sent = append(f.sent, sig)
	f.mu.Unlock()
	return nil
}

func (f *stubSignaler) Subscribe() (chan proto.SignalPayload, func()) {
	ch := make(chan proto.SignalPayload, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *stubSignaler) inject(sig proto.SignalPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

// noMedia negotiates recvonly so call routes work without devices.
type noMedia struct{}

func (noMedia) ConfigureEngine(e *webrtc.MediaEngine) error { return e.RegisterDefaultCodecs() }
func (noMedia) Tracks() []webrtc.TrackLocal                 { return nil }
func (noMedia) Label() string                               { return "none" }
func (noMedia) Close()                                      {}

type testDaemon struct {
	srv  *httptest.Server
	conn *conn.Manager
	sig  *stubSignaler
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()
	b := channel.NewBroker()
	m := conn.New(conn.Options{
		Topic:             proto.RoomTopic("r1"),
		Dial:              b.Factory("dr-chen"),
		HeartbeatInterval: time.Hour,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        40 * time.Millisecond,
		MaxAttempts:       5,
		AutoReconnect:     true,
	})
	t.Cleanup(m.Close)

	pres := presence.NewCoordinator(presence.Options{
		UserID:   "dr-chen",
		UserName: "Dr. Chen",
		UserRole: "practitioner",
		Track:    m.Track,
	})
	t.Cleanup(pres.Close)

	q := queue.New(queue.NewMemoryStore(), 3)
	t.Cleanup(func() { q.Close() })

	msgr, err := chat.NewMessenger(chat.Options{
		LocalUserID: "dr-chen",
		Conn:        m,
		Store:       store.NewClient("", ""),
		Queue:       q,
	})
	if err != nil {
		t.Fatalf("messenger: %v", err)
	}
	t.Cleanup(msgr.Close)

	sig := &stubSignaler{}
	calls, err := call.NewManager(call.Options{
		LocalUserID: "dr-chen",
		Signaler:    sig,
		Media:       func() (call.MediaSource, error) { return noMedia{}, nil },
	})
	if err != nil {
		t.Fatalf("call manager: %v", err)
	}
	t.Cleanup(calls.Close)

	s, err := NewServer(Options{
		LocalUserID: "dr-chen",
		Conn:        m,
		Presence:    pres,
		Messenger:   msgr,
		Queue:       q,
		Calls:       calls,
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testDaemon{srv: srv, conn: m, sig: sig}
}

func (d *testDaemon) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(d.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s decode: %v", path, err)
		}
	}
	return resp
}

func (d *testDaemon) post(t *testing.T, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(d.srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("POST %s decode: %v", path, err)
		}
	}
	return resp
}

func waitStatus(t *testing.T, d *testDaemon, online bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var status struct {
			Connection struct {
				Online bool `json:"isOnline"`
			} `json:"connection"`
		}
		d.get(t, "/api/status", &status)
		if status.Connection.Online == online {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never reported online=%v", online)
}

func TestStatusAndLifecycle(t *testing.T) {
	d := newTestDaemon(t)

	var status map[string]any
	resp := d.get(t, "/api/status", &status)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	if status["userId"] != "dr-chen" {
		t.Fatalf("status payload: %v", status)
	}

	d.post(t, "/api/connect", nil, nil).Body.Close()
	waitStatus(t, d, true)
	d.post(t, "/api/disconnect", nil, nil).Body.Close()
	waitStatus(t, d, false)

	// Lifecycle verbs are POST only.
	resp = d.get(t, "/api/connect", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET on connect: %d", resp.StatusCode)
	}
}

func TestMessageRoutes(t *testing.T) {
	d := newTestDaemon(t)
	d.post(t, "/api/connect", nil, nil).Body.Close()
	waitStatus(t, d, true)

	var sent struct {
		Message store.Message `json:"message"`
		Queued  bool          `json:"queued"`
	}
	resp := d.post(t, "/api/messages", map[string]any{
		"room_id": "r1",
		"content": "vitals look stable",
	}, &sent)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send: %d", resp.StatusCode)
	}
	if sent.Queued || sent.Message.ID == "" {
		t.Fatalf("send response: %+v", sent)
	}

	var rows []store.Message
	d.get(t, "/api/messages?room_id=r1", &rows)
	if len(rows) != 1 || rows[0].Content != "vitals look stable" {
		t.Fatalf("history: %+v", rows)
	}

	resp = d.post(t, "/api/messages", map[string]any{"content": "no room"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing room: %d", resp.StatusCode)
	}
	resp = d.get(t, "/api/messages?room_id=r1&limit=nope", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", resp.StatusCode)
	}
}

func TestQueueRoutes(t *testing.T) {
	d := newTestDaemon(t)

	// Offline: sends park in the outbox.
	var sent struct {
		Queued bool `json:"queued"`
	}
	d.post(t, "/api/messages", map[string]any{"room_id": "r1", "content": "offline note"}, &sent)
	if !sent.Queued {
		t.Fatal("offline send not queued")
	}

	var outbox struct {
		Count    int             `json:"count"`
		Messages []queue.Message `json:"messages"`
	}
	d.get(t, "/api/queue", &outbox)
	if outbox.Count != 1 || outbox.Messages[0].RoomID != "r1" {
		t.Fatalf("outbox: %+v", outbox)
	}

	resp := d.post(t, "/api/queue/retry", map[string]any{"id": "not-there"}, nil)
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("retry of unknown id succeeded")
	}

	d.post(t, "/api/queue/clear", map[string]any{"room_id": "r1"}, nil).Body.Close()
	d.get(t, "/api/queue", &outbox)
	if outbox.Count != 0 {
		t.Fatalf("outbox not cleared: %+v", outbox)
	}
}

func TestPresenceRoutes(t *testing.T) {
	d := newTestDaemon(t)
	d.post(t, "/api/connect", nil, nil).Body.Close()
	waitStatus(t, d, true)

	resp := d.post(t, "/api/typing", map[string]any{"isTyping": true}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("typing: %d", resp.StatusCode)
	}

	var pres struct {
		Participants []presence.User `json:"participants"`
		TypingText   string          `json:"typingText"`
	}
	d.get(t, "/api/presence", &pres)
	// The local user is excluded from the room view.
	if len(pres.Participants) != 0 || pres.TypingText != "" {
		t.Fatalf("presence: %+v", pres)
	}
}

func TestCallRoutes(t *testing.T) {
	d := newTestDaemon(t)

	d.sig.inject(proto.SignalPayload{
		Type:   proto.SignalCallRequest,
		CallID: "call-1",
		From:   "pt-jones",
		TS:     proto.NowMillis(),
	})

	var rings []struct {
		CallID string `json:"callId"`
		From   string `json:"from"`
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		d.get(t, "/api/call/ringing", &rings)
		if len(rings) == 1 {
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatal("ring never surfaced")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rings[0].CallID != "call-1" || rings[0].From != "pt-jones" {
		t.Fatalf("ring: %+v", rings[0])
	}

	var snap call.Snapshot
	resp := d.post(t, "/api/call/accept", map[string]any{"call_id": "call-1"}, &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d", resp.StatusCode)
	}
	if snap.CallID != "call-1" || snap.State != "connecting" {
		t.Fatalf("accept snapshot: %+v", snap)
	}

	// The ring is consumed; a second accept finds nothing.
	resp = d.post(t, "/api/call/accept", map[string]any{"call_id": "call-1"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double accept: %d", resp.StatusCode)
	}

	// No local tracks were added, so there is nothing to mute.
	resp = d.post(t, "/api/call/toggle-audio", map[string]any{"call_id": "call-1"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("toggle without track: %d", resp.StatusCode)
	}

	var debug struct {
		SessionCount int `json:"session_count"`
	}
	d.get(t, "/api/call/debug", &debug)
	if debug.SessionCount != 1 {
		t.Fatalf("debug count %d", debug.SessionCount)
	}

	d.post(t, "/api/call/hangup", map[string]any{"call_id": "call-1"}, nil).Body.Close()
	deadline = time.Now().Add(3 * time.Second)
	for {
		d.get(t, "/api/call/debug", &debug)
		if debug.SessionCount == 0 {
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatal("session survived hangup")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp = d.post(t, "/api/call/toggle-video", map[string]any{"call_id": "gone"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("toggle on unknown call: %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.srv.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitLine := func(prefix string) {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return
				}
			case <-timeout:
				t.Fatalf("no %q line", prefix)
			}
		}
	}

	waitLine("event: connected")

	// An offline send lands in the outbox and surfaces as a queue event.
	d.post(t, "/api/messages", map[string]any{"room_id": "r1", "content": "streamed"}, nil).Body.Close()
	waitLine("event: queue")

	// Connection state changes stream too.
	d.post(t, "/api/connect", nil, nil).Body.Close()
	waitLine("event: state")
}
