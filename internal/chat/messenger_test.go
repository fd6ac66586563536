package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vitalink/realtime/internal/channel"
	"github.com/vitalink/realtime/internal/conn"
	"github.com/vitalink/realtime/internal/proto"
	"github.com/vitalink/realtime/internal/queue"
	"github.com/vitalink/realtime/internal/store"
)

func chatConnOpts(topic string, dial channel.Factory) conn.Options {
	return conn.Options{
		Topic:             topic,
		Dial:              dial,
		HeartbeatInterval: time.Hour,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        40 * time.Millisecond,
		MaxAttempts:       5,
		AutoReconnect:     true,
	}
}

func newTestMessenger(t *testing.T, b *channel.Broker, userID, roomID string, st *store.Client) (*Messenger, *conn.Manager, *queue.Queue) {
	t.Helper()
	if st == nil {
		st = store.NewClient("", "")
	}
	m := conn.New(chatConnOpts(proto.RoomTopic(roomID), b.Factory(userID)))
	t.Cleanup(m.Close)
	q := queue.New(queue.NewMemoryStore(), 3)
	t.Cleanup(func() { q.Close() })
	msgr, err := NewMessenger(Options{LocalUserID: userID, Conn: m, Store: st, Queue: q})
	if err != nil {
		t.Fatalf("messenger for %s: %v", userID, err)
	}
	t.Cleanup(msgr.Close)
	return msgr, m, q
}

func waitOnline(t *testing.T, m *conn.Manager) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State().Online {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("manager never came online")
}

func waitMessage(t *testing.T, ch chan store.Message) store.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("message stream closed")
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return store.Message{}
}

func TestSendOnlineRoundtrip(t *testing.T) {
	b := channel.NewBroker()
	doctor, dm, _ := newTestMessenger(t, b, "dr-chen", "r1", nil)
	patient, pm, _ := newTestMessenger(t, b, "pt-jones", "r1", nil)
	dm.Connect()
	pm.Connect()
	waitOnline(t, dm)
	waitOnline(t, pm)

	sub, cancel := patient.Subscribe()
	defer cancel()

	msg, queued, err := doctor.Send(context.Background(), Outgoing{RoomID: "r1", Content: "how are the readings?"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if queued {
		t.Fatal("online send was queued")
	}
	if msg.ID == "" || msg.TS == 0 || msg.Type != "text" {
		t.Fatalf("message defaults not filled: %+v", msg)
	}

	got := waitMessage(t, sub)
	if got.ID != msg.ID || got.SenderID != "dr-chen" || got.Content != "how are the readings?" {
		t.Fatalf("received %+v", got)
	}

	// The sender records once at send time; the broadcast echo must not
	// double it.
	time.Sleep(50 * time.Millisecond)
	if got := doctor.Recent("r1"); len(got) != 1 {
		t.Fatalf("sender history has %d entries, want 1", len(got))
	}
	if got := patient.Recent("r1"); len(got) != 1 {
		t.Fatalf("receiver history has %d entries, want 1", len(got))
	}
}

func TestSendValidation(t *testing.T) {
	b := channel.NewBroker()
	doctor, _, _ := newTestMessenger(t, b, "dr-chen", "r1", nil)
	ctx := context.Background()

	if _, _, err := doctor.Send(ctx, Outgoing{Content: "no room"}); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("missing room: %v", err)
	}
	if _, _, err := doctor.Send(ctx, Outgoing{RoomID: "r1"}); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("empty message: %v", err)
	}

	// A file with no text is a valid message.
	msg, queued, err := doctor.Send(ctx, Outgoing{RoomID: "r1", FileURL: "https://files/scan.pdf", FileName: "scan.pdf", Type: "file"})
	if err != nil || !queued {
		t.Fatalf("file-only send: queued=%v err=%v", queued, err)
	}
	if msg.FileName != "scan.pdf" {
		t.Fatalf("file meta lost: %+v", msg)
	}

	doctor.Close()
	if _, _, err := doctor.Send(ctx, Outgoing{RoomID: "r1", Content: "late"}); proto.KindOf(err) != proto.KindTransport {
		t.Fatalf("send after close: %v", err)
	}
}

func TestOfflineQueuesThenDrains(t *testing.T) {
	b := channel.NewBroker()
	doctor, dm, dq := newTestMessenger(t, b, "dr-chen", "r1", nil)
	patient, pm, _ := newTestMessenger(t, b, "pt-jones", "r1", nil)
	pm.Connect()
	waitOnline(t, pm)

	sub, cancel := patient.Subscribe()
	defer cancel()

	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		_, queued, err := doctor.Send(ctx, Outgoing{RoomID: "r1", Content: content})
		if err != nil {
			t.Fatalf("offline send %q: %v", content, err)
		}
		if !queued {
			t.Fatalf("send %q not queued while offline", content)
		}
	}
	if n, _ := dq.Len(); n != 3 {
		t.Fatalf("outbox has %d entries, want 3", n)
	}

	// Reconnect replays the outbox in order.
	dm.Connect()
	waitOnline(t, dm)
	for _, want := range []string{"one", "two", "three"} {
		if got := waitMessage(t, sub); got.Content != want {
			t.Fatalf("replayed %q, want %q", got.Content, want)
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if n, _ := dq.Len(); n == 0 {
			break
		}
		if !time.Now().Before(deadline) {
			n, _ := dq.Len()
			t.Fatalf("outbox still has %d entries after drain", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := doctor.Recent("r1"); len(got) != 3 {
		t.Fatalf("sender history has %d entries after drain", len(got))
	}
}

func TestDrainAfterReconnectCycle(t *testing.T) {
	b := channel.NewBroker()
	doctor, dm, dq := newTestMessenger(t, b, "dr-chen", "r1", nil)
	patient, pm, _ := newTestMessenger(t, b, "pt-jones", "r1", nil)
	dm.Connect()
	pm.Connect()
	waitOnline(t, dm)
	waitOnline(t, pm)

	sub, cancel := patient.Subscribe()
	defer cancel()

	dm.Disconnect()
	deadline := time.Now().Add(3 * time.Second)
	for dm.State().Online {
		if !time.Now().Before(deadline) {
			t.Fatal("manager never went offline")
		}
		time.Sleep(2 * time.Millisecond)
	}

	ctx := context.Background()
	if _, queued, err := doctor.Send(ctx, Outgoing{RoomID: "r1", Content: "while you were out"}); err != nil || !queued {
		t.Fatalf("offline send: queued=%v err=%v", queued, err)
	}

	dm.Connect()
	if got := waitMessage(t, sub); got.Content != "while you were out" {
		t.Fatalf("replayed %q", got.Content)
	}
	deadline = time.Now().Add(3 * time.Second)
	for {
		if n, _ := dq.Len(); n == 0 {
			return
		}
		if !time.Now().Before(deadline) {
			t.Fatal("outbox not drained after reconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStoreFailureFallsBackToOutbox(t *testing.T) {
	var mu sync.Mutex
	code := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		c := code
		mu.Unlock()
		http.Error(w, "backend trouble", c)
	}))
	defer srv.Close()

	b := channel.NewBroker()
	doctor, dm, dq := newTestMessenger(t, b, "dr-chen", "r1", store.NewClient(srv.URL, "key"))
	dm.Connect()
	waitOnline(t, dm)

	ctx := context.Background()
	_, queued, err := doctor.Send(ctx, Outgoing{RoomID: "r1", Content: "flaky backend"})
	if err != nil || !queued {
		t.Fatalf("retryable store failure: queued=%v err=%v", queued, err)
	}
	if n, _ := dq.Len(); n != 1 {
		t.Fatalf("outbox has %d entries, want 1", n)
	}

	// A validation rejection is final: surfaced, never queued.
	mu.Lock()
	code = http.StatusUnprocessableEntity
	mu.Unlock()
	if _, _, err := doctor.Send(ctx, Outgoing{RoomID: "r1", Content: "bad row"}); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("validation rejection: %v", err)
	}
	if n, _ := dq.Len(); n != 1 {
		t.Fatalf("outbox grew to %d after validation rejection", n)
	}
}

func TestHistoryWithoutBackend(t *testing.T) {
	b := channel.NewBroker()
	doctor, dm, _ := newTestMessenger(t, b, "dr-chen", "r1", nil)
	dm.Connect()
	waitOnline(t, dm)

	ctx := context.Background()
	for _, content := range []string{"first", "second"} {
		if _, _, err := doctor.Send(ctx, Outgoing{RoomID: "r1", Content: content}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	rows, err := doctor.History(ctx, "r1", 50, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 || rows[0].Content != "first" || rows[1].Content != "second" {
		t.Fatalf("history: %+v", rows)
	}
}

func TestHistoryAndMarkReadViaStore(t *testing.T) {
	var gotMethod, gotFilter string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode([]store.Message{
				{ID: "m2", RoomID: "r1", Content: "later", TS: 200},
				{ID: "m1", RoomID: "r1", Content: "earlier", TS: 100},
			})
		case http.MethodPatch:
			gotMethod = r.Method
			gotFilter = r.URL.Query().Get("id")
			w.Write([]byte("[]"))
		}
	}))
	defer srv.Close()

	b := channel.NewBroker()
	doctor, _, _ := newTestMessenger(t, b, "dr-chen", "r1", store.NewClient(srv.URL, "key"))

	ctx := context.Background()
	rows, err := doctor.History(ctx, "r1", 50, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "m1" || rows[1].ID != "m2" {
		t.Fatalf("history not chronological: %+v", rows)
	}

	if err := doctor.MarkRead(ctx, []string{"m1", "m2"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if gotMethod != http.MethodPatch || gotFilter != "in.(m1,m2)" {
		t.Fatalf("mark read sent %s %q", gotMethod, gotFilter)
	}
}
