package channel

// Wire dialect: phoenix-style frames {topic, event, payload, ref}.
// Control events are phx_join / phx_reply / phx_error / phx_close /
// phx_leave, plus heartbeat on the "phoenix" topic. Application traffic
// rides in "broadcast" frames ({event, payload} bodies); presence uses
// "track" upstream and "presence_state" / "presence_diff" downstream.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vitalink/realtime/internal/proto"
)

var log = logging.Logger("channel")

const (
	evJoin          = "phx_join"
	evReply         = "phx_reply"
	evError         = "phx_error"
	evClose         = "phx_close"
	evLeave         = "phx_leave"
	evHeartbeat     = "heartbeat"
	evBroadcast     = "broadcast"
	evTrack         = "track"
	evPresenceState = "presence_state"
	evPresenceDiff  = "presence_diff"

	controlTopic = "phoenix"
)

const (
	writeWait = 10 * time.Second
	replyWait = 10 * time.Second

	// Server frames must arrive at least this often. The heartbeat loop
	// upstairs keeps the link chatty well inside this window.
	readWait = 90 * time.Second
)

// frame is an incoming wire frame; outFrame the outgoing twin. They are
// split so incoming payloads stay raw until the boundary validators run.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type outFrame struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
}

type joinPayload struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type broadcastBody struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type broadcastOut struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type diffBody struct {
	Joins  map[string][]proto.PresencePayload `json:"joins"`
	Leaves map[string][]proto.PresencePayload `json:"leaves"`
}

// WebsocketFactory returns a Factory dialing a hosted realtime service.
// The API key travels both as a query parameter and in the join payload.
func WebsocketFactory(rawURL, apiKey, userID string) Factory {
	return func(topic string) Transport {
		return &wsTransport{
			url:     rawURL,
			apiKey:  apiKey,
			userID:  userID,
			topic:   topic,
			events:  make(chan Event, 64),
			pending: make(map[string]chan frame),
			closed:  make(chan struct{}),
		}
	}
}

type wsTransport struct {
	url    string
	apiKey string
	userID string
	topic  string

	conn *websocket.Conn

	events chan Event

	mu      sync.Mutex
	refSeq  int
	pending map[string]chan frame

	writeMu sync.Mutex

	localClose atomic.Bool
	closeOnce  sync.Once
	closed     chan struct{}
}

func (t *wsTransport) Open(ctx context.Context) error {
	u, err := url.Parse(t.url)
	if err != nil {
		return proto.Wrap(proto.KindConfig, "channel.open", err)
	}
	q := u.Query()
	if t.apiKey != "" {
		q.Set("apikey", t.apiKey)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return proto.E(proto.KindTransport, "channel.open",
				fmt.Sprintf("dial: %v (http %d)", err, resp.StatusCode))
		}
		return proto.Wrap(proto.KindTransport, "channel.open", err)
	}
	t.conn = conn
	_ = conn.SetReadDeadline(time.Now().Add(readWait))

	go t.readLoop()

	if err := t.call(ctx, t.topic, evJoin, joinPayload{UserID: t.userID, AccessToken: t.apiKey}); err != nil {
		_ = t.Close()
		return err
	}
	log.Debugf("joined %s", t.topic)
	return nil
}

func (t *wsTransport) Publish(ctx context.Context, event string, payload any) error {
	return t.call(ctx, t.topic, evBroadcast, broadcastOut{Event: event, Payload: payload})
}

func (t *wsTransport) Track(ctx context.Context, state proto.PresencePayload) error {
	return t.call(ctx, t.topic, evTrack, state)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.call(ctx, controlTopic, evHeartbeat, struct{}{})
}

func (t *wsTransport) Events() <-chan Event { return t.events }

func (t *wsTransport) Close() error {
	t.localClose.Store(true)
	if t.conn != nil {
		// Best-effort leave so the server untracks presence promptly.
		_ = t.write(outFrame{Topic: t.topic, Event: evLeave, Ref: t.nextRef()})
	}
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.conn != nil {
			t.conn.Close()
		}
	})
	return nil
}

// call sends a frame and waits for the matching phx_reply.
func (t *wsTransport) call(ctx context.Context, topic, event string, payload any) error {
	ref := t.nextRef()
	waiter := make(chan frame, 1)

	t.mu.Lock()
	t.pending[ref] = waiter
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, ref)
		t.mu.Unlock()
	}()

	if err := t.write(outFrame{Topic: topic, Event: event, Payload: payload, Ref: ref}); err != nil {
		return err
	}

	timer := time.NewTimer(replyWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return proto.Wrap(proto.KindTransport, "channel."+event, ctx.Err())
	case <-t.closed:
		return proto.E(proto.KindTransport, "channel."+event, "connection closed")
	case <-timer.C:
		return proto.E(proto.KindTransport, "channel."+event, "reply timeout")
	case f := <-waiter:
		var rep replyPayload
		if err := json.Unmarshal(f.Payload, &rep); err != nil {
			return proto.Wrap(proto.KindTransport, "channel."+event, err)
		}
		if rep.Status != "ok" {
			// An explicit server rejection, not a flaky link.
			return proto.E(proto.KindValidation, "channel."+event, "server replied "+rep.Status)
		}
		return nil
	}
}

func (t *wsTransport) write(f outFrame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return proto.E(proto.KindTransport, "channel.write", "not connected")
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteJSON(f); err != nil {
		return proto.Wrap(proto.KindTransport, "channel.write", err)
	}
	return nil
}

func (t *wsTransport) nextRef() string {
	t.mu.Lock()
	t.refSeq++
	ref := strconv.Itoa(t.refSeq)
	t.mu.Unlock()
	return ref
}

func (t *wsTransport) readLoop() {
	var cause error

loop:
	for {
		var f frame
		if err := t.conn.ReadJSON(&f); err != nil {
			if !t.localClose.Load() {
				cause = proto.Wrap(proto.KindTransport, "channel.read", err)
			}
			break
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(readWait))

		// Replies route to their waiting caller.
		if f.Event == evReply && f.Ref != "" {
			t.mu.Lock()
			waiter := t.pending[f.Ref]
			t.mu.Unlock()
			if waiter != nil {
				waiter <- f
			}
			continue
		}

		switch f.Event {
		case evBroadcast:
			var b broadcastBody
			if err := json.Unmarshal(f.Payload, &b); err != nil {
				log.Warnf("malformed broadcast on %s: %v", t.topic, err)
				continue
			}
			t.emit(Event{Kind: KindBroadcast, Event: b.Event, Payload: b.Payload})

		case evPresenceState:
			var states map[string][]proto.PresencePayload
			if err := json.Unmarshal(f.Payload, &states); err != nil {
				log.Warnf("malformed presence_state on %s: %v", t.topic, err)
				continue
			}
			t.emit(Event{Kind: KindPresenceState, States: states})

		case evPresenceDiff:
			var d diffBody
			if err := json.Unmarshal(f.Payload, &d); err != nil {
				log.Warnf("malformed presence_diff on %s: %v", t.topic, err)
				continue
			}
			t.emit(Event{Kind: KindPresenceDiff, States: d.Joins, Leaves: d.Leaves})

		case evError, evClose:
			if !t.localClose.Load() {
				cause = proto.E(proto.KindTransport, "channel.read", "server closed topic "+t.topic)
			}
			break loop
		}
	}

	t.shutdown(cause)
}

// shutdown runs exactly once, from readLoop. Waiters unblock via the
// closed channel; consumers get a final KindClosed event before the
// stream ends.
func (t *wsTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.conn.Close()
	})

	t.mu.Lock()
	t.pending = map[string]chan frame{}
	t.mu.Unlock()

	select {
	case t.events <- Event{Kind: KindClosed, Err: cause}:
	default:
	}
	close(t.events)

	if cause != nil {
		log.Debugf("%s closed: %v", t.topic, cause)
	}
}

func (t *wsTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}
