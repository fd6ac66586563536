// Package chat sends room messages and keeps them flowing while the
// link misbehaves. Online sends persist through the store and broadcast
// on the room channel; offline sends park in the outbox and replay on
// reconnect.
package chat

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vitalink/realtime/internal/channel"
	"github.com/vitalink/realtime/internal/conn"
	"github.com/vitalink/realtime/internal/proto"
	"github.com/vitalink/realtime/internal/queue"
	"github.com/vitalink/realtime/internal/store"
	"github.com/vitalink/realtime/internal/util"
)

var log = logging.Logger("chat")

// DefaultHistorySize is how many recent messages stay in memory per
// messenger.
const DefaultHistorySize = 100

// Outgoing is one message as composed locally, before id and timestamp
// are assigned.
type Outgoing struct {
	RoomID   string
	Content  string
	Type     string
	FileName string
	FileURL  string
	FileSize int64
}

type Options struct {
	LocalUserID string
	Conn        *conn.Manager
	Store       *store.Client
	Queue       *queue.Queue
	HistorySize int
}

// Messenger is the send-or-queue front for one room connection.
type Messenger struct {
	opts Options

	history *util.RingBuffer[store.Message]

	mu        sync.Mutex
	listeners []chan store.Message
	closed    bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMessenger(opts Options) (*Messenger, error) {
	if opts.LocalUserID == "" {
		return nil, proto.E(proto.KindConfig, "chat", "local user id is required")
	}
	if opts.Conn == nil {
		return nil, proto.E(proto.KindConfig, "chat", "conn manager is required")
	}
	if opts.Store == nil {
		return nil, proto.E(proto.KindConfig, "chat", "store client is required")
	}
	if opts.Queue == nil {
		return nil, proto.E(proto.KindConfig, "chat", "queue is required")
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}

	m := &Messenger{
		opts:    opts,
		history: util.NewRingBuffer[store.Message](opts.HistorySize),
		stop:    make(chan struct{}),
	}
	m.wg.Add(2)
	go m.eventPump()
	go m.statePump()
	return m, nil
}

// Send delivers out to its room, or parks it in the outbox when the
// link is down. The returned flag reports the queued case.
func (m *Messenger) Send(ctx context.Context, out Outgoing) (store.Message, bool, error) {
	select {
	case <-m.stop:
		return store.Message{}, false, proto.E(proto.KindTransport, "chat", "messenger is closed")
	default:
	}
	if out.RoomID == "" {
		return store.Message{}, false, proto.E(proto.KindValidation, "chat", "room id is required")
	}
	if out.Content == "" && out.FileURL == "" {
		return store.Message{}, false, proto.E(proto.KindValidation, "chat", "message needs content or a file")
	}
	if out.Type == "" {
		out.Type = "text"
	}

	msg := store.Message{
		ID:       uuid.NewString(),
		RoomID:   out.RoomID,
		SenderID: m.opts.LocalUserID,
		Content:  out.Content,
		Type:     out.Type,
		FileName: out.FileName,
		FileURL:  out.FileURL,
		FileSize: out.FileSize,
		TS:       proto.NowMillis(),
	}

	if !m.opts.Conn.State().Online {
		return msg, true, m.park(msg)
	}

	delivered, err := m.deliver(ctx, msg)
	if err != nil {
		if !proto.Retryable(err) {
			return store.Message{}, false, err
		}
		// The link looked up but the send still failed; the outbox will
		// replay it on the next reconnect.
		log.Warnf("send to %s failed, queueing %s: %v", msg.RoomID, msg.ID, err)
		return msg, true, m.park(msg)
	}
	return delivered, false, nil
}

// deliver persists the message and broadcasts it on the room channel.
func (m *Messenger) deliver(ctx context.Context, msg store.Message) (store.Message, error) {
	row, err := m.opts.Store.InsertMessage(ctx, msg)
	if err != nil {
		return store.Message{}, err
	}
	if err := m.opts.Conn.Publish(ctx, proto.EvMessage, row); err != nil {
		return store.Message{}, err
	}
	m.record(row)
	return row, nil
}

func (m *Messenger) park(msg store.Message) error {
	err := m.opts.Queue.Enqueue(queue.Message{
		ID:       msg.ID,
		RoomID:   msg.RoomID,
		SenderID: msg.SenderID,
		Content:  msg.Content,
		Type:     msg.Type,
		FileName: msg.FileName,
		FileURL:  msg.FileURL,
		FileSize: msg.FileSize,
		TS:       msg.TS,
	})
	if err != nil {
		return err
	}
	log.Infof("offline, queued %s for %s", msg.ID, msg.RoomID)
	return nil
}

// History returns up to limit messages for the room in chronological
// order, ending before the given timestamp when it is nonzero. Without
// a backend it falls back to the in-memory buffer.
func (m *Messenger) History(ctx context.Context, roomID string, limit int, before int64) ([]store.Message, error) {
	if !m.opts.Store.Enabled() {
		return m.Recent(roomID), nil
	}
	rows, err := m.opts.Store.Messages(ctx, store.MessagesQuery{
		RoomID: roomID,
		Limit:  limit,
		Before: before,
	})
	if err != nil {
		return nil, err
	}
	// The store pages newest first; readers want chronological.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// MarkRead flags the given messages as read in the store.
func (m *Messenger) MarkRead(ctx context.Context, ids []string) error {
	return m.opts.Store.UpdateMessages(ctx, ids, map[string]any{"read": true})
}

// Recent returns the in-memory tail for one room, oldest first. An
// empty roomID returns everything.
func (m *Messenger) Recent(roomID string) []store.Message {
	all := m.history.Snapshot()
	if roomID == "" {
		return all
	}
	out := make([]store.Message, 0, len(all))
	for _, msg := range all {
		if msg.RoomID == roomID {
			out = append(out, msg)
		}
	}
	return out
}

// Subscribe delivers every recorded message. The returned cancel
// detaches the channel.
func (m *Messenger) Subscribe() (chan store.Message, func()) {
	ch := make(chan store.Message, 16)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	m.listeners = append(m.listeners, ch)
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l == ch {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (m *Messenger) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	if !m.closed {
		m.closed = true
		for _, l := range m.listeners {
			close(l)
		}
		m.listeners = nil
	}
	m.mu.Unlock()
}

func (m *Messenger) record(msg store.Message) {
	m.history.Push(msg)
	m.mu.Lock()
	for _, l := range m.listeners {
		select {
		case l <- msg:
		default:
		}
	}
	m.mu.Unlock()
}

// eventPump records message broadcasts from the room channel. Our own
// sends come back as echoes and are skipped; they were recorded at send
// time.
func (m *Messenger) eventPump() {
	defer m.wg.Done()
	events, cancel := m.opts.Conn.SubscribeEvents()
	defer cancel()
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != channel.KindBroadcast || ev.Event != proto.EvMessage {
				continue
			}
			var msg store.Message
			if err := json.Unmarshal(ev.Payload, &msg); err != nil {
				log.Warnf("dropping malformed message event: %v", err)
				continue
			}
			if msg.SenderID == m.opts.LocalUserID {
				continue
			}
			m.record(msg)
		}
	}
}

// statePump drains the outbox once per arrival into the connected
// state.
func (m *Messenger) statePump() {
	defer m.wg.Done()
	states, cancel := m.opts.Conn.Subscribe()
	defer cancel()
	prev := conn.StatusDisconnected
	for {
		select {
		case <-m.stop:
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if st.Status == conn.StatusConnected && prev != conn.StatusConnected {
				m.drainOutbox()
			}
			prev = st.Status
		}
	}
}

func (m *Messenger) drainOutbox() {
	n, err := m.opts.Queue.Len()
	if err != nil || n == 0 {
		return
	}
	stats, err := m.opts.Queue.Drain(context.Background(), func(ctx context.Context, qm queue.Message) error {
		_, err := m.deliver(ctx, store.Message{
			ID:       qm.ID,
			RoomID:   qm.RoomID,
			SenderID: qm.SenderID,
			Content:  qm.Content,
			Type:     qm.Type,
			FileName: qm.FileName,
			FileURL:  qm.FileURL,
			FileSize: qm.FileSize,
			TS:       qm.TS,
		})
		return err
	})
	if err != nil {
		// Another drain owns this reconnect, or the store tripped.
		log.Debugf("outbox drain skipped: %v", err)
		return
	}
	log.Infof("outbox drained: %d sent, %d failed, %d skipped", stats.Sent, stats.Failed, stats.Skipped)
}
