// Package queue is the offline outbox. Messages composed while the link
// is down are persisted here and replayed once it returns, in arrival
// order within each room.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vitalink/realtime/internal/proto"
)

var log = logging.Logger("queue")

// Status of an outbox entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusFailed  Status = "failed"
)

// Message is one outbox entry. A failed entry stays in the store until a
// manual retry or an explicit clear; drains skip it.
type Message struct {
	ID         string `json:"id"`
	RoomID     string `json:"chatRoomId"`
	SenderID   string `json:"senderId"`
	Content    string `json:"content"`
	Type       string `json:"messageType"`
	FileName   string `json:"fileName,omitempty"`
	FileURL    string `json:"fileUrl,omitempty"`
	FileSize   int64  `json:"fileSize,omitempty"`
	TS         int64  `json:"timestamp"`
	RetryCount int    `json:"retryCount"`
	Status     Status `json:"status"`
	MaxRetries int    `json:"maxRetries"`
}

// SendFunc delivers one message. A nil return removes the entry from the
// outbox. A non-retryable error fails the entry on the spot; any other
// error consumes one retry.
type SendFunc func(ctx context.Context, m Message) error

// ErrDrainBusy reports a Drain call that found another drain running.
var ErrDrainBusy = proto.E(proto.KindQueue, "queue.drain", "drain already in progress")

// EventKind tags outbox notifications.
type EventKind int

const (
	EventEnqueued EventKind = iota
	EventSending
	EventSent
	EventRequeued
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventEnqueued:
		return "enqueued"
	case EventSending:
		return "sending"
	case EventSent:
		return "sent"
	case EventRequeued:
		return "requeued"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one outbox notification.
type Event struct {
	Kind    EventKind `json:"kind"`
	Message Message   `json:"message"`
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Queue replays stored messages through a SendFunc. At most one drain
// runs at a time; overlapping calls get ErrDrainBusy instead of a second
// pass over the same rows.
type Queue struct {
	store      Store
	maxRetries int

	draining atomic.Bool

	subMu     sync.Mutex
	subClosed bool
	subs      map[chan Event]struct{}
}

// New wraps a store. maxRetries is the default budget for entries that
// do not carry their own.
func New(store Store, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{
		store:      store,
		maxRetries: maxRetries,
		subs:       make(map[chan Event]struct{}),
	}
}

// Enqueue stores a message as pending, assigning an id when the caller
// did not. Enqueueing an ID that is already stored is a no-op, so
// callers can retry enqueues safely.
func (q *Queue) Enqueue(m Message) error {
	if m.RoomID == "" {
		return proto.E(proto.KindValidation, "queue.enqueue", "message needs a room")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.TS == 0 {
		m.TS = proto.NowMillis()
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = q.maxRetries
	}
	m.Status = StatusPending
	m.RetryCount = 0

	inserted, err := q.store.Put(m)
	if err != nil {
		return proto.Wrap(proto.KindQueue, "queue.enqueue", err)
	}
	if !inserted {
		log.Debugf("duplicate enqueue of %s ignored", m.ID)
		return nil
	}
	log.Debugf("queued %s for %s", m.ID, m.RoomID)
	q.notify(Event{Kind: EventEnqueued, Message: m})
	return nil
}

// Drain walks the outbox in arrival order and hands each pending entry
// to send. The first failure in a room blocks the rest of that room for
// this pass, so messages never overtake each other. Other rooms keep
// going. Failed entries are skipped entirely; they wait for RetryFailed.
func (q *Queue) Drain(ctx context.Context, send SendFunc) (DrainStats, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainStats{}, ErrDrainBusy
	}
	defer q.draining.Store(false)

	var stats DrainStats
	msgs, err := q.store.All()
	if err != nil {
		return stats, proto.Wrap(proto.KindQueue, "queue.drain", err)
	}
	if len(msgs) == 0 {
		return stats, nil
	}
	log.Infof("draining %d queued messages", len(msgs))

	blocked := make(map[string]bool)
	for _, m := range msgs {
		if ctx.Err() != nil {
			return stats, proto.Wrap(proto.KindQueue, "queue.drain", ctx.Err())
		}
		if m.Status == StatusFailed {
			continue
		}
		if blocked[m.RoomID] {
			stats.Skipped++
			continue
		}

		m.Status = StatusSending
		if err := q.store.Update(m); err != nil {
			return stats, proto.Wrap(proto.KindQueue, "queue.drain", err)
		}
		q.notify(Event{Kind: EventSending, Message: m})

		sendErr := send(ctx, m)
		if sendErr == nil {
			if err := q.store.Delete(m.ID); err != nil {
				return stats, proto.Wrap(proto.KindQueue, "queue.drain", err)
			}
			stats.Sent++
			q.notify(Event{Kind: EventSent, Message: m})
			continue
		}

		blocked[m.RoomID] = true
		m.RetryCount++
		if !proto.Retryable(sendErr) || m.RetryCount >= m.MaxRetries {
			m.Status = StatusFailed
			stats.Failed++
			log.Warnf("message %s failed for good: %v", m.ID, sendErr)
		} else {
			m.Status = StatusPending
			log.Debugf("message %s failed, retry %d/%d: %v", m.ID, m.RetryCount, m.MaxRetries, sendErr)
		}
		if err := q.store.Update(m); err != nil {
			return stats, proto.Wrap(proto.KindQueue, "queue.drain", err)
		}
		if m.Status == StatusFailed {
			q.notify(Event{Kind: EventFailed, Message: m})
		} else {
			q.notify(Event{Kind: EventRequeued, Message: m})
		}
	}
	return stats, nil
}

// RetryFailed flips one failed entry back to pending with a fresh retry
// budget. The next drain picks it up.
func (q *Queue) RetryFailed(id string) error {
	m, ok, err := q.store.Get(id)
	if err != nil {
		return proto.Wrap(proto.KindQueue, "queue.retry", err)
	}
	if !ok {
		return proto.E(proto.KindQueue, "queue.retry", "no such message: "+id)
	}
	if m.Status != StatusFailed {
		return proto.E(proto.KindQueue, "queue.retry", "message "+id+" is not failed")
	}
	m.Status = StatusPending
	m.RetryCount = 0
	if err := q.store.Update(m); err != nil {
		return proto.Wrap(proto.KindQueue, "queue.retry", err)
	}
	q.notify(Event{Kind: EventRequeued, Message: m})
	return nil
}

// Room returns the stored entries for one room in arrival order.
func (q *Queue) Room(roomID string) ([]Message, error) {
	msgs, err := q.store.Room(roomID)
	if err != nil {
		return nil, proto.Wrap(proto.KindQueue, "queue.room", err)
	}
	return msgs, nil
}

// All returns every stored entry in arrival order.
func (q *Queue) All() ([]Message, error) {
	msgs, err := q.store.All()
	if err != nil {
		return nil, proto.Wrap(proto.KindQueue, "queue.all", err)
	}
	return msgs, nil
}

// Len reports how many entries are stored, failed ones included.
func (q *Queue) Len() (int, error) {
	n, err := q.store.Len()
	if err != nil {
		return 0, proto.Wrap(proto.KindQueue, "queue.len", err)
	}
	return n, nil
}

// ClearRoom drops every entry for a room, failed ones included.
func (q *Queue) ClearRoom(roomID string) error {
	if err := q.store.ClearRoom(roomID); err != nil {
		return proto.Wrap(proto.KindQueue, "queue.clear", err)
	}
	return nil
}

// Subscribe returns a channel receiving outbox events.
func (q *Queue) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 32)
	q.subMu.Lock()
	if q.subClosed {
		q.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	q.subs[ch] = struct{}{}
	q.subMu.Unlock()

	cancel := func() {
		q.subMu.Lock()
		if _, ok := q.subs[ch]; ok {
			delete(q.subs, ch)
			close(ch)
		}
		q.subMu.Unlock()
	}
	return ch, cancel
}

// Close closes the subscriptions and the backing store.
func (q *Queue) Close() error {
	q.subMu.Lock()
	if !q.subClosed {
		q.subClosed = true
		for ch := range q.subs {
			close(ch)
		}
		q.subs = make(map[chan Event]struct{})
	}
	q.subMu.Unlock()
	return q.store.Close()
}

func (q *Queue) notify(ev Event) {
	q.subMu.Lock()
	for ch := range q.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	q.subMu.Unlock()
}
