package channel

import (
	"context"
	"sync"

	"github.com/vitalink/realtime/internal/proto"
)

// Broker is an in-process channel service. It gives single-host
// deployments and tests the exact semantics of the hosted service:
// broadcasts skip the sender, presence diffs reach everyone, and a
// dropped topic closes every subscriber's stream.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]*memTopic
	offline bool
}

type memTopic struct {
	clients  map[*memTransport]struct{}
	presence map[string]proto.PresencePayload
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*memTopic)}
}

// Factory returns a transport factory for one client identity.
func (b *Broker) Factory(userID string) Factory {
	return func(topic string) Transport {
		return &memTransport{
			b:      b,
			topic:  topic,
			userID: userID,
			events: make(chan Event, 256),
		}
	}
}

// SetOffline makes every broker operation fail with a transport error
// until switched back. Open transports stay up; their next Publish,
// Track or Ping fails, exactly like a dead uplink.
func (b *Broker) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// KillTopic force-closes every subscription on a topic and clears its
// presence, like a server-side channel crash.
func (b *Broker) KillTopic(topic string) {
	b.mu.Lock()
	t := b.topics[topic]
	delete(b.topics, topic)
	b.mu.Unlock()
	if t == nil {
		return
	}
	for c := range t.clients {
		c.closeWith(proto.E(proto.KindTransport, "channel.read", "server dropped topic "+topic))
	}
}

func (b *Broker) topicLocked(topic string) *memTopic {
	t := b.topics[topic]
	if t == nil {
		t = &memTopic{
			clients:  make(map[*memTransport]struct{}),
			presence: make(map[string]proto.PresencePayload),
		}
		b.topics[topic] = t
	}
	return t
}

type memTransport struct {
	b      *Broker
	topic  string
	userID string

	events chan Event

	mu      sync.Mutex
	open    bool
	closed  bool
	tracked bool
}

func (c *memTransport) Open(ctx context.Context) error {
	c.b.mu.Lock()
	if c.b.offline {
		c.b.mu.Unlock()
		return proto.E(proto.KindTransport, "channel.open", "broker offline")
	}
	t := c.b.topicLocked(c.topic)
	t.clients[c] = struct{}{}

	// Presence snapshot arrives first, like the hosted service sends it
	// right after the join ack.
	states := make(map[string][]proto.PresencePayload, len(t.presence))
	for k, v := range t.presence {
		states[k] = []proto.PresencePayload{v}
	}
	c.b.mu.Unlock()

	c.mu.Lock()
	c.open = true
	c.mu.Unlock()

	c.deliver(Event{Kind: KindPresenceState, States: states})
	return nil
}

func (c *memTransport) Publish(ctx context.Context, event string, payload any) error {
	raw, err := marshalRaw(payload)
	if err != nil {
		return proto.Wrap(proto.KindValidation, "channel.broadcast", err)
	}

	c.b.mu.Lock()
	if c.b.offline {
		c.b.mu.Unlock()
		return proto.E(proto.KindTransport, "channel.broadcast", "broker offline")
	}
	t := c.b.topics[c.topic]
	if t == nil || !c.isOpen() {
		c.b.mu.Unlock()
		return proto.E(proto.KindTransport, "channel.broadcast", "not joined")
	}
	for other := range t.clients {
		if other == c {
			continue // broadcasts never echo to the sender
		}
		other.deliver(Event{Kind: KindBroadcast, Event: event, Payload: raw})
	}
	c.b.mu.Unlock()
	return nil
}

func (c *memTransport) Track(ctx context.Context, state proto.PresencePayload) error {
	c.b.mu.Lock()
	if c.b.offline {
		c.b.mu.Unlock()
		return proto.E(proto.KindTransport, "channel.track", "broker offline")
	}
	t := c.b.topics[c.topic]
	if t == nil || !c.isOpen() {
		c.b.mu.Unlock()
		return proto.E(proto.KindTransport, "channel.track", "not joined")
	}
	t.presence[state.UserID] = state
	joins := map[string][]proto.PresencePayload{state.UserID: {state}}
	// Diffs reach every subscriber, the tracker included. Self-exclusion
	// is a display concern and lives upstairs.
	for other := range t.clients {
		other.deliver(Event{Kind: KindPresenceDiff, States: joins})
	}
	c.b.mu.Unlock()

	c.mu.Lock()
	c.tracked = true
	c.mu.Unlock()
	return nil
}

func (c *memTransport) Ping(ctx context.Context) error {
	c.b.mu.Lock()
	offline := c.b.offline
	c.b.mu.Unlock()
	if offline {
		return proto.E(proto.KindTransport, "channel.heartbeat", "broker offline")
	}
	if !c.isOpen() {
		return proto.E(proto.KindTransport, "channel.heartbeat", "not joined")
	}
	return nil
}

func (c *memTransport) Events() <-chan Event { return c.events }

func (c *memTransport) Close() error {
	c.b.mu.Lock()
	t := c.b.topics[c.topic]
	if t != nil {
		delete(t.clients, c)
		c.mu.Lock()
		tracked := c.tracked
		c.mu.Unlock()
		if tracked {
			last, ok := t.presence[c.userID]
			if ok {
				delete(t.presence, c.userID)
				leaves := map[string][]proto.PresencePayload{c.userID: {last}}
				for other := range t.clients {
					other.deliver(Event{Kind: KindPresenceDiff, Leaves: leaves})
				}
			}
		}
		if len(t.clients) == 0 {
			delete(c.b.topics, c.topic)
		}
	}
	c.b.mu.Unlock()

	c.closeWith(nil)
	return nil
}

func (c *memTransport) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *memTransport) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Warnf("memory transport on %s dropped an event: consumer too slow", c.topic)
	}
}

func (c *memTransport) closeWith(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	select {
	case c.events <- Event{Kind: KindClosed, Err: err}:
	default:
	}
	close(c.events)
	c.mu.Unlock()
}
