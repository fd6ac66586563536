// Package presence mirrors who is in a consult room and who is typing.
// The channel service is the source of truth: presence snapshots are
// recomputed wholesale, diffs are applied incrementally, and for any
// one user the payload with the later timestamp wins regardless of
// arrival order.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vitalink/realtime/internal/channel"
	"github.com/vitalink/realtime/internal/proto"
	"github.com/vitalink/realtime/internal/util"
)

var log = logging.Logger("presence")

// User is one room participant as the UI sees them.
type User struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	UserRole string    `json:"userRole"`
	Online   bool      `json:"isOnline"`
	Typing   bool      `json:"isTyping"`
	LastSeen time.Time `json:"lastSeen"`

	ts        int64
	offlineAt time.Time
}

// Event is one coordinator notification.
type Event struct {
	Type   string          `json:"type"` // sync, join, update, leave, remove, typing
	UserID string          `json:"userId,omitempty"`
	User   *User           `json:"user,omitempty"`
	Users  map[string]User `json:"users,omitempty"`
	Text   string          `json:"typingText,omitempty"`
}

// TrackFunc broadcasts this client's presence state on the room channel.
type TrackFunc func(ctx context.Context, state proto.PresencePayload) error

// Options configures a Coordinator for one room.
type Options struct {
	UserID   string
	UserName string
	UserRole string

	Track TrackFunc

	// Heartbeat re-broadcasts the current state so the server never
	// ages this client out between changes.
	Heartbeat time.Duration

	// Throttle is the minimum gap between track broadcasts. A change
	// suppressed by the throttle is sent when the window opens.
	Throttle time.Duration

	// A remote typing flag older than TypingTimeout+TypingGrace is
	// dropped by the sweeper. The local flag clears itself after
	// TypingTimeout without a refresh.
	TypingTimeout time.Duration
	TypingGrace   time.Duration
	Sweep         time.Duration

	// Participants who left stay visible as offline for OfflineGrace,
	// then disappear.
	OfflineGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.Throttle <= 0 {
		o.Throttle = time.Second
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = 3 * time.Second
	}
	if o.TypingGrace <= 0 {
		o.TypingGrace = time.Second
	}
	if o.Sweep <= 0 {
		o.Sweep = time.Second
	}
	if o.OfflineGrace <= 0 {
		o.OfflineGrace = time.Minute
	}
	return o
}

// Coordinator keeps the presence table for one room.
type Coordinator struct {
	opts Options

	mu           sync.Mutex
	self         proto.PresencePayload
	users        map[string]User
	typingAt     map[string]time.Time
	lastSent     time.Time
	pending      *bool
	trailing     *time.Timer
	selfClear    *time.Timer
	selfClearGen int
	listeners    []chan Event
	closed       bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCoordinator builds a Coordinator and starts its sweep and
// heartbeat loop.
func NewCoordinator(opts Options) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		opts: opts,
		self: proto.PresencePayload{
			UserID: opts.UserID,
			Name:   opts.UserName,
			Role:   opts.UserRole,
		},
		users:    make(map[string]User),
		typingAt: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	sweep := time.NewTicker(c.opts.Sweep)
	defer sweep.Stop()
	beat := time.NewTicker(c.opts.Heartbeat)
	defer beat.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-sweep.C:
			c.sweepExpired()
		case <-beat.C:
			c.heartbeat()
		}
	}
}

// Announce broadcasts the current self state with a fresh timestamp.
// Call it after every connected transition; until then the table can
// hold stale state from before the outage.
func (c *Coordinator) Announce(ctx context.Context) error {
	c.mu.Lock()
	c.self.TS = proto.NowMillis()
	c.lastSent = time.Now()
	payload := c.self
	c.mu.Unlock()
	return c.opts.Track(ctx, payload)
}

// SetSelfName renames the local user and re-announces. The config
// watcher calls this when the profile changes on disk.
func (c *Coordinator) SetSelfName(ctx context.Context, name string) error {
	c.mu.Lock()
	if name == "" || c.self.Name == name {
		c.mu.Unlock()
		return nil
	}
	c.self.Name = name
	c.mu.Unlock()
	return c.Announce(ctx)
}

// SetTyping broadcasts a typing change. Repeats of the current state
// are dropped, though a typing repeat still refreshes the self-clear
// timer. A change landing inside the throttle window is held and sent
// when the window opens; only the latest held state goes out.
func (c *Coordinator) SetTyping(ctx context.Context, typing bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if typing {
		c.armSelfClearLocked()
	} else if c.selfClear != nil {
		c.selfClear.Stop()
		c.selfClear = nil
	}
	if c.self.Typing == typing && c.pending == nil {
		c.mu.Unlock()
		return nil
	}
	payload, send := c.setTypingLocked(typing)
	c.mu.Unlock()
	if !send {
		return nil
	}
	return c.opts.Track(ctx, payload)
}

// setTypingLocked applies a typing change under the throttle. It either
// returns a payload to broadcast now or parks the change for the
// trailing flush.
func (c *Coordinator) setTypingLocked(typing bool) (proto.PresencePayload, bool) {
	now := time.Now()
	if gap := now.Sub(c.lastSent); gap < c.opts.Throttle {
		v := typing
		c.pending = &v
		c.self.Typing = typing
		if c.trailing == nil {
			c.trailing = time.AfterFunc(c.opts.Throttle-gap, c.flushPending)
		}
		return proto.PresencePayload{}, false
	}
	c.self.Typing = typing
	c.self.TS = proto.NowMillis()
	c.lastSent = now
	return c.self, true
}

// armSelfClearLocked keeps the local typing flag from sticking when the
// UI stops calling in: it falls back to not-typing after TypingTimeout.
// The generation token voids timers that fired during a refresh.
func (c *Coordinator) armSelfClearLocked() {
	if c.selfClear != nil {
		c.selfClear.Stop()
	}
	c.selfClearGen++
	gen := c.selfClearGen
	c.selfClear = time.AfterFunc(c.opts.TypingTimeout, func() { c.selfClearExpired(gen) })
}

func (c *Coordinator) selfClearExpired(gen int) {
	c.mu.Lock()
	if gen != c.selfClearGen || c.closed || !c.self.Typing {
		c.mu.Unlock()
		return
	}
	payload, send := c.setTypingLocked(false)
	c.mu.Unlock()
	if !send {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := c.opts.Track(ctx, payload); err != nil {
		log.Debugf("typing self-clear: %v", err)
	}
}

func (c *Coordinator) flushPending() {
	c.mu.Lock()
	c.trailing = nil
	if c.pending == nil || c.closed {
		c.mu.Unlock()
		return
	}
	typing := *c.pending
	c.pending = nil
	c.self.Typing = typing
	c.self.TS = proto.NowMillis()
	c.lastSent = time.Now()
	payload := c.self
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := c.opts.Track(ctx, payload); err != nil {
		log.Debugf("trailing typing broadcast: %v", err)
	}
}

func (c *Coordinator) heartbeat() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.self.TS = proto.NowMillis()
	c.lastSent = time.Now()
	payload := c.self
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := c.opts.Track(ctx, payload); err != nil {
		log.Debugf("presence heartbeat: %v", err)
	}
}

// Apply feeds one channel event into the table. Only presence events
// are consumed; everything else is ignored.
func (c *Coordinator) Apply(ev channel.Event) {
	switch ev.Kind {
	case channel.KindPresenceState:
		c.applySync(ev.States)
	case channel.KindPresenceDiff:
		c.applyDiff(ev.States, ev.Leaves)
	}
}

// latest picks the payload with the highest timestamp.
func latest(metas []proto.PresencePayload) (proto.PresencePayload, bool) {
	if len(metas) == 0 {
		return proto.PresencePayload{}, false
	}
	best := metas[0]
	for _, p := range metas[1:] {
		if p.TS > best.TS {
			best = p
		}
	}
	return best, true
}

func (c *Coordinator) toUser(p proto.PresencePayload) User {
	name := p.Name
	if name == "" {
		name = p.UserID
	}
	return User{
		UserID:   p.UserID,
		UserName: name,
		UserRole: p.Role,
		Online:   true,
		Typing:   p.Typing,
		LastSeen: time.Now(),
		ts:       p.TS,
	}
}

func (c *Coordinator) applySync(states map[string][]proto.PresencePayload) {
	c.mu.Lock()
	next := make(map[string]User, len(states))
	for id, metas := range states {
		p, ok := latest(metas)
		if !ok {
			continue
		}
		if cur, exists := c.users[id]; exists && cur.ts > p.TS {
			next[id] = cur
			continue
		}
		next[id] = c.toUser(p)
	}
	c.users = next

	for id := range c.typingAt {
		if u, ok := next[id]; !ok || !u.Typing {
			delete(c.typingAt, id)
		}
	}
	now := time.Now()
	for id, u := range next {
		if u.Typing && id != c.self.UserID {
			c.typingAt[id] = now
		}
	}

	snap := c.participantsMapLocked()
	c.notifyLocked(Event{Type: "sync", Users: snap})
	c.mu.Unlock()
}

func (c *Coordinator) applyDiff(joins, leaves map[string][]proto.PresencePayload) {
	c.mu.Lock()
	for id, metas := range joins {
		p, ok := latest(metas)
		if !ok {
			continue
		}
		cur, exists := c.users[id]
		if exists && cur.ts > p.TS {
			continue
		}
		u := c.toUser(p)
		c.users[id] = u
		if id == c.self.UserID {
			continue
		}
		if u.Typing {
			c.typingAt[id] = time.Now()
		} else {
			delete(c.typingAt, id)
		}
		if !exists || !cur.Online {
			c.notifyLocked(Event{Type: "join", UserID: id, User: &u})
		} else {
			c.notifyLocked(Event{Type: "update", UserID: id, User: &u})
		}
		if !exists && u.Typing || exists && cur.Typing != u.Typing {
			c.notifyLocked(Event{Type: "typing", UserID: id, User: &u, Text: c.typingTextLocked()})
		}
	}

	for id, metas := range leaves {
		cur, exists := c.users[id]
		if !exists {
			continue
		}
		if p, ok := latest(metas); ok && cur.ts > p.TS {
			// A fresher join already replaced this session.
			continue
		}
		wasTyping := cur.Typing
		cur.Online = false
		cur.Typing = false
		cur.offlineAt = time.Now()
		c.users[id] = cur
		delete(c.typingAt, id)
		if id == c.self.UserID {
			continue
		}
		c.notifyLocked(Event{Type: "leave", UserID: id, User: &cur})
		if wasTyping {
			c.notifyLocked(Event{Type: "typing", UserID: id, User: &cur, Text: c.typingTextLocked()})
		}
	}
	c.mu.Unlock()
}

// sweepExpired drops typing flags nobody refreshed and participants who
// have been offline past the grace period.
func (c *Coordinator) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	for id, at := range c.typingAt {
		if now.Sub(at) <= c.opts.TypingTimeout+c.opts.TypingGrace {
			continue
		}
		delete(c.typingAt, id)
		u, ok := c.users[id]
		if !ok || !u.Typing {
			continue
		}
		u.Typing = false
		c.users[id] = u
		c.notifyLocked(Event{Type: "typing", UserID: id, User: &u, Text: c.typingTextLocked()})
	}
	for id, u := range c.users {
		if !u.Online && !u.offlineAt.IsZero() && now.Sub(u.offlineAt) > c.opts.OfflineGrace {
			delete(c.users, id)
			c.notifyLocked(Event{Type: "remove", UserID: id})
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) participantsMapLocked() map[string]User {
	cp := make(map[string]User, len(c.users))
	for id, u := range c.users {
		if id == c.self.UserID {
			continue
		}
		cp[id] = u
	}
	return cp
}

// Participants returns everyone except the local user, name-sorted.
func (c *Coordinator) Participants() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]User, 0, len(c.users))
	for id, u := range c.users {
		if id == c.self.UserID {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserName != out[j].UserName {
			return out[i].UserName < out[j].UserName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Typing returns the remote users currently typing, name-sorted.
func (c *Coordinator) Typing() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingLocked()
}

func (c *Coordinator) typingLocked() []User {
	var out []User
	for id, u := range c.users {
		if id == c.self.UserID || !u.Typing {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out
}

// TypingText renders the typing line the way the chat header shows it.
// The local user never appears in it.
func (c *Coordinator) TypingText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingTextLocked()
}

func (c *Coordinator) typingTextLocked() string {
	typing := c.typingLocked()
	names := make([]string, len(typing))
	for i, u := range typing {
		names[i] = u.UserName
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	case 3:
		return names[0] + ", " + names[1] + " and " + names[2] + " are typing..."
	default:
		return "Several people are typing..."
	}
}

// Get looks up one participant.
func (c *Coordinator) Get(id string) (User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[id]
	return u, ok
}

// Subscribe returns a channel receiving coordinator events.
func (c *Coordinator) Subscribe() chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Event, 16)
	c.listeners = append(c.listeners, ch)
	return ch
}

// Unsubscribe closes and removes a subscription channel.
func (c *Coordinator) Unsubscribe(ch chan Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, listener := range c.listeners {
		if listener == ch {
			close(listener)
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) notifyLocked(ev Event) {
	for _, ch := range c.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close stops the loop and timers and closes every subscription.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	c.closed = true
	if c.trailing != nil {
		c.trailing.Stop()
		c.trailing = nil
	}
	if c.selfClear != nil {
		c.selfClear.Stop()
		c.selfClear = nil
	}
	c.pending = nil
	for _, ch := range c.listeners {
		close(ch)
	}
	c.listeners = nil
	c.mu.Unlock()
}
