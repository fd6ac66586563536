// Package conn owns the connection state machine for one room channel:
// disconnected, connecting, connected, reconnecting, error. Reconnects
// follow exponential backoff with jitter, at most one retry timer exists
// at any moment, and a heartbeat probes the link while connected.
package conn

import (
	"context"
	"math"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vitalink/realtime/internal/channel"
	"github.com/vitalink/realtime/internal/proto"
)

var log = logging.Logger("conn")

const (
	dialTimeout = 15 * time.Second
	pingTimeout = 10 * time.Second
)

// Options configures a Manager. Callers own the instance; nothing here
// is process-global.
type Options struct {
	Topic string
	Dial  channel.Factory

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	JitterMax         time.Duration
	MaxAttempts       int

	// AutoReconnect schedules retries after a dropped link. Without it a
	// loss parks the manager in disconnected and a failed connect in error.
	AutoReconnect bool
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	return o
}

// Commands and async results flow into the run loop as tagged values.
// The loop is the only goroutine that touches timers or transitions.
type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdReconnect
	cmdClose
	cmdDialDone
	cmdPingFailed
)

type command struct {
	kind cmdKind
	gen  int
	tr   channel.Transport
	err  error
}

// Manager drives one topic's connection lifecycle.
type Manager struct {
	opts Options

	cmds chan command
	done chan struct{}

	mu    sync.Mutex
	tr    channel.Transport
	state State

	subMu     sync.Mutex
	subClosed bool
	stateSubs map[chan State]struct{}
	eventSubs map[chan channel.Event]struct{}
}

// New builds a Manager and starts its run loop. The manager begins
// disconnected; call Connect to bring the link up.
func New(opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:      opts,
		cmds:      make(chan command, 8),
		done:      make(chan struct{}),
		state:     State{Status: StatusDisconnected, MaxAttempts: opts.MaxAttempts},
		stateSubs: make(map[chan State]struct{}),
		eventSubs: make(map[chan channel.Event]struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) Topic() string { return m.opts.Topic }

// Connect starts a connection cycle. No-op unless the manager is
// disconnected or in error.
func (m *Manager) Connect() { m.post(command{kind: cmdConnect}) }

// Disconnect tears the link down and disables retries until the next
// Connect.
func (m *Manager) Disconnect() { m.post(command{kind: cmdDisconnect}) }

// Reconnect forces an immediate attempt with a fresh attempt budget,
// bypassing any pending backoff. This is the manual escape from the
// error state; on a live link it cycles the subscription.
func (m *Manager) Reconnect() { m.post(command{kind: cmdReconnect}) }

// Close shuts the manager down for good and closes all subscriptions.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
	}
	m.post(command{kind: cmdClose})
	<-m.done
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Publish broadcasts an application event on the room channel.
func (m *Manager) Publish(ctx context.Context, event string, payload any) error {
	tr := m.current()
	if tr == nil {
		return proto.E(proto.KindTransport, "conn.publish", "not connected")
	}
	return tr.Publish(ctx, event, payload)
}

// Track replaces this client's presence state on the room channel.
func (m *Manager) Track(ctx context.Context, state proto.PresencePayload) error {
	tr := m.current()
	if tr == nil {
		return proto.E(proto.KindTransport, "conn.track", "not connected")
	}
	return tr.Track(ctx, state)
}

// Subscribe returns a channel receiving state transitions.
func (m *Manager) Subscribe() (chan State, func()) {
	ch := make(chan State, 16)
	m.subMu.Lock()
	if m.subClosed {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.stateSubs[ch] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if _, ok := m.stateSubs[ch]; ok {
			delete(m.stateSubs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

// SubscribeEvents returns a channel receiving the transport events of
// whichever connection is live. The subscription survives reconnects.
func (m *Manager) SubscribeEvents() (chan channel.Event, func()) {
	ch := make(chan channel.Event, 64)
	m.subMu.Lock()
	if m.subClosed {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.eventSubs[ch] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if _, ok := m.eventSubs[ch]; ok {
			delete(m.eventSubs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) current() channel.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tr
}

func (m *Manager) setTransport(tr channel.Transport) {
	m.mu.Lock()
	m.tr = tr
	m.mu.Unlock()
}

func (m *Manager) post(c command) {
	select {
	case m.cmds <- c:
	case <-m.done:
	}
}

func (m *Manager) fanoutState(st State) {
	m.subMu.Lock()
	for ch := range m.stateSubs {
		select {
		case ch <- st:
		default:
		}
	}
	m.subMu.Unlock()
}

func (m *Manager) fanoutEvent(ev channel.Event) {
	m.subMu.Lock()
	for ch := range m.eventSubs {
		select {
		case ch <- ev:
		default:
		}
	}
	m.subMu.Unlock()
}

func (m *Manager) closeSubs() {
	m.subMu.Lock()
	m.subClosed = true
	for ch := range m.stateSubs {
		close(ch)
	}
	for ch := range m.eventSubs {
		close(ch)
	}
	m.stateSubs = make(map[chan State]struct{})
	m.eventSubs = make(map[chan channel.Event]struct{})
	m.subMu.Unlock()
}

func (m *Manager) run() {
	var (
		gen      int
		attempts int
		retryIn  int
		lastErr  error
		status   = StatusDisconnected
		dialing  bool

		lastUp   time.Time
		lastDown time.Time

		cur    channel.Transport
		events <-chan channel.Event

		retry   *time.Timer
		retryCh <-chan time.Time

		countdown *time.Ticker
		countCh   <-chan time.Time

		heartbeat *time.Ticker
		beatCh    <-chan time.Time
	)

	emit := func() {
		st := State{
			Status:           status,
			Online:           status == StatusConnected,
			Attempts:         attempts,
			MaxAttempts:      m.opts.MaxAttempts,
			RetryIn:          retryIn,
			LastConnected:    lastUp,
			LastDisconnected: lastDown,
		}
		if lastErr != nil {
			st.Err = lastErr.Error()
		}
		m.mu.Lock()
		m.state = st
		m.mu.Unlock()
		m.fanoutState(st)
	}

	clearRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryCh = nil, nil
		}
		if countdown != nil {
			countdown.Stop()
			countdown, countCh = nil, nil
		}
		retryIn = 0
	}

	stopBeat := func() {
		if heartbeat != nil {
			heartbeat.Stop()
			heartbeat, beatCh = nil, nil
		}
	}

	dial := func() {
		dialing = true
		tr := m.opts.Dial(m.opts.Topic)
		g := gen
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
			defer cancel()
			err := tr.Open(ctx)
			m.post(command{kind: cmdDialDone, gen: g, tr: tr, err: err})
		}()
	}

	// scheduleRetry arms the single reconnect timer. Any previous timer is
	// cleared first, so two can never run at once. attempts is bumped to
	// the number of the attempt being scheduled, so the state published
	// during the countdown already names it; attempt n waits base*2^(n-1).
	scheduleRetry := func() {
		clearRetry()
		attempts++
		delay := backoffDelay(m.opts.BackoffBase, m.opts.BackoffCap, attempts-1) + jitterDuration(m.opts.JitterMax)
		retry = time.NewTimer(delay)
		retryCh = retry.C
		retryIn = int(math.Ceil(delay.Seconds()))
		countdown = time.NewTicker(time.Second)
		countCh = countdown.C
		log.Debugf("%s: retry %d in %s", m.opts.Topic, attempts, delay)
	}

	dropTransport := func() {
		if cur != nil {
			cur.Close()
			cur = nil
			m.setTransport(nil)
		}
		events = nil
	}

	// connLost handles every involuntary link loss: server drop, dead
	// heartbeat, closed event stream.
	connLost := func(cause error) {
		log.Warnf("%s: connection lost: %v", m.opts.Topic, cause)
		stopBeat()
		dropTransport()
		gen++
		lastErr = cause
		lastDown = time.Now()
		if !m.opts.AutoReconnect {
			status = StatusDisconnected
			emit()
			return
		}
		status = StatusReconnecting
		scheduleRetry()
		emit()
	}

	for {
		select {
		case c := <-m.cmds:
			switch c.kind {
			case cmdConnect:
				if status != StatusDisconnected && status != StatusError {
					continue
				}
				clearRetry()
				attempts = 0
				lastErr = nil
				status = StatusConnecting
				emit()
				dial()

			case cmdReconnect:
				// Works from any state: on a live link this tears the
				// subscription down and dials fresh.
				gen++
				dialing = false
				clearRetry()
				stopBeat()
				if cur != nil {
					lastDown = time.Now()
				}
				dropTransport()
				attempts = 0
				lastErr = nil
				status = StatusConnecting
				emit()
				dial()
				log.Infof("%s: manual reconnect", m.opts.Topic)

			case cmdDisconnect:
				gen++
				dialing = false
				clearRetry()
				stopBeat()
				if cur != nil {
					lastDown = time.Now()
				}
				dropTransport()
				attempts = 0
				lastErr = nil
				status = StatusDisconnected
				emit()

			case cmdClose:
				gen++
				clearRetry()
				stopBeat()
				dropTransport()
				m.closeSubs()
				close(m.done)
				return

			case cmdDialDone:
				if c.gen != gen {
					// A cancelled cycle's dial coming home late.
					if c.err == nil {
						c.tr.Close()
					}
					continue
				}
				dialing = false
				if c.err == nil {
					cur = c.tr
					m.setTransport(cur)
					events = cur.Events()
					clearRetry()
					attempts = 0
					lastErr = nil
					status = StatusConnected
					lastUp = time.Now()
					emit()
					heartbeat = time.NewTicker(m.opts.HeartbeatInterval)
					beatCh = heartbeat.C
					log.Infof("%s: connected", m.opts.Topic)
					continue
				}

				// The dial that failed was attempt number `attempts`
				// (0 for a fresh connect, which does not count against
				// the retry budget).
				lastErr = c.err
				if !m.opts.AutoReconnect {
					attempts++
					status = StatusError
					emit()
					continue
				}
				if attempts >= m.opts.MaxAttempts {
					clearRetry()
					status = StatusError
					emit()
					log.Errorf("%s: giving up after %d attempts: %v", m.opts.Topic, attempts, c.err)
					continue
				}
				status = StatusReconnecting
				scheduleRetry()
				emit()

			case cmdPingFailed:
				if c.gen != gen || status != StatusConnected {
					continue
				}
				connLost(c.err)
			}

		case <-retryCh:
			retry, retryCh = nil, nil
			if countdown != nil {
				countdown.Stop()
				countdown, countCh = nil, nil
			}
			retryIn = 0
			emit()
			dial()

		case <-countCh:
			if retryIn > 0 {
				retryIn--
				emit()
			}

		case <-beatCh:
			if cur == nil || dialing {
				continue
			}
			g, tr := gen, cur
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
				defer cancel()
				if err := tr.Ping(ctx); err != nil {
					m.post(command{kind: cmdPingFailed, gen: g, err: err})
				}
			}()

		case ev, ok := <-events:
			if !ok {
				connLost(proto.E(proto.KindTransport, "conn", "event stream ended"))
				continue
			}
			m.fanoutEvent(ev)
			if ev.Kind == channel.KindClosed {
				cause := ev.Err
				if cause == nil {
					cause = proto.E(proto.KindTransport, "conn", "channel closed")
				}
				connLost(cause)
			}
		}
	}
}
