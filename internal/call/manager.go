// Package call owns WebRTC peer connection lifecycles using Pion. It
// couples to the rest of the daemon through the Signaler interface
// only, so the transport underneath can change without touching call
// logic.
package call

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/vitalink/realtime/internal/proto"
)

var log = logging.Logger("call")

type Options struct {
	LocalUserID string
	Signaler    Signaler

	// ICEServers supplies the servers for each new peer connection.
	// Consulted per call so short-lived TURN credentials stay fresh.
	ICEServers func(ctx context.Context) []webrtc.ICEServer

	// Media opens local capture. Nil uses the platform default.
	Media     MediaFactory
	MediaOpts MediaOptions

	// RecordDir, when set, writes one WebM of the remote tracks per
	// call. Off by default.
	RecordDir string
}

// Manager owns active sessions keyed by call id and bridges the
// signaling stream to them. One session per call: a signal for a call
// with no session is stale and dropped.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	incoming   []func(IncomingCall)

	evMu     sync.Mutex
	evSubs   []chan Event
	evClosed bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(opts Options) (*Manager, error) {
	if opts.LocalUserID == "" {
		return nil, proto.E(proto.KindConfig, "call", "local user id is required")
	}
	if opts.Signaler == nil {
		return nil, proto.E(proto.KindConfig, "call", "signaler is required")
	}
	if opts.ICEServers == nil {
		opts.ICEServers = func(context.Context) []webrtc.ICEServer { return nil }
	}
	if opts.Media == nil {
		mediaOpts := opts.MediaOpts
		opts.Media = func() (MediaSource, error) { return CaptureMedia(mediaOpts) }
	}

	m := &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.dispatchLoop()
	return m, nil
}

// OnIncoming registers a handler fired for each ringing call-request.
func (m *Manager) OnIncoming(fn func(IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Start rings target and registers an outbound session. Media and the
// peer connection are not touched until the callee accepts.
func (m *Manager) Start(ctx context.Context, callID, target string) (*Session, error) {
	if target == "" {
		return nil, proto.E(proto.KindValidation, "call", "target user is required")
	}
	if target == m.opts.LocalUserID {
		return nil, proto.E(proto.KindValidation, "call", "cannot call yourself")
	}
	if callID == "" {
		callID = uuid.NewString()
	}

	sess := m.newSessionFor(callID, target, true)
	if err := m.register(sess); err != nil {
		return nil, err
	}
	if err := sess.sendSignal(ctx, proto.SignalPayload{Type: proto.SignalCallRequest}); err != nil {
		m.removeSession(callID)
		sess.Cleanup()
		return nil, err
	}
	log.Infof("call %s: ringing %s", callID, target)
	return sess, nil
}

// Hangup ends the named call. Unknown ids are a no-op so racing UI
// clicks stay quiet.
func (m *Manager) Hangup(ctx context.Context, callID string) {
	m.mu.RLock()
	sess, ok := m.sessions[callID]
	m.mu.RUnlock()
	if ok {
		sess.Hangup(ctx)
	}
}

// Session returns the active session for callID, if any.
func (m *Manager) Session(callID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// Sessions snapshots every active session, ordered by call id.
func (m *Manager) Sessions() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// Subscribe delivers session state changes. The returned cancel
// detaches the channel.
func (m *Manager) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 16)
	m.evMu.Lock()
	defer m.evMu.Unlock()
	if m.evClosed {
		close(ch)
		return ch, func() {}
	}
	m.evSubs = append(m.evSubs, ch)
	return ch, func() {
		m.evMu.Lock()
		defer m.evMu.Unlock()
		for i, s := range m.evSubs {
			if s == ch {
				m.evSubs = append(m.evSubs[:i], m.evSubs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Close hangs up every active session and stops dispatch.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), iceKeepAliveInterval)
		s.Hangup(ctx)
		cancel()
	}

	m.evMu.Lock()
	if !m.evClosed {
		m.evClosed = true
		for _, ch := range m.evSubs {
			close(ch)
		}
		m.evSubs = nil
	}
	m.evMu.Unlock()
}

func (m *Manager) newSessionFor(callID, peer string, initiator bool) *Session {
	recordTo := ""
	if m.opts.RecordDir != "" {
		recordTo = filepath.Join(m.opts.RecordDir, callID+".webm")
	}
	return newSession(sessionConfig{
		callID:    callID,
		peerID:    peer,
		initiator: initiator,
		sig:       m.opts.Signaler,
		ice:       m.opts.ICEServers,
		media:     m.opts.Media,
		recordTo:  recordTo,
		onState:   m.sessionChanged,
	})
}

func (m *Manager) register(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sess.cfg.callID]; exists {
		return proto.E(proto.KindValidation, "call", "call "+sess.cfg.callID+" is already active")
	}
	m.sessions[sess.cfg.callID] = sess
	return nil
}

func (m *Manager) removeSession(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

func (m *Manager) sessionChanged(s *Session, st State, reason string) {
	if st == StateClosed || st == StateFailed {
		m.removeSession(s.cfg.callID)
	}
	m.publish(Event{
		CallID: s.cfg.callID,
		PeerID: s.cfg.peerID,
		State:  st,
		Status: st.String(),
		Reason: reason,
	})
}

func (m *Manager) publish(ev Event) {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	if m.evClosed {
		return
	}
	for _, ch := range m.evSubs {
		select {
		case ch <- ev:
		default:
			log.Debugf("call event subscriber full, dropping %s for %s", ev.Status, ev.CallID)
		}
	}
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	ch, cancel := m.opts.Signaler.Subscribe()
	defer cancel()
	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(sig)
		}
	}
}

func (m *Manager) dispatch(sig proto.SignalPayload) {
	if sig.Type == proto.SignalCallRequest {
		m.ring(sig)
		return
	}

	m.mu.RLock()
	sess, ok := m.sessions[sig.CallID]
	m.mu.RUnlock()
	if !ok {
		log.Debugf("signal %s for unknown call %s", sig.Type, sig.CallID)
		return
	}
	// Signals must come from the session's peer; anything else is noise.
	if sig.From != sess.cfg.peerID {
		log.Warnf("call %s: signal %s from %s, expected %s", sig.CallID, sig.Type, sig.From, sess.cfg.peerID)
		return
	}

	switch sig.Type {
	case proto.SignalCallAccept:
		// Setup captures media and can take seconds; keep dispatch free.
		go m.callAccepted(sess)
	case proto.SignalCallReject:
		log.Infof("call %s: %s declined", sig.CallID, sig.From)
		sess.terminate(StateClosed, "declined")
	default:
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		sess.handleSignal(ctx, sig)
		cancel()
	}
}

// ring surfaces an incoming call-request to the registered handlers.
func (m *Manager) ring(sig proto.SignalPayload) {
	callID, from := sig.CallID, sig.From
	m.mu.RLock()
	_, active := m.sessions[callID]
	m.mu.RUnlock()
	if active {
		log.Debugf("call %s: duplicate ring from %s", callID, from)
		return
	}

	ic := IncomingCall{
		CallID: callID,
		From:   from,
		Accept: func(ctx context.Context) (*Session, error) { return m.accept(ctx, callID, from) },
		Reject: func(ctx context.Context) error { return m.reject(ctx, callID, from) },
	}
	m.incomingMu.RLock()
	handlers := make([]func(IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	if len(handlers) == 0 {
		log.Warnf("call %s: ringing from %s with nobody listening", callID, from)
	}
	for _, fn := range handlers {
		fn(ic)
	}
	m.publish(Event{CallID: callID, PeerID: from, State: StateNew, Status: StateNew.String(), Reason: "ringing"})
}

// accept is the callee's pickup: session, media, peer connection, then
// the accept signal that asks the caller for an offer.
func (m *Manager) accept(ctx context.Context, callID, from string) (*Session, error) {
	sess := m.newSessionFor(callID, from, false)
	if err := m.register(sess); err != nil {
		return nil, err
	}
	if err := sess.initialize(ctx); err != nil {
		// The caller is still ringing; tell it to stop.
		if rerr := m.reject(ctx, callID, from); rerr != nil {
			log.Debugf("call %s: reject after failed pickup: %v", callID, rerr)
		}
		return nil, err
	}
	if err := sess.sendSignal(ctx, proto.SignalPayload{Type: proto.SignalCallAccept}); err != nil {
		sess.Cleanup()
		return nil, err
	}
	log.Infof("call %s: accepted from %s", callID, from)
	return sess, nil
}

func (m *Manager) reject(ctx context.Context, callID, from string) error {
	log.Infof("call %s: declining %s", callID, from)
	return m.opts.Signaler.Send(ctx, proto.SignalPayload{
		Type:   proto.SignalCallReject,
		CallID: callID,
		Target: from,
	})
}

// callAccepted runs the initiator's side of pickup: media, peer
// connection, then the SDP offer.
func (m *Manager) callAccepted(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	if err := sess.initialize(ctx); err != nil {
		log.Warnf("call %s: setup after accept failed: %v", sess.cfg.callID, err)
		// The callee is waiting for an offer that will never come.
		err := m.opts.Signaler.Send(ctx, proto.SignalPayload{
			Type:   proto.SignalHangup,
			CallID: sess.cfg.callID,
			Target: sess.cfg.peerID,
		})
		if err != nil {
			log.Debugf("call %s: hangup after failed setup: %v", sess.cfg.callID, err)
		}
		return
	}
	if err := sess.offer(ctx); err != nil {
		log.Warnf("call %s: offer failed: %v", sess.cfg.callID, err)
		sess.Hangup(ctx)
	}
}
