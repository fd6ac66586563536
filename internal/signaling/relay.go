// Package signaling relays WebRTC signals between call peers: SDP
// offers and answers, ICE candidates and the call control messages
// around them. Signals travel either as room-channel broadcasts or as
// POSTs to an HTTP relay; a guard chain vets every outgoing signal and
// a deferral queue holds signals composed while the connection is down.
package signaling

import (
	"context"
	"encoding/json"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vitalink/realtime/internal/channel"
	"github.com/vitalink/realtime/internal/conn"
	"github.com/vitalink/realtime/internal/proto"
	"github.com/vitalink/realtime/internal/queue"
	"github.com/vitalink/realtime/internal/util"
)

var log = logging.Logger("signaling")

// Dispatch routes for outgoing signals.
const (
	ViaChannel = "channel"
	ViaHTTP    = "http"
)

const deferredKind = "signal"

type Options struct {
	LocalUserID string
	Conn        *conn.Manager

	// Endpoint is required when DispatchVia is ViaHTTP; ViaChannel works
	// without one.
	Endpoint    *Endpoint
	DispatchVia string

	// Guards vet outgoing signals. Nil means DefaultGuards.
	Guards []Guard

	// MaxRetries bounds redelivery attempts for deferred signals.
	MaxRetries int
}

// DefaultGuards is the outgoing chain: session scoping plus a rate
// limit of 60 signals per target and 300 overall per minute.
func DefaultGuards() []Guard {
	return []Guard{SessionGuard(), RateGuard(60, 300)}
}

// Relay sends and receives call signals for one user. Outgoing signals
// pass the guard chain, then go out over the room channel or the HTTP
// relay; when the connection is down they wait in a deferral queue and
// replay, per call in order, on the next connect. Incoming broadcasts
// are decoded, filtered to this user and fanned out to subscribers.
type Relay struct {
	opts     Options
	deferred *queue.Queue

	subMu  sync.Mutex
	subs   []chan proto.SignalPayload
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRelay(opts Options) (*Relay, error) {
	if opts.LocalUserID == "" {
		return nil, proto.E(proto.KindConfig, "signal", "local user id is required")
	}
	if opts.Conn == nil {
		return nil, proto.E(proto.KindConfig, "signal", "connection manager is required")
	}
	if opts.DispatchVia == "" {
		opts.DispatchVia = ViaChannel
	}
	if opts.DispatchVia == ViaHTTP && opts.Endpoint == nil {
		return nil, proto.E(proto.KindConfig, "signal", "http dispatch needs an endpoint")
	}
	if opts.Guards == nil {
		opts.Guards = DefaultGuards()
	}

	r := &Relay{
		opts:     opts,
		deferred: queue.New(queue.NewMemoryStore(), opts.MaxRetries),
		stop:     make(chan struct{}),
	}
	r.wg.Add(2)
	go r.eventPump()
	go r.statePump()
	return r, nil
}

// Send stamps, validates and dispatches one signal. A guard rejection
// or invalid payload is returned as a validation error and the signal
// is gone; callers must not retry those. When the connection is down
// the signal is deferred instead and Send returns nil.
func (r *Relay) Send(ctx context.Context, sig proto.SignalPayload) error {
	select {
	case <-r.stop:
		return proto.E(proto.KindTransport, "signal", "relay is closed")
	default:
	}

	sig.From = r.opts.LocalUserID
	if sig.TS == 0 {
		sig.TS = proto.NowMillis()
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	if sig.Target == r.opts.LocalUserID {
		return proto.E(proto.KindValidation, "signal", "signal targets the local user")
	}
	for _, g := range r.opts.Guards {
		if err := g.Check(sig); err != nil {
			log.Warnf("signal %s for call %s rejected: %v", sig.Type, sig.CallID, err)
			return err
		}
	}

	if !r.opts.Conn.State().Online {
		if err := r.deferSignal(sig); err != nil {
			return err
		}
		log.Warnf("offline, deferred %s signal for call %s", sig.Type, sig.CallID)
		return nil
	}
	return r.dispatch(ctx, sig)
}

func (r *Relay) dispatch(ctx context.Context, sig proto.SignalPayload) error {
	if r.opts.DispatchVia == ViaHTTP {
		return r.opts.Endpoint.PostSignal(ctx, sig)
	}
	return r.opts.Conn.Publish(ctx, proto.EvSignal, sig)
}

// deferSignal parks a signal for replay. The call id keys the queue
// room so replay preserves per-call order.
func (r *Relay) deferSignal(sig proto.SignalPayload) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return proto.Wrap(proto.KindValidation, "signal", err)
	}
	return r.deferred.Enqueue(queue.Message{
		RoomID:   sig.CallID,
		SenderID: sig.From,
		Content:  string(body),
		Type:     deferredKind,
		TS:       sig.TS,
	})
}

// PendingSignals reports how many deferred signals wait for the next
// connect.
func (r *Relay) PendingSignals() int {
	n, err := r.deferred.Len()
	if err != nil {
		return 0
	}
	return n
}

// DiscardCall drops deferred signals for a finished call so they never
// replay at a peer that already hung up.
func (r *Relay) DiscardCall(callID string) {
	if err := r.deferred.ClearRoom(callID); err != nil {
		log.Debugf("discard deferred signals for call %s: %v", callID, err)
	}
}

// Subscribe delivers incoming signals addressed to the local user. The
// returned cancel detaches the channel.
func (r *Relay) Subscribe() (chan proto.SignalPayload, func()) {
	ch := make(chan proto.SignalPayload, 32)
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	r.subs = append(r.subs, ch)
	return ch, func() { r.unsubscribe(ch) }
}

func (r *Relay) unsubscribe(ch chan proto.SignalPayload) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for i, s := range r.subs {
		if s == ch {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (r *Relay) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	r.subMu.Lock()
	if !r.closed {
		r.closed = true
		for _, ch := range r.subs {
			close(ch)
		}
		r.subs = nil
	}
	r.subMu.Unlock()

	if err := r.deferred.Close(); err != nil {
		log.Debugf("deferral queue close: %v", err)
	}
}

// eventPump decodes signal broadcasts off the room channel and hands
// the ones addressed to this user to subscribers.
func (r *Relay) eventPump() {
	defer r.wg.Done()
	events, cancel := r.opts.Conn.SubscribeEvents()
	defer cancel()

	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != channel.KindBroadcast || ev.Event != proto.EvSignal {
				continue
			}
			sig, err := proto.DecodeSignal(ev.Payload)
			if err != nil {
				log.Warnf("dropping malformed signal: %v", err)
				continue
			}
			r.deliver(sig)
		}
	}
}

func (r *Relay) deliver(sig proto.SignalPayload) {
	// Broadcasts echo back to the sender and reach every room member;
	// only signals from someone else addressed to us are ours.
	if sig.From == r.opts.LocalUserID {
		return
	}
	if sig.Target != r.opts.LocalUserID {
		return
	}
	if err := SessionGuard().Check(sig); err != nil {
		log.Warnf("dropping inbound signal: %v", err)
		return
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- sig:
		default:
			log.Debugf("signal subscriber full, dropping %s for call %s", sig.Type, sig.CallID)
		}
	}
}

// statePump replays deferred signals every time the connection comes
// back up.
func (r *Relay) statePump() {
	defer r.wg.Done()
	states, cancel := r.opts.Conn.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.stop:
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if st.Status == conn.StatusConnected {
				r.drainDeferred()
			}
		}
	}
}

func (r *Relay) drainDeferred() {
	if n := r.PendingSignals(); n == 0 {
		return
	}
	stats, err := r.deferred.Drain(context.Background(), r.redeliver)
	if err != nil {
		log.Debugf("deferred signal drain skipped: %v", err)
		return
	}
	if stats.Sent > 0 || stats.Failed > 0 {
		log.Infof("replayed %d deferred signals (%d failed)", stats.Sent, stats.Failed)
	}
}

func (r *Relay) redeliver(ctx context.Context, m queue.Message) error {
	var sig proto.SignalPayload
	if err := json.Unmarshal([]byte(m.Content), &sig); err != nil {
		return proto.Wrap(proto.KindValidation, "signal", err)
	}
	ctx, cancel := context.WithTimeout(ctx, util.ShortTimeout)
	defer cancel()
	return r.dispatch(ctx, sig)
}
