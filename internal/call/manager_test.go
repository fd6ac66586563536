package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vitalink/realtime/internal/proto"
)

// pipeSignaler links two endpoints in process: Send stamps From,
// records the payload and delivers it to the other end's subscribers.
type pipeSignaler struct {
	id   string
	peer *pipeSignaler

	mu   sync.Mutex
	subs []chan proto.SignalPayload
	sent []proto.SignalPayload
}

func newSignalPipe(a, b string) (*pipeSignaler, *pipeSignaler) {
	pa := &pipeSignaler{id: a}
	pb := &pipeSignaler{id: b}
	pa.peer, pb.peer = pb, pa
	return pa, pb
}

func (p *pipeSignaler) Send(_ context.Context, sig proto.SignalPayload) error {
	sig.From = p.id
	if sig.TS == 0 {
		sig.TS = proto.NowMillis()
	}
	p.mu.Lock()
	p.sent = append(p.sent, sig)
	p.mu.Unlock()
	p.peer.deliver(sig)
	return nil
}

func (p *pipeSignaler) deliver(sig proto.SignalPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

func (p *pipeSignaler) Subscribe() (chan proto.SignalPayload, func()) {
	ch := make(chan proto.SignalPayload, 64)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch, func() {}
}

func (p *pipeSignaler) sentOf(typ string) []proto.SignalPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []proto.SignalPayload
	for _, s := range p.sent {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

// testMedia is a MediaSource over a static VP8 sample track, counting
// Close calls.
type testMedia struct {
	tracks []webrtc.TrackLocal

	mu     sync.Mutex
	closes int
}

func syntheticMedia() (MediaSource, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "vitalink-test",
	)
	if err != nil {
		return nil, err
	}
	return &testMedia{tracks: []webrtc.TrackLocal{video}}, nil
}

func (m *testMedia) ConfigureEngine(e *webrtc.MediaEngine) error { return e.RegisterDefaultCodecs() }
func (m *testMedia) Tracks() []webrtc.TrackLocal                 { return m.tracks }
func (m *testMedia) Label() string                               { return "synthetic" }

func (m *testMedia) Close() {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
}

func (m *testMedia) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func mustManager(t *testing.T, id string, sig Signaler, media MediaFactory) *Manager {
	t.Helper()
	if media == nil {
		media = syntheticMedia
	}
	m, err := NewManager(Options{LocalUserID: id, Signaler: sig, Media: media})
	if err != nil {
		t.Fatalf("manager %s: %v", id, err)
	}
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitCallState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, "session state "+want.String(), func() bool { return s.State() == want })
}

func TestCallFlow(t *testing.T) {
	sa, sb := newSignalPipe("dr-chen", "pt-jones")
	caller := mustManager(t, "dr-chen", sa, nil)
	callee := mustManager(t, "pt-jones", sb, nil)

	rings := make(chan IncomingCall, 1)
	callee.OnIncoming(func(ic IncomingCall) { rings <- ic })

	events, cancelEv := caller.Subscribe()
	defer cancelEv()

	ctx := context.Background()
	sess, err := caller.Start(ctx, "call-1", "pt-jones")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.State() != StateNew {
		t.Fatalf("outbound session state %v before pickup", sess.State())
	}

	var ic IncomingCall
	select {
	case ic = <-rings:
	case <-time.After(3 * time.Second):
		t.Fatal("callee never rang")
	}
	if ic.CallID != "call-1" || ic.From != "dr-chen" {
		t.Fatalf("ring carries %+v", ic)
	}

	answered, err := ic.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Pickup triggers the caller's setup and offer; the callee answers.
	waitFor(t, "offer", func() bool { return len(sa.sentOf(proto.SignalOffer)) == 1 })
	waitFor(t, "answer", func() bool { return len(sb.sentOf(proto.SignalAnswer)) == 1 })

	offer := sa.sentOf(proto.SignalOffer)[0]
	if offer.SDP == "" || offer.CallID != "call-1" || offer.Target != "pt-jones" {
		t.Fatalf("offer incomplete: %+v", offer)
	}
	if answer := sb.sentOf(proto.SignalAnswer)[0]; answer.SDP == "" || answer.Target != "dr-chen" {
		t.Fatalf("answer incomplete: %+v", answer)
	}
	waitFor(t, "negotiation", func() bool {
		st := sess.State()
		return st == StateConnecting || st == StateConnected
	})

	// The synthetic source has video only.
	if muted, err := answered.ToggleVideo(); err != nil || !muted {
		t.Fatalf("toggle video: muted=%v err=%v", muted, err)
	}
	if muted, err := answered.ToggleVideo(); err != nil || muted {
		t.Fatalf("untoggle video: muted=%v err=%v", muted, err)
	}
	if _, err := answered.ToggleAudio(); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("toggle audio without a track: %v", err)
	}

	caller.Hangup(ctx, "call-1")
	waitCallState(t, sess, StateClosed)
	waitCallState(t, answered, StateClosed)
	waitFor(t, "session removal", func() bool {
		return len(caller.Sessions()) == 0 && len(callee.Sessions()) == 0
	})
	select {
	case <-sess.Done():
	default:
		t.Fatal("done channel still open after hangup")
	}

	sawClosed := false
	timeout := time.After(3 * time.Second)
	for !sawClosed {
		select {
		case ev := <-events:
			if ev.CallID == "call-1" && ev.State == StateClosed {
				sawClosed = true
			}
		case <-timeout:
			t.Fatal("no closed event observed")
		}
	}
}

func TestRejectStopsCaller(t *testing.T) {
	sa, sb := newSignalPipe("dr-chen", "pt-jones")
	caller := mustManager(t, "dr-chen", sa, nil)
	callee := mustManager(t, "pt-jones", sb, nil)

	rings := make(chan IncomingCall, 1)
	callee.OnIncoming(func(ic IncomingCall) { rings <- ic })

	ctx := context.Background()
	sess, err := caller.Start(ctx, "call-2", "pt-jones")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ic := <-rings
	if err := ic.Reject(ctx); err != nil {
		t.Fatalf("reject: %v", err)
	}

	waitCallState(t, sess, StateClosed)
	if got := sess.Snapshot().Reason; got != "declined" {
		t.Fatalf("reason %q", got)
	}
	if len(callee.Sessions()) != 0 {
		t.Fatal("reject left a session on the callee")
	}
	waitFor(t, "caller session removal", func() bool { return len(caller.Sessions()) == 0 })
}

func TestCalleeMediaFailureLeavesNoPeerConnection(t *testing.T) {
	sa, sb := newSignalPipe("dr-chen", "pt-jones")
	caller := mustManager(t, "dr-chen", sa, nil)

	var mu sync.Mutex
	attempts := 0
	broken := func() (MediaSource, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, proto.E(proto.KindMedia, "call.media", "camera unplugged")
	}
	callee := mustManager(t, "pt-jones", sb, broken)

	rings := make(chan IncomingCall, 1)
	callee.OnIncoming(func(ic IncomingCall) { rings <- ic })

	ctx := context.Background()
	sess, err := caller.Start(ctx, "call-3", "pt-jones")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ic := <-rings
	answered, err := ic.Accept(ctx)
	if proto.KindOf(err) != proto.KindMedia {
		t.Fatalf("accept with dead camera: got %v", err)
	}
	if answered != nil {
		t.Fatal("accept returned a session despite media failure")
	}
	mu.Lock()
	if attempts != 1 {
		t.Fatalf("media opened %d times", attempts)
	}
	mu.Unlock()

	// No accept went out, and the decline stopped the caller's ring.
	if got := sb.sentOf(proto.SignalCallAccept); len(got) != 0 {
		t.Fatalf("call-accept sent despite media failure: %+v", got)
	}
	waitCallState(t, sess, StateClosed)
	if len(callee.Sessions()) != 0 {
		t.Fatal("failed pickup left a session behind")
	}
}

func TestCallerMediaFailureHangsUpCallee(t *testing.T) {
	sa, sb := newSignalPipe("dr-chen", "pt-jones")
	broken := func() (MediaSource, error) {
		return nil, proto.E(proto.KindMedia, "call.media", "camera unplugged")
	}
	caller := mustManager(t, "dr-chen", sa, broken)
	callee := mustManager(t, "pt-jones", sb, nil)

	rings := make(chan IncomingCall, 1)
	callee.OnIncoming(func(ic IncomingCall) { rings <- ic })

	ctx := context.Background()
	sess, err := caller.Start(ctx, "call-4", "pt-jones")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ic := <-rings
	answered, err := ic.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// The caller's setup fails at media and hangs the callee up.
	waitCallState(t, sess, StateFailed)
	waitCallState(t, answered, StateClosed)
	waitFor(t, "session removal", func() bool {
		return len(caller.Sessions()) == 0 && len(callee.Sessions()) == 0
	})
}

func TestCleanupRunsOnce(t *testing.T) {
	sa, _ := newSignalPipe("dr-chen", "pt-jones")
	src, err := syntheticMedia()
	if err != nil {
		t.Fatalf("synthetic media: %v", err)
	}
	media := src.(*testMedia)

	sess := newSession(sessionConfig{
		callID: "call-5",
		peerID: "pt-jones",
		sig:    sa,
		ice:    func(context.Context) []webrtc.ICEServer { return nil },
		media:  func() (MediaSource, error) { return media, nil },
	})
	if err := sess.initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Cleanup()
		}()
	}
	wg.Wait()
	sess.Hangup(context.Background())
	sess.Cleanup()

	if got := media.closeCount(); got != 1 {
		t.Fatalf("media closed %d times, want 1", got)
	}
	if sess.State() != StateClosed {
		t.Fatalf("state %v after cleanup", sess.State())
	}
	select {
	case <-sess.Done():
	default:
		t.Fatal("done channel still open")
	}
}

func TestCleanupBeforeInitialize(t *testing.T) {
	sa, _ := newSignalPipe("dr-chen", "pt-jones")
	opened := 0
	sess := newSession(sessionConfig{
		callID: "call-6",
		peerID: "pt-jones",
		sig:    sa,
		ice:    func(context.Context) []webrtc.ICEServer { return nil },
		media: func() (MediaSource, error) {
			opened++
			return nil, proto.E(proto.KindMedia, "call.media", "should not be reached")
		},
	})

	sess.Cleanup()
	sess.Cleanup()

	if err := sess.initialize(context.Background()); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("initialize after cleanup: got %v", err)
	}
	if opened != 0 {
		t.Fatal("media opened after cleanup")
	}
	if sess.State() != StateClosed {
		t.Fatalf("state %v", sess.State())
	}
}

func remoteOffer(t *testing.T) string {
	t.Helper()
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("codecs: %v", err)
	}
	pc, err := webrtc.NewAPI(webrtc.WithMediaEngine(me)).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("peer connection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, init); err != nil {
		t.Fatalf("video transceiver: %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, init); err != nil {
		t.Fatalf("audio transceiver: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	return offer.SDP
}

func TestEarlyCandidatesBuffered(t *testing.T) {
	sa, _ := newSignalPipe("pt-jones", "dr-chen")
	sess := newSession(sessionConfig{
		callID: "call-7",
		peerID: "dr-chen",
		sig:    sa,
		ice:    func(context.Context) []webrtc.ICEServer { return nil },
		media:  syntheticMedia,
	})
	if err := sess.initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(sess.Cleanup)

	ctx := context.Background()
	cand := "candidate:2130706431 1 udp 2130706431 127.0.0.1 54321 typ host"
	for i := 0; i < 2; i++ {
		sess.handleSignal(ctx, proto.SignalPayload{
			Type:      proto.SignalICECandidate,
			CallID:    "call-7",
			From:      "dr-chen",
			Candidate: &proto.ICECandidate{Candidate: cand},
		})
	}
	if got := sess.Snapshot().PendingICE; got != 2 {
		t.Fatalf("%d candidates buffered, want 2", got)
	}

	// The remote description releases the buffer and produces an answer.
	sess.handleSignal(ctx, proto.SignalPayload{
		Type: proto.SignalOffer, CallID: "call-7", From: "dr-chen", SDP: remoteOffer(t),
	})
	if got := sess.Snapshot().PendingICE; got != 0 {
		t.Fatalf("%d candidates still buffered", got)
	}
	if sess.State() == StateFailed {
		t.Fatalf("offer handling failed: %+v", sess.Snapshot())
	}
	if got := sa.sentOf(proto.SignalAnswer); len(got) != 1 || got[0].SDP == "" {
		t.Fatalf("answer not sent: %+v", got)
	}
}

func TestStartValidation(t *testing.T) {
	sa, _ := newSignalPipe("dr-chen", "pt-jones")
	caller := mustManager(t, "dr-chen", sa, nil)

	ctx := context.Background()
	if _, err := caller.Start(ctx, "dup", "pt-jones"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := caller.Start(ctx, "dup", "pt-jones"); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("duplicate call id: got %v", err)
	}
	if _, err := caller.Start(ctx, "", ""); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("missing target: got %v", err)
	}
	if _, err := caller.Start(ctx, "", "dr-chen"); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("self call: got %v", err)
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateNew:        "new",
		StateConnecting: "connecting",
		StateConnected:  "connected",
		StateClosed:     "closed",
		StateFailed:     "failed",
		State(99):       "unknown",
	}
	for st, s := range want {
		if st.String() != s {
			t.Errorf("%d: got %q, want %q", int(st), st.String(), s)
		}
	}
}
