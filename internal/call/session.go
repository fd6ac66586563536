package call

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/vitalink/realtime/internal/proto"
	"github.com/vitalink/realtime/internal/util"
)

// ICE timeouts. The stock 5s disconnected timeout is too twitchy for
// relayed paths that blip during failover; 30s lets ICE recover before
// the call is declared dead.
const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepAliveInterval   = 2 * time.Second
)

// keyframeInterval paces RTCP PLI requests on remote video so decoding
// recovers quickly after loss.
const keyframeInterval = 3 * time.Second

// setupTimeout bounds call pickup: media capture, the ICE config fetch
// and the first signal exchange.
const setupTimeout = 10 * time.Second

type sessionConfig struct {
	callID    string
	peerID    string
	initiator bool
	sig       Signaler
	ice       func(ctx context.Context) []webrtc.ICEServer
	media     MediaFactory
	recordTo  string // webm path, empty disables recording
	onState   func(s *Session, st State, reason string)
}

// Session is one peer connection to one remote user. Sessions are
// single use: once closed or failed they stay that way.
type Session struct {
	cfg sessionConfig

	mu         sync.Mutex
	state      State
	reason     string
	pc         *webrtc.PeerConnection
	media      MediaSource
	rec        *Recorder
	senders    map[webrtc.RTPCodecType]*senderSlot
	pendingICE []webrtc.ICECandidateInit
	remoteSet  bool
	destroyed  bool
	startedAt  time.Time

	done chan struct{}
}

type senderSlot struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
	muted  bool
}

func newSession(cfg sessionConfig) *Session {
	return &Session{
		cfg:     cfg,
		state:   StateNew,
		senders: make(map[webrtc.RTPCodecType]*senderSlot),
		done:    make(chan struct{}),
	}
}

// initialize acquires media and builds the peer connection. Media comes
// first: when neither camera nor microphone can be opened the attempt
// is over, the session fails and no peer connection ever exists.
func (s *Session) initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed || s.state != StateNew {
		s.mu.Unlock()
		return proto.E(proto.KindValidation, "call", "session is not new")
	}
	s.startedAt = time.Now()
	s.mu.Unlock()

	media, err := s.cfg.media()
	if err != nil {
		s.terminate(StateFailed, "media: "+err.Error())
		return err
	}

	pc, err := s.buildPeerConnection(ctx, media)
	if err != nil {
		media.Close()
		s.terminate(StateFailed, err.Error())
		return err
	}

	var rec *Recorder
	if s.cfg.recordTo != "" {
		// A broken recording must not break the call.
		if rec, err = NewRecorder(s.cfg.recordTo); err != nil {
			log.Warnf("call %s: recording disabled: %v", s.cfg.callID, err)
			rec = nil
		}
	}

	s.mu.Lock()
	if s.destroyed {
		// Hangup raced setup; release what was just built.
		s.mu.Unlock()
		media.Close()
		pc.Close()
		if rec != nil {
			rec.Close()
		}
		return proto.E(proto.KindTransport, "call", "session closed during setup")
	}
	s.media = media
	s.pc = pc
	s.rec = rec
	s.state = StateConnecting
	s.mu.Unlock()

	s.notify(StateConnecting, "")
	log.Infof("call %s: session up with %s, media %s", s.cfg.callID, s.cfg.peerID, media.Label())
	return nil
}

func (s *Session) buildPeerConnection(ctx context.Context, media MediaSource) (*webrtc.PeerConnection, error) {
	engine := &webrtc.MediaEngine{}
	if err := media.ConfigureEngine(engine); err != nil {
		return nil, proto.Wrap(proto.KindMedia, "call", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, proto.Wrap(proto.KindTransport, "call", err)
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.ice(ctx)})
	if err != nil {
		return nil, proto.Wrap(proto.KindTransport, "call", err)
	}

	haveVideo, haveAudio := false, false
	for _, track := range media.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, proto.Wrap(proto.KindTransport, "call", err)
		}
		slot := &senderSlot{sender: sender, track: track}
		s.mu.Lock()
		s.senders[track.Kind()] = slot
		s.mu.Unlock()
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			haveVideo = true
		case webrtc.RTPCodecTypeAudio:
			haveAudio = true
		}
	}
	if err := fillRecvOnly(pc, haveVideo, haveAudio); err != nil {
		pc.Close()
		return nil, proto.Wrap(proto.KindTransport, "call", err)
	}

	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go s.consumeRemote(pc, track)
	})
	pc.OnConnectionStateChange(s.onPCState)
	return pc, nil
}

func (s *Session) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	err := s.sendSignal(ctx, proto.SignalPayload{
		Type: proto.SignalICECandidate,
		Candidate: &proto.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		},
	})
	if err != nil {
		log.Debugf("call %s: candidate send: %v", s.cfg.callID, err)
	}
}

func (s *Session) onPCState(st webrtc.PeerConnectionState) {
	log.Debugf("call %s: peer connection %s", s.cfg.callID, st)
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.destroyed || s.state == StateConnected {
			s.mu.Unlock()
			return
		}
		s.state = StateConnected
		s.mu.Unlock()
		s.notify(StateConnected, "")
	case webrtc.PeerConnectionStateFailed:
		// Close waits on the ops queue; never call it from its own callback.
		go s.terminate(StateFailed, "peer connection failed")
	case webrtc.PeerConnectionStateClosed:
		go s.terminate(StateClosed, "")
	}
}

// consumeRemote drains RTP from one remote track until the session
// ends. Video tracks also get periodic PLI so the sender refreshes
// keyframes after loss.
func (s *Session) consumeRemote(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	log.Infof("call %s: remote %s track (%s)", s.cfg.callID, track.Kind(), track.Codec().MimeType)
	video := track.Kind() == webrtc.RTPCodecTypeVideo
	if video {
		go s.keyframeLoop(pc, uint32(track.SSRC()))
	}

	rec := s.recorder()
	if rec != nil && !video {
		rec.EnableAudio()
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("call %s: remote %s read: %v", s.cfg.callID, track.Kind(), err)
			}
			return
		}
		if rec == nil {
			continue
		}
		if video {
			rec.PushVideo(pkt)
		} else {
			rec.PushAudio(pkt)
		}
	}
}

func (s *Session) keyframeLoop(pc *webrtc.PeerConnection, ssrc uint32) {
	t := time.NewTicker(keyframeInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			if err != nil {
				return
			}
		}
	}
}

// offer starts negotiation from the initiating side.
func (s *Session) offer(ctx context.Context) error {
	pc := s.livePC()
	if pc == nil {
		return proto.E(proto.KindTransport, "call", "no peer connection")
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return proto.Wrap(proto.KindTransport, "call", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return proto.Wrap(proto.KindTransport, "call", err)
	}
	return s.sendSignal(ctx, proto.SignalPayload{Type: proto.SignalOffer, SDP: offer.SDP})
}

// handleSignal feeds one remote signal into the negotiation state
// machine.
func (s *Session) handleSignal(ctx context.Context, sig proto.SignalPayload) {
	switch sig.Type {
	case proto.SignalOffer:
		if err := s.acceptOffer(ctx, sig.SDP); err != nil {
			log.Warnf("call %s: offer: %v", s.cfg.callID, err)
			s.terminate(StateFailed, "offer: "+err.Error())
		}
	case proto.SignalAnswer:
		if err := s.acceptAnswer(sig.SDP); err != nil {
			log.Warnf("call %s: answer: %v", s.cfg.callID, err)
			s.terminate(StateFailed, "answer: "+err.Error())
		}
	case proto.SignalICECandidate:
		if err := s.addCandidate(sig.Candidate); err != nil {
			log.Debugf("call %s: candidate: %v", s.cfg.callID, err)
		}
	case proto.SignalHangup:
		log.Infof("call %s: %s hung up", s.cfg.callID, s.cfg.peerID)
		s.terminate(StateClosed, "peer hung up")
	}
}

func (s *Session) acceptOffer(ctx context.Context, sdp string) error {
	pc := s.livePC()
	if pc == nil {
		return errors.New("no peer connection")
	}
	err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		return err
	}
	s.flushCandidates(pc)
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return s.sendSignal(ctx, proto.SignalPayload{Type: proto.SignalAnswer, SDP: answer.SDP})
}

func (s *Session) acceptAnswer(sdp string) error {
	pc := s.livePC()
	if pc == nil {
		return errors.New("no peer connection")
	}
	err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		return err
	}
	s.flushCandidates(pc)
	return nil
}

// flushCandidates marks the remote description as set and applies every
// candidate that arrived before it.
func (s *Session) flushCandidates(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Debugf("call %s: buffered candidate: %v", s.cfg.callID, err)
		}
	}
}

func (s *Session) addCandidate(c *proto.ICECandidate) error {
	if c == nil {
		return errors.New("empty candidate")
	}
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New("session is over")
	}
	if !s.remoteSet {
		// Candidates can outrun the offer or answer; hold them until
		// the remote description lands.
		s.pendingICE = append(s.pendingICE, init)
		s.mu.Unlock()
		return nil
	}
	pc := s.pc
	s.mu.Unlock()
	return pc.AddICECandidate(init)
}

// ToggleAudio mutes or unmutes the outgoing microphone track and
// reports the new muted state.
func (s *Session) ToggleAudio() (bool, error) { return s.toggle(webrtc.RTPCodecTypeAudio) }

// ToggleVideo does the same for the camera track.
func (s *Session) ToggleVideo() (bool, error) { return s.toggle(webrtc.RTPCodecTypeVideo) }

func (s *Session) toggle(kind webrtc.RTPCodecType) (bool, error) {
	s.mu.Lock()
	slot, ok := s.senders[kind]
	if !ok || s.destroyed {
		s.mu.Unlock()
		return false, proto.E(proto.KindValidation, "call", "no local "+kind.String()+" track")
	}
	slot.muted = !slot.muted
	muted := slot.muted
	s.mu.Unlock()

	var err error
	if muted {
		err = slot.sender.ReplaceTrack(nil)
	} else {
		err = slot.sender.ReplaceTrack(slot.track)
	}
	if err != nil {
		return muted, proto.Wrap(proto.KindTransport, "call", err)
	}
	log.Debugf("call %s: %s muted=%v", s.cfg.callID, kind, muted)
	return muted, nil
}

// Hangup ends the call locally and tells the peer. Safe at any point in
// the lifecycle, including before initialize and repeatedly.
func (s *Session) Hangup(ctx context.Context) {
	s.mu.Lock()
	already := s.destroyed
	s.mu.Unlock()
	if !already {
		if err := s.sendSignal(ctx, proto.SignalPayload{Type: proto.SignalHangup}); err != nil {
			log.Debugf("call %s: hangup send: %v", s.cfg.callID, err)
		}
	}
	s.terminate(StateClosed, "hangup")
}

// Cleanup releases everything the session holds without notifying the
// peer. It runs exactly once no matter how often or when it is called.
func (s *Session) Cleanup() { s.terminate(StateClosed, "") }

// terminate moves the session to a terminal state and tears down
// whatever exists. Exactly one caller wins; the rest are no-ops.
func (s *Session) terminate(st State, reason string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.state = st
	s.reason = reason
	media, pc, rec := s.media, s.pc, s.rec
	s.media, s.pc, s.rec = nil, nil, nil
	s.pendingICE = nil
	s.mu.Unlock()

	if media != nil {
		media.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debugf("call %s: closing peer connection: %v", s.cfg.callID, err)
		}
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			log.Debugf("call %s: closing recording: %v", s.cfg.callID, err)
		}
	}
	if d, ok := s.cfg.sig.(interface{ DiscardCall(string) }); ok {
		d.DiscardCall(s.cfg.callID)
	}
	close(s.done)
	s.notify(st, reason)
}

func (s *Session) sendSignal(ctx context.Context, sig proto.SignalPayload) error {
	sig.CallID = s.cfg.callID
	sig.Target = s.cfg.peerID
	return s.cfg.sig.Send(ctx, sig)
}

func (s *Session) notify(st State, reason string) {
	if s.cfg.onState != nil {
		s.cfg.onState(s, st, reason)
	}
}

func (s *Session) livePC() *webrtc.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	return s.pc
}

func (s *Session) recorder() *Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func (s *Session) CallID() string { return s.cfg.callID }
func (s *Session) PeerID() string { return s.cfg.peerID }

// Done closes when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CallID:     s.cfg.callID,
		PeerID:     s.cfg.peerID,
		State:      s.state.String(),
		Reason:     s.reason,
		Initiator:  s.cfg.initiator,
		StartedAt:  s.startedAt,
		PendingICE: len(s.pendingICE),
		Recording:  s.rec != nil,
	}
}
