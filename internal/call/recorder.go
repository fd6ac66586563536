package call

import (
	"fmt"
	"os"
	"path/filepath"

	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/vitalink/realtime/internal/proto"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000

	// sampleLateness is the reorder window, in packets, before a
	// partial sample is given up on.
	sampleLateness = 64
)

// Recorder writes the remote side of a call to a WebM file: VP8 video
// and Opus audio depacketized with samplebuilder and muxed cluster by
// cluster. EnableAudio must happen before the first video keyframe
// lands or audio is left out of the file.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	mux    *webmMuxer
	vb     *samplebuilder.SampleBuilder
	ab     *samplebuilder.SampleBuilder
	closed bool
}

func NewRecorder(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, proto.Wrap(proto.KindConfig, "call.record", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, proto.Wrap(proto.KindConfig, "call.record", err)
	}
	log.Infof("recording to %s", path)
	return &Recorder{
		f:   f,
		mux: newWebmMuxer(f),
		vb:  samplebuilder.New(sampleLateness, &codecs.VP8Packet{}, videoClockRate),
		ab:  samplebuilder.New(sampleLateness, &codecs.OpusPacket{}, audioClockRate),
	}, nil
}

// EnableAudio announces that Opus packets will follow.
func (r *Recorder) EnableAudio() {
	r.mu.Lock()
	if !r.closed {
		r.mux.enableAudio()
	}
	r.mu.Unlock()
}

// PushVideo feeds one remote VP8 RTP packet.
func (r *Recorder) PushVideo(pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.vb.Push(pkt)
	for {
		sample := r.vb.Pop()
		if sample == nil {
			return
		}
		tsMs := int64(sample.PacketTimestamp) * 1000 / videoClockRate
		// The low bit of the first frame byte is zero on VP8 keyframes.
		keyframe := len(sample.Data) > 0 && sample.Data[0]&0x01 == 0
		if err := r.mux.writeVideo(tsMs, keyframe, sample.Data); err != nil {
			r.failLocked(err)
			return
		}
	}
}

// PushAudio feeds one remote Opus RTP packet.
func (r *Recorder) PushAudio(pkt *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.ab.Push(pkt)
	for {
		sample := r.ab.Pop()
		if sample == nil {
			return
		}
		tsMs := int64(sample.PacketTimestamp) * 1000 / audioClockRate
		r.mux.writeAudio(tsMs, sample.Data)
	}
}

func (r *Recorder) failLocked(err error) {
	log.Warnf("recording stopped: %v", err)
	r.closed = true
	r.f.Close()
}

// Close flushes the open cluster and finalizes the file. Idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.mux.flush(); err != nil {
		r.f.Close()
		return fmt.Errorf("finalize recording: %w", err)
	}
	return r.f.Close()
}
