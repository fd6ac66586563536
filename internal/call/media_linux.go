//go:build linux

package call

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/vitalink/realtime/internal/proto"
)

// CaptureMedia opens the local camera and microphone through V4L2 and
// malgo, encoding VP8 and Opus. GetUserMedia fails as a unit when any
// requested track cannot open, so constraints run down a ladder: both,
// video only, audio only. Only when every rung fails is the attempt
// dead.
func CaptureMedia(opts MediaOptions) (MediaSource, error) {
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, proto.Wrap(proto.KindMedia, "call.media", err)
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, proto.Wrap(proto.KindMedia, "call.media", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		log.Warnf("no media devices visible")
	} else {
		for _, d := range devices {
			log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
		}
	}

	rungs := []struct {
		video, audio bool
		label        string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	var lastErr error
	for _, r := range rungs {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if r.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Some cameras expose an MJPEG node that emits malformed
				// JPEG frames and poisons the VP8 encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: opts.MaxWidth}
				c.Height = prop.IntRanged{Max: opts.MaxHeight}
			}
		}
		if r.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Debugf("GetUserMedia (%s): %v", r.label, err)
			lastErr = err
			continue
		}
		tracks := stream.GetTracks()
		if len(tracks) == 0 {
			continue
		}
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Debugf("local track ended: %v", err)
				}
			})
		}
		log.Infof("captured local media (%s), %d tracks", r.label, len(tracks))
		return &deviceSource{selector: selector, tracks: tracks, label: r.label}, nil
	}
	if lastErr != nil {
		return nil, proto.Wrap(proto.KindMedia, "call.media", lastErr)
	}
	return nil, proto.E(proto.KindMedia, "call.media", "no usable camera or microphone")
}

type deviceSource struct {
	selector *mediadevices.CodecSelector
	tracks   []mediadevices.Track
	label    string

	closeOnce sync.Once
}

func (s *deviceSource) ConfigureEngine(e *webrtc.MediaEngine) error {
	s.selector.Populate(e)
	return nil
}

func (s *deviceSource) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceSource) Label() string { return s.label }

func (s *deviceSource) Close() {
	s.closeOnce.Do(func() {
		for _, t := range s.tracks {
			if err := t.Close(); err != nil {
				log.Debugf("closing %s track: %v", t.Kind(), err)
			}
		}
	})
}
