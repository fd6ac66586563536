package call

import (
	"github.com/pion/webrtc/v4"
)

// MediaSource is the local media for one call attempt: the tracks to
// publish plus the codecs they encode with. A source is single use.
type MediaSource interface {
	// ConfigureEngine registers the source's codecs on the engine the
	// peer connection will be built with.
	ConfigureEngine(*webrtc.MediaEngine) error

	// Tracks returns the local tracks to publish.
	Tracks() []webrtc.TrackLocal

	// Label names what was captured, for logs.
	Label() string

	// Close stops capture. Idempotent.
	Close()
}

// MediaFactory opens a fresh source for one call attempt. A factory
// error is fatal for the attempt: the session fails with a media error
// and no peer connection is ever built.
type MediaFactory func() (MediaSource, error)

// MediaOptions bound what capture asks of the hardware.
type MediaOptions struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

func (o MediaOptions) withDefaults() MediaOptions {
	if o.MaxWidth <= 0 {
		o.MaxWidth = 640
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = 480
	}
	if o.VideoBitRate <= 0 {
		o.VideoBitRate = 1_500_000
	}
	return o
}

// fillRecvOnly adds recvonly transceivers for the kinds the local side
// does not send, so the SDP always carries both m-lines.
func fillRecvOnly(pc *webrtc.PeerConnection, haveVideo, haveAudio bool) error {
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if !haveVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, init); err != nil {
			return err
		}
	}
	if !haveAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, init); err != nil {
			return err
		}
	}
	return nil
}
