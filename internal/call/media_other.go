//go:build !linux

package call

import "github.com/vitalink/realtime/internal/proto"

// CaptureMedia reports capture as unavailable. Camera and microphone
// drivers are wired for linux only (V4L2, malgo); other platforms need
// a MediaSource of their own.
func CaptureMedia(MediaOptions) (MediaSource, error) {
	return nil, proto.E(proto.KindMedia, "call.media", "local media capture is not available on this platform")
}
