package call

import (
	"context"
	"time"

	"github.com/vitalink/realtime/internal/proto"
)

// Signaler carries call signals to and from remote peers. The signaling
// relay satisfies it; tests plug in an in-process pipe. Nothing else of
// the daemon is visible from this package.
type Signaler interface {
	Send(ctx context.Context, sig proto.SignalPayload) error
	Subscribe() (chan proto.SignalPayload, func())
}

// Event reports a session state change.
type Event struct {
	CallID string `json:"callId"`
	PeerID string `json:"peerId"`
	State  State  `json:"-"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// IncomingCall is a ringing call-request. Call exactly one of Accept or
// Reject.
type IncomingCall struct {
	CallID string
	From   string

	Accept func(ctx context.Context) (*Session, error)
	Reject func(ctx context.Context) error
}

// Snapshot is a point-in-time view of one session for status endpoints.
type Snapshot struct {
	CallID     string    `json:"callId"`
	PeerID     string    `json:"peerId"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Initiator  bool      `json:"initiator"`
	StartedAt  time.Time `json:"startedAt"`
	PendingICE int       `json:"pendingIce"`
	Recording  bool      `json:"recording"`
}
