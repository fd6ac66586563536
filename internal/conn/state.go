package conn

import "time"

// Status is one of the five connection lifecycle states.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// State is a point-in-time snapshot of the connection.
type State struct {
	Status Status

	// Online mirrors Status == StatusConnected for consumers that only
	// care about up or down.
	Online bool

	// Consecutive failed attempts in the current outage cycle and the
	// budget they count against.
	Attempts    int
	MaxAttempts int

	// Seconds until the next scheduled attempt. Ticks down once per
	// second while a retry is pending; 0 when none is.
	RetryIn int

	// Zero until the link first comes up or goes down.
	LastConnected    time.Time
	LastDisconnected time.Time

	// Last failure, empty while healthy.
	Err string
}

// StatusText is the snapshot in wire form, status spelled out.
type StatusText struct {
	Status           string    `json:"status"`
	Online           bool      `json:"isOnline"`
	Attempts         int       `json:"reconnectAttempts"`
	MaxAttempts      int       `json:"maxReconnectAttempts"`
	RetryIn          int       `json:"nextReconnectIn"`
	LastConnected    time.Time `json:"lastConnected"`
	LastDisconnected time.Time `json:"lastDisconnected"`
	Err              string    `json:"error,omitempty"`
}

// Text converts the snapshot for JSON consumers.
func (s State) Text() StatusText {
	return StatusText{
		Status:           s.Status.String(),
		Online:           s.Online,
		Attempts:         s.Attempts,
		MaxAttempts:      s.MaxAttempts,
		RetryIn:          s.RetryIn,
		LastConnected:    s.LastConnected,
		LastDisconnected: s.LastDisconnected,
		Err:              s.Err,
	}
}
