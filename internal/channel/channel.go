// Package channel speaks the room-channel wire protocol: joining topics,
// broadcasting events, tracking presence. Two transports exist — a
// websocket client for a hosted realtime service and an in-process broker
// for single-host setups and tests. Everything above this package is
// transport-agnostic.
package channel

import (
	"context"
	"encoding/json"

	"github.com/vitalink/realtime/internal/proto"
)

// EventKind discriminates the events a transport surfaces.
type EventKind int

const (
	// KindBroadcast is an application event published by another client.
	KindBroadcast EventKind = iota
	// KindPresenceState is the full presence snapshot, sent after join.
	KindPresenceState
	// KindPresenceDiff carries incremental presence joins and leaves.
	KindPresenceDiff
	// KindClosed is the final event before the stream ends. Err holds the
	// cause; nil means a clean local close.
	KindClosed
)

// Event is one server-to-client notification.
type Event struct {
	Kind    EventKind
	Event   string          // broadcast event name (message, signal)
	Payload json.RawMessage // broadcast payload, validated downstream

	// Presence bodies, keyed by user ID. A key maps to the states tracked
	// under it (normally one entry per user).
	States map[string][]proto.PresencePayload // KindPresenceState, KindPresenceDiff joins
	Leaves map[string][]proto.PresencePayload // KindPresenceDiff only

	Err error
}

// Transport is one live subscription to a topic. A Transport is single
// use: after the event stream ends it cannot be reopened — build a fresh
// one through the Factory.
type Transport interface {
	// Open connects and joins the topic, blocking until the join is
	// acknowledged or ctx is done.
	Open(ctx context.Context) error

	// Publish broadcasts an application event to the other clients on the
	// topic and waits for the server acknowledgement.
	Publish(ctx context.Context, event string, payload any) error

	// Track replaces this client's presence state on the topic.
	Track(ctx context.Context, state proto.PresencePayload) error

	// Ping round-trips a heartbeat. An error means the link is dead.
	Ping(ctx context.Context) error

	// Events delivers server frames in arrival order. The channel closes
	// after a KindClosed event.
	Events() <-chan Event

	// Close tears down the subscription. Safe to call more than once.
	Close() error
}

// Factory builds a fresh Transport for a topic. Reconnect logic redials
// by calling the factory again.
type Factory func(topic string) Transport

func marshalRaw(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
