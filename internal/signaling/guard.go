package signaling

import (
	"net"
	"net/url"
	"strings"

	"github.com/vitalink/realtime/internal/proto"
)

// Guard vets a signal before it is dispatched or delivered. A non-nil
// error is a hard reject: the signal is dropped, never queued and never
// retried.
type Guard interface {
	Check(sig proto.SignalPayload) error
}

// GuardFunc adapts a plain function to the Guard interface.
type GuardFunc func(proto.SignalPayload) error

func (f GuardFunc) Check(sig proto.SignalPayload) error { return f(sig) }

// SessionGuard requires a signal to be scoped to a call and a target.
func SessionGuard() Guard {
	return GuardFunc(func(sig proto.SignalPayload) error {
		if sig.CallID == "" {
			return proto.E(proto.KindValidation, "signal.guard", "signal has no call id")
		}
		if sig.Target == "" {
			return proto.E(proto.KindValidation, "signal.guard", "signal has no target")
		}
		return nil
	})
}

// RateGuard rejects signals once the sliding window limits are spent.
func RateGuard(perTargetPerMin, globalPerMin int) Guard {
	limiter := newSlidingLimiter(perTargetPerMin, globalPerMin)
	return GuardFunc(func(sig proto.SignalPayload) error {
		if !limiter.Allow(sig.Target) {
			return proto.E(proto.KindValidation, "signal.guard", "signal rate limit exceeded for "+sig.Target)
		}
		return nil
	})
}

// SecureTransportGuard refuses to carry call signals over a relay that
// is neither TLS nor local. The verdict is fixed at construction; the
// guard just replays it.
func SecureTransportGuard(rawURL string) Guard {
	err := checkSecureURL(rawURL)
	return GuardFunc(func(proto.SignalPayload) error { return err })
}

func checkSecureURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return proto.Wrap(proto.KindValidation, "signal.guard", err)
	}
	switch u.Scheme {
	case "wss", "https", "memory":
		return nil
	case "ws", "http":
		if isLoopbackHost(u.Hostname()) {
			return nil
		}
		return proto.E(proto.KindValidation, "signal.guard", "relay "+rawURL+" is neither TLS nor loopback")
	default:
		return proto.E(proto.KindValidation, "signal.guard", "unsupported relay scheme "+u.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
