package signaling

import (
	"testing"

	"github.com/vitalink/realtime/internal/proto"
)

func offerTo(target string) proto.SignalPayload {
	return proto.SignalPayload{
		Type:   proto.SignalOffer,
		CallID: "call-1",
		From:   "dr-chen",
		Target: target,
		SDP:    "v=0",
		TS:     proto.NowMillis(),
	}
}

func TestSessionGuard(t *testing.T) {
	g := SessionGuard()

	if err := g.Check(offerTo("pt-jones")); err != nil {
		t.Fatalf("scoped signal rejected: %v", err)
	}

	noCall := offerTo("pt-jones")
	noCall.CallID = ""
	if err := g.Check(noCall); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("missing call id: got %v", err)
	}

	if err := g.Check(offerTo("")); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("missing target: got %v", err)
	}
}

func TestRateGuardPerTarget(t *testing.T) {
	g := RateGuard(2, 0)

	for i := 0; i < 2; i++ {
		if err := g.Check(offerTo("pt-jones")); err != nil {
			t.Fatalf("signal %d rejected inside the limit: %v", i, err)
		}
	}
	if err := g.Check(offerTo("pt-jones")); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("third signal to same target: got %v", err)
	}

	// The window is per target; another peer has its own budget.
	if err := g.Check(offerTo("pt-smith")); err != nil {
		t.Fatalf("fresh target rejected: %v", err)
	}
}

func TestRateGuardGlobal(t *testing.T) {
	g := RateGuard(0, 3)

	targets := []string{"a", "b", "c"}
	for _, tgt := range targets {
		if err := g.Check(offerTo(tgt)); err != nil {
			t.Fatalf("signal to %s rejected inside the limit: %v", tgt, err)
		}
	}
	if err := g.Check(offerTo("d")); proto.KindOf(err) != proto.KindValidation {
		t.Fatalf("fourth signal overall: got %v", err)
	}
}

func TestSecureTransportGuard(t *testing.T) {
	cases := []struct {
		url string
		ok  bool
	}{
		{"", true},
		{"wss://realtime.vitalink.example/socket", true},
		{"https://relay.vitalink.example/signal", true},
		{"memory://local", true},
		{"ws://localhost:4000/socket", true},
		{"ws://127.0.0.1:4000/socket", true},
		{"http://[::1]:9000/signal", true},
		{"ws://realtime.vitalink.example/socket", false},
		{"http://relay.vitalink.example/signal", false},
		{"ftp://relay.vitalink.example", false},
	}
	for _, c := range cases {
		err := SecureTransportGuard(c.url).Check(offerTo("pt-jones"))
		if c.ok && err != nil {
			t.Errorf("%q rejected: %v", c.url, err)
		}
		if !c.ok && proto.KindOf(err) != proto.KindValidation {
			t.Errorf("%q allowed, want validation error (got %v)", c.url, err)
		}
	}
}
