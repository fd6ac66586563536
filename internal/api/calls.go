package api

import (
	"net/http"
	"time"

	"github.com/vitalink/realtime/internal/call"
)

// ringTTL is how long an unanswered incoming call stays claimable.
const ringTTL = 60 * time.Second

type ringEntry struct {
	ic    call.IncomingCall
	since time.Time
}

// ringed parks an incoming call until a client accepts or rejects it
// over the API.
func (s *Server) ringed(ic call.IncomingCall) {
	s.ringMu.Lock()
	s.ringing[ic.CallID] = ringEntry{ic: ic, since: time.Now()}
	s.ringMu.Unlock()
	log.Infof("incoming call %s from %s", ic.CallID, ic.From)
}

// takeRing claims a pending incoming call, expiring stale ones on the
// way.
func (s *Server) takeRing(callID string) (call.IncomingCall, bool) {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	for id, e := range s.ringing {
		if time.Since(e.since) > ringTTL {
			delete(s.ringing, id)
		}
	}
	e, ok := s.ringing[callID]
	if ok {
		delete(s.ringing, callID)
	}
	return e.ic, ok
}

func (s *Server) registerCalls() {
	mux := s.mux

	// GET /api/call/ringing — unanswered incoming calls.
	handleGet(mux, "/api/call/ringing", func(w http.ResponseWriter, r *http.Request) {
		type ring struct {
			CallID string `json:"callId"`
			From   string `json:"from"`
			AgeMs  int64  `json:"ageMs"`
		}
		s.ringMu.Lock()
		rings := make([]ring, 0, len(s.ringing))
		for id, e := range s.ringing {
			if time.Since(e.since) > ringTTL {
				delete(s.ringing, id)
				continue
			}
			rings = append(rings, ring{CallID: id, From: e.ic.From, AgeMs: time.Since(e.since).Milliseconds()})
		}
		s.ringMu.Unlock()
		writeJSON(w, rings)
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
		Target string `json:"target_user_id"`
	}) {
		if req.Target == "" {
			http.Error(w, "missing target_user_id", http.StatusBadRequest)
			return
		}
		sess, err := s.opts.Calls.Start(r.Context(), req.CallID, req.Target)
		if err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		writeJSON(w, sess.Snapshot())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		ic, ok := s.takeRing(req.CallID)
		if !ok {
			http.Error(w, "no such ringing call", http.StatusNotFound)
			return
		}
		sess, err := ic.Accept(r.Context())
		if err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		writeJSON(w, sess.Snapshot())
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		ic, ok := s.takeRing(req.CallID)
		if !ok {
			http.Error(w, "no such ringing call", http.StatusNotFound)
			return
		}
		if err := ic.Reject(r.Context()); err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/hangup — unknown ids are fine, hanging up twice
	// must never error.
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		s.opts.Calls.Hangup(r.Context(), req.CallID)
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		sess, ok := s.opts.Calls.Session(req.CallID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		muted, err := sess.ToggleAudio()
		if err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		sess, ok := s.opts.Calls.Session(req.CallID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		muted, err := sess.ToggleVideo()
		if err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// GET /api/call/debug — live session status for testing without a UI.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		sessions := s.opts.Calls.Sessions()
		writeJSON(w, map[string]any{
			"session_count": len(sessions),
			"sessions":      sessions,
		})
	})
}
