package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// registerEvents wires GET /api/events, an SSE stream merging
// connection state, presence, messages, outbox activity and call
// events into one feed.
func (s *Server) registerEvents() {
	handleGet(s.mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		states, cancelStates := s.opts.Conn.Subscribe()
		defer cancelStates()
		presenceCh := s.opts.Presence.Subscribe()
		defer s.opts.Presence.Unsubscribe(presenceCh)
		messages, cancelMessages := s.opts.Messenger.Subscribe()
		defer cancelMessages()
		outbox, cancelOutbox := s.opts.Queue.Subscribe()
		defer cancelOutbox()
		calls, cancelCalls := s.opts.Calls.Subscribe()
		defer cancelCalls()

		emit := func(event string, v any) bool {
			data, err := json.Marshal(v)
			if err != nil {
				log.Debugf("events: marshal %s: %v", event, err)
				return true
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-states:
				if !ok || !emit("state", st.Text()) {
					return
				}
			case ev, ok := <-presenceCh:
				if !ok || !emit("presence", ev) {
					return
				}
			case msg, ok := <-messages:
				if !ok || !emit("message", msg) {
					return
				}
			case ev, ok := <-outbox:
				if !ok || !emit("queue", ev) {
					return
				}
			case ev, ok := <-calls:
				if !ok || !emit("call", ev) {
					return
				}
			}
		}
	})
}
