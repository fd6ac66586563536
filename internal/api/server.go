// Package api is the daemon's localhost HTTP surface: status and
// lifecycle verbs for the room connection, messages and the outbox,
// presence, calls, and an SSE firehose of everything that happens.
package api

import (
	"net/http"
	"strconv"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vitalink/realtime/internal/call"
	"github.com/vitalink/realtime/internal/chat"
	"github.com/vitalink/realtime/internal/conn"
	"github.com/vitalink/realtime/internal/presence"
	"github.com/vitalink/realtime/internal/proto"
	"github.com/vitalink/realtime/internal/queue"
	"github.com/vitalink/realtime/internal/signaling"
)

var log = logging.Logger("api")

type Options struct {
	LocalUserID string
	Conn        *conn.Manager
	Presence    *presence.Coordinator
	Messenger   *chat.Messenger
	Queue       *queue.Queue
	Calls       *call.Manager

	// Relay is optional; when present its deferred-signal count shows
	// up in the status payload.
	Relay *signaling.Relay
}

type Server struct {
	opts Options
	mux  *http.ServeMux

	ringMu  sync.Mutex
	ringing map[string]ringEntry
}

func NewServer(opts Options) (*Server, error) {
	if opts.Conn == nil || opts.Presence == nil || opts.Messenger == nil || opts.Queue == nil || opts.Calls == nil {
		return nil, proto.E(proto.KindConfig, "api", "conn, presence, messenger, queue and calls are all required")
	}
	s := &Server{
		opts:    opts,
		mux:     http.NewServeMux(),
		ringing: make(map[string]ringEntry),
	}
	s.opts.Calls.OnIncoming(s.ringed)

	s.registerCore()
	s.registerMessages()
	s.registerCalls()
	s.registerEvents()
	return s, nil
}

// Handler is the full route set; the caller owns the http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerCore() {
	mux := s.mux

	// GET /api/status — one snapshot of everything.
	handleGet(mux, "/api/status", func(w http.ResponseWriter, r *http.Request) {
		queued, _ := s.opts.Queue.Len()
		status := map[string]any{
			"userId":         s.opts.LocalUserID,
			"connection":     s.opts.Conn.State().Text(),
			"queuedMessages": queued,
			"participants":   len(s.opts.Presence.Participants()),
			"activeCalls":    len(s.opts.Calls.Sessions()),
		}
		if s.opts.Relay != nil {
			status["deferredSignals"] = s.opts.Relay.PendingSignals()
		}
		writeJSON(w, status)
	})

	// The lifecycle verbs return the snapshot taken right after the
	// command was posted; the state machine settles asynchronously.
	handlePost(mux, "/api/connect", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s.opts.Conn.Connect()
		writeJSON(w, s.opts.Conn.State().Text())
	})
	handlePost(mux, "/api/disconnect", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s.opts.Conn.Disconnect()
		writeJSON(w, s.opts.Conn.State().Text())
	})
	handlePost(mux, "/api/reconnect", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s.opts.Conn.Reconnect()
		writeJSON(w, s.opts.Conn.State().Text())
	})

	// GET /api/presence — who is in the room and who is typing.
	handleGet(mux, "/api/presence", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"participants": s.opts.Presence.Participants(),
			"typing":       s.opts.Presence.Typing(),
			"typingText":   s.opts.Presence.TypingText(),
		})
	})

	// POST /api/typing — set or clear the local typing flag.
	handlePost(mux, "/api/typing", func(w http.ResponseWriter, r *http.Request, req struct {
		Typing bool `json:"isTyping"`
	}) {
		if err := s.opts.Presence.SetTyping(r.Context(), req.Typing); err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

func (s *Server) registerMessages() {
	mux := s.mux

	// GET /api/messages?room_id=X&limit=N&before=TS
	handleGet(mux, "/api/messages", func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room_id")
		if roomID == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		var before int64
		if v := r.URL.Query().Get("before"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "bad before timestamp", http.StatusBadRequest)
				return
			}
			before = n
		}
		msgs, err := s.opts.Messenger.History(r.Context(), roomID, limit, before)
		if err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		writeJSON(w, msgs)
	})

	// POST /api/messages — send, or queue when offline.
	handlePost(mux, "/api/messages", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID   string `json:"room_id"`
		Content  string `json:"content"`
		Type     string `json:"type"`
		FileName string `json:"file_name"`
		FileURL  string `json:"file_url"`
		FileSize int64  `json:"file_size"`
	}) {
		msg, queued, err := s.opts.Messenger.Send(r.Context(), chat.Outgoing{
			RoomID:   req.RoomID,
			Content:  req.Content,
			Type:     req.Type,
			FileName: req.FileName,
			FileURL:  req.FileURL,
			FileSize: req.FileSize,
		})
		if err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		writeJSON(w, map[string]any{"message": msg, "queued": queued})
	})

	// POST /api/messages/read
	handlePost(mux, "/api/messages/read", func(w http.ResponseWriter, r *http.Request, req struct {
		IDs []string `json:"ids"`
	}) {
		if len(req.IDs) == 0 {
			http.Error(w, "missing ids", http.StatusBadRequest)
			return
		}
		if err := s.opts.Messenger.MarkRead(r.Context(), req.IDs); err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/queue?room_id=X — the outbox, optionally one room.
	handleGet(mux, "/api/queue", func(w http.ResponseWriter, r *http.Request) {
		var (
			msgs []queue.Message
			err  error
		)
		if roomID := r.URL.Query().Get("room_id"); roomID != "" {
			msgs, err = s.opts.Queue.Room(roomID)
		} else {
			msgs, err = s.opts.Queue.All()
		}
		if err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		if msgs == nil {
			msgs = []queue.Message{}
		}
		writeJSON(w, map[string]any{"count": len(msgs), "messages": msgs})
	})

	// POST /api/queue/retry — requeue one failed entry.
	handlePost(mux, "/api/queue/retry", func(w http.ResponseWriter, r *http.Request, req struct {
		ID string `json:"id"`
	}) {
		if req.ID == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		if err := s.opts.Queue.RetryFailed(req.ID); err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "requeued", "id": req.ID})
	})

	// POST /api/queue/clear — drop a room's queued messages.
	handlePost(mux, "/api/queue/clear", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID string `json:"room_id"`
	}) {
		if req.RoomID == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		if err := s.opts.Queue.ClearRoom(req.RoomID); err != nil {
			http.Error(w, err.Error(), errStatus(err))
			return
		}
		writeJSON(w, map[string]string{"status": "cleared"})
	})
}
