package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sessionmint/sessionkernelxyz/queue"
	"github.com/sessionmint/sessionkernelxyz/stream"
	"github.com/sessionmint/sessionkernelxyz/tick"
)

// handleState returns the current session snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Engine.Snapshot(r.Context())
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, snapshot)
}

type tickRequest struct {
	Reason string `json:"reason"`
}

type tickResponse struct {
	Success       bool              `json:"success"`
	Result        *queue.TickResult `json:"result"`
	TickScheduled bool              `json:"tickScheduled"`
}

// handleTick advances the session on behalf of the callback scheduler
// or the periodic fallback. An unconfigured secret rejects everything;
// there is no open mode.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if s.cronSecret == "" || r.Header.Get(tick.HeaderCronSecret) != s.cronSecret {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	// Empty or malformed bodies are fine; callers without a reason get
	// the manual default.
	var req tickRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	reason := queue.TickReason(req.Reason)
	if !reason.Valid() {
		reason = queue.ReasonManual
	}

	result, err := s.deps.Engine.Advance(r.Context(), reason)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	tickScheduled := false
	if result.ActivatedItem != nil {
		tickScheduled = s.deps.Scheduler.ScheduleAdvance(r.Context(), result.ActivatedItem.ExpiresAt, s.origin(r))
	}
	if s.deps.Broker != nil {
		s.deps.Broker.Poll(r.Context())
	}

	writeJSON(w, http.StatusOK, tickResponse{
		Success:       true,
		Result:        result,
		TickScheduled: tickScheduled,
	})
}

// handleStream serves the state feed over server-sent events. The first
// event replays the last known state; heartbeats keep proxies from
// reaping idle connections.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "Stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.deps.Broker.Subscribe()
	defer s.deps.Broker.RemoveSubscriber(sub.ID())

	streamSubscribers.Inc()
	defer streamSubscribers.Dec()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-sub.C():
			if !open {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
		}
	}
}

// writeSSE encodes one event in text/event-stream framing. Heartbeats
// go out as comments so clients need no handler for them.
func writeSSE(w http.ResponseWriter, evt *stream.Event) {
	if evt.Type == stream.EventHeartbeat {
		fmt.Fprint(w, ": heartbeat\n\n")
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
}
