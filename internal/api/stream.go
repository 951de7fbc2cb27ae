package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/valohub/reportd/internal/models"
	"github.com/valohub/reportd/internal/telemetry"
)

const streamKeepAlive = 15 * time.Second

// handleStream serves the job's event log over Server-Sent Events. The
// subscription is opened before the stored log is replayed, so nothing
// published in between is lost; duplicates across the seam are filtered by
// sequence number. Clients resume with Last-Event-ID (or ?cursor=) and
// receive only events they have not seen.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta, err := s.jobs.GetMeta(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	if meta.JobID() == "" {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.jobs.Subscribe(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	defer func() { _ = sub.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	telemetry.StreamClientGauge.Inc()
	defer telemetry.StreamClientGauge.Dec()

	cursor := streamCursor(r)

	// Replay everything after the cursor from the durable log.
	events, err := s.jobs.LogLines(r.Context(), id)
	if err != nil {
		return
	}
	for _, ev := range events {
		if ev.Seq <= cursor {
			continue
		}
		writeSSE(w, ev)
		cursor = maxSeq(cursor, ev.Seq)
	}
	flusher.Flush()
	if terminalEvent(events) {
		return
	}

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	ch := sub.Channel()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, open := <-ch:
			if !open {
				return
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				payload, _ := json.Marshal(models.ProgressPayload{Message: msg.Payload})
				ev = models.Event{Type: models.EventProgress, Origin: models.OriginSystem, Payload: payload, Timestamp: time.Now().UTC()}
			}
			if ev.Seq != 0 && ev.Seq <= cursor {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
			cursor = maxSeq(cursor, ev.Seq)
			if isTerminalStatus(ev) {
				return
			}
		}
	}
}

func streamCursor(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0
	}
	return cursor
}

func writeSSE(w http.ResponseWriter, ev models.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if ev.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, line)
}

func isTerminalStatus(ev models.Event) bool {
	if ev.Type != models.EventStatus {
		return false
	}
	var payload models.StatusPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return false
	}
	return models.TerminalStatus(payload.Status)
}

func terminalEvent(events []models.Event) bool {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == models.EventStatus {
			return isTerminalStatus(events[i])
		}
	}
	return false
}

func maxSeq(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
