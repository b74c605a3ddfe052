package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vadiminshakov/capledger/internal/domain"
	"go.uber.org/zap"
)

const heartbeatInterval = 30 * time.Second

// handleStream pushes appended events as SSE. Clients resume with Last-Event-ID (or
// ?last_event_id=) and first receive everything they missed from the log.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "event stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// subscribe before reading the backlog so nothing appended in between is lost
	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	last := parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
	send := func(e domain.Event) bool {
		if e.Sequence <= last {
			return true
		}
		payload, err := json.Marshal(e)
		if err != nil {
			s.l.Warn("encode stream event", zap.Uint64("sequence", e.Sequence), zap.Error(err))
			return true
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Sequence, e.Kind, payload); err != nil {
			return false
		}
		flusher.Flush()
		last = e.Sequence
		return true
	}

	if r.Header.Get("Last-Event-ID") != "" || r.URL.Query().Get("last_event_id") != "" {
		for _, e := range s.ledger.Since(last) {
			if !send(e) {
				return
			}
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			// a dropped event leaves a gap; refill it from the log
			if e.Sequence > last+1 && last > 0 {
				for _, missed := range s.ledger.Since(last) {
					if missed.Sequence >= e.Sequence {
						break
					}
					if !send(missed) {
						return
					}
				}
			}
			if !send(e) {
				return
			}
		}
	}
}
