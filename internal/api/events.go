package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
)

// eventView is a group event as served over HTTP and WebSocket.
type eventView struct {
	ID        int64          `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Address   string         `json:"address"`
	Source    string         `json:"source"`
	Kind      knx.EventKind  `json:"kind"`
	Epoch     uint64         `json:"epoch"`
	Value     *knx.Presented `json:"value,omitempty"`
}

func (s *Server) viewEvent(ev knx.GroupEvent) eventView {
	v := eventView{
		Timestamp: ev.Timestamp.UTC(),
		Address:   ev.Destination.String(),
		Source:    ev.Source,
		Kind:      ev.Kind,
		Epoch:     ev.Epoch,
	}
	if ev.Kind.CarriesValue() {
		p := s.datapoints.Present(ev.Destination, ev.Value, "")
		v.Value = &p
	}
	return v
}

// handleListEvents returns recorded group events, newest first.
//
// GET /events?ga=1/2/3&since=2026-01-01T00:00:00Z&limit=50
// Response: {"events": [...], "count": N}
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotConfigured, "event log is not enabled")
		return
	}

	q := r.URL.Query()
	var query knx.EventQuery
	if raw := q.Get("ga"); raw != "" {
		ga, err := knx.ParseGroupAddress(raw)
		if err != nil {
			writeBusError(w, err)
			return
		}
		query.Address = &ga
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		query.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		query.Limit = limit
	}

	recorded, err := s.events.Events(r.Context(), query)
	if err != nil {
		s.logger.Error("failed to query event log", "error", err)
		writeInternalError(w, "failed to query event log")
		return
	}

	out := make([]eventView, 0, len(recorded))
	for _, re := range recorded {
		v := s.viewEvent(re.GroupEvent)
		v.ID = re.ID
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}
