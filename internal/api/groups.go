package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/knxlink/internal/audit"
	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/groupcomm"
)

// maxBulkItems caps the addresses of one bulk read or write.
const maxBulkItems = 256

// itemError is the per-address error inside bulk results.
type itemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newItemError(err error) *itemError {
	return &itemError{Code: knx.ErrorCode(err), Message: err.Error()}
}

// groupResult is one address of a bulk response.
type groupResult struct {
	Address string         `json:"address"`
	Value   *knx.Presented `json:"value,omitempty"`
	Error   *itemError     `json:"error,omitempty"`
}

// writeGroupRequest is the body of PUT /groups/{ga}.
type writeGroupRequest struct {
	knx.ValueInput
	Priority string `json:"priority,omitempty"`
}

// readManyRequest is the body of POST /groups/read.
type readManyRequest struct {
	Addresses []string `json:"addresses"`
	Timeout   string   `json:"timeout,omitempty"`
	Priority  string   `json:"priority,omitempty"`
	DPT       string   `json:"dpt,omitempty"`
}

// writeManyRequest is the body of POST /groups/write.
type writeManyRequest struct {
	Writes []struct {
		Address string `json:"address"`
		knx.ValueInput
	} `json:"writes"`
	Priority string `json:"priority,omitempty"`
}

// handleListGroups returns the bound datapoints and, when the recorder is
// available, the addresses seen on the bus.
//
// GET /groups
// Response: {"datapoints": [...], "seen": [...]}
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	type datapointView struct {
		Address   string `json:"address"`
		DPT       string `json:"dpt"`
		Name      string `json:"name,omitempty"`
		Unit      string `json:"unit,omitempty"`
		Telemetry bool   `json:"telemetry"`
	}

	bound := s.datapoints.All()
	dps := make([]datapointView, 0, len(bound))
	for _, dp := range bound {
		dps = append(dps, datapointView{
			Address:   dp.Address.String(),
			DPT:       dp.Descriptor.ID,
			Name:      dp.Name,
			Unit:      dp.Descriptor.Unit,
			Telemetry: dp.Telemetry,
		})
	}

	resp := map[string]any{"datapoints": dps}
	if s.events != nil {
		seen, err := s.events.GroupAddresses(r.Context())
		if err != nil {
			s.logger.Error("failed to list seen group addresses", "error", err)
			writeInternalError(w, "failed to list seen group addresses")
			return
		}
		if seen == nil {
			seen = []knx.SeenAddress{}
		}
		resp["seen"] = seen
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReadGroup reads one group address from the bus.
//
// GET /groups/{ga}?timeout=2s&priority=low&dpt=9.001
// Response: {"address": "1/2/3", "value": {...}}
func (s *Server) handleReadGroup(w http.ResponseWriter, r *http.Request) {
	ga, err := groupAddressParam(r)
	if err != nil {
		writeBusError(w, err)
		return
	}

	q := r.URL.Query()
	opts, err := callOptions(q.Get("priority"), q.Get("timeout"))
	if err != nil {
		writeBusError(w, err)
		return
	}

	v, err := s.svc.ReadOne(r.Context(), ga, opts...)
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": ga.String(),
		"value":   s.datapoints.Present(ga, v, q.Get("dpt")),
	})
}

// handleWriteGroup writes one group address.
//
// PUT /groups/{ga}
// Body: {"value": 21.5, "dpt": "9.001"} or {"raw": "0C33", "bits": 16}
// Response: {"address": "1/2/3", "value": {...}}
func (s *Server) handleWriteGroup(w http.ResponseWriter, r *http.Request) {
	ga, err := groupAddressParam(r)
	if err != nil {
		writeBusError(w, err)
		return
	}

	var req writeGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	v, err := s.datapoints.Encode(ga, req.ValueInput)
	if err != nil {
		writeBusError(w, err)
		return
	}
	opts, err := callOptions(req.Priority, "")
	if err != nil {
		writeBusError(w, err)
		return
	}

	err = s.svc.Write(r.Context(), ga, v, opts...)
	s.auditLog(r, audit.ActionWrite, ga.String(), err, map[string]any{"value": v})
	if err != nil {
		writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": ga.String(),
		"value":   s.datapoints.Present(ga, v, req.DPT),
	})
}

// handleReadMany reads several group addresses concurrently.
//
// POST /groups/read
// Body: {"addresses": ["1/2/3", "3/0/1"], "timeout": "2s"}
// Response: {"results": [...]}
func (s *Server) handleReadMany(w http.ResponseWriter, r *http.Request) {
	var req readManyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Addresses) == 0 || len(req.Addresses) > maxBulkItems {
		writeBadRequest(w, fmt.Sprintf("addresses must hold 1-%d entries", maxBulkItems))
		return
	}

	gas, err := parseAddresses(req.Addresses)
	if err != nil {
		writeBusError(w, err)
		return
	}
	opts, err := callOptions(req.Priority, req.Timeout)
	if err != nil {
		writeBusError(w, err)
		return
	}

	results, err := s.svc.ReadMany(r.Context(), gas, opts...)
	if err != nil && results == nil {
		writeBusError(w, err)
		return
	}

	out := make([]groupResult, 0, len(gas))
	seen := make(map[knx.GroupAddress]bool, len(gas))
	for _, ga := range gas {
		if seen[ga] {
			continue
		}
		seen[ga] = true
		item := groupResult{Address: ga.String()}
		res, ok := results[ga]
		switch {
		case !ok:
			item.Error = newItemError(err)
		case res.Err != nil:
			item.Error = newItemError(res.Err)
		default:
			p := s.datapoints.Present(ga, res.Value, req.DPT)
			item.Value = &p
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// handleWriteMany writes several group addresses in order.
//
// POST /groups/write
// Body: {"writes": [{"address": "1/2/3", "value": true}, ...]}
// Response: {"results": [...]}
func (s *Server) handleWriteMany(w http.ResponseWriter, r *http.Request) {
	var req writeManyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Writes) == 0 || len(req.Writes) > maxBulkItems {
		writeBadRequest(w, fmt.Sprintf("writes must hold 1-%d entries", maxBulkItems))
		return
	}

	reqs := make([]groupcomm.WriteRequest, 0, len(req.Writes))
	for i, item := range req.Writes {
		ga, err := knx.ParseGroupAddress(item.Address)
		if err != nil {
			writeBusError(w, fmt.Errorf("writes[%d]: %w", i, err))
			return
		}
		v, err := s.datapoints.Encode(ga, item.ValueInput)
		if err != nil {
			writeBusError(w, fmt.Errorf("writes[%d]: %w", i, err))
			return
		}
		reqs = append(reqs, groupcomm.WriteRequest{Address: ga, Value: v})
	}
	opts, err := callOptions(req.Priority, "")
	if err != nil {
		writeBusError(w, err)
		return
	}

	results, err := s.svc.WriteMany(r.Context(), reqs, opts...)
	s.auditLog(r, audit.ActionWriteMany, "", err, map[string]any{"count": len(reqs), "completed": len(results)})
	out := make([]groupResult, len(reqs))
	for i, wr := range reqs {
		out[i] = groupResult{Address: wr.Address.String()}
		switch {
		case i < len(results) && results[i].Err != nil:
			out[i].Error = newItemError(results[i].Err)
		case i >= len(results) && err != nil:
			out[i].Error = newItemError(err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// groupAddressParam reads the address from either route form.
func groupAddressParam(r *http.Request) (knx.GroupAddress, error) {
	if encoded := chi.URLParam(r, "ga"); encoded != "" {
		return knx.ParseGroupAddressFromURL(encoded)
	}
	return knx.ParseGroupAddress(chi.URLParam(r, "main") + "/" + chi.URLParam(r, "middle") + "/" + chi.URLParam(r, "sub"))
}

func parseAddresses(in []string) ([]knx.GroupAddress, error) {
	gas := make([]knx.GroupAddress, 0, len(in))
	for _, s := range in {
		ga, err := knx.ParseGroupAddress(s)
		if err != nil {
			return nil, err
		}
		gas = append(gas, ga)
	}
	return gas, nil
}

// callOptions builds groupcomm options. timeout is a Go duration or a
// number of milliseconds.
func callOptions(priority, timeout string) ([]groupcomm.Option, error) {
	var opts []groupcomm.Option
	if priority != "" {
		p, err := knx.ParsePriority(priority)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", knx.ErrInvalidGroupValue, err)
		}
		opts = append(opts, groupcomm.WithPriority(p))
	}
	if timeout != "" {
		d, err := parseTimeout(timeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, groupcomm.WithTimeout(d))
	}
	return opts, nil
}

func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		ms, convErr := strconv.Atoi(s)
		if convErr != nil {
			return 0, fmt.Errorf("%w: timeout %q", knx.ErrOutOfRange, s)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: timeout must be positive", knx.ErrOutOfRange)
	}
	return d, nil
}
