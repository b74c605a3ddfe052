package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

type errorBody struct {
	Error    string `json:"error"`
	Kind     string `json:"kind"`
	Field    string `json:"field,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`
	// LastValid is the last sequence folded before a replay failure; zero is meaningful.
	LastValid *uint64 `json:"last_valid,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// classify maps domain errors onto HTTP statuses.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSchema):
		return http.StatusBadRequest, "schema"
	case errors.Is(err, domain.ErrPolicy):
		return http.StatusBadRequest, "policy"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, domain.ErrInvariant):
		return http.StatusConflict, "invariant"
	case errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition"
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, domain.ErrSequence):
		return http.StatusConflict, "sequence"
	case errors.Is(err, domain.ErrStale):
		return http.StatusConflict, "stale"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	body := errorBody{Error: err.Error(), Kind: kind}

	var schemaErr *domain.SchemaError
	if errors.As(err, &schemaErr) {
		body.Field = schemaErr.Field
	}
	var replayErr *domain.ReplayError
	if errors.As(err, &replayErr) {
		body.Sequence = replayErr.Sequence
		lastValid := replayErr.LastValid
		body.LastValid = &lastValid
	}

	if status >= http.StatusInternalServerError {
		s.l.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		body.Error = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &domain.SchemaError{Field: "body", Reason: "is required"}
		}
		return &domain.SchemaError{Field: "body", Reason: "is malformed: " + err.Error()}
	}
	return nil
}

// parseCutoff reads ?cutoff=. Empty and "latest" select the newest state.
func parseCutoff(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("cutoff"))
	if raw == "" || strings.EqualFold(raw, "latest") {
		return ledger.Latest, nil
	}
	cutoff, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &domain.SchemaError{Field: "cutoff", Reason: "must be a sequence number or latest"}
	}
	return cutoff, nil
}

// parseLastEventID extracts an SSE event ID from either the Last-Event-ID header or a
// query parameter. The header is preferred.
func parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
