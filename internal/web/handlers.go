package web

import (
	"net/http"

	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/dilution"
)

type appendRequest struct {
	Events []domain.Event `json:"events"`
}

type eventsResponse struct {
	LastSequence uint64         `json:"last_sequence"`
	Events       []domain.Event `json:"events"`
}

type waterfallRequest struct {
	ExitAmountCents int64 `json:"exit_amount_cents"`
}

type scenariosRequest struct {
	ExitAmountsCents []int64 `json:"exit_amounts_cents"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	cutoff, err := parseCutoff(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.ledger.State(r.Context(), cutoff)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCapTable(w http.ResponseWriter, r *http.Request) {
	cutoff, err := parseCutoff(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	table, err := s.ledger.CapTable(r.Context(), cutoff)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	cutoff, err := parseCutoff(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	evs := s.ledger.Events(cutoff)
	if evs == nil {
		evs = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{LastSequence: s.ledger.LastSequence(), Events: evs})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	appended, err := s.ledger.Append(r.Context(), req.Events)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, eventsResponse{LastSequence: appended[len(appended)-1].Sequence, Events: appended})
}

func (s *Server) handleWaterfall(w http.ResponseWriter, r *http.Request) {
	cutoff, err := parseCutoff(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req waterfallRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ledger.Waterfall(r.Context(), cutoff, req.ExitAmountCents)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleScenarios(w http.ResponseWriter, r *http.Request) {
	cutoff, err := parseCutoff(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req scenariosRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.ExitAmountsCents) == 0 {
		s.writeError(w, r, &domain.SchemaError{Field: "exit_amounts_cents", Reason: "is required"})
		return
	}
	res, err := s.ledger.WaterfallScenarios(r.Context(), cutoff, req.ExitAmountsCents)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDilution(w http.ResponseWriter, r *http.Request) {
	cutoff, err := parseCutoff(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req dilution.Request
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ledger.Dilution(r.Context(), cutoff, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
