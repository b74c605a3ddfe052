package web

import (
	"net/http"

	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/dividends"
	"github.com/vadiminshakov/capledger/internal/services/vesting"
)

func (s *Server) handleListDividends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dividends.List())
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req dividends.DistributeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	round, err := s.dividends.Distribute(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

func (s *Server) handleGetDividend(w http.ResponseWriter, r *http.Request) {
	round, err := s.dividends.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.vesting.List(r.URL.Query().Get("beneficiary")))
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req vesting.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	schedule, err := s.vesting.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.vesting.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleReleaseSchedule(w http.ResponseWriter, r *http.Request) {
	rel, err := s.vesting.Release(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleTerminationPreview(w http.ResponseWriter, r *http.Request) {
	typ := domain.TerminationType(r.URL.Query().Get("termination_type"))
	preview, err := s.vesting.PreviewTermination(r.PathValue("id"), typ)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleTerminateSchedule(w http.ResponseWriter, r *http.Request) {
	var req vesting.TerminateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.vesting.Terminate(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
