package web

import (
	"net/http"

	"github.com/vadiminshakov/capledger/internal/domain"
	"github.com/vadiminshakov/capledger/internal/services/convertibles"
	"github.com/vadiminshakov/capledger/internal/services/rounds"
)

type roundRef struct {
	RoundID string `json:"round_id"`
}

func (s *Server) handleListShareClasses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleCreateShareClass(w http.ResponseWriter, r *http.Request) {
	var c domain.ShareClass
	if err := decodeJSON(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.registry.Create(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateShareClass(w http.ResponseWriter, r *http.Request) {
	var c domain.ShareClass
	if err := decodeJSON(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	c.ID = r.PathValue("id")
	updated, err := s.registry.Update(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListRounds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rounds.List())
}

func (s *Server) handleOpenRound(w http.ResponseWriter, r *http.Request) {
	var req rounds.OpenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	round, err := s.rounds.Open(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.rounds.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleAddInvestment(w http.ResponseWriter, r *http.Request) {
	var req rounds.InvestmentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	round, err := s.rounds.AddInvestment(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

func (s *Server) handleRemoveInvestment(w http.ResponseWriter, r *http.Request) {
	round, err := s.rounds.RemoveInvestment(r.Context(), r.PathValue("id"), r.PathValue("investmentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleCloseRound(w http.ResponseWriter, r *http.Request) {
	res, err := s.rounds.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelRound(w http.ResponseWriter, r *http.Request) {
	round, err := s.rounds.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleListConvertibles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.convertibles.List()))
}

func (s *Server) handleOutstanding(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.convertibles.Outstanding()))
}

func (s *Server) handleCreateConvertible(w http.ResponseWriter, r *http.Request) {
	var req convertibles.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	inst, err := s.convertibles.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetConvertible(w http.ResponseWriter, r *http.Request) {
	inst, err := s.convertibles.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleScheduleConvertible(w http.ResponseWriter, r *http.Request) {
	var req roundRef
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	inst, err := s.convertibles.Schedule(r.Context(), r.PathValue("id"), req.RoundID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req roundRef
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.convertibles.Convert(r.Context(), r.PathValue("id"), req.RoundID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelConvertible(w http.ResponseWriter, r *http.Request) {
	inst, err := s.convertibles.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func nonNil(list []*domain.ConvertibleInstrument) []*domain.ConvertibleInstrument {
	if list == nil {
		return []*domain.ConvertibleInstrument{}
	}
	return list
}
