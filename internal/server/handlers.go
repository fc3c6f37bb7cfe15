package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pipewright/internal/approval"
	"pipewright/internal/core"
)

// triggerRequest is the trigger-interface payload: a definition (inline YAML
// or a path the server can read) plus the trigger context.
type triggerRequest struct {
	Definition     string `json:"definition,omitempty"`
	DefinitionPath string `json:"definitionPath,omitempty"`
	Branch         string `json:"branch,omitempty"`
	Event          string `json:"event,omitempty"`
	Actor          string `json:"actor,omitempty"`
}

type triggerResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

type decideRequest struct {
	Approver string `json:"approver"`
	Decision string `json:"decision"` // approved | rejected
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	data := []byte(req.Definition)
	if len(data) == 0 && req.DefinitionPath != "" {
		var err error
		data, err = os.ReadFile(req.DefinitionPath)
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading definition: "+err.Error())
			return
		}
	}

	p, err := core.Parse(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := core.BuildGraph(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run := core.NewRun(p, core.TriggerContext{Branch: req.Branch, Event: req.Event, Actor: req.Actor})
	s.startRun(run, p, g)
	s.log.Info("run triggered",
		zap.String("run", run.ID),
		zap.String("pipeline", p.Name),
		zap.String("event", req.Event),
		zap.String("branch", req.Branch))

	writeJSON(w, http.StatusAccepted, triggerResponse{RunID: run.ID, Status: run.Status().String()})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ar, ok := s.lookupRun(chi.URLParam(r, "runID"))
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrRunNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, ar.run.Snapshot())
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	ar, ok := s.lookupRun(chi.URLParam(r, "runID"))
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrRunNotFound.Error())
		return
	}
	if ar.run.Status().Terminal() {
		writeError(w, http.StatusConflict, core.ErrRunFinished.Error())
		return
	}
	ar.cancel()
	s.gate.CancelRun(ar.run.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": ar.run.ID, "status": "cancelling"})
}

func (s *Server) handleRunJournal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	if _, ok := s.lookupRun(id); !ok {
		writeError(w, http.StatusNotFound, core.ErrRunNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.journal.ForRun(id))
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.List(chi.URLParam(r, "runID"), chi.URLParam(r, "node"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleReadArtifact(w http.ResponseWriter, r *http.Request) {
	offset := queryInt64(r, "offset", 0)
	limit := queryInt64(r, "limit", 0)

	data, err := s.store.ReadRange(
		chi.URLParam(r, "runID"),
		chi.URLParam(r, "node"),
		chi.URLParam(r, "name"),
		offset, limit)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.gate.Pending(r.URL.Query().Get("runId"))
	if pending == nil {
		pending = []approval.Request{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	var approve bool
	switch req.Decision {
	case "approved":
		approve = true
	case "rejected":
		approve = false
	default:
		writeError(w, http.StatusBadRequest, "decision must be approved or rejected")
		return
	}

	id := chi.URLParam(r, "requestID")
	if err := s.gate.Decide(id, req.Approver, approve); err != nil {
		switch {
		case errors.Is(err, approval.ErrRequestNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, approval.ErrUnauthorizedApprover):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, approval.ErrAlreadyDecided):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	view, err := s.gate.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
