package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/swarmops/swarmops/internal/core"
)

// workerCompleteRequest is the payload a worker posts when its task
// ends. The outcome arrives either as the status enum or the success
// flag; the worker identifies itself by id or by the 1-based step
// order it was spawned with.
type workerCompleteRequest struct {
	RunID       string `json:"runId"`
	PhaseNumber int    `json:"phaseNumber"`
	WorkerID    string `json:"workerId,omitempty"`
	StepOrder   int    `json:"stepOrder,omitempty"`
	Status      string `json:"status,omitempty"`
	Success     *bool  `json:"success,omitempty"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

// reviewResultRequest is the payload a reviewer posts with its decision.
type reviewResultRequest struct {
	RunID            string `json:"runId"`
	PhaseNumber      int    `json:"phaseNumber"`
	Decision         string `json:"decision"`
	Comments         string `json:"comments,omitempty"`
	FixInstructions  string `json:"fixInstructions,omitempty"`
	EscalationReason string `json:"escalationReason,omitempty"`
}

// fixCompleteRequest is the payload a fixer or conflict resolver posts.
type fixCompleteRequest struct {
	RunID       string `json:"runId"`
	PhaseNumber int    `json:"phaseNumber"`
	Status      string `json:"status,omitempty"`
	Success     *bool  `json:"success,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Error       string `json:"error,omitempty"`
}

// callbackOutcome folds the two accepted outcome encodings into one
// flag. ok is false when the status value is unknown or neither field
// is present.
func callbackOutcome(status string, success *bool) (completed, ok bool) {
	switch status {
	case "completed":
		return true, true
	case "failed":
		return false, true
	case "":
		if success != nil {
			return *success, true
		}
	}
	return false, false
}

// resolveEscalationRequest closes an escalation with a note.
type resolveEscalationRequest struct {
	ResolvedBy string `json:"resolvedBy"`
	Resolution string `json:"resolution"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	var req workerCompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	workerID := req.WorkerID
	if workerID == "" && req.StepOrder > 0 {
		workerID = core.NewWorkerID(req.StepOrder)
	}
	success, ok := callbackOutcome(req.Status, req.Success)
	if req.RunID == "" || workerID == "" || req.PhaseNumber < 1 || !ok {
		respondError(w, http.StatusBadRequest, "INVALID_BODY",
			"runId, phaseNumber, workerId (or stepOrder), and status or success are required")
		return
	}

	result, err := s.orch.OnWorkerCallback(r.Context(), req.RunID, req.PhaseNumber, workerID, success, req.Output, req.Error)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	resp := map[string]interface{}{"accepted": true}
	if result != nil {
		resp["merge"] = result
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReviewResult(w http.ResponseWriter, r *http.Request) {
	var req reviewResultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RunID == "" || req.PhaseNumber < 1 {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "runId and phaseNumber are required")
		return
	}

	decision := core.ReviewDecision{
		Decision:         core.ReviewDecisionKind(req.Decision),
		Comments:         req.Comments,
		FixInstructions:  req.FixInstructions,
		EscalationReason: req.EscalationReason,
	}
	if err := decision.Validate(); err != nil {
		respondDomainError(w, err)
		return
	}

	if err := s.orch.OnReviewCallback(r.Context(), req.RunID, req.PhaseNumber, decision); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

func (s *Server) handleFixComplete(w http.ResponseWriter, r *http.Request) {
	var req fixCompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	success, ok := callbackOutcome(req.Status, req.Success)
	if req.RunID == "" || req.PhaseNumber < 1 || !ok {
		respondError(w, http.StatusBadRequest, "INVALID_BODY",
			"runId, phaseNumber, and status or success are required")
		return
	}
	detail := req.Summary
	if detail == "" {
		detail = req.Error
	}

	if err := s.orch.OnFixCallback(r.Context(), req.RunID, req.PhaseNumber, success, detail); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.LoadRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleListPhases(w http.ResponseWriter, r *http.Request) {
	phases, err := s.phases.ListPhases(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"phases": phases})
}

func (s *Server) handleGetPhase(w http.ResponseWriter, r *http.Request) {
	phaseNumber, err := strconv.Atoi(chi.URLParam(r, "phaseNumber"))
	if err != nil || phaseNumber < 1 {
		respondError(w, http.StatusBadRequest, "INVALID_PHASE", "phase number must be a positive integer")
		return
	}
	phase, err := s.phases.LoadPhase(r.Context(), chi.URLParam(r, "runID"), phaseNumber)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, phase)
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	status := core.EscalationStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	escalations, err := s.escalations.ListEscalations(r.Context(), status)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"escalations": escalations})
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req resolveEscalationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Resolution) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "resolution is required")
		return
	}

	id := chi.URLParam(r, "escalationID")
	esc, err := s.escalations.LoadEscalation(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := esc.Resolve(req.ResolvedBy, req.Resolution); err != nil {
		respondDomainError(w, err)
		return
	}
	if err := s.escalations.SaveEscalation(r.Context(), esc); err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, esc)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.ReadAll(chi.URLParam(r, "runID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
