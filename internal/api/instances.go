package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/service/workflow"
)

// InstanceResponse is the API view of an instance.
type InstanceResponse struct {
	*core.Instance
	Snapshot map[string]interface{} `json:"snapshot"`
	Waiting  []core.PhaseID          `json:"waiting,omitempty"`
	InFlight []workflow.InFlight     `json:"in_flight,omitempty"`
}

func newInstanceResponse(inst *core.Instance, inFlight []workflow.InFlight) InstanceResponse {
	resp := InstanceResponse{
		Instance: inst,
		Snapshot: inst.Context.Snapshot(),
		InFlight: inFlight,
	}
	for _, a := range inst.Active {
		if a.Blocked {
			resp.Waiting = append(resp.Waiting, a.PhaseID)
		}
	}
	return resp
}

// ApproveRequest is the body of POST .../approve.
type ApproveRequest struct {
	PhaseID core.PhaseID           `json:"phase_id"`
	Output  map[string]interface{} `json:"output,omitempty"`
}

// RejectRequest is the body of POST .../reject.
type RejectRequest struct {
	PhaseID core.PhaseID `json:"phase_id"`
	Reason  string       `json:"reason"`
}

// CancelRequest is the body of POST .../cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// InputRequest is the body of POST .../input.
type InputRequest struct {
	Text string `json:"text"`
}

func instanceID(r *http.Request) core.InstanceID {
	return core.InstanceID(chi.URLParam(r, "instanceID"))
}

// handleListInstances lists instances. Query: workflow_id, status (comma
// separated), parent, top_level, limit.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.InstanceFilter{
		WorkflowID: core.WorkflowID(q.Get("workflow_id")),
		Parent:     core.InstanceID(q.Get("parent")),
		TopLevel:   q.Get("top_level") == "true",
	}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, core.InstanceStatus(strings.TrimSpace(st)))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	insts, err := s.store.ListInstances(r.Context(), filter)
	if err != nil {
		s.respondDomainError(w, err, "failed to list instances")
		return
	}
	resp := make([]InstanceResponse, 0, len(insts))
	for _, inst := range insts {
		resp = append(resp, newInstanceResponse(inst, nil))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := instanceID(r)
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err, "failed to load instance")
		return
	}
	var inFlight []workflow.InFlight
	if s.engine != nil {
		inFlight = s.engine.InFlight(id)
	}
	respondJSON(w, http.StatusOK, newInstanceResponse(inst, inFlight))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := instanceID(r)
	if _, err := s.store.GetInstance(r.Context(), id); err != nil {
		s.respondDomainError(w, err, "failed to load instance")
		return
	}
	execs, err := s.store.ListPhaseExecutions(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err, "failed to list executions")
		return
	}
	if phase := r.URL.Query().Get("phase_id"); phase != "" {
		filtered := execs[:0]
		for _, e := range execs {
			if string(e.PhaseID) == phase {
				filtered = append(filtered, e)
			}
		}
		execs = filtered
	}
	if execs == nil {
		execs = []*core.PhaseExecution{}
	}
	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) handleListGates(w http.ResponseWriter, r *http.Request) {
	id := instanceID(r)
	if _, err := s.store.GetInstance(r.Context(), id); err != nil {
		s.respondDomainError(w, err, "failed to load instance")
		return
	}
	gates, err := s.store.ListGateResults(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err, "failed to list gate results")
		return
	}
	if gates == nil {
		gates = []*core.QualityGateResult{}
	}
	respondJSON(w, http.StatusOK, gates)
}

// CheckpointResponse is a checkpoint with its snapshot decoded.
type CheckpointResponse struct {
	ID         string               `json:"id"`
	InstanceID core.InstanceID      `json:"instance_id"`
	PhaseID    core.PhaseID         `json:"phase_id,omitempty"`
	Seq        int64                `json:"seq"`
	State      *core.CheckpointState `json:"state"`
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.store.LatestCheckpoint(r.Context(), instanceID(r))
	if err != nil {
		s.respondDomainError(w, err, "failed to load checkpoint")
		return
	}
	state, err := core.DecodeCheckpointState(cp.Snapshot)
	if err != nil {
		s.respondDomainError(w, err, "failed to decode checkpoint")
		return
	}
	respondJSON(w, http.StatusOK, CheckpointResponse{
		ID:         cp.ID,
		InstanceID: cp.InstanceID,
		PhaseID:    cp.PhaseID,
		Seq:        cp.Seq,
		State:      state,
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondDomainError(w, err, "invalid request")
		return
	}
	if req.PhaseID == "" {
		respondError(w, http.StatusBadRequest, "phase_id is required")
		return
	}
	if err := s.engine.Approve(r.Context(), instanceID(r), req.PhaseID, req.Output); err != nil {
		s.respondDomainError(w, err, "failed to approve")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "approved"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondDomainError(w, err, "invalid request")
		return
	}
	if req.PhaseID == "" {
		respondError(w, http.StatusBadRequest, "phase_id is required")
		return
	}
	if err := s.engine.Reject(r.Context(), instanceID(r), req.PhaseID, req.Reason); err != nil {
		s.respondDomainError(w, err, "failed to reject")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "rejected"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondDomainError(w, err, "invalid request")
		return
	}
	if err := s.engine.Cancel(r.Context(), instanceID(r), req.Reason); err != nil {
		s.respondDomainError(w, err, "failed to cancel")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondDomainError(w, err, "invalid request")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.engine.SendInput(r.Context(), instanceID(r), req.Text); err != nil {
		s.respondDomainError(w, err, "failed to send input")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}
