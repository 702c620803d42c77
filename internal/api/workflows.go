package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/definition"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/service/workflow"
)

const maxDefinitionBytes = 1 << 20

// StartRequest is the request body for starting an instance.
type StartRequest struct {
	Version string                 `json:"version,omitempty"`
	Input   map[string]interface{} `json:"input,omitempty"`
}

// handleListWorkflows returns the latest version of every stored definition.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondJSON(w, http.StatusOK, []core.DefinitionSummary{})
		return
	}

	defs, err := s.store.ListDefinitions(r.Context())
	if err != nil {
		s.respondDomainError(w, err, "failed to list workflows")
		return
	}
	if defs == nil {
		defs = []core.DefinitionSummary{}
	}
	respondJSON(w, http.StatusOK, defs)
}

// handleImportWorkflow stores an already-authored definition. The body format
// follows the Content-Type: JSON by default, YAML or TOML when declared.
func (s *Server) handleImportWorkflow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(data) > maxDefinitionBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "definition too large")
		return
	}

	def, err := definition.Parse(data, formatFor(r.Header.Get("Content-Type")))
	if err != nil {
		s.respondDomainError(w, err, "failed to parse definition")
		return
	}
	if err := s.importer.Import(r.Context(), def); err != nil {
		s.respondDomainError(w, err, "failed to import definition")
		return
	}
	respondJSON(w, http.StatusCreated, def)
}

func formatFor(contentType string) definition.Format {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return definition.FormatYAML
	case "application/toml", "text/toml":
		return definition.FormatTOML
	}
	return definition.FormatJSON
}

// handleGetWorkflow returns one definition version with an ETag over its content.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := core.WorkflowID(chi.URLParam(r, "workflowID"))
	def, err := s.store.GetDefinition(r.Context(), id, r.URL.Query().Get("version"))
	if err != nil {
		s.respondDomainError(w, err, "failed to load workflow")
		return
	}

	body, err := json.Marshal(def)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encode workflow")
		return
	}
	etag := config.CalculateETag(body)
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleStartWorkflow creates an instance and drives it in the background.
func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondDomainError(w, err, "invalid request")
		return
	}

	id := core.WorkflowID(chi.URLParam(r, "workflowID"))
	inst, err := s.engine.Start(r.Context(), id, workflow.StartOptions{Version: req.Version, Input: req.Input})
	if err != nil {
		s.respondDomainError(w, err, "failed to start workflow")
		return
	}
	respondJSON(w, http.StatusAccepted, newInstanceResponse(inst, nil))
}
