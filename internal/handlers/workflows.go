package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/werkstatt-flow/api/internal/platform/auth"
	"github.com/werkstatt-flow/api/internal/platform/httpx"
	"github.com/werkstatt-flow/api/internal/workflow"
)

// WorkflowHandlers lists the service workflows so clients can render progress bars.
type WorkflowHandlers struct {
	authn   *auth.Authenticator
	catalog *workflow.Catalog
}

func NewWorkflowHandlers(authn *auth.Authenticator, catalog *workflow.Catalog) *WorkflowHandlers {
	return &WorkflowHandlers{authn: authn, catalog: catalog}
}

// Routes registers the /workflows endpoints.
func (h *WorkflowHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.list)
}

type workflowPayload struct {
	Service string            `json:"service"`
	Label   string            `json:"label"`
	Steps   []string          `json:"steps"`
	Portal  map[string]string `json:"portal_statuses"`
}

func (h *WorkflowHandlers) list(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeUnavailable(r.Context(), w, "workflow")
		return
	}
	out := make([]workflowPayload, 0, len(h.catalog.Services()))
	for _, service := range h.catalog.Services() {
		def, err := h.catalog.Definition(service)
		if err != nil {
			continue
		}
		portal := make(map[string]string, len(def.Steps))
		for _, step := range def.Steps {
			portal[step] = h.catalog.PortalStatus(service, step)
		}
		out = append(out, workflowPayload{
			Service: string(service),
			Label:   def.Label,
			Steps:   def.Steps,
			Portal:  portal,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"workflows": out})
}
