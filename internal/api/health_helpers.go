package api

import (
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

// Health reports overall service health, checking the datastore.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	overallStatus := "ok"
	statusCode := http.StatusOK

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		status := componentStatus{Component: "datastore", Status: "ok"}
		if err := h.Store.Ping(r.Context()); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	if h.ProviderPing != nil {
		status := componentStatus{Component: "provider", Status: "ok"}
		if err := h.ProviderPing(r.Context()); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}

	writeJSON(w, statusCode, healthResponse{Status: overallStatus, Components: components})
}
