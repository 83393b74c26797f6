package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"swabbr-live/internal/lifecycle"
	"swabbr-live/internal/models"
)

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func (h *Handler) hookAuthorized(r *http.Request) bool {
	token := strings.TrimSpace(h.HookToken)
	if token == "" || r == nil {
		return false
	}

	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(token, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}

	if queryToken := strings.TrimSpace(r.URL.Query().Get("token")); queryToken != "" {
		if constantTimeEqual(token, queryToken) {
			return true
		}
	}

	return false
}

func normalizeHookAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	normalized = strings.TrimPrefix(normalized, "on_")
	switch normalized {
	case "publish", "connect":
		return "connected"
	case "unpublish", "disconnect":
		return "disconnected"
	}
	return normalized
}

type ingestHookRequest struct {
	Action     string    `json:"action"`
	ResourceID string    `json:"resourceId"`
	UserID     string    `json:"userId,omitempty"`
	OccurredAt time.Time `json:"occurredAt,omitempty"`
}

type ingestHookResponse struct {
	Status         string `json:"status"`
	Action         string `json:"action"`
	ResourceID     string `json:"resourceId,omitempty"`
	ResourceStatus string `json:"resourceStatus,omitempty"`
}

// IngestHook receives encoder connect/disconnect callbacks from the media
// provider. ResourceID carries the provider-side identifier. Stale
// callbacks answer 200 so the provider stops retrying events that no
// longer apply.
func (h *Handler) IngestHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.hookAuthorized(r) {
		h.logger().Warn("ingest hook rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req ingestHookRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := decodeJSONAllowUnknown(r, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	if req.ResourceID == "" {
		req.ResourceID = r.URL.Query().Get("resource")
	}

	action := normalizeHookAction(req.Action)
	if action == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("action is required"))
		return
	}
	if strings.TrimSpace(req.ResourceID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("resourceId is required"))
		return
	}
	eventTime := req.OccurredAt
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}

	var (
		resource models.LivestreamResource
		err      error
	)
	switch action {
	case "connected":
		resource, err = h.Lifecycle.EncoderConnected(r.Context(), req.ResourceID, req.UserID, eventTime)
	case "disconnected":
		resource, err = h.Lifecycle.EncoderDisconnected(r.Context(), req.ResourceID, req.UserID, eventTime)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", req.Action))
		return
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ingestHookResponse{
			Status:         "ok",
			Action:         action,
			ResourceID:     resource.ID,
			ResourceStatus: string(resource.Status),
		})
	case errors.Is(err, lifecycle.ErrStaleEvent):
		// Already settled; acknowledge so the provider drops the event.
		writeJSON(w, http.StatusOK, ingestHookResponse{Status: "ignored", Action: action})
	case errors.Is(err, lifecycle.ErrUnknownResource):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, lifecycle.ErrOwnershipConflict), errors.Is(err, lifecycle.ErrIngestStateMismatch):
		writeError(w, http.StatusConflict, err)
	default:
		h.logger().Error("ingest hook failed",
			"action", action, "resource", req.ResourceID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}
