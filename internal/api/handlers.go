// Package api exposes the HTTP surface: the ingest webhook the media
// provider calls on encoder connect/disconnect, plus health reporting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"swabbr-live/internal/lifecycle"
	"swabbr-live/internal/storage"
)

type Handler struct {
	Store     storage.Repository
	Lifecycle *lifecycle.Manager
	// HookToken authorizes calls to the ingest webhook. Empty rejects all.
	HookToken string
	// ProviderPing probes the video-routing provider for the health report
	// when set.
	ProviderPing func(ctx context.Context) error
	Logger       *slog.Logger
}

func NewHandler(store storage.Repository, manager *lifecycle.Manager) *Handler {
	return &Handler{Store: store, Lifecycle: manager}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSONAllowUnknown(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}
