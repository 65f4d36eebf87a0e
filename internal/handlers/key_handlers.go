package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/akagifreeez/aiverse/internal/models"
	"github.com/akagifreeez/aiverse/internal/services"
	"github.com/akagifreeez/aiverse/internal/store"
	"github.com/akagifreeez/aiverse/pkg/providers"
)

type KeyHandler struct {
	keyManager *services.KeyManager
}

func NewKeyHandler(km *services.KeyManager) *KeyHandler {
	return &KeyHandler{keyManager: km}
}

// Stats returns per-provider aggregates
// GET /api/v1/admin/keys/stats
func (h *KeyHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.keyManager.StatsByProvider(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to load key stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListKeys returns masked keys, optionally filtered by ?provider=
// GET /api/v1/admin/keys
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}

	keys, err := h.keyManager.ListKeys(r.Context(), provider)
	if err != nil {
		h.fail(w, err, "Failed to list keys")
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// AddKey stores a single key
// POST /api/v1/admin/keys
func (h *KeyHandler) AddKey(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Provider string `json:"provider"`
		Key      string `json:"key"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid input")
		return
	}

	provider, ok := models.ParseProvider(input.Provider)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown provider")
		return
	}
	if input.Key == "" {
		writeError(w, http.StatusBadRequest, "Key is required")
		return
	}

	rec, err := h.keyManager.AddKey(r.Context(), provider, input.Key)
	if err != nil {
		h.fail(w, err, "Failed to add key")
		return
	}
	writeJSON(w, http.StatusCreated, rec.View())
}

// ImportKeys bulk-imports keys given as a list or as pasted text
// POST /api/v1/admin/keys/import
func (h *KeyHandler) ImportKeys(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Provider string   `json:"provider"`
		Keys     []string `json:"keys"`
		Text     string   `json:"text"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid input")
		return
	}

	provider, ok := models.ParseProvider(input.Provider)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown provider")
		return
	}

	raws := append(input.Keys, services.ParseKeyList(input.Text)...)
	result, err := h.keyManager.ImportBulk(r.Context(), provider, raws)
	if err != nil {
		log.Error().Err(err).Str("provider", string(provider)).Msg("Bulk import failed")
		writeError(w, http.StatusServiceUnavailable, "Key store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SetStatus enables or disables a key
// PUT /api/v1/admin/keys/{id}/status
func (h *KeyHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input struct {
		IsActive *bool `json:"is_active"`
	}
	if err := decodeJSON(w, r, &input); err != nil || input.IsActive == nil {
		writeError(w, http.StatusBadRequest, "is_active is required")
		return
	}

	view, err := h.keyManager.SetActive(r.Context(), id, *input.IsActive)
	if err != nil {
		h.fail(w, err, "Failed to update key")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DeleteKey removes a key
// DELETE /api/v1/admin/keys/{id}
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.keyManager.DeleteKey(r.Context(), id); err != nil {
		h.fail(w, err, "Failed to delete key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// TestKey probes one key. A failed probe is still a 200.
// POST /api/v1/admin/keys/{id}/test
func (h *KeyHandler) TestKey(w http.ResponseWriter, r *http.Request) {
	res, err := h.keyManager.Test(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "Failed to test key")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Quota reports provider quota for a key
// GET /api/v1/admin/keys/{id}/quota
func (h *KeyHandler) Quota(w http.ResponseWriter, r *http.Request) {
	info, err := h.keyManager.Quota(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "Failed to check quota")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// TestAll probes every key of ?provider= (all providers when omitted)
// POST /api/v1/admin/keys/test-all
func (h *KeyHandler) TestAll(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}

	results, err := h.keyManager.TestAll(r.Context(), provider)
	if err != nil {
		h.fail(w, err, "Failed to test keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]services.TestResult{"results": results})
}

// fail maps domain errors onto HTTP statuses. Unexpected errors are logged
// and hidden behind msg.
func (h *KeyHandler) fail(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Key not found")
	case errors.Is(err, store.ErrDuplicateKey):
		writeError(w, http.StatusConflict, "Key already exists")
	case errors.Is(err, providers.ErrInvalidKeyFormat), errors.Is(err, providers.ErrUnsupportedProvider):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func providerParam(w http.ResponseWriter, r *http.Request) (models.Provider, bool) {
	raw := r.URL.Query().Get("provider")
	if raw == "" {
		return "", true
	}
	provider, ok := models.ParseProvider(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown provider")
		return "", false
	}
	return provider, true
}
