package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
)

// OverrideManager é a superfície de gestão usada pelos handlers.
type OverrideManager interface {
	SetOverride(ctx context.Context, namespace, pattern string, limit int64, duration time.Duration) (domain.Override, error)
	GetOverride(ctx context.Context, namespace, pattern string) (domain.Override, error)
	DeleteOverride(ctx context.Context, namespace, pattern string) error
	ListOverrides(ctx context.Context, namespace, cursor string, limit int) ([]domain.Override, string, error)
}

type overrideJSON struct {
	NamespaceID string `json:"namespaceId"`
	Identifier  string `json:"identifier"`
	Limit       int64  `json:"limit"`
	Duration    int64  `json:"duration"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

func toOverrideJSON(o domain.Override) overrideJSON {
	return overrideJSON{
		NamespaceID: o.NamespaceID,
		Identifier:  o.IdentifierPattern,
		Limit:       o.Limit,
		Duration:    o.Duration.Milliseconds(),
		CreatedAt:   o.CreatedAt.UnixMilli(),
		UpdatedAt:   o.UpdatedAt.UnixMilli(),
	}
}

type setOverrideRequest struct {
	Namespace  string `json:"namespace"`
	Identifier string `json:"identifier"`
	Limit      int64  `json:"limit"`
	Duration   int64  `json:"duration"`
}

type overrideKeyRequest struct {
	Namespace  string `json:"namespace"`
	Identifier string `json:"identifier"`
}

type listOverridesResponse struct {
	Overrides []overrideJSON `json:"overrides"`
	Cursor    string         `json:"cursor,omitempty"`
}

type OverrideHandler struct {
	overrides OverrideManager
}

func NewOverrideHandler(overrides OverrideManager) *OverrideHandler {
	return &OverrideHandler{overrides: overrides}
}

// Set trata POST /v1/ratelimits.setOverride.
func (h *OverrideHandler) Set(w http.ResponseWriter, r *http.Request) {
	var body setOverrideRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	duration, err := domain.DurationFromMillis(body.Duration)
	if err != nil {
		writeError(w, err)
		return
	}
	saved, err := h.overrides.SetOverride(r.Context(), body.Namespace, body.Identifier, body.Limit, duration)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideJSON(saved))
}

// Get trata GET /v1/ratelimits.getOverride?namespace=&identifier=.
func (h *OverrideHandler) Get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	o, err := h.overrides.GetOverride(r.Context(), q.Get("namespace"), q.Get("identifier"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverrideJSON(o))
}

// Delete trata POST /v1/ratelimits.deleteOverride.
func (h *OverrideHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var body overrideKeyRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := h.overrides.DeleteOverride(r.Context(), body.Namespace, body.Identifier); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// List trata GET /v1/ratelimits.listOverrides?namespace=&cursor=&limit=.
func (h *OverrideHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid limit %q", domain.ErrValidation, raw))
			return
		}
		limit = n
	}

	page, next, err := h.overrides.ListOverrides(r.Context(), q.Get("namespace"), q.Get("cursor"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := listOverridesResponse{Overrides: make([]overrideJSON, 0, len(page)), Cursor: next}
	for _, o := range page {
		resp.Overrides = append(resp.Overrides, toOverrideJSON(o))
	}
	writeJSON(w, http.StatusOK, resp)
}
