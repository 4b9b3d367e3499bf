package handlers

import (
	"net/http"
	"strings"

	"github.com/JeanGrijp/global-ratelimit/internal/adapters/http/middleware"
	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

type limitRequest struct {
	Namespace  string `json:"namespace"`
	Identifier string `json:"identifier"`
	Limit      int64  `json:"limit"`
	Duration   int64  `json:"duration"`
	Cost       int64  `json:"cost"`
	Async      *bool  `json:"async"`
}

type limitResponse struct {
	Success   bool  `json:"success"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"`
	Limit     int64 `json:"limit"`
	Degraded  bool  `json:"degraded,omitempty"`
}

// RateLimitHandler expõe o Decision Client em POST /v1/ratelimits.limit.
type RateLimitHandler struct {
	limiter ports.RateLimiter
}

func NewRateLimitHandler(limiter ports.RateLimiter) *RateLimitHandler {
	return &RateLimitHandler{limiter: limiter}
}

func (h *RateLimitHandler) Limit(w http.ResponseWriter, r *http.Request) {
	var body limitRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	duration, err := domain.DurationFromMillis(body.Duration)
	if err != nil {
		writeError(w, err)
		return
	}

	decision, err := h.limiter.Limit(r.Context(), domain.LimitRequest{
		Namespace:  body.Namespace,
		Identifier: body.Identifier,
		Limit:      body.Limit,
		Duration:   duration,
		Cost:       body.Cost,
		Async:      body.Async,
		RequestID:  strings.TrimSpace(r.Header.Get("X-Request-Id")),
		IPAddress:  middleware.ClientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, limitResponse{
		Success:   decision.Success,
		Remaining: decision.Remaining,
		Reset:     decision.Reset.UnixMilli(),
		Limit:     decision.Limit,
		Degraded:  decision.Degraded,
	})
}
