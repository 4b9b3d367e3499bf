package handlers

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

// ActorIncrementPath é a rota interna servida por todo nó que hospeda atores.
const ActorIncrementPath = "/internal/actors/{namespace}/{identifier}/increment"

type incrementRequest struct {
	Reset int64 `json:"reset"`
	Cost  int64 `json:"cost"`
}

type incrementResponse struct {
	Current int64 `json:"current"`
}

// ActorHandler expõe o Window Counter local para Decision Clients remotos.
type ActorHandler struct {
	counter ports.WindowCounter
}

func NewActorHandler(counter ports.WindowCounter) *ActorHandler {
	return &ActorHandler{counter: counter}
}

func (h *ActorHandler) Increment(w http.ResponseWriter, r *http.Request) {
	namespace, err := pathParam(r, "namespace")
	if err != nil {
		writeError(w, err)
		return
	}
	identifier, err := pathParam(r, "identifier")
	if err != nil {
		writeError(w, err)
		return
	}

	var body incrementRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Reset <= 0 {
		writeError(w, fmt.Errorf("%w: reset is required", domain.ErrValidation))
		return
	}
	if body.Cost == 0 {
		body.Cost = 1
	}

	key := domain.CounterKey{Namespace: namespace, Identifier: identifier, Region: r.URL.Query().Get("region")}
	current, err := h.counter.Increment(r.Context(), key, body.Cost, time.UnixMilli(body.Reset))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, incrementResponse{Current: current})
}

// pathParam lê um segmento da rota. O chi roteia sobre RawPath quando ele
// existe, e nesse caso o valor ainda vem escapado.
func pathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(v)
		if err != nil {
			return "", fmt.Errorf("%w: invalid %s: %v", domain.ErrValidation, name, err)
		}
		v = unescaped
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", domain.ErrValidation, name)
	}
	return v, nil
}
