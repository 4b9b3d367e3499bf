// Package handlers agrupa os handlers HTTP da API de rate limit.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"
	message := http.StatusText(http.StatusInternalServerError)

	switch {
	case domain.IsNotFound(err):
		status, code, message = http.StatusNotFound, "NOT_FOUND", err.Error()
	case domain.IsValidationError(err):
		status, code, message = http.StatusBadRequest, "BAD_REQUEST", err.Error()
	default:
		log.Printf("request failed: %v", err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// decodeJSON lê o corpo em dst; corpo malformado vira erro de validação.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", domain.ErrValidation)
		}
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
	}
	return nil
}
