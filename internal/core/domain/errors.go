package domain

import (
	"context"
	"errors"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrUnknownNamespace = errors.New("unknown namespace")
	ErrOverrideNotFound = errors.New("override not found")
	ErrTransport        = errors.New("counter transport error")
)

// IsValidationError cobre erros de entrada que nunca devem ser repetidos.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrUnknownNamespace)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrOverrideNotFound)
}

// IsRetryable indica falhas de transporte ao falar com o contador.
func IsRetryable(err error) bool {
	if err == nil || IsValidationError(err) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded)
}
