package ports

import (
	"context"
	"time"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
)

// WindowCounter é o contrato do Window Counter Actor.
//
// Increment soma cost ao contador de key e devolve o valor após o incremento.
// reset só é usado para agendar a expiração quando nenhuma está pendente.
// O contador nunca rejeita com base no valor; o limite é decidido por quem chama.
type WindowCounter interface {
	Increment(ctx context.Context, key domain.CounterKey, cost int64, reset time.Time) (int64, error)
}
