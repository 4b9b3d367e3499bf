package ports

import (
	"context"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
)

// EventEmitter recebe eventos sem bloquear quem chama.
type EventEmitter interface {
	Emit(ev domain.VerificationEvent)
}

// EventSink entrega um evento ao coletor externo de analytics.
type EventSink interface {
	Record(ctx context.Context, ev domain.VerificationEvent) error
}
