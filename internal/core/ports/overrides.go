package ports

import (
	"context"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
)

// OverrideStore persiste overrides por (namespace, padrão de identificador).
//
// Set faz upsert (last-write-wins) preservando CreatedAt do registro anterior.
// Delete de uma chave inexistente não é erro.
// List pagina com cursor opaco; next vazio indica a última página.
type OverrideStore interface {
	Set(ctx context.Context, o domain.Override) (domain.Override, error)
	Get(ctx context.Context, namespace, pattern string) (domain.Override, error)
	Delete(ctx context.Context, namespace, pattern string) error
	List(ctx context.Context, namespace, cursor string, limit int) (page []domain.Override, next string, err error)
}
