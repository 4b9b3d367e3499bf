// Package ports define contratos que conectam o domínio a implementações externas.
package ports

import (
	"context"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
)

type RateLimiter interface {
	Limit(ctx context.Context, req domain.LimitRequest) (domain.Decision, error)
}
