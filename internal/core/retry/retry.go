// Package retry repete operações sobre transporte com backoff exponencial
// limitado. É compartilhado pelo Decision Client e pelo emissor de analytics.
package retry

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy limita as tentativas de uma operação.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Timeout é aplicado a cada tentativa individualmente.
	Timeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  time.Second,
		Timeout:   time.Second,
	}
}

func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// newBackOff dobra a espera a cada falha até MaxDelay, sem jitter, e para
// depois de Attempts-1 repetições ou quando ctx termina.
func (p Policy) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithMaxInterval(p.MaxDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.Attempts-1)), ctx)
}

// Do executa fn até sucesso, erro não repetível, cancelamento de ctx ou
// esgotar as tentativas. retryable nil trata qualquer erro como repetível.
// O último erro é devolvido sem embrulho.
func Do[T any](ctx context.Context, p Policy, logger *log.Logger, op string, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.WithDefaults()
	if logger == nil {
		logger = log.Default()
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		v, err := fn(attemptCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		if retryable != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		logger.Printf("%s failed: attempt=%d/%d backoff=%s err=%v", op, attempt, p.Attempts, wait, err)
	}

	v, err := backoff.RetryNotifyWithData(operation, p.newBackOff(ctx), notify)
	if err != nil && ctx.Err() == nil && attempt == p.Attempts && (retryable == nil || retryable(err)) {
		logger.Printf("%s failed: attempts exhausted (%d) err=%v", op, p.Attempts, err)
	}
	return v, err
}
