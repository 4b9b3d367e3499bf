package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

// O PEXPIREAT só é aplicado quando a chave ainda não tem TTL: a expiração da
// janela é agendada uma única vez, como no ator em memória.
const incrementLua = `
local current = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
return current
`

// Counter é um WindowCounter compartilhado entre nós via Redis.
type Counter struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

var _ ports.WindowCounter = (*Counter)(nil)

func NewCounter(client *redis.Client) (*Counter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Counter{
		client: client,
		script: redis.NewScript(incrementLua),
		prefix: "ratelimit:",
	}, nil
}

// Increment soma cost ao contador da janela que termina em reset.
func (c *Counter) Increment(ctx context.Context, key domain.CounterKey, cost int64, reset time.Time) (int64, error) {
	if cost < 0 {
		return 0, fmt.Errorf("%w: cost must not be negative", domain.ErrValidation)
	}
	resetMs := reset.UnixMilli()

	current, err := c.script.Run(ctx, c.client, []string{c.windowKey(key, resetMs)}, cost, resetMs).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: redis increment: %w", domain.ErrTransport, err)
	}
	return current, nil
}

// windowKey inclui o fim da janela para que janelas consecutivas nunca
// compartilhem contador, mesmo que o TTL ainda não tenha vencido.
func (c *Counter) windowKey(key domain.CounterKey, resetMs int64) string {
	return c.prefix + key.String() + ":" + strconv.FormatInt(resetMs, 10)
}
