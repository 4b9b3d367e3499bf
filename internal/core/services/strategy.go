package services

import (
	"context"
	"sync"
	"time"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
)

// counterCall agrupa o que uma estratégia precisa para obter o contador.
type counterCall struct {
	key   domain.CounterKey
	cost  int64
	reset time.Time
}

// consistencyStrategy varia apenas o ponto de consistência da decisão:
// bloquear no ator (sync) ou responder do cache local (async).
type consistencyStrategy interface {
	current(ctx context.Context, call counterCall) (int64, error)
}

type syncStrategy struct {
	s *RateLimiterService
}

func (st syncStrategy) current(ctx context.Context, call counterCall) (int64, error) {
	return st.s.increment(ctx, call)
}

type asyncStrategy struct {
	s *RateLimiterService
}

// current responde com a estimativa em cache e dispara o incremento em
// segundo plano. Sem cache para a chave, faz uma chamada síncrona para
// estabelecer a base.
func (st asyncStrategy) current(ctx context.Context, call counterCall) (int64, error) {
	estimate, hit := st.s.cache.add(call.key.String(), call.cost, call.reset)
	if !hit {
		current, err := st.s.increment(ctx, call)
		if err != nil {
			return 0, err
		}
		st.s.cache.observe(call.key.String(), current, call.reset)
		return current, nil
	}

	st.s.background.Add(1)
	go func() {
		defer st.s.background.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), st.s.backgroundTimeout())
		defer cancel()

		current, err := st.s.increment(bgCtx, call)
		if err != nil {
			st.s.logger.Printf("async increment for %s dropped: %v", call.key, err)
			return
		}
		st.s.cache.observe(call.key.String(), current, call.reset)
	}()

	return estimate, nil
}

type cachedWindow struct {
	current int64
	reset   time.Time
}

// windowCache guarda a última contagem conhecida por chave de contador.
type windowCache struct {
	mu      sync.Mutex
	entries map[string]*cachedWindow
	now     func() time.Time
}

func newWindowCache(now func() time.Time) *windowCache {
	return &windowCache{entries: make(map[string]*cachedWindow), now: now}
}

// add soma cost à estimativa local. hit=false quando não há base para a chave.
// Uma entrada de janela anterior vale como janela nova vazia.
func (c *windowCache) add(key string, cost int64, reset time.Time) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	if !e.reset.Equal(reset) {
		if e.reset.After(reset) {
			// relógio local voltou; não há base confiável
			return 0, false
		}
		e.current = 0
		e.reset = reset
	}
	e.current += cost
	return e.current, true
}

// observe incorpora o valor autoritativo do ator, sem nunca diminuir a estimativa.
func (c *windowCache) observe(key string, current int64, reset time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || reset.After(e.reset) {
		c.entries[key] = &cachedWindow{current: current, reset: reset}
		return
	}
	if reset.Equal(e.reset) && current > e.current {
		e.current = current
	}
}

// sweep remove entradas cujas janelas já terminaram.
func (c *windowCache) sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !e.reset.After(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *windowCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
