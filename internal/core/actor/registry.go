package actor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

const defaultShards = 64

// Timer é o subconjunto de *time.Timer usado pelo registro.
type Timer interface {
	Stop() bool
}

// Scheduler agenda callbacks de expiração.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type shard struct {
	mu     sync.Mutex
	actors map[string]*windowActor
}

// Registry hospeda os atores, particionados por hash da chave.
type Registry struct {
	shards    []*shard
	scheduler Scheduler
	now       func() time.Time
	logger    *log.Logger
	onExpire  func(domain.CounterKey)
}

var _ ports.WindowCounter = (*Registry)(nil)

type Option func(*Registry)

func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

func WithScheduler(s Scheduler) Option {
	return func(r *Registry) { r.scheduler = s }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithExpiryHook é chamado depois que um ator expira e sai do registro.
func WithExpiryHook(fn func(domain.CounterKey)) Option {
	return func(r *Registry) { r.onExpire = fn }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		shards:    newShards(defaultShards),
		scheduler: realScheduler{},
		now:       time.Now,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{actors: make(map[string]*windowActor)}
	}
	return shards
}

func (r *Registry) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%uint64(len(r.shards))]
}

// Increment implementa ports.WindowCounter.
func (r *Registry) Increment(ctx context.Context, key domain.CounterKey, cost int64, reset time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cost < 0 {
		return 0, fmt.Errorf("%w: cost must not be negative", domain.ErrValidation)
	}

	id := key.String()
	s := r.shardFor(id)
	for {
		s.mu.Lock()
		a, ok := s.actors[id]
		if !ok {
			a = &windowActor{id: id, key: key}
			s.actors[id] = a
		}
		s.mu.Unlock()

		if current, ok := a.increment(r, cost, reset); ok {
			return current, nil
		}
	}
}

func (r *Registry) expire(a *windowActor) {
	s := r.shardFor(a.id)
	s.mu.Lock()
	a.mu.Lock()
	a.onExpire()
	if s.actors[a.id] == a {
		delete(s.actors, a.id)
	}
	a.mu.Unlock()
	s.mu.Unlock()

	if r.onExpire != nil {
		r.onExpire(a.key)
	}
}

// Len devolve quantos atores estão vivos.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.actors)
		s.mu.Unlock()
	}
	return n
}

// Close cancela todas as expirações pendentes e descarta os atores.
func (r *Registry) Close() {
	stopped := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, a := range s.actors {
			a.stop()
			delete(s.actors, id)
			stopped++
		}
		s.mu.Unlock()
	}
	r.logger.Printf("actor registry closed: %d actors stopped", stopped)
}
