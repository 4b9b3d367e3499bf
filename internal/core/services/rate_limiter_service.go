package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
	"github.com/JeanGrijp/global-ratelimit/internal/core/retry"
)

// Config agrega os parâmetros do Decision Client.
type Config struct {
	Namespaces domain.Namespaces
	// Region identifica este ponto de presença; usada no sharding geo e nos eventos.
	Region      string
	Retry       retry.Policy
	FailureMode domain.FailureMode
}

// RateLimiterService é o Decision Client: resolve a configuração efetiva,
// consulta o Window Counter Actor com a estratégia sync ou async e emite um
// VerificationEvent por decisão.
type RateLimiterService struct {
	counter  ports.WindowCounter
	resolver *OverrideResolver
	emitter  ports.EventEmitter
	config   Config

	logger *log.Logger
	now    func() time.Time

	cache      *windowCache
	background sync.WaitGroup
	strategies map[domain.Mode]consistencyStrategy
}

var _ ports.RateLimiter = (*RateLimiterService)(nil)

type Option func(*RateLimiterService)

func WithLogger(l *log.Logger) Option {
	return func(s *RateLimiterService) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *RateLimiterService) { s.now = now }
}

// NewRateLimiterService cria uma nova instância do serviço.
// resolver e emitter podem ser nil.
func NewRateLimiterService(counter ports.WindowCounter, resolver *OverrideResolver, emitter ports.EventEmitter, cfg Config, opts ...Option) (*RateLimiterService, error) {
	if counter == nil {
		return nil, fmt.Errorf("counter is required")
	}
	if len(cfg.Namespaces) == 0 {
		return nil, fmt.Errorf("at least one namespace is required")
	}
	namespaces := make(domain.Namespaces, len(cfg.Namespaces))
	for name, ns := range cfg.Namespaces {
		if ns.Mode == "" {
			ns.Mode = domain.ModeSync
		}
		if err := ns.Validate(); err != nil {
			return nil, fmt.Errorf("namespace %s: %w", name, err)
		}
		namespaces[name] = ns
	}
	cfg.Namespaces = namespaces
	if _, err := domain.ParseFailureMode(string(cfg.FailureMode)); err != nil {
		return nil, err
	}
	if cfg.FailureMode == "" {
		cfg.FailureMode = domain.FailOpen
	}
	cfg.Retry = cfg.Retry.WithDefaults()

	s := &RateLimiterService{
		counter:  counter,
		resolver: resolver,
		emitter:  emitter,
		config:   cfg,
		logger:   log.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = newWindowCache(s.now)
	s.strategies = map[domain.Mode]consistencyStrategy{
		domain.ModeSync:  syncStrategy{s: s},
		domain.ModeAsync: asyncStrategy{s: s},
	}
	return s, nil
}

// Limit decide se req pode consumir mais cost unidades na janela atual.
//
// Erros de validação voltam direto. Falhas de transporte esgotadas viram uma
// decisão degradada conforme FailureMode; só o cancelamento do ctx de quem
// chama é devolvido como erro.
func (s *RateLimiterService) Limit(ctx context.Context, req domain.LimitRequest) (domain.Decision, error) {
	start := time.Now()

	cfg, err := s.resolveConfig(ctx, req)
	if err != nil {
		return domain.Decision{}, err
	}
	cost := req.Cost
	if cost < 0 {
		return domain.Decision{}, fmt.Errorf("%w: cost must not be negative", domain.ErrValidation)
	}
	if cost == 0 {
		cost = 1
	}

	mode := cfg.Mode
	if req.Async != nil {
		mode = domain.ModeSync
		if *req.Async {
			mode = domain.ModeAsync
		}
	}

	now := s.now()
	reset := WindowReset(now, cfg.Duration)
	call := counterCall{key: s.counterKey(req, cfg), cost: cost, reset: reset}

	var decision domain.Decision
	current, err := s.strategies[mode].current(ctx, call)
	switch {
	case err == nil:
		decision = domain.Decision{
			Success:   current <= cfg.Limit,
			Remaining: max(0, cfg.Limit-current),
			Reset:     reset,
			Limit:     cfg.Limit,
		}
	case ctx.Err() != nil:
		return domain.Decision{}, ctx.Err()
	case domain.IsValidationError(err):
		return domain.Decision{}, err
	default:
		s.logger.Printf("rate limiter backend unavailable for %s, failing %s: %v", call.key, s.config.FailureMode, err)
		decision = s.failureDecision(cfg, reset)
	}
	decision.ServiceLatency = time.Since(start)

	s.emit(req, cfg, mode, decision, now)
	return decision, nil
}

func (s *RateLimiterService) resolveConfig(ctx context.Context, req domain.LimitRequest) (domain.RateLimitConfig, error) {
	if strings.TrimSpace(req.Namespace) == "" {
		return domain.RateLimitConfig{}, fmt.Errorf("%w: namespace is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.Identifier) == "" {
		return domain.RateLimitConfig{}, fmt.Errorf("%w: identifier is required", domain.ErrValidation)
	}
	if req.Limit < 0 || req.Duration < 0 {
		return domain.RateLimitConfig{}, fmt.Errorf("%w: limit and duration must not be negative", domain.ErrValidation)
	}

	cfg, err := s.config.Namespaces.Lookup(req.Namespace)
	if err != nil {
		return domain.RateLimitConfig{}, err
	}
	if req.Limit > 0 {
		cfg.Limit = req.Limit
	}
	if req.Duration > 0 {
		cfg.Duration = req.Duration
	}

	override, ok, err := s.resolver.Resolve(ctx, req.Namespace, req.Identifier)
	if err != nil {
		s.logger.Printf("override lookup failed for %s/%s, using defaults: %v", req.Namespace, req.Identifier, err)
	} else if ok {
		cfg.Limit = override.Limit
		cfg.Duration = override.Duration
	}

	if err := cfg.Validate(); err != nil {
		return domain.RateLimitConfig{}, err
	}
	return cfg, nil
}

func (s *RateLimiterService) counterKey(req domain.LimitRequest, cfg domain.RateLimitConfig) domain.CounterKey {
	key := domain.CounterKey{Namespace: req.Namespace, Identifier: req.Identifier}
	if cfg.Sharding == domain.ShardingGeo {
		key.Region = req.Region
		if key.Region == "" {
			key.Region = s.config.Region
		}
	}
	return key
}

func (s *RateLimiterService) increment(ctx context.Context, call counterCall) (int64, error) {
	return retry.Do(ctx, s.config.Retry, s.logger, "increment "+call.key.String(), domain.IsRetryable, func(ctx context.Context) (int64, error) {
		return s.counter.Increment(ctx, call.key, call.cost, call.reset)
	})
}

func (s *RateLimiterService) failureDecision(cfg domain.RateLimitConfig, reset time.Time) domain.Decision {
	d := domain.Decision{Reset: reset, Limit: cfg.Limit, Degraded: true}
	if s.config.FailureMode == domain.FailOpen {
		d.Success = true
		d.Remaining = cfg.Limit
	}
	return d
}

func (s *RateLimiterService) emit(req domain.LimitRequest, cfg domain.RateLimitConfig, mode domain.Mode, d domain.Decision, at time.Time) {
	if s.emitter == nil {
		return
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	region := req.Region
	if region == "" {
		region = s.config.Region
	}
	s.emitter.Emit(domain.VerificationEvent{
		NamespaceID:    req.Namespace,
		Identifier:     req.Identifier,
		RequestID:      requestID,
		Time:           at.UnixMilli(),
		ServiceLatency: float64(d.ServiceLatency.Microseconds()) / 1000,
		Success:        d.Success,
		Remaining:      d.Remaining,
		Degraded:       d.Degraded,
		Config: domain.EventConfig{
			Limit:    cfg.Limit,
			Duration: cfg.DurationMs(),
			Async:    mode == domain.ModeAsync,
			Sharding: cfg.Sharding,
		},
		Context: domain.EventContext{
			IPAddress: req.IPAddress,
			UserAgent: req.UserAgent,
			Region:    region,
		},
	})
}

func (s *RateLimiterService) backgroundTimeout() time.Duration {
	p := s.config.Retry
	return time.Duration(p.Attempts) * (p.Timeout + p.MaxDelay)
}

// StartJanitor remove periodicamente do cache async as janelas encerradas.
// Pare cancelando o contexto.
func (s *RateLimiterService) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.cache.sweep()
			}
		}
	}()
}

// Close espera os incrementos async em andamento.
func (s *RateLimiterService) Close() {
	s.background.Wait()
}

// WindowReset devolve o fim da janela fixa que contém now, alinhada à época Unix.
func WindowReset(now time.Time, d time.Duration) time.Time {
	ms := d.Milliseconds()
	if ms <= 0 {
		return now
	}
	window := now.UnixMilli() / ms
	return time.UnixMilli((window + 1) * ms)
}
