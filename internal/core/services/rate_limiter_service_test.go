package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JeanGrijp/global-ratelimit/internal/adapters/storage/memory"
	"github.com/JeanGrijp/global-ratelimit/internal/core/actor"
	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
	"github.com/JeanGrijp/global-ratelimit/internal/core/retry"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)

func testNamespaces() domain.Namespaces {
	return domain.Namespaces{
		"api": {Limit: 100, Duration: time.Minute, Mode: domain.ModeSync},
		"geo": {Limit: 10, Duration: time.Minute, Mode: domain.ModeSync, Sharding: domain.ShardingGeo},
	}
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Timeout: 100 * time.Millisecond}
}

// manualScheduler keeps expiry callbacks until the test fires them.
type manualScheduler struct {
	mu    sync.Mutex
	fires []func()
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func (m *manualScheduler) AfterFunc(_ time.Duration, f func()) actor.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fires = append(m.fires, f)
	return noopTimer{}
}

func (m *manualScheduler) fireAll() {
	m.mu.Lock()
	fires := m.fires
	m.fires = nil
	m.mu.Unlock()
	for _, f := range fires {
		f()
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.VerificationEvent
}

func (r *recordingEmitter) Emit(ev domain.VerificationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) all() []domain.VerificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.VerificationEvent(nil), r.events...)
}

// scriptedCounter fails with the queued errors before delegating.
type scriptedCounter struct {
	mu    sync.Mutex
	errs  []error
	calls int
	keys  []domain.CounterKey
	next  *actor.Registry
}

func (c *scriptedCounter) Increment(ctx context.Context, key domain.CounterKey, cost int64, reset time.Time) (int64, error) {
	c.mu.Lock()
	c.calls++
	c.keys = append(c.keys, key)
	var err error
	if len(c.errs) > 0 {
		err = c.errs[0]
		c.errs = c.errs[1:]
	}
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.next.Increment(ctx, key, cost, reset)
}

func (c *scriptedCounter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type alwaysFailing struct {
	err   error
	calls int
}

func (c *alwaysFailing) Increment(context.Context, domain.CounterKey, int64, time.Time) (int64, error) {
	c.calls++
	return 0, c.err
}

type blockingCounter struct{}

func (blockingCounter) Increment(ctx context.Context, _ domain.CounterKey, _ int64, _ time.Time) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func newRegistry(sched *manualScheduler) *actor.Registry {
	return actor.NewRegistry(actor.WithScheduler(sched), actor.WithClock(func() time.Time { return fixedNow }))
}

// newTestLimiter is a helper that fails the test immediately if creation fails.
func newTestLimiter(t *testing.T, counter ports.WindowCounter, resolver *OverrideResolver, emitter *recordingEmitter, cfg Config, opts ...Option) *RateLimiterService {
	t.Helper()
	if cfg.Namespaces == nil {
		cfg.Namespaces = testNamespaces()
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = fastRetry()
	}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)

	var service *RateLimiterService
	var err error
	if emitter == nil {
		service, err = NewRateLimiterService(counter, resolver, nil, cfg, opts...)
	} else {
		service, err = NewRateLimiterService(counter, resolver, emitter, cfg, opts...)
	}
	if err != nil {
		t.Fatalf("failed to create rate limiter service: %v", err)
	}
	t.Cleanup(service.Close)
	return service
}

func TestRateLimiter_ConcreteScenario(t *testing.T) {
	service := newTestLimiter(t, newRegistry(&manualScheduler{}), nil, nil, Config{})
	ctx := context.Background()
	req := domain.LimitRequest{Namespace: "api", Identifier: "user1", Limit: 10, Duration: 60 * time.Second}

	for i := 1; i <= 10; i++ {
		decision, err := service.Limit(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error at call %d: %v", i, err)
		}
		if !decision.Success {
			t.Fatalf("expected call %d to succeed", i)
		}
		if want := int64(10 - i); decision.Remaining != want {
			t.Fatalf("call %d: expected remaining=%d, got %d", i, want, decision.Remaining)
		}
	}

	decision, err := service.Limit(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Success || decision.Remaining != 0 || decision.Limit != 10 {
		t.Fatalf("expected call 11 to be denied with remaining=0 limit=10, got %+v", decision)
	}
	if want := WindowReset(fixedNow, time.Minute); !decision.Reset.Equal(want) {
		t.Fatalf("expected reset %s, got %s", want, decision.Reset)
	}
}

func TestRateLimiter_NewWindowAdmitsAgain(t *testing.T) {
	sched := &manualScheduler{}
	now := fixedNow
	clock := func() time.Time { return now }
	registry := actor.NewRegistry(actor.WithScheduler(sched), actor.WithClock(clock))
	service := newTestLimiter(t, registry, nil, nil, Config{}, WithClock(clock))
	ctx := context.Background()
	req := domain.LimitRequest{Namespace: "api", Identifier: "user1", Limit: 2, Duration: time.Second}

	for i := 0; i < 2; i++ {
		if d, err := service.Limit(ctx, req); err != nil || !d.Success {
			t.Fatalf("expected warmup %d to succeed, decision=%+v err=%v", i+1, d, err)
		}
	}
	if d, _ := service.Limit(ctx, req); d.Success {
		t.Fatalf("expected third call in the same window to be denied")
	}

	now = now.Add(time.Second)
	sched.fireAll()

	d, err := service.Limit(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Success || d.Remaining != 1 {
		t.Fatalf("expected a fresh window with remaining=1, got %+v", d)
	}
}

func TestRateLimiter_OverridePrecedence(t *testing.T) {
	store := memory.NewOverrideStore()
	resolver := NewOverrideResolver(store, time.Minute)
	overrides, err := NewOverrideService(store, resolver, testNamespaces())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	if _, err := overrides.SetOverride(ctx, "api", "vip", 5, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	service := newTestLimiter(t, newRegistry(&manualScheduler{}), resolver, nil, Config{})

	for i := 1; i <= 6; i++ {
		d, err := service.Limit(ctx, domain.LimitRequest{Namespace: "api", Identifier: "vip"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Limit != 5 {
			t.Fatalf("expected override limit 5, got %d", d.Limit)
		}
		if want := i <= 5; d.Success != want {
			t.Fatalf("vip call %d: expected success=%v, got %v", i, want, d.Success)
		}
	}

	for i := 1; i <= 101; i++ {
		d, err := service.Limit(ctx, domain.LimitRequest{Namespace: "api", Identifier: "regular"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := i <= 100; d.Success != want {
			t.Fatalf("regular call %d: expected success=%v, got %v", i, want, d.Success)
		}
	}
}

func TestRateLimiter_OverrideWinsOverRequestLimit(t *testing.T) {
	store := memory.NewOverrideStore()
	_, _ = store.Set(context.Background(), domain.Override{NamespaceID: "api", IdentifierPattern: "key_*", Limit: 1, Duration: time.Minute})
	service := newTestLimiter(t, newRegistry(&manualScheduler{}), NewOverrideResolver(store, 0), nil, Config{})

	d, err := service.Limit(context.Background(), domain.LimitRequest{Namespace: "api", Identifier: "key_123", Limit: 50, Duration: time.Hour})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Limit != 1 {
		t.Fatalf("expected pattern override to replace the request limit, got %d", d.Limit)
	}
}

func TestRateLimiter_ValidationErrors(t *testing.T) {
	counter := &alwaysFailing{err: errors.New("must not be called")}
	service := newTestLimiter(t, counter, nil, nil, Config{})

	tests := []struct {
		name string
		req  domain.LimitRequest
	}{
		{name: "missing namespace", req: domain.LimitRequest{Identifier: "a"}},
		{name: "unknown namespace", req: domain.LimitRequest{Namespace: "nope", Identifier: "a"}},
		{name: "missing identifier", req: domain.LimitRequest{Namespace: "api"}},
		{name: "negative limit", req: domain.LimitRequest{Namespace: "api", Identifier: "a", Limit: -1}},
		{name: "negative cost", req: domain.LimitRequest{Namespace: "api", Identifier: "a", Cost: -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Limit(context.Background(), tt.req)
			if !domain.IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if counter.calls != 0 {
		t.Fatalf("validation errors must not reach the counter, got %d calls", counter.calls)
	}
}

func TestRateLimiter_RetriesTransportErrors(t *testing.T) {
	var logs bytes.Buffer
	counter := &scriptedCounter{
		errs: []error{domain.ErrTransport, fmt.Errorf("%w: connection reset", domain.ErrTransport)},
		next: newRegistry(&manualScheduler{}),
	}
	service := newTestLimiter(t, counter, nil, nil, Config{}, WithLogger(log.New(&logs, "", 0)))

	d, err := service.Limit(context.Background(), domain.LimitRequest{Namespace: "api", Identifier: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Success || d.Degraded || d.Remaining != 99 {
		t.Fatalf("expected a normal decision after retries, got %+v", d)
	}
	if counter.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", counter.callCount())
	}
	for _, want := range []string{"attempt=1/3 backoff=1ms", "attempt=2/3 backoff=2ms"} {
		if !strings.Contains(logs.String(), want) {
			t.Fatalf("expected log to contain %q, got:\n%s", want, logs.String())
		}
	}
}

func TestRateLimiter_FailureModes(t *testing.T) {
	tests := []struct {
		name          string
		mode          domain.FailureMode
		wantSuccess   bool
		wantRemaining int64
	}{
		{name: "default fails open", mode: "", wantSuccess: true, wantRemaining: 100},
		{name: "fail closed", mode: domain.FailClosed, wantSuccess: false, wantRemaining: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &alwaysFailing{err: domain.ErrTransport}
			emitter := &recordingEmitter{}
			service := newTestLimiter(t, counter, nil, emitter, Config{FailureMode: tt.mode}, WithLogger(log.New(&bytes.Buffer{}, "", 0)))

			d, err := service.Limit(context.Background(), domain.LimitRequest{Namespace: "api", Identifier: "a"})
			if err != nil {
				t.Fatalf("exhausted retries must produce a decision, got %v", err)
			}
			if !d.Degraded || d.Success != tt.wantSuccess || d.Remaining != tt.wantRemaining {
				t.Fatalf("unexpected decision %+v", d)
			}
			if counter.calls != 3 {
				t.Fatalf("expected all 3 attempts, got %d", counter.calls)
			}
			events := emitter.all()
			if len(events) != 1 || !events[0].Degraded {
				t.Fatalf("expected one degraded event, got %+v", events)
			}
		})
	}
}

func TestRateLimiter_AttemptTimeoutIsRetryable(t *testing.T) {
	cfg := Config{Retry: retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Timeout: 10 * time.Millisecond}}
	service := newTestLimiter(t, blockingCounter{}, nil, nil, cfg, WithLogger(log.New(&bytes.Buffer{}, "", 0)))

	d, err := service.Limit(context.Background(), domain.LimitRequest{Namespace: "api", Identifier: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Degraded {
		t.Fatalf("expected degraded decision after timeouts, got %+v", d)
	}
}

func TestRateLimiter_CallerCancellationIsReturned(t *testing.T) {
	service := newTestLimiter(t, blockingCounter{}, nil, nil, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	if _, err := service.Limit(ctx, domain.LimitRequest{Namespace: "api", Identifier: "a"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline error, got %v", err)
	}
}

func TestRateLimiter_DoesNotRetryNonTransportErrors(t *testing.T) {
	counter := &alwaysFailing{err: fmt.Errorf("%w: bad reset", domain.ErrValidation)}
	service := newTestLimiter(t, counter, nil, nil, Config{})

	_, err := service.Limit(context.Background(), domain.LimitRequest{Namespace: "api", Identifier: "a"})
	if !domain.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if counter.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", counter.calls)
	}
}

func TestRateLimiter_GeoShardingQualifiesKeyByRegion(t *testing.T) {
	counter := &scriptedCounter{next: newRegistry(&manualScheduler{})}
	service := newTestLimiter(t, counter, nil, nil, Config{Region: "us-east"})
	ctx := context.Background()

	_, _ = service.Limit(ctx, domain.LimitRequest{Namespace: "geo", Identifier: "a"})
	_, _ = service.Limit(ctx, domain.LimitRequest{Namespace: "geo", Identifier: "a", Region: "eu-west"})
	_, _ = service.Limit(ctx, domain.LimitRequest{Namespace: "api", Identifier: "a", Region: "eu-west"})

	want := []domain.CounterKey{
		{Namespace: "geo", Identifier: "a", Region: "us-east"},
		{Namespace: "geo", Identifier: "a", Region: "eu-west"},
		{Namespace: "api", Identifier: "a"},
	}
	for i, k := range want {
		if counter.keys[i] != k {
			t.Fatalf("call %d: expected key %s, got %s", i, k, counter.keys[i])
		}
	}
}

func TestRateLimiter_EmitsOneEventPerDecision(t *testing.T) {
	emitter := &recordingEmitter{}
	service := newTestLimiter(t, newRegistry(&manualScheduler{}), nil, emitter, Config{Region: "sa-east"})

	req := domain.LimitRequest{Namespace: "api", Identifier: "user1", Cost: 4, RequestID: "req_1", IPAddress: "10.0.0.1", UserAgent: "sdk/1.0"}
	d, err := service.Limit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := emitter.all()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.RequestID != "req_1" || ev.NamespaceID != "api" || ev.Identifier != "user1" {
		t.Fatalf("unexpected identity fields %+v", ev)
	}
	if ev.Success != d.Success || ev.Remaining != 96 || ev.Time != fixedNow.UnixMilli() {
		t.Fatalf("unexpected outcome fields %+v", ev)
	}
	if ev.Config.Limit != 100 || ev.Config.Duration != 60000 || ev.Config.Async {
		t.Fatalf("unexpected config %+v", ev.Config)
	}
	if ev.Context.IPAddress != "10.0.0.1" || ev.Context.UserAgent != "sdk/1.0" || ev.Context.Region != "sa-east" {
		t.Fatalf("unexpected context %+v", ev.Context)
	}

	_, _ = service.Limit(context.Background(), domain.LimitRequest{Namespace: "api", Identifier: "user1"})
	events = emitter.all()
	if len(events) != 2 || events[1].RequestID == "" {
		t.Fatalf("expected a generated request id, got %+v", events)
	}
}

func TestRateLimiter_AsyncOvershootIsBounded(t *testing.T) {
	const limit = 10
	registry := newRegistry(&manualScheduler{})
	async := true
	ctx := context.Background()

	strict := newTestLimiter(t, registry, nil, nil, Config{})
	pops := make([]*RateLimiterService, 3)
	for i := range pops {
		pops[i] = newTestLimiter(t, registry, nil, nil, Config{})
	}
	req := domain.LimitRequest{Namespace: "api", Identifier: "shared", Limit: limit, Duration: time.Minute, Async: &async}
	syncReq := req
	syncReq.Async = nil

	admitted := 0
	// cold caches read through synchronously
	for _, pop := range pops {
		if d, _ := pop.Limit(ctx, req); d.Success {
			admitted++
		}
	}
	for i := 0; i < limit-len(pops); i++ {
		if d, _ := strict.Limit(ctx, syncReq); d.Success {
			admitted++
		}
	}
	if admitted != limit {
		t.Fatalf("expected %d admitted before the race, got %d", limit, admitted)
	}

	// every pop answers from a stale cache while its increment is in flight
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	wg.Add(len(pops))
	for _, pop := range pops {
		go func(pop *RateLimiterService) {
			defer wg.Done()
			if d, _ := pop.Limit(ctx, req); d.Success {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(pop)
	}
	wg.Wait()
	for _, pop := range pops {
		pop.Close()
	}

	if admitted > limit+len(pops) {
		t.Fatalf("admitted %d exceeds limit+concurrency=%d", admitted, limit+len(pops))
	}

	for i, pop := range pops {
		d, err := pop.Limit(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Success {
			t.Fatalf("pop %d should have converged and denied, got %+v", i, d)
		}
	}
}

func TestRateLimiter_AsyncDoesNotWaitForCounter(t *testing.T) {
	gate := make(chan struct{})
	counter := &gatedCounter{gate: gate, next: newRegistry(&manualScheduler{})}
	service := newTestLimiter(t, counter, nil, nil, Config{})
	async := true
	req := domain.LimitRequest{Namespace: "api", Identifier: "fast", Async: &async}

	// warm the cache with an ungated call
	counter.setOpen(true)
	if _, err := service.Limit(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	counter.setOpen(false)

	done := make(chan domain.Decision, 1)
	go func() {
		d, _ := service.Limit(context.Background(), req)
		done <- d
	}()

	select {
	case d := <-done:
		if !d.Success || d.Remaining != 98 {
			t.Fatalf("expected cached estimate remaining=98, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("async decision blocked on the counter")
	}
	close(gate)
}

type gatedCounter struct {
	mu     sync.Mutex
	opened bool
	gate   chan struct{}
	next   *actor.Registry
}

func (g *gatedCounter) setOpen(v bool) {
	g.mu.Lock()
	g.opened = v
	g.mu.Unlock()
}

func (g *gatedCounter) Increment(ctx context.Context, key domain.CounterKey, cost int64, reset time.Time) (int64, error) {
	g.mu.Lock()
	opened := g.opened
	g.mu.Unlock()
	if !opened {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return g.next.Increment(ctx, key, cost, reset)
}

func TestWindowCache_SweepDropsFinishedWindows(t *testing.T) {
	now := fixedNow
	cache := newWindowCache(func() time.Time { return now })
	cache.observe("a", 3, now.Add(time.Second))
	cache.observe("b", 3, now.Add(time.Minute))

	now = now.Add(2 * time.Second)
	if removed := cache.sweep(); removed != 1 {
		t.Fatalf("expected one entry swept, got %d", removed)
	}
	if cache.len() != 1 {
		t.Fatalf("expected one entry left, got %d", cache.len())
	}
}

func TestWindowReset_AlignsToEpoch(t *testing.T) {
	now := time.UnixMilli(125_500)
	if got := WindowReset(now, time.Minute); got.UnixMilli() != 180_000 {
		t.Fatalf("expected reset at 180000ms, got %d", got.UnixMilli())
	}
	if got := WindowReset(time.UnixMilli(180_000), time.Minute); got.UnixMilli() != 240_000 {
		t.Fatalf("expected boundary to start the next window, got %d", got.UnixMilli())
	}
}

func TestNewRateLimiterService_RejectsBadConfig(t *testing.T) {
	registry := newRegistry(&manualScheduler{})
	if _, err := NewRateLimiterService(nil, nil, nil, Config{Namespaces: testNamespaces()}); err == nil {
		t.Fatalf("expected error without counter")
	}
	if _, err := NewRateLimiterService(registry, nil, nil, Config{}); err == nil {
		t.Fatalf("expected error without namespaces")
	}
	bad := domain.Namespaces{"x": {Limit: 0, Duration: time.Second}}
	if _, err := NewRateLimiterService(registry, nil, nil, Config{Namespaces: bad}); err == nil {
		t.Fatalf("expected error for invalid namespace default")
	}
	unknownMode := domain.Namespaces{"x": {Limit: 1, Duration: time.Second, Mode: "eventual"}}
	if _, err := NewRateLimiterService(registry, nil, nil, Config{Namespaces: unknownMode}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown mode, got %v", err)
	}
	unknownSharding := domain.Namespaces{"x": {Limit: 1, Duration: time.Second, Sharding: "planet"}}
	if _, err := NewRateLimiterService(registry, nil, nil, Config{Namespaces: unknownSharding}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown sharding, got %v", err)
	}
	if _, err := NewRateLimiterService(registry, nil, nil, Config{Namespaces: testNamespaces(), FailureMode: "maybe"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown failure mode, got %v", err)
	}
}

func TestNewRateLimiterService_DefaultsEmptyModeToSync(t *testing.T) {
	namespaces := domain.Namespaces{"api": {Limit: 10, Duration: time.Minute}}
	service := newTestLimiter(t, newRegistry(&manualScheduler{}), nil, nil, Config{Namespaces: namespaces})

	decision, err := service.Limit(context.Background(), domain.LimitRequest{Namespace: "api", Identifier: "user1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Success || decision.Remaining != 9 {
		t.Fatalf("expected a synchronous decision with remaining 9, got %+v", decision)
	}
	if got := service.config.Namespaces["api"].Mode; got != domain.ModeSync {
		t.Fatalf("expected namespace mode to default to sync, got %q", got)
	}
	if namespaces["api"].Mode != "" {
		t.Fatalf("caller's namespaces must not be modified")
	}
}
