// Package analytics entrega VerificationEvents em segundo plano, sem nunca
// bloquear o caminho da decisão.
package analytics

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
	"github.com/JeanGrijp/global-ratelimit/internal/core/retry"
)

type Options struct {
	QueueSize int
	Workers   int
	// Rate limita as gravações por segundo no sink; zero desativa.
	Rate float64
	// Retry controla as novas tentativas de cada gravação antes de o evento
	// ser contado como falho.
	Retry  retry.Policy
	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.Retry.Attempts <= 0 {
		o.Retry.Attempts = 5
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = 100 * time.Millisecond
	}
	if o.Retry.MaxDelay <= 0 {
		o.Retry.MaxDelay = 2 * time.Second
	}
	if o.Retry.Timeout <= 0 {
		o.Retry.Timeout = 2 * time.Second
	}
	o.Retry = o.Retry.WithDefaults()
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Emitter é uma fila limitada consumida por workers. Eventos que não cabem na
// fila são descartados e registrados no log.
type Emitter struct {
	sink    ports.EventSink
	opts    Options
	queue   chan domain.VerificationEvent
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	failed  atomic.Int64
}

var _ ports.EventEmitter = (*Emitter)(nil)

func NewEmitter(sink ports.EventSink, opts Options) (*Emitter, error) {
	if sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if opts.Rate < 0 {
		return nil, fmt.Errorf("analytics rate must not be negative")
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		sink:   sink,
		opts:   opts,
		queue:  make(chan domain.VerificationEvent, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.Rate > 0 {
		burst := int(opts.Rate)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	for i := 0; i < opts.Workers; i++ {
		e.wg.Add(1)
		go e.work()
	}
	return e, nil
}

// Emit enfileira ev e retorna imediatamente.
func (e *Emitter) Emit(ev domain.VerificationEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.drop(ev, "emitter closed")
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.drop(ev, "queue full")
	}
}

func (e *Emitter) drop(ev domain.VerificationEvent, reason string) {
	n := e.dropped.Add(1)
	e.opts.Logger.Printf("analytics event dropped (%s): namespace=%s requestId=%s total_dropped=%d", reason, ev.NamespaceID, ev.RequestID, n)
}

func (e *Emitter) work() {
	defer e.wg.Done()
	for ev := range e.queue {
		if e.limiter != nil {
			if err := e.limiter.Wait(e.ctx); err != nil {
				e.drop(ev, "shutdown")
				continue
			}
		}
		if err := e.record(ev); err != nil {
			e.failed.Add(1)
			e.opts.Logger.Printf("analytics sink failed: namespace=%s requestId=%s err=%v", ev.NamespaceID, ev.RequestID, err)
		}
	}
}

// record grava ev com retry; só o encerramento do emissor interrompe as
// tentativas antes de se esgotarem.
func (e *Emitter) record(ev domain.VerificationEvent) error {
	op := "analytics record requestId=" + ev.RequestID
	_, err := retry.Do(e.ctx, e.opts.Retry, e.opts.Logger, op, nil, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.sink.Record(ctx, ev)
	})
	return err
}

// Dropped devolve quantos eventos foram descartados desde a criação.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Failed devolve quantos eventos não foram gravados mesmo após as tentativas.
func (e *Emitter) Failed() int64 { return e.failed.Load() }

// Close para de aceitar eventos e drena a fila. Se ctx vencer antes, as
// gravações pendentes são canceladas.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return fmt.Errorf("analytics drain interrupted: %w", ctx.Err())
	}
}
