// Package actor implementa o Window Counter Actor em processo.
//
// Cada chave (namespace, identificador[, região]) tem exatamente um ator vivo.
// Um ator serializa seus incrementos, agenda uma única expiração por janela e,
// quando ela dispara, apaga todo o seu estado e sai do registro. O próximo
// incremento para a mesma chave cria um ator novo começando do zero.
package actor

import (
	"sync"
	"time"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
)

type windowState struct {
	current         int64
	windowStart     time.Time
	expiryScheduled time.Time
}

type windowActor struct {
	id  string
	key domain.CounterKey

	mu      sync.Mutex
	state   *windowState
	timer   Timer
	retired bool
}

// increment devolve ok=false quando o ator já expirou e saiu do registro;
// nesse caso quem chama deve procurar (ou criar) o ator atual da chave.
func (a *windowActor) increment(r *Registry, cost int64, reset time.Time) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.retired {
		return 0, false
	}

	now := r.now()
	if a.state == nil {
		a.state = &windowState{windowStart: now}
	}
	a.state.current += cost

	if a.state.expiryScheduled.IsZero() {
		delay := reset.Sub(now)
		if delay < 0 {
			delay = 0
		}
		a.state.expiryScheduled = reset
		a.timer = r.scheduler.AfterFunc(delay, func() { r.expire(a) })
	}

	return a.state.current, true
}

// onExpire purga o estado incondicionalmente. Deve ser chamado com a.mu travado.
func (a *windowActor) onExpire() {
	a.state = nil
	a.timer = nil
	a.retired = true
}

func (a *windowActor) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.onExpire()
}
