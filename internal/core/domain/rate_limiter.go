// Package domain concentra entidades e estruturas centrais do rate limiter.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Mode define o ponto de consistência da decisão.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Sharding define como a identidade do ator é derivada.
type Sharding string

const (
	ShardingNone Sharding = ""
	// ShardingGeo mantém um contador por região. O limite efetivo de um
	// identificador passa a ser, no pior caso, limit × número de regiões ativas.
	ShardingGeo Sharding = "geo"
)

// FailureMode decide o resultado quando o contador está inacessível.
type FailureMode string

const (
	FailOpen   FailureMode = "open"
	FailClosed FailureMode = "closed"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSync:
		return ModeSync, nil
	case ModeAsync:
		return ModeAsync, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrValidation, s)
	}
}

func ParseSharding(s string) (Sharding, error) {
	switch Sharding(strings.ToLower(strings.TrimSpace(s))) {
	case ShardingNone, "none":
		return ShardingNone, nil
	case ShardingGeo:
		return ShardingGeo, nil
	default:
		return "", fmt.Errorf("%w: unknown sharding %q", ErrValidation, s)
	}
}

func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("%w: unknown failure mode %q", ErrValidation, s)
	}
}

// RateLimitConfig é a configuração efetiva aplicada a uma decisão.
type RateLimitConfig struct {
	Limit    int64
	Duration time.Duration
	Mode     Mode
	Sharding Sharding
}

// DurationMs devolve a janela em milissegundos, unidade usada no contrato REST.
func (c RateLimitConfig) DurationMs() int64 {
	return c.Duration.Milliseconds()
}

func (c RateLimitConfig) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrValidation)
	}
	if c.Duration < time.Millisecond {
		return fmt.Errorf("%w: duration must be at least 1ms", ErrValidation)
	}
	switch c.Mode {
	case "", ModeSync, ModeAsync:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, c.Mode)
	}
	switch c.Sharding {
	case ShardingNone, ShardingGeo:
	default:
		return fmt.Errorf("%w: unknown sharding %q", ErrValidation, c.Sharding)
	}
	return nil
}

// MaxDurationMs é a maior janela em milissegundos que cabe em time.Duration.
const MaxDurationMs = math.MaxInt64 / int64(time.Millisecond)

// DurationFromMillis converte milissegundos recebidos de fora em time.Duration,
// recusando valores que estourariam a conversão.
func DurationFromMillis(ms int64) (time.Duration, error) {
	if ms > MaxDurationMs || ms < -MaxDurationMs {
		return 0, fmt.Errorf("%w: duration must be at most %dms", ErrValidation, MaxDurationMs)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Namespaces mapeia o nome do namespace para sua configuração padrão.
type Namespaces map[string]RateLimitConfig

func (n Namespaces) Lookup(name string) (RateLimitConfig, error) {
	cfg, ok := n[name]
	if !ok {
		return RateLimitConfig{}, fmt.Errorf("%w: %s", ErrUnknownNamespace, name)
	}
	return cfg, nil
}

// CounterKey identifica exatamente uma instância do Window Counter Actor.
type CounterKey struct {
	Namespace  string
	Identifier string
	Region     string
}

func (k CounterKey) String() string {
	if k.Region == "" {
		return k.Namespace + "::" + k.Identifier
	}
	return k.Namespace + "::" + k.Identifier + "::" + k.Region
}

// LimitRequest é o pedido recebido pelo Decision Client.
type LimitRequest struct {
	Namespace  string
	Identifier string
	// Limit e Duration substituem o padrão do namespace quando positivos.
	Limit    int64
	Duration time.Duration
	// Cost é o número de unidades consumidas; zero significa 1.
	Cost  int64
	Async *bool

	RequestID string
	IPAddress string
	UserAgent string
	Region    string
}

// Decision é o resultado efêmero de uma verificação.
type Decision struct {
	Success        bool
	Remaining      int64
	Reset          time.Time
	Limit          int64
	ServiceLatency time.Duration
	// Degraded indica que o contador não respondeu e a política de falha decidiu.
	Degraded bool
}

// Override é uma exceção definida pelo operador para um identificador ou padrão.
type Override struct {
	NamespaceID       string
	IdentifierPattern string
	Limit             int64
	Duration          time.Duration
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (o Override) Validate() error {
	if strings.TrimSpace(o.NamespaceID) == "" {
		return fmt.Errorf("%w: namespace is required", ErrValidation)
	}
	if strings.TrimSpace(o.IdentifierPattern) == "" {
		return fmt.Errorf("%w: identifier is required", ErrValidation)
	}
	if o.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrValidation)
	}
	if o.Duration < time.Millisecond {
		return fmt.Errorf("%w: duration must be at least 1ms", ErrValidation)
	}
	return nil
}

// VerificationEvent é o registro append-only emitido para cada decisão.
type VerificationEvent struct {
	NamespaceID    string       `json:"namespaceId"`
	Identifier     string       `json:"identifier"`
	RequestID      string       `json:"requestId"`
	Time           int64        `json:"time"`
	ServiceLatency float64      `json:"serviceLatency"`
	Success        bool         `json:"success"`
	Remaining      int64        `json:"remaining"`
	Degraded       bool         `json:"degraded,omitempty"`
	Config         EventConfig  `json:"config"`
	Context        EventContext `json:"context"`
}

type EventConfig struct {
	Limit    int64    `json:"limit"`
	Duration int64    `json:"duration"`
	Async    bool     `json:"async"`
	Sharding Sharding `json:"sharding,omitempty"`
}

type EventContext struct {
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent,omitempty"`
	Region    string `json:"region,omitempty"`
}
