// Package config centraliza o carregamento de configurações da aplicação.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendRemote = "remote"

	SinkNone  = "none"
	SinkLog   = "log"
	SinkRedis = "redis"
	SinkHTTP  = "http"
)

type Config struct {
	Server      ServerConfig
	Counter     CounterConfig
	Storage     StorageConfig
	RateLimiter RateLimiterConfig
	Analytics   AnalyticsConfig
	Gateway     GatewayConfig
}

type ServerConfig struct {
	Port   string
	Region string
}

// CounterConfig escolhe onde vivem os Window Counters.
type CounterConfig struct {
	Backend      string
	ActorURL     string
	ActorTimeout time.Duration
}

type StorageConfig struct {
	OverrideStore    string
	OverrideCacheTTL time.Duration
	Redis            RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type RateLimiterConfig struct {
	Namespaces    domain.Namespaces
	Retry         RetryConfig
	FailureMode   domain.FailureMode
	AsyncCacheTTL time.Duration
	// ManagementNamespace, quando definido, limita as rotas de gestão.
	ManagementNamespace string
}

type AnalyticsConfig struct {
	Sink      string
	URL       string
	Stream    string
	QueueSize int
	Workers   int
	Rate      float64
	// RetryAttempts limita as tentativas de gravação de cada evento.
	RetryAttempts int
}

// GatewayConfig liga o proxy reverso Gin que limita o tráfego para Upstream.
// Fica desligado enquanto Upstream for nil.
type GatewayConfig struct {
	Port      string
	Upstream  *url.URL
	Namespace string
	KeyHeader string
}

func (g GatewayConfig) Enabled() bool {
	return g.Upstream != nil
}

// UsesRedis indica se algum componente precisa de conexão com o Redis.
func (c Config) UsesRedis() bool {
	return c.Counter.Backend == BackendRedis || c.Storage.OverrideStore == BackendRedis || c.Analytics.Sink == SinkRedis
}

func Load() (Config, error) {
	_ = godotenv.Load()

	server := ServerConfig{
		Port:   getEnv("SERVER_PORT", "8080"),
		Region: getEnv("REGION", "local"),
	}

	counter, err := buildCounterConfig()
	if err != nil {
		return Config{}, err
	}

	storage, err := buildStorageConfig()
	if err != nil {
		return Config{}, err
	}

	rateLimiter, err := buildRateLimiterConfig()
	if err != nil {
		return Config{}, err
	}

	analytics, err := buildAnalyticsConfig()
	if err != nil {
		return Config{}, err
	}

	gateway, err := buildGatewayConfig(rateLimiter.Namespaces)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Server:      server,
		Counter:     counter,
		Storage:     storage,
		RateLimiter: rateLimiter,
		Analytics:   analytics,
		Gateway:     gateway,
	}, nil
}

func buildCounterConfig() (CounterConfig, error) {
	backend := strings.ToLower(getEnv("COUNTER_BACKEND", BackendMemory))
	switch backend {
	case BackendMemory, BackendRedis, BackendRemote:
	default:
		return CounterConfig{}, fmt.Errorf("invalid COUNTER_BACKEND: %q", backend)
	}

	timeout, err := getDuration("ACTOR_TIMEOUT", time.Second)
	if err != nil {
		return CounterConfig{}, err
	}

	actorURL := os.Getenv("ACTOR_URL")
	if backend == BackendRemote && strings.TrimSpace(actorURL) == "" {
		return CounterConfig{}, fmt.Errorf("ACTOR_URL is required when COUNTER_BACKEND=remote")
	}

	return CounterConfig{Backend: backend, ActorURL: strings.TrimSpace(actorURL), ActorTimeout: timeout}, nil
}

func buildStorageConfig() (StorageConfig, error) {
	store := strings.ToLower(getEnv("OVERRIDE_STORE", BackendMemory))
	if store != BackendMemory && store != BackendRedis {
		return StorageConfig{}, fmt.Errorf("invalid OVERRIDE_STORE: %q", store)
	}

	ttl, err := getDuration("OVERRIDE_CACHE_TTL", 10*time.Second)
	if err != nil {
		return StorageConfig{}, err
	}

	redisConfig, err := buildRedisConfig()
	if err != nil {
		return StorageConfig{}, err
	}

	return StorageConfig{OverrideStore: store, OverrideCacheTTL: ttl, Redis: redisConfig}, nil
}

func buildRedisConfig() (RedisConfig, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	return RedisConfig{
		Host:     host,
		Port:     port,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

func buildRateLimiterConfig() (RateLimiterConfig, error) {
	namespaces, err := buildNamespaces()
	if err != nil {
		return RateLimiterConfig{}, err
	}

	attempts, err := strconv.Atoi(getEnv("RETRY_ATTEMPTS", "3"))
	if err != nil || attempts < 1 {
		return RateLimiterConfig{}, fmt.Errorf("invalid RETRY_ATTEMPTS: must be a positive integer")
	}
	baseDelay, err := getDuration("RETRY_BASE_DELAY", 50*time.Millisecond)
	if err != nil {
		return RateLimiterConfig{}, err
	}
	maxDelay, err := getDuration("RETRY_MAX_DELAY", time.Second)
	if err != nil {
		return RateLimiterConfig{}, err
	}

	failureMode, err := domain.ParseFailureMode(getEnv("FAILURE_MODE", string(domain.FailOpen)))
	if err != nil {
		return RateLimiterConfig{}, fmt.Errorf("invalid FAILURE_MODE: %w", err)
	}

	cacheTTL, err := getDuration("ASYNC_CACHE_TTL", time.Minute)
	if err != nil {
		return RateLimiterConfig{}, err
	}

	management := strings.TrimSpace(os.Getenv("MANAGEMENT_RATELIMIT_NAMESPACE"))
	if management != "" {
		if _, err := namespaces.Lookup(management); err != nil {
			return RateLimiterConfig{}, fmt.Errorf("invalid MANAGEMENT_RATELIMIT_NAMESPACE: %w", err)
		}
	}

	return RateLimiterConfig{
		Namespaces:          namespaces,
		Retry:               RetryConfig{Attempts: attempts, BaseDelay: baseDelay, MaxDelay: maxDelay},
		FailureMode:         failureMode,
		AsyncCacheTTL:       cacheTTL,
		ManagementNamespace: management,
	}, nil
}

type namespaceFile struct {
	Namespaces map[string]namespaceEntry `yaml:"namespaces"`
}

type namespaceEntry struct {
	Limit      int64  `yaml:"limit"`
	DurationMs int64  `yaml:"durationMs"`
	Mode       string `yaml:"mode"`
	Sharding   string `yaml:"sharding"`
}

// buildNamespaces junta o arquivo NAMESPACES_FILE com a variável NAMESPACES;
// entradas inline sobrescrevem as do arquivo.
func buildNamespaces() (domain.Namespaces, error) {
	namespaces := domain.Namespaces{}

	if path := strings.TrimSpace(os.Getenv("NAMESPACES_FILE")); path != "" {
		fromFile, err := loadNamespacesFile(path)
		if err != nil {
			return nil, err
		}
		for name, ns := range fromFile {
			namespaces[name] = ns
		}
	}

	inline, err := parseInlineNamespaces(os.Getenv("NAMESPACES"))
	if err != nil {
		return nil, err
	}
	for name, ns := range inline {
		namespaces[name] = ns
	}

	if len(namespaces) == 0 {
		return nil, fmt.Errorf("no namespaces configured: set NAMESPACES or NAMESPACES_FILE")
	}
	return namespaces, nil
}

func loadNamespacesFile(path string) (domain.Namespaces, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read NAMESPACES_FILE: %w", err)
	}
	var file namespaceFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse NAMESPACES_FILE: %w", err)
	}

	out := make(domain.Namespaces, len(file.Namespaces))
	for name, entry := range file.Namespaces {
		ns, err := buildNamespace(name, entry.Limit, entry.DurationMs, entry.Mode, entry.Sharding)
		if err != nil {
			return nil, err
		}
		out[name] = ns
	}
	return out, nil
}

// parseInlineNamespaces lê NAME:LIMIT:DURATION_MS[:MODE[:SHARDING]] separados por vírgula.
func parseInlineNamespaces(raw string) (domain.Namespaces, error) {
	raw = strings.TrimSpace(raw)
	out := domain.Namespaces{}
	if raw == "" {
		return out, nil
	}

	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) < 3 || len(parts) > 5 {
			return nil, fmt.Errorf("namespace must follow NAME:LIMIT:DURATION_MS[:MODE[:SHARDING]]: %s", item)
		}

		name := strings.TrimSpace(parts[0])
		limit, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid limit for namespace %s: %w", name, err)
		}
		durationMs, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for namespace %s: %w", name, err)
		}
		var mode, sharding string
		if len(parts) > 3 {
			mode = parts[3]
		}
		if len(parts) > 4 {
			sharding = parts[4]
		}

		ns, err := buildNamespace(name, limit, durationMs, mode, sharding)
		if err != nil {
			return nil, err
		}
		out[name] = ns
	}
	return out, nil
}

func buildNamespace(name string, limit, durationMs int64, mode, sharding string) (domain.RateLimitConfig, error) {
	if name == "" {
		return domain.RateLimitConfig{}, fmt.Errorf("namespace name is required")
	}
	m, err := domain.ParseMode(strings.TrimSpace(mode))
	if err != nil {
		return domain.RateLimitConfig{}, fmt.Errorf("namespace %s: %w", name, err)
	}
	s, err := domain.ParseSharding(strings.TrimSpace(sharding))
	if err != nil {
		return domain.RateLimitConfig{}, fmt.Errorf("namespace %s: %w", name, err)
	}
	duration, err := domain.DurationFromMillis(durationMs)
	if err != nil {
		return domain.RateLimitConfig{}, fmt.Errorf("namespace %s: %w", name, err)
	}
	ns := domain.RateLimitConfig{
		Limit:    limit,
		Duration: duration,
		Mode:     m,
		Sharding: s,
	}
	if err := ns.Validate(); err != nil {
		return domain.RateLimitConfig{}, fmt.Errorf("namespace %s: %w", name, err)
	}
	return ns, nil
}

func buildAnalyticsConfig() (AnalyticsConfig, error) {
	sink := strings.ToLower(getEnv("ANALYTICS_SINK", SinkLog))
	switch sink {
	case SinkNone, SinkLog, SinkRedis, SinkHTTP:
	default:
		return AnalyticsConfig{}, fmt.Errorf("invalid ANALYTICS_SINK: %q", sink)
	}

	endpoint := strings.TrimSpace(os.Getenv("ANALYTICS_URL"))
	if sink == SinkHTTP && endpoint == "" {
		return AnalyticsConfig{}, fmt.Errorf("ANALYTICS_URL is required when ANALYTICS_SINK=http")
	}

	queueSize, err := strconv.Atoi(getEnv("ANALYTICS_QUEUE_SIZE", "1024"))
	if err != nil {
		return AnalyticsConfig{}, fmt.Errorf("invalid ANALYTICS_QUEUE_SIZE: %w", err)
	}
	workers, err := strconv.Atoi(getEnv("ANALYTICS_WORKERS", "2"))
	if err != nil {
		return AnalyticsConfig{}, fmt.Errorf("invalid ANALYTICS_WORKERS: %w", err)
	}
	rate, err := strconv.ParseFloat(getEnv("ANALYTICS_RATE", "0"), 64)
	if err != nil || rate < 0 {
		return AnalyticsConfig{}, fmt.Errorf("invalid ANALYTICS_RATE: must be a non-negative number")
	}
	retryAttempts, err := strconv.Atoi(getEnv("ANALYTICS_RETRY_ATTEMPTS", "5"))
	if err != nil || retryAttempts < 1 {
		return AnalyticsConfig{}, fmt.Errorf("invalid ANALYTICS_RETRY_ATTEMPTS: must be a positive integer")
	}

	return AnalyticsConfig{
		Sink:          sink,
		URL:           endpoint,
		Stream:        getEnv("ANALYTICS_STREAM", "ratelimit:events"),
		QueueSize:     queueSize,
		Workers:       workers,
		Rate:          rate,
		RetryAttempts: retryAttempts,
	}, nil
}

func buildGatewayConfig(namespaces domain.Namespaces) (GatewayConfig, error) {
	raw := strings.TrimSpace(os.Getenv("GATEWAY_UPSTREAM_URL"))
	if raw == "" {
		return GatewayConfig{}, nil
	}
	upstream, err := url.Parse(raw)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return GatewayConfig{}, fmt.Errorf("invalid GATEWAY_UPSTREAM_URL: %q", raw)
	}

	namespace := strings.TrimSpace(os.Getenv("GATEWAY_NAMESPACE"))
	if namespace == "" {
		return GatewayConfig{}, fmt.Errorf("GATEWAY_NAMESPACE is required when GATEWAY_UPSTREAM_URL is set")
	}
	if _, err := namespaces.Lookup(namespace); err != nil {
		return GatewayConfig{}, fmt.Errorf("invalid GATEWAY_NAMESPACE: %w", err)
	}

	return GatewayConfig{
		Port:      getEnv("GATEWAY_PORT", "8081"),
		Upstream:  upstream,
		Namespace: namespace,
		KeyHeader: getEnv("GATEWAY_KEY_HEADER", ""),
	}, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
