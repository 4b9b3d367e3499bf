// Package middleware disponibiliza middlewares HTTP específicos da aplicação.
package middleware

import (
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

const rateLimitExceededMessage = "you have reached the maximum number of requests or actions allowed within a certain time frame"

// APIKeyHeader identifica o chamador; sem ele o limite vale por IP.
const APIKeyHeader = "API_KEY"

// NewRateLimiterMiddleware consulta o Decision Client no namespace informado
// antes de cada requisição.
func NewRateLimiterMiddleware(limiter ports.RateLimiter, namespace string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || namespace == "" {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r)
			identifier := strings.TrimSpace(r.Header.Get(APIKeyHeader))
			if identifier == "" {
				identifier = ip
			}

			decision, err := limiter.Limit(r.Context(), domain.LimitRequest{
				Namespace:  namespace,
				Identifier: identifier,
				RequestID:  strings.TrimSpace(r.Header.Get("X-Request-Id")),
				IPAddress:  ip,
				UserAgent:  r.UserAgent(),
			})
			if err != nil {
				log.Printf("rate limiter failed: %v", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			SetRateLimitHeaders(w.Header(), decision)
			if !decision.Success {
				w.Header().Set("Retry-After", strconv.FormatInt(RetryAfterSeconds(decision, time.Now()), 10))
				writeTooManyRequests(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetRateLimitHeaders publica o estado da janela nos cabeçalhos da resposta.
func SetRateLimitHeaders(h http.Header, d domain.Decision) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.UnixMilli(), 10))
	if d.Degraded {
		h.Set("X-RateLimit-Degraded", "true")
	}
}

// ClientIP devolve o IP do cliente considerando proxies.
func ClientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	xRealIP := strings.TrimSpace(r.Header.Get("X-Real-IP"))
	if xRealIP != "" {
		return xRealIP
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}

	return host
}

// RetryAfterSeconds arredonda para cima o tempo até o fim da janela, com mínimo de 1s.
func RetryAfterSeconds(d domain.Decision, now time.Time) int64 {
	wait := d.Reset.Sub(now)
	secs := int64((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeTooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(rateLimitExceededMessage))
}
