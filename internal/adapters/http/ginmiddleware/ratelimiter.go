// Package ginmiddleware aplica o Decision Client em gateways construídos com Gin.
package ginmiddleware

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/JeanGrijp/global-ratelimit/internal/adapters/http/middleware"
	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

// KeyFunc resolve o identificador limitado a partir da requisição.
type KeyFunc func(*gin.Context) (string, error)

type Options struct {
	Namespace string
	KeyHeader string
	Logger    *log.Logger
}

// RateLimit consulta o Decision Client para cada requisição e aborta com 429
// quando a janela está esgotada.
func RateLimit(limiter ports.RateLimiter, keyFunc KeyFunc, opts Options) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc(opts.KeyHeader)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return func(c *gin.Context) {
		identifier, err := keyFunc(c)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid rate limit key")
			return
		}

		decision, err := limiter.Limit(c.Request.Context(), domain.LimitRequest{
			Namespace:  opts.Namespace,
			Identifier: identifier,
			RequestID:  strings.TrimSpace(c.GetHeader("X-Request-Id")),
			IPAddress:  c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
		})
		if err != nil {
			opts.Logger.Printf("rate limiter error: %v", err)
			if domain.IsValidationError(err) {
				respondError(c, http.StatusBadRequest, "invalid rate limit request")
				return
			}
			respondError(c, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}

		middleware.SetRateLimitHeaders(c.Writer.Header(), decision)

		if !decision.Success {
			c.Header("Retry-After", strconv.FormatInt(middleware.RetryAfterSeconds(decision, time.Now()), 10))
			respondError(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		c.Next()
	}
}

// DefaultKeyFunc usa o cabeçalho configurado, depois Authorization e por fim o IP.
func DefaultKeyFunc(header string) KeyFunc {
	if header == "" {
		header = middleware.APIKeyHeader
	}
	return func(c *gin.Context) (string, error) {
		if value := strings.TrimSpace(c.GetHeader(header)); value != "" {
			return value, nil
		}
		if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" {
			parts := strings.Fields(auth)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				return parts[1], nil
			}
			return auth, nil
		}
		if ip := c.ClientIP(); ip != "" {
			return ip, nil
		}
		return "", errors.New("missing key")
	}
}

func respondError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message, "timestamp": time.Now().UTC().Format(time.RFC3339)})
}
