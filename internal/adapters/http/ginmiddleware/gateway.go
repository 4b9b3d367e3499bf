package ginmiddleware

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

// NewGateway monta um proxy reverso que consulta o limitador antes de
// encaminhar cada requisição para upstream. /healthz não consome cota.
func NewGateway(limiter ports.RateLimiter, upstream *url.URL, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		opts.Logger.Printf("proxy error: %v", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.NoRoute(RateLimit(limiter, nil, opts), func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	})
	return r
}
