// Package actorclient fala com o endpoint interno de atores de outro nó.
package actorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

// Client implementa WindowCounter chamando POST /internal/actors/.../increment.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

var _ ports.WindowCounter = (*Client)(nil)

func New(baseURL string, timeout time.Duration, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("actor url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid actor url: %w", err)
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: baseURL, http: httpClient, timeout: timeout}, nil
}

type incrementRequest struct {
	Reset int64 `json:"reset"`
	Cost  int64 `json:"cost"`
}

type incrementResponse struct {
	Current int64 `json:"current"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Increment encaminha o incremento ao ator remoto. Falhas de rede, timeout e
// respostas 5xx viram ErrTransport; 4xx vira erro de validação.
func (c *Client) Increment(ctx context.Context, key domain.CounterKey, cost int64, reset time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(incrementRequest{Reset: reset.UnixMilli(), Cost: cost})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(key), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: actor %s: %w", domain.ErrTransport, key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("%w: actor %s: status %d", domain.ErrTransport, key, resp.StatusCode)
	case resp.StatusCode >= 400:
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return 0, fmt.Errorf("%w: actor rejected increment: %s", domain.ErrValidation, e.Error.Message)
	}

	var out incrementResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode actor response: %w", domain.ErrTransport, err)
	}
	return out.Current, nil
}

func (c *Client) endpoint(key domain.CounterKey) string {
	u := c.baseURL + "/internal/actors/" + url.PathEscape(key.Namespace) + "/" + url.PathEscape(key.Identifier) + "/increment"
	if key.Region != "" {
		u += "?region=" + url.QueryEscape(key.Region)
	}
	return u
}
