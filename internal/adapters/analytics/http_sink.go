// Package analytics contém os sinks que entregam VerificationEvents ao
// coletor externo.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

// HTTPSink faz POST de cada evento em JSON para a URL de ingestão.
type HTTPSink struct {
	url    string
	client *http.Client
}

var _ ports.EventSink = (*HTTPSink)(nil)

func NewHTTPSink(url string, client *http.Client) (*HTTPSink, error) {
	if url == "" {
		return nil, fmt.Errorf("analytics url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSink{url: url, client: client}, nil
}

func (s *HTTPSink) Record(ctx context.Context, ev domain.VerificationEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post event: unexpected status %d", resp.StatusCode)
	}
	return nil
}
