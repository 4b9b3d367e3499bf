package analytics

import (
	"context"
	"encoding/json"
	"log"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

// LogSink escreve cada evento como uma linha JSON no logger.
type LogSink struct {
	logger *log.Logger
}

var _ ports.EventSink = (*LogSink)(nil)

func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, ev domain.VerificationEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.logger.Printf("verification %s", line)
	return nil
}
