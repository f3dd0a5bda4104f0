// Package forward delivers admitted events to the downstream automation
// engine. Delivery failures here do not affect admission; callers decide
// whether a failed forward is fatal for their flow.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"hookgate/internal/log"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	HeaderInternalEventID = "X-Internal-Event-Id"
	HeaderCorrelationID   = "X-Correlation-Id"
)

type Forwarder struct {
	url     string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

// NewForwarder builds a forwarder for the given engine URL. An empty URL
// disables forwarding; Forward then succeeds without doing anything.
func NewForwarder(url, token string, timeout time.Duration, logger *log.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "automation-engine",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Forwarder{
		url:     url,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// Forward posts the raw event body downstream with its gateway identifiers.
func (f *Forwarder) Forward(ctx context.Context, internalEventID, correlationID string, body []byte) error {
	if f.url == "" {
		return nil
	}

	_, err := f.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build forward request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderInternalEventID, internalEventID)
		req.Header.Set(HeaderCorrelationID, correlationID)
		if f.token != "" {
			req.Header.Set("Authorization", "Bearer "+f.token)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("forward event: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("automation engine returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		f.logger.Error("Failed to forward event",
			zap.Error(err),
			zap.String("internal_event_id", internalEventID),
			zap.String("correlation_id", correlationID))
		return err
	}
	return nil
}
