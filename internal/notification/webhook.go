// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package notification

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/msgbyte/tianji-coord/internal/logging"
	"github.com/msgbyte/tianji-coord/internal/metrics"
)

// WebhookSender posts notifications as JSON to a fixed endpoint, behind a
// circuit breaker so a dead webhook receiver cannot stall every quota check
// on connection timeouts.
type WebhookSender struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker[struct{}]
}

// webhookPayload is the wire format posted to the endpoint.
type webhookPayload struct {
	Target  Target            `json:"target"`
	Title   string            `json:"title"`
	Content []Token           `json:"content"`
	Meta    map[string]string `json:"meta,omitempty"`
	SentAt  time.Time         `json:"sentAt"`
}

// NewWebhookSender creates a webhook sender for url.
//
// Breaker policy: opens after 60% failures over at least 5 requests in a
// 1 minute window, allows 2 probes after 2 minutes open.
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cbName := "notification-webhook"

	metrics.NotificationBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.NotificationBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			logging.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Notification breaker state changed")
		},
	})

	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
		cb:     cb,
	}
}

// Send posts the notification. Non-2xx responses are errors.
func (s *WebhookSender) Send(ctx context.Context, target Target, title string, content []Token, meta map[string]string) error {
	payload, err := json.Marshal(webhookPayload{
		Target:  target,
		Title:   title,
		Content: content,
		Meta:    meta,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	_, err = s.cb.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return struct{}{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	return nil
}

// breakerStateValue maps gobreaker states to the metric encoding.
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Verify interface implementation at compile time
var _ Sender = (*WebhookSender)(nil)
