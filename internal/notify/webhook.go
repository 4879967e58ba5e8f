package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// WebhookConfig configures delivery through an HTTP email relay.
type WebhookConfig struct {
	URL     string
	Token   string
	From    string
	Timeout time.Duration
}

type emailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// WebhookNotifier posts rendered emails to a relay API. Calls go through a
// circuit breaker so a failing relay is not hammered by every outbox poll.
type WebhookNotifier struct {
	cfg      WebhookConfig
	client   *resty.Client
	breaker  *gobreaker.CircuitBreaker
	renderer Renderer
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(cfg WebhookConfig, renderer Renderer, lg *zap.Logger) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "email-relay",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn("Circuit breaker state changed",
				zap.String("circuit", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &WebhookNotifier{
		cfg:      cfg,
		client:   client,
		breaker:  breaker,
		renderer: renderer,
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, m Message) error {
	rendered, err := n.renderer.Render(m)
	if err != nil {
		return err
	}

	_, err = n.breaker.Execute(func() (interface{}, error) {
		resp, err := n.client.R().
			SetContext(ctx).
			SetHeader("Idempotency-Key", m.ID).
			SetBody(emailRequest{
				From:    n.cfg.From,
				To:      m.Recipient,
				Subject: rendered.Subject,
				HTML:    rendered.HTML,
			}).
			Post(n.cfg.URL)
		if err != nil {
			return nil, errors.Wrap(err, "post email")
		}
		if resp.IsError() {
			return nil, errors.Errorf("email relay returned %d", resp.StatusCode())
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			zctx.From(ctx).Debug("Email relay circuit open", zap.String("id", m.ID))
		}
		return err
	}
	return nil
}
