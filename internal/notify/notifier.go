package notify

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Notifier delivers a single message to its recipient.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// LogNotifier writes rendered messages to the context logger instead of
// delivering them.
type LogNotifier struct {
	Renderer Renderer
}

// Notify implements Notifier.
func (n LogNotifier) Notify(ctx context.Context, m Message) error {
	r, err := n.Renderer.Render(m)
	if err != nil {
		return err
	}
	zctx.From(ctx).Info("Notification",
		zap.String("id", m.ID),
		zap.String("kind", string(m.Kind)),
		zap.String("recipient", m.Recipient),
		zap.String("subject", r.Subject),
	)
	return nil
}
