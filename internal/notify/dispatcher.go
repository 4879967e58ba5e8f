package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outbox is the durable queue the dispatcher drains.
type Outbox interface {
	// Claim leases up to limit due messages so no other dispatcher picks
	// them until the lease expires.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Message, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause string, retryAt time.Time, dead bool) error
}

// DispatcherConfig tunes outbox polling and retries.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	MaxAttempts  int
	Lease        time.Duration
	SendTimeout  time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Meter        metric.Meter
}

func (c *DispatcherConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	// A lease must outlive at least one send or nothing is ever delivered.
	if c.Lease < c.SendTimeout {
		c.Lease = time.Duration(c.BatchSize) * c.SendTimeout
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.Meter == nil {
		c.Meter = noop.NewMeterProvider().Meter("")
	}
}

// Dispatcher delivers outbox messages through a Notifier. Delivery failures
// are recorded on the message and retried later; they never propagate to the
// operation that enqueued the message.
type Dispatcher struct {
	outbox   Outbox
	notifier Notifier
	cfg      DispatcherConfig
	wake     chan struct{}
	now      func() time.Time

	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(outbox Outbox, notifier Notifier, cfg DispatcherConfig) (*Dispatcher, error) {
	cfg.setDefaults()

	delivered, err := cfg.Meter.Int64Counter("storefront.notifications.sent",
		metric.WithDescription("Notifications delivered"))
	if err != nil {
		return nil, errors.Wrap(err, "create sent counter")
	}
	failed, err := cfg.Meter.Int64Counter("storefront.notifications.failed",
		metric.WithDescription("Notification delivery failures"))
	if err != nil {
		return nil, errors.Wrap(err, "create failed counter")
	}

	return &Dispatcher{
		outbox:    outbox,
		notifier:  notifier,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		now:       time.Now,
		delivered: delivered,
		failed:    failed,
	}, nil
}

// Wake asks an idle worker to poll immediately. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls the outbox with the configured number of workers until ctx is
// done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range d.cfg.Workers {
		g.Go(func() error {
			d.work(ctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	lg := zctx.From(ctx).With(zap.Int("worker", worker))
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			lg.Warn("Outbox poll failed", zap.Error(err))
		}
		// A full batch likely means more work is waiting.
		if err == nil && n == d.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchOnce claims one batch and attempts to deliver the messages in it.
// Messages whose send could outlast the claim lease are left for a later
// claim, so no other worker can pick up a message that is still being sent.
// It returns the number of claimed messages.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	leaseEnd := d.now().Add(d.cfg.Lease)
	msgs, err := d.outbox.Claim(ctx, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return 0, errors.Wrap(err, "claim")
	}
	for i, m := range msgs {
		if d.now().Add(d.cfg.SendTimeout).After(leaseEnd) {
			zctx.From(ctx).Warn("Outbox lease running out, leaving rest of batch",
				zap.Int("left", len(msgs)-i),
				zap.Duration("lease", d.cfg.Lease),
			)
			break
		}
		d.deliver(ctx, m)
	}
	return len(msgs), nil
}

func (d *Dispatcher) deliver(ctx context.Context, m Message) {
	lg := zctx.From(ctx).With(
		zap.String("notification_id", m.ID),
		zap.String("kind", string(m.Kind)),
	)
	kind := metric.WithAttributes(attribute.String("kind", string(m.Kind)))

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.notifier.Notify(sendCtx, m)
	cancel()

	if err == nil {
		d.delivered.Add(ctx, 1, kind)
		if err := d.outbox.MarkSent(ctx, m.ID); err != nil {
			lg.Error("Mark notification sent", zap.Error(err))
		}
		return
	}

	d.failed.Add(ctx, 1, kind)
	attempts := m.Attempts + 1
	dead := attempts >= d.cfg.MaxAttempts
	retryAt := d.now().Add(d.backoff(attempts))
	lg.Warn("Notification delivery failed",
		zap.Error(err),
		zap.Int("attempts", attempts),
		zap.Bool("dead", dead),
	)
	if err := d.outbox.MarkFailed(ctx, m.ID, err.Error(), retryAt, dead); err != nil {
		lg.Error("Mark notification failed", zap.Error(err))
	}
}

// backoff doubles BaseBackoff per attempt, capped at MaxBackoff.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return delay
}
