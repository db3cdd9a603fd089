// Package notify delivers completion events to their sinks off the
// request path. A failed delivery is retried with backoff, then logged and
// counted; it never affects the committed action.
package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/app/exchange"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
)

// Sink is one destination for completion events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev exchange.Event) error
}

type Options struct {
	Buffer  int
	Retries uint64
	// NewBackOff builds the retry schedule of one delivery. Defaults to
	// exponential backoff capped at five seconds.
	NewBackOff func() backoff.BackOff
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Fanout queues events and hands each one to every sink in order.
type Fanout struct {
	sinks      []Sink
	queue      chan exchange.Event
	retries    uint64
	newBackOff func() backoff.BackOff
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func New(opts Options, sinks ...Sink) *Fanout {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Fanout{
		sinks:      sinks,
		queue:      make(chan exchange.Event, opts.Buffer),
		retries:    opts.Retries,
		newBackOff: opts.NewBackOff,
		metrics:    opts.Metrics,
		logger:     opts.Logger.Named("notify"),
	}
}

// Notify enqueues ev without blocking. The event is dropped when the queue
// is full.
func (f *Fanout) Notify(ev exchange.Event) {
	select {
	case f.queue <- ev:
	default:
		f.metrics.NotificationDropped()
		f.logger.Warn("notify_queue_full",
			zap.String("event_id", ev.EventID.String()),
			zap.Int("buffer", cap(f.queue)))
	}
}

// Run delivers queued events until ctx is done, then drains whatever is
// still queued with a fresh context so nothing accepted before shutdown is
// silently lost.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-f.queue:
			f.deliver(ctx, ev)
		case <-ctx.Done():
			f.drain()
			return nil
		}
	}
}

func (f *Fanout) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-f.queue:
			f.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, ev exchange.Event) {
	for _, s := range f.sinks {
		attempts := 0
		op := func() error {
			attempts++
			return s.Deliver(ctx, ev)
		}
		b := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), f.retries), ctx)
		if err := backoff.Retry(op, b); err != nil {
			f.metrics.ObserveNotification(s.Name(), metrics.ResultFailed)
			f.logger.Error("notify_failed",
				zap.String("sink", s.Name()),
				zap.String("event_id", ev.EventID.String()),
				zap.Int("attempts", attempts),
				zap.Error(err))
			continue
		}
		f.metrics.ObserveNotification(s.Name(), metrics.ResultOK)
	}
}

// Pending returns the number of queued events.
func (f *Fanout) Pending() int { return len(f.queue) }
