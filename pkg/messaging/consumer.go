// Package messaging connects the dispatcher to Kafka: inbound actions,
// outbound completion events and dead letters.
package messaging

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/params"
	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/app/exchange"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
)

// Decisions taken for an inbound message. The offset is committed after
// every one of them.
const (
	DecisionApplied      = "applied"
	DecisionDeadLettered = "deadlettered"
	DecisionDropped      = "dropped"
)

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler applies one raw action envelope.
type Handler interface {
	Submit(ctx context.Context, raw []byte) (*exchange.Result, error)
}

type ConsumerOptions struct {
	Policy      string
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
	DeadLetter  DeadLetterSink
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Consumer feeds actions from a topic into the dispatcher one at a time.
type Consumer struct {
	reader     Reader
	handler    Handler
	policy     string
	attempts   int
	newBackOff func() backoff.BackOff
	deadLetter DeadLetterSink
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewReader builds a consumer-group reader for the action topic.
func NewReader(cfg params.Kafka) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.ActionTopic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
	})
}

func NewConsumer(r Reader, h Handler, opts ConsumerOptions) *Consumer {
	if opts.Policy == "" {
		opts.Policy = params.PolicyRetry
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 3 * time.Second
			return b
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Consumer{
		reader:     r,
		handler:    h,
		policy:     opts.Policy,
		attempts:   opts.MaxAttempts,
		newBackOff: opts.NewBackOff,
		deadLetter: opts.DeadLetter,
		metrics:    opts.Metrics,
		logger:     opts.Logger.Named("consumer"),
	}
}

// Run consumes until ctx is done. It returns an error only when the broker
// or the dead-letter sink fails; the uncommitted message is then delivered
// again after restart.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer_started", zap.String("policy", c.policy), zap.Int("max_attempts", c.attempts))
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch message")
		}

		decision, err := c.handle(ctx, msg)
		if err != nil {
			return err
		}
		if decision == "" {
			// interrupted mid-retry; leave the offset for the next owner
			return nil
		}
		if err := c.commit(ctx, msg); err != nil {
			return err
		}
		c.metrics.Consumed(decision)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) (string, error) {
	attempts := 0
	op := func() error {
		attempts++
		_, err := c.handler.Submit(ctx, msg.Value)
		if err != nil && !(c.policy == params.PolicyRetry && core.IsTransient(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.policy == params.PolicyRetry {
		b = backoff.WithMaxRetries(c.newBackOff(), uint64(c.attempts-1))
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == nil {
		return DecisionApplied, nil
	}
	if ctx.Err() != nil {
		return "", nil
	}

	fields := []zap.Field{
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Int("attempts", attempts),
		zap.Error(err),
	}
	if c.policy == params.PolicyDrop || c.deadLetter == nil {
		c.logger.Warn("message_dropped", fields...)
		return DecisionDropped, nil
	}

	letter := NewDeadLetter(msg, err, attempts)
	if werr := c.deadLetter.Write(ctx, letter); werr != nil {
		return "", errors.Wrapf(werr, "dead-letter offset %d", msg.Offset)
	}
	c.metrics.DeadLettered(c.deadLetter.Name())
	c.logger.Warn("message_deadlettered", append(fields, zap.String("sink", c.deadLetter.Name()))...)
	return DecisionDeadLettered, nil
}

// commit records a decision even when shutdown began after it was taken,
// so an applied action is not replayed.
func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "commit offset %d", msg.Offset)
	}
	return nil
}

func (c *Consumer) Close() error { return c.reader.Close() }
