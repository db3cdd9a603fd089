package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/app/exchange"
)

// LogSink writes every event to the log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (*LogSink) Name() string { return "log" }

func (l *LogSink) Deliver(_ context.Context, ev exchange.Event) error {
	ids := make([]int64, len(ev.UpdatedOrders))
	for i, ref := range ev.UpdatedOrders {
		ids[i] = ref.OrderID
	}
	l.logger.Info("order_evented",
		zap.String("event_id", ev.EventID.String()),
		zap.String("action", string(ev.Action)),
		zap.Int64("instrument_id", ev.InstrumentID),
		zap.Int64s("order_ids", ids),
		zap.Time("occurred_at", ev.OccurredAt))
	return nil
}
