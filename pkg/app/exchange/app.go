// Package exchange routes order actions to the matching engine. Every
// action runs in one storage transaction; the completion event goes out
// only after commit.
package exchange

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/app/core/accounts"
	"github.com/uhyunpark/stockmatch/pkg/app/core/matching"
	"github.com/uhyunpark/stockmatch/pkg/metrics"
	"github.com/uhyunpark/stockmatch/pkg/storage"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

// Result is what a committed action produced. Order is the submitted,
// cancelled or edited order as committed.
type Result struct {
	Event  Event        `json:"event"`
	Order  *core.Order  `json:"order"`
	Trades []core.Trade `json:"trades"`
	Status string       `json:"termination,omitempty"`
	Price  int64        `json:"price,omitempty"`
}

type Deps struct {
	Store    storage.Store
	Accounts *accounts.Resolver
	Engine   *matching.Engine
	Clock    util.Clock
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type App struct {
	store    storage.Store
	accounts *accounts.Resolver
	engine   *matching.Engine
	clock    util.Clock
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewApp(d Deps) *App {
	a := &App{
		store:    d.Store,
		accounts: d.Accounts,
		engine:   d.Engine,
		clock:    d.Clock,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
	if a.accounts == nil {
		a.accounts = accounts.MustNewResolver(accounts.DefaultCacheSize)
	}
	if a.clock == nil {
		a.clock = util.RealClock{}
	}
	if a.notifier == nil {
		a.notifier = nopNotifier{}
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named("exchange")
	return a
}

// Submit decodes a wire envelope and applies it.
func (a *App) Submit(ctx context.Context, raw []byte) (*Result, error) {
	action, err := core.DecodeAction(raw)
	if err != nil {
		a.metrics.ObserveAction("unknown", metrics.ResultRejected, 0)
		return nil, err
	}
	return a.Apply(ctx, action)
}

// Apply processes one action atomically. On error nothing was written and
// no event is emitted.
func (a *App) Apply(ctx context.Context, action core.Action) (*Result, error) {
	start := time.Now()
	res, err := a.apply(ctx, action)
	took := time.Since(start)

	typ := string(action.Type())
	if err != nil {
		a.metrics.ObserveAction(typ, resultLabel(err), took)
		a.logFailure(action, err)
		return nil, err
	}
	a.metrics.ObserveAction(typ, metrics.ResultOK, took)
	for _, tr := range res.Trades {
		a.metrics.ObserveFill(tr.Qty)
	}

	a.logger.Info("action_committed",
		zap.String("action", typ),
		zap.String("event_id", res.Event.EventID.String()),
		zap.Int64("order_id", res.Order.ID),
		zap.Int("fills", len(res.Trades)),
		zap.Int("updated_orders", len(res.Event.UpdatedOrders)),
		zap.Duration("took", took))

	a.notifier.Notify(res.Event)
	return res, nil
}

func (a *App) apply(ctx context.Context, action core.Action) (*Result, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}

	var res *Result
	err := storage.Update(ctx, a.store, func(tx storage.Tx) error {
		p := matching.NewPass(tx, a.clock.Now())
		var err error
		switch act := action.(type) {
		case core.TradeAction:
			res, err = a.trade(ctx, p, act)
		case core.CancelAction:
			res, err = a.cancel(ctx, p, act)
		case core.EditAction:
			res, err = a.edit(ctx, p, act)
		default:
			err = errors.Wrapf(core.ErrUnsupportedAction, "action %T", action)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	res.Event.EventID = uuid.New()
	res.Event.Action = action.Type()
	res.Event.OccurredAt = a.clock.Now()
	return res, nil
}

func (a *App) trade(ctx context.Context, p *matching.Pass, t core.TradeAction) (*Result, error) {
	accountID, err := a.accounts.Resolve(ctx, p.Tx, t.AccountNumber)
	if err != nil {
		return nil, err
	}
	if _, err := p.Tx.GetInstrument(ctx, t.InstrumentID); err != nil {
		return nil, err
	}

	price := t.Price
	if t.Kind == core.Market {
		price = 0
	}
	if t.Side == core.Sell {
		if err := p.Ledger.Reserve(ctx, accountID, t.InstrumentID, t.Qty); err != nil {
			return nil, err
		}
	}

	o := &core.Order{
		AccountID:    accountID,
		InstrumentID: t.InstrumentID,
		Side:         t.Side,
		Kind:         t.Kind,
		Price:        price,
		Qty:          t.Qty,
		Status:       core.OrderOpen,
		CreatedAt:    p.Now,
		UpdatedAt:    p.Now,
	}
	if err := p.Tx.CreateOrder(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}
	return a.match(ctx, p, o)
}

func (a *App) cancel(ctx context.Context, p *matching.Pass, c core.CancelAction) (*Result, error) {
	o, err := p.Tx.LockOrder(ctx, c.OrderID)
	if err != nil {
		return nil, err
	}
	if o.IsClosed() {
		return nil, errors.Wrapf(core.ErrOrderClosed, "cancel order %d in status %s", o.ID, o.Status)
	}

	remainder := o.Remaining()
	o.Status = core.OrderCancelled
	o.UpdatedAt = p.Now
	if err := p.Tx.UpdateOrder(ctx, o); err != nil {
		return nil, errors.Wrapf(err, "cancel order %d", o.ID)
	}
	if o.Side == core.Sell {
		if err := p.Ledger.Release(ctx, o.AccountID, o.InstrumentID, remainder); err != nil {
			return nil, err
		}
		if err := p.Ledger.Flush(ctx); err != nil {
			return nil, err
		}
	}

	return &Result{
		Event: Event{
			InstrumentID:  o.InstrumentID,
			UpdatedOrders: []core.OrderRef{{OrderID: o.ID, AccountID: o.AccountID}},
		},
		Order: o,
	}, nil
}

// edit re-prices an open limit order and matches it again. The order keeps
// its creation time and so its place in time priority.
func (a *App) edit(ctx context.Context, p *matching.Pass, e core.EditAction) (*Result, error) {
	o, err := p.Tx.LockOrder(ctx, e.OrderID)
	if err != nil {
		return nil, err
	}
	if o.IsClosed() {
		return nil, errors.Wrapf(core.ErrOrderClosed, "edit order %d in status %s", o.ID, o.Status)
	}
	if o.Kind != core.Limit {
		return nil, errors.Wrapf(core.ErrInvalidOrder, "order %d is a %s order", o.ID, o.Kind)
	}

	o.Price = e.Price
	o.UpdatedAt = p.Now
	if err := p.Tx.UpdateOrder(ctx, o); err != nil {
		return nil, errors.Wrapf(err, "edit order %d", o.ID)
	}
	return a.match(ctx, p, o)
}

func (a *App) match(ctx context.Context, p *matching.Pass, o *core.Order) (*Result, error) {
	run, err := a.engine.Run(ctx, p, o)
	if err != nil {
		return nil, err
	}
	return &Result{
		Event: Event{
			InstrumentID:  o.InstrumentID,
			UpdatedOrders: run.Touched,
		},
		Order:  run.Incoming,
		Trades: run.Trades,
		Status: run.Termination.String(),
		Price:  run.Price,
	}, nil
}

func resultLabel(err error) string {
	switch {
	case core.IsDefect(err):
		return metrics.ResultDefect
	case core.IsTransient(err):
		return metrics.ResultTransient
	case core.IsRejection(err):
		return metrics.ResultRejected
	default:
		return metrics.ResultFailed
	}
}

func (a *App) logFailure(action core.Action, err error) {
	fields := []zap.Field{
		zap.String("action", string(action.Type())),
		zap.Error(err),
	}
	switch {
	case core.IsDefect(err):
		a.logger.Error("action_defect", append(fields, zap.String("detail", errors.FlattenDetails(err)))...)
	case core.IsRejection(err):
		a.logger.Info("action_rejected", fields...)
	default:
		a.logger.Warn("action_failed", fields...)
	}
}
