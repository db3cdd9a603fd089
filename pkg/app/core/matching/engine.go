// Package matching runs an incoming order against the resting orders of the
// opposite side under price-time priority, settling each fill into the
// ledger and the price history inside the caller's transaction.
package matching

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/app/core/pricehistory"
)

// Termination says why the loop stopped.
type Termination int

const (
	// FullyFilled: the incoming order has no remainder.
	FullyFilled Termination = iota
	// ExhaustedBook: no crossing resting order is left.
	ExhaustedBook
)

func (t Termination) String() string {
	if t == FullyFilled {
		return "fully_filled"
	}
	return "exhausted_book"
}

type Result struct {
	Termination Termination
	Incoming    *core.Order
	Touched     []core.OrderRef
	Trades      []core.Trade
	// Price is the last traded price of the pass, or the instrument's
	// current price when nothing traded.
	Price int64
}

type Engine struct {
	tracker *pricehistory.Tracker
	logger  *zap.Logger
}

func NewEngine(tracker *pricehistory.Tracker, logger *zap.Logger) *Engine {
	return &Engine{tracker: tracker, logger: logger.Named("matching")}
}

// Run matches incoming until it is filled or the book runs out, then
// finalizes the pass. incoming must already be persisted and open.
// Any error leaves the pass unusable; the caller must roll back.
func (e *Engine) Run(ctx context.Context, p *Pass, incoming *core.Order) (*Result, error) {
	if incoming.IsClosed() || incoming.Remaining() <= 0 {
		return nil, errors.AssertionFailedf("matching order %d in status %s with %d remaining",
			incoming.ID, incoming.Status, incoming.Remaining())
	}
	if _, err := p.Ledger.Stage(ctx, incoming.AccountID, incoming.InstrumentID); err != nil {
		return nil, err
	}
	p.touch(incoming)

	term := ExhaustedBook
	for {
		resting, err := Locate(ctx, p.Tx, incoming)
		if err != nil {
			return nil, err
		}
		if resting == nil {
			break
		}
		if _, err := p.Ledger.Stage(ctx, resting.AccountID, resting.InstrumentID); err != nil {
			return nil, err
		}
		p.touch(resting)

		fill := Resolve(incoming, resting)
		if err := e.settle(ctx, p, incoming, resting, fill); err != nil {
			return nil, err
		}
		if fill.Outcome != IncomingLarger {
			term = FullyFilled
			break
		}
	}

	if term == ExhaustedBook && incoming.Kind == core.Market && incoming.Remaining() > 0 {
		if err := e.cancelRemainder(ctx, p, incoming); err != nil {
			return nil, err
		}
	}

	price, err := e.finalize(ctx, p, incoming.InstrumentID)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("pass_done",
		zap.Int64("order_id", incoming.ID),
		zap.Stringer("termination", term),
		zap.Int("fills", len(p.trades)),
		zap.Int64("matched", incoming.Matched),
		zap.Int64("price", price))

	return &Result{
		Termination: term,
		Incoming:    incoming,
		Touched:     p.touched,
		Trades:      p.trades,
		Price:       price,
	}, nil
}

// settle applies one fill: order quantities, both positions, a trade record
// and the pass's last price.
func (e *Engine) settle(ctx context.Context, p *Pass, incoming, resting *core.Order, fill Fill) error {
	fill.Apply(incoming, resting, p.Now)

	buyer, seller := incoming, resting
	if incoming.Side == core.Sell {
		buyer, seller = resting, incoming
	}
	instrument := incoming.InstrumentID
	if err := p.Ledger.Increase(ctx, buyer.AccountID, instrument, fill.Qty, resting.Price); err != nil {
		return err
	}
	if err := p.Ledger.Decrease(ctx, seller.AccountID, instrument, fill.Qty); err != nil {
		return err
	}

	p.trades = append(p.trades, core.Trade{
		InstrumentID:    instrument,
		Qty:             fill.Qty,
		Price:           resting.Price,
		RestingOrderID:  resting.ID,
		IncomingOrderID: incoming.ID,
		CreatedAt:       p.Now,
	})
	p.lastPrice = resting.Price

	return fill.persist(ctx, p.Tx, incoming, resting)
}

// cancelRemainder closes a market order the book could not fill. A market
// sell gets its unfilled quantity back as available-to-sell.
func (e *Engine) cancelRemainder(ctx context.Context, p *Pass, o *core.Order) error {
	remainder := o.Remaining()
	o.Status = core.OrderCancelled
	o.UpdatedAt = p.Now
	if err := p.Tx.UpdateOrder(ctx, o); err != nil {
		return errors.Wrapf(err, "cancel market order %d", o.ID)
	}
	if o.Side == core.Sell {
		if err := p.Ledger.Release(ctx, o.AccountID, o.InstrumentID, remainder); err != nil {
			return err
		}
	}
	e.logger.Debug("market_remainder_cancelled",
		zap.Int64("order_id", o.ID),
		zap.Int64("remainder", remainder))
	return nil
}

// finalize records the pass price once, persists the fills in one batch and
// flushes staged positions once per account.
func (e *Engine) finalize(ctx context.Context, p *Pass, instrument int64) (int64, error) {
	price := p.lastPrice
	if price == 0 {
		ins, err := p.Tx.GetInstrument(ctx, instrument)
		if err != nil {
			return 0, err
		}
		price = ins.Price
	}
	// an instrument that never traded has no price to record
	if price > 0 {
		if _, err := e.tracker.Record(ctx, p.Tx, instrument, price, p.Now); err != nil {
			return 0, err
		}
	}
	if len(p.trades) > 0 {
		if err := p.Tx.AppendTrades(ctx, p.trades); err != nil {
			return 0, errors.Wrap(err, "append trades")
		}
	}
	if err := p.Ledger.Flush(ctx); err != nil {
		return 0, err
	}
	return price, nil
}
