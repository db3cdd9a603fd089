// Package ledger keeps per-account, per-instrument holdings during one
// matching pass. Positions are row locked on first touch and written back
// once per account by Flush.
package ledger

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
)

// AveragePrecision is the number of decimal places kept in average cost.
const AveragePrecision = 8

type key struct{ account, instrument int64 }

// entry is the staged state of one position row.
// pos == nil means the position does not exist (never did, or was emptied).
type entry struct {
	pos     *core.Position
	existed bool // row present in the store when staged
	dirty   bool
}

type Ledger struct {
	tx     storage.Tx
	staged map[key]*entry
	order  []key // first-touch order, keeps flushes deterministic
}

func New(tx storage.Tx) *Ledger {
	return &Ledger{tx: tx, staged: make(map[key]*entry)}
}

// Stage reads a position for update the first time it is touched in the
// pass. Later calls return the staged copy without touching the store.
// The result is nil when the account holds none of the instrument.
func (l *Ledger) Stage(ctx context.Context, account, instrument int64) (*core.Position, error) {
	e, err := l.entry(ctx, account, instrument)
	if err != nil {
		return nil, err
	}
	if e.pos == nil {
		return nil, nil
	}
	return e.pos.Clone(), nil
}

func (l *Ledger) entry(ctx context.Context, account, instrument int64) (*entry, error) {
	k := key{account, instrument}
	if e, ok := l.staged[k]; ok {
		return e, nil
	}
	p, err := l.tx.LockPosition(ctx, account, instrument)
	if err != nil {
		return nil, errors.Wrapf(err, "lock position %d/%d", account, instrument)
	}
	e := &entry{pos: p, existed: p != nil}
	l.staged[k] = e
	l.order = append(l.order, k)
	return e, nil
}

// Increase credits a buyer with qty bought at price.
// avg' = (avg × held + price × qty) / (held + qty), held and available grow by qty.
func (l *Ledger) Increase(ctx context.Context, account, instrument, qty, price int64) error {
	if qty <= 0 {
		return errors.AssertionFailedf("increase by non-positive quantity %d", qty)
	}
	e, err := l.entry(ctx, account, instrument)
	if err != nil {
		return err
	}

	cost := decimal.NewFromInt(price).Mul(decimal.NewFromInt(qty))
	if e.pos == nil {
		e.pos = &core.Position{
			AccountID:    account,
			InstrumentID: instrument,
			Held:         qty,
			Available:    qty,
			Average:      decimal.NewFromInt(price),
			CostBasis:    cost,
		}
		e.dirty = true
		return nil
	}

	p := e.pos
	held := decimal.NewFromInt(p.Held)
	total := decimal.NewFromInt(p.Held + qty)
	p.Average = p.Average.Mul(held).Add(cost).DivRound(total, AveragePrecision)
	p.Held += qty
	p.Available += qty
	p.CostBasis = p.CostBasis.Add(cost)
	e.dirty = true
	return nil
}

// Decrease debits a seller. Available is left alone because it was reserved
// when the sell order was submitted. Reaching zero held deletes the position.
func (l *Ledger) Decrease(ctx context.Context, account, instrument, qty int64) error {
	if qty <= 0 {
		return errors.AssertionFailedf("decrease by non-positive quantity %d", qty)
	}
	e, err := l.entry(ctx, account, instrument)
	if err != nil {
		return err
	}
	p := e.pos
	if p == nil {
		return errors.AssertionFailedf("decrease of missing position %d/%d", account, instrument)
	}
	if p.Held < qty {
		return errors.AssertionFailedf("decrease of position %d/%d by %d exceeds held %d", account, instrument, qty, p.Held)
	}

	if p.Held == qty {
		e.pos = nil
		e.dirty = true
		return nil
	}
	p.Held -= qty
	p.CostBasis = p.CostBasis.Sub(p.Average.Mul(decimal.NewFromInt(qty)))
	if p.Available > p.Held {
		return errors.AssertionFailedf("position %d/%d available %d exceeds held %d after sale", account, instrument, p.Available, p.Held)
	}
	e.dirty = true
	return nil
}

// Reserve takes qty out of available-to-sell for a new sell order.
func (l *Ledger) Reserve(ctx context.Context, account, instrument, qty int64) error {
	e, err := l.entry(ctx, account, instrument)
	if err != nil {
		return err
	}
	if e.pos == nil || e.pos.Available < qty {
		var avail int64
		if e.pos != nil {
			avail = e.pos.Available
		}
		return errors.Wrapf(core.ErrInsufficientHoldings,
			"account %d instrument %d: want %d, available %d", account, instrument, qty, avail)
	}
	e.pos.Available -= qty
	e.dirty = true
	return nil
}

// Release returns qty to available-to-sell, for a cancelled sell order or
// the unfilled remainder of a market sell.
func (l *Ledger) Release(ctx context.Context, account, instrument, qty int64) error {
	if qty == 0 {
		return nil
	}
	e, err := l.entry(ctx, account, instrument)
	if err != nil {
		return err
	}
	p := e.pos
	if p == nil {
		return errors.AssertionFailedf("release to missing position %d/%d", account, instrument)
	}
	if p.Available+qty > p.Held {
		return errors.AssertionFailedf("release of %d to position %d/%d exceeds held %d", qty, account, instrument, p.Held)
	}
	p.Available += qty
	e.dirty = true
	return nil
}

// Flush writes every changed position exactly once.
func (l *Ledger) Flush(ctx context.Context) error {
	for _, k := range l.order {
		e := l.staged[k]
		if !e.dirty {
			continue
		}
		var err error
		switch {
		case e.pos == nil && e.existed:
			err = l.tx.DeletePosition(ctx, k.account, k.instrument)
		case e.pos == nil:
			// created and emptied within the pass
		case e.existed:
			err = l.tx.UpdatePosition(ctx, e.pos)
		default:
			err = l.tx.CreatePosition(ctx, e.pos)
		}
		if err != nil {
			return errors.Wrapf(err, "flush position %d/%d", k.account, k.instrument)
		}
		e.existed = e.pos != nil
		e.dirty = false
	}
	return nil
}
