// Package storage defines the transactional persistence contract used by the
// matching engine. Backends live in the memstore, pebblestore and pgstore
// subpackages.
package storage

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
)

// Store opens transactions. Every action runs in exactly one Tx.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one atomic unit of work. Lock* methods take an exclusive row lock
// that is held until Commit or Rollback. Lookups of missing orders, accounts
// and instruments fail with the matching core.Err*NotFound; lookups of
// missing positions and daily prices return nil without error.
type Tx interface {
	ResolveAccount(ctx context.Context, number int64) (core.Account, error)
	CreateAccount(ctx context.Context, number int64) (core.Account, error)

	GetInstrument(ctx context.Context, id int64) (core.Instrument, error)
	LockInstrument(ctx context.Context, id int64) (core.Instrument, error)
	CreateInstrument(ctx context.Context, symbol string, price int64) (core.Instrument, error)
	SetInstrumentPrice(ctx context.Context, id, price int64) error

	// CreateOrder assigns o.ID.
	CreateOrder(ctx context.Context, o *core.Order) error
	GetOrder(ctx context.Context, id int64) (*core.Order, error)
	LockOrder(ctx context.Context, id int64) (*core.Order, error)
	UpdateOrder(ctx context.Context, o *core.Order) error
	// BestOrder returns the highest priority resting order matching q, or
	// nil when the book holds none. The result is not locked.
	BestOrder(ctx context.Context, q BookQuery) (*core.Order, error)

	GetPosition(ctx context.Context, accountID, instrumentID int64) (*core.Position, error)
	LockPosition(ctx context.Context, accountID, instrumentID int64) (*core.Position, error)
	CreatePosition(ctx context.Context, p *core.Position) error
	UpdatePosition(ctx context.Context, p *core.Position) error
	DeletePosition(ctx context.Context, accountID, instrumentID int64) error

	GetDailyPrice(ctx context.Context, instrumentID int64, day string) (*core.DailyPrice, error)
	PutDailyPrice(ctx context.Context, d *core.DailyPrice) error

	// AppendTrades assigns trade ids in order.
	AppendTrades(ctx context.Context, trades []core.Trade) error
	// RecentTrades returns up to limit trades of an instrument, newest first.
	RecentTrades(ctx context.Context, instrumentID int64, limit int) ([]core.Trade, error)

	Commit(ctx context.Context) error
	// Rollback is a no-op after Commit.
	Rollback(ctx context.Context) error
}

// BookQuery selects resting orders that can trade against an incoming order.
type BookQuery struct {
	InstrumentID int64
	Side         core.Side // side of the resting orders
	// Bound is the incoming limit price. Zero means no price filter.
	Bound int64
}

// QueryFor builds the counter-order query of an incoming order.
func QueryFor(incoming *core.Order) BookQuery {
	q := BookQuery{
		InstrumentID: incoming.InstrumentID,
		Side:         incoming.Side.Opposite(),
	}
	if incoming.Kind == core.Limit {
		q.Bound = incoming.Price
	}
	return q
}

// Accepts reports whether resting order o satisfies the query.
func (q BookQuery) Accepts(o *core.Order) bool {
	if o.InstrumentID != q.InstrumentID || o.Side != q.Side || !o.Rests() {
		return false
	}
	if q.Bound == 0 {
		return true
	}
	if q.Side == core.Sell {
		return o.Price <= q.Bound
	}
	return o.Price >= q.Bound
}

// Update runs fn inside a transaction and commits when fn succeeds.
func Update(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// View runs fn inside a transaction that is always rolled back.
func View(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return fn(tx)
}
