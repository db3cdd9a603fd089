package exchange

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
)

// ErrNoHistory is returned for a day on which the instrument did not trade.
var ErrNoHistory = errors.New("no price history")

const (
	DefaultTradeLimit = 50
	MaxTradeLimit     = 500
)

func (a *App) Order(ctx context.Context, id int64) (*core.Order, error) {
	var o *core.Order
	err := storage.View(ctx, a.store, func(tx storage.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, id)
		return err
	})
	return o, err
}

// Position returns the holdings of an account. An account that holds none
// of the instrument gets an empty position rather than an error.
func (a *App) Position(ctx context.Context, accountNumber, instrumentID int64) (*core.Position, error) {
	var p *core.Position
	err := storage.View(ctx, a.store, func(tx storage.Tx) error {
		accountID, err := a.accounts.Resolve(ctx, tx, accountNumber)
		if err != nil {
			return err
		}
		if _, err := tx.GetInstrument(ctx, instrumentID); err != nil {
			return err
		}
		p, err = tx.GetPosition(ctx, accountID, instrumentID)
		if err != nil {
			return err
		}
		if p == nil {
			p = &core.Position{
				AccountID:    accountID,
				InstrumentID: instrumentID,
				Average:      decimal.Zero,
				CostBasis:    decimal.Zero,
			}
		}
		return nil
	})
	return p, err
}

func (a *App) Instrument(ctx context.Context, id int64) (core.Instrument, error) {
	var ins core.Instrument
	err := storage.View(ctx, a.store, func(tx storage.Tx) error {
		var err error
		ins, err = tx.GetInstrument(ctx, id)
		return err
	})
	return ins, err
}

func (a *App) DailyPrice(ctx context.Context, instrumentID int64, day string) (*core.DailyPrice, error) {
	var d *core.DailyPrice
	err := storage.View(ctx, a.store, func(tx storage.Tx) error {
		if _, err := tx.GetInstrument(ctx, instrumentID); err != nil {
			return err
		}
		var err error
		d, err = tx.GetDailyPrice(ctx, instrumentID, day)
		if err == nil && d == nil {
			err = errors.Wrapf(ErrNoHistory, "instrument %d on %s", instrumentID, day)
		}
		return err
	})
	return d, err
}

// RecentTrades returns the newest trades first. limit is clamped to
// [1, MaxTradeLimit]; zero means DefaultTradeLimit.
func (a *App) RecentTrades(ctx context.Context, instrumentID int64, limit int) ([]core.Trade, error) {
	switch {
	case limit <= 0:
		limit = DefaultTradeLimit
	case limit > MaxTradeLimit:
		limit = MaxTradeLimit
	}
	var trades []core.Trade
	err := storage.View(ctx, a.store, func(tx storage.Tx) error {
		if _, err := tx.GetInstrument(ctx, instrumentID); err != nil {
			return err
		}
		var err error
		trades, err = tx.RecentTrades(ctx, instrumentID, limit)
		return err
	})
	return trades, err
}
