// Package pricehistory maintains the last traded price of each instrument
// and its daily open/high/low/close record.
package pricehistory

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

// Apply folds price into the day's record. A missing record opens the day
// at price; otherwise close moves to price and high/low widen as needed.
// Open never changes once set.
func Apply(prev *core.DailyPrice, instrument int64, day string, price int64) core.DailyPrice {
	if prev == nil {
		return core.DailyPrice{
			InstrumentID: instrument,
			Day:          day,
			Open:         price,
			High:         price,
			Low:          price,
			Close:        price,
		}
	}
	next := *prev
	next.Close = price
	next.High = max(next.High, price)
	next.Low = min(next.Low, price)
	return next
}

// Tracker records prices against trading days of a fixed reference zone.
type Tracker struct {
	loc *time.Location
}

func NewTracker(loc *time.Location) *Tracker {
	return &Tracker{loc: loc}
}

// Day returns the trading day that at belongs to.
func (t *Tracker) Day(at time.Time) string {
	return util.TradingDay(at, t.loc)
}

// Record sets the instrument's last price and updates the day's OHLC.
// The instrument row stays locked until the transaction ends, so concurrent
// passes on the same instrument cannot lose each other's high or low.
func (t *Tracker) Record(ctx context.Context, tx storage.Tx, instrument, price int64, at time.Time) (core.DailyPrice, error) {
	if price <= 0 {
		return core.DailyPrice{}, errors.AssertionFailedf("record of non-positive price %d", price)
	}
	if _, err := tx.LockInstrument(ctx, instrument); err != nil {
		return core.DailyPrice{}, errors.Wrapf(err, "lock instrument %d", instrument)
	}
	if err := tx.SetInstrumentPrice(ctx, instrument, price); err != nil {
		return core.DailyPrice{}, err
	}

	day := t.Day(at)
	prev, err := tx.GetDailyPrice(ctx, instrument, day)
	if err != nil {
		return core.DailyPrice{}, err
	}
	next := Apply(prev, instrument, day, price)
	if err := tx.PutDailyPrice(ctx, &next); err != nil {
		return core.DailyPrice{}, err
	}
	return next, nil
}
