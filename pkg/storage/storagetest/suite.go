// Package storagetest is a conformance suite for storage.Store backends.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
)

// Factory returns an empty store whose row locks time out after lockTimeout.
type Factory func(t *testing.T, lockTimeout time.Duration) storage.Store

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"Accounts", testAccounts},
		{"Instruments", testInstruments},
		{"Orders", testOrders},
		{"BestOrderPriority", testBestOrderPriority},
		{"BestOrderSeesOwnWrites", testBestOrderSeesOwnWrites},
		{"Positions", testPositions},
		{"DailyPrices", testDailyPrices},
		{"Trades", testTrades},
		{"RollbackDiscards", testRollbackDiscards},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, 2*time.Second)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}

	t.Run("LockConflict", func(t *testing.T) {
		s := newStore(t, 100*time.Millisecond)
		t.Cleanup(func() { _ = s.Close() })
		testLockConflict(t, s)
	})
	t.Run("AbsentPositionLockConflict", func(t *testing.T) {
		s := newStore(t, 100*time.Millisecond)
		t.Cleanup(func() { _ = s.Close() })
		testAbsentPositionLockConflict(t, s)
	})
}

var t0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func update(t *testing.T, s storage.Store, fn func(tx storage.Tx) error) {
	t.Helper()
	require.NoError(t, storage.Update(context.Background(), s, fn))
}

// Seed creates one account and one instrument and returns their ids.
func Seed(t *testing.T, s storage.Store, number int64, symbol string, price int64) (accountID, instrumentID int64) {
	t.Helper()
	ctx := context.Background()
	update(t, s, func(tx storage.Tx) error {
		a, err := tx.CreateAccount(ctx, number)
		if err != nil {
			return err
		}
		ins, err := tx.CreateInstrument(ctx, symbol, price)
		if err != nil {
			return err
		}
		accountID, instrumentID = a.ID, ins.ID
		return nil
	})
	return accountID, instrumentID
}

func testAccounts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	var created core.Account
	update(t, s, func(tx storage.Tx) error {
		var err error
		created, err = tx.CreateAccount(ctx, 1001)
		return err
	})
	assert.NotZero(t, created.ID)

	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		got, err := tx.ResolveAccount(ctx, 1001)
		require.NoError(t, err)
		assert.Equal(t, created, got)

		_, err = tx.ResolveAccount(ctx, 9999)
		assert.True(t, errors.Is(err, core.ErrAccountNotFound), "got %v", err)
		return nil
	}))

	err := storage.Update(ctx, s, func(tx storage.Tx) error {
		_, err := tx.CreateAccount(ctx, 1001)
		return err
	})
	assert.True(t, errors.Is(err, core.ErrAlreadyExists), "got %v", err)
}

func testInstruments(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, ins := Seed(t, s, 1, "ACME", 0)

	update(t, s, func(tx storage.Tx) error {
		locked, err := tx.LockInstrument(ctx, ins)
		require.NoError(t, err)
		assert.Equal(t, "ACME", locked.Symbol)
		return tx.SetInstrumentPrice(ctx, ins, 5200)
	})

	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		got, err := tx.GetInstrument(ctx, ins)
		require.NoError(t, err)
		assert.Equal(t, int64(5200), got.Price)

		_, err = tx.GetInstrument(ctx, ins+100)
		assert.True(t, errors.Is(err, core.ErrInstrumentNotFound), "got %v", err)
		return nil
	}))
}

func newOrder(account, instrument int64, side core.Side, price, qty int64, at time.Time) *core.Order {
	return &core.Order{
		AccountID:    account,
		InstrumentID: instrument,
		Side:         side,
		Kind:         core.Limit,
		Price:        price,
		Qty:          qty,
		Status:       core.OrderOpen,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func testOrders(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc, ins := Seed(t, s, 1, "ACME", 0)

	o := newOrder(acc, ins, core.Buy, 100, 10, t0)
	update(t, s, func(tx storage.Tx) error { return tx.CreateOrder(ctx, o) })
	require.NotZero(t, o.ID)

	update(t, s, func(tx storage.Tx) error {
		locked, err := tx.LockOrder(ctx, o.ID)
		require.NoError(t, err)
		locked.Matched = 4
		locked.Price = 101
		return tx.UpdateOrder(ctx, locked)
	})

	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		got, err := tx.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), got.Matched)
		assert.Equal(t, int64(101), got.Price)
		assert.Equal(t, core.Buy, got.Side)
		assert.Equal(t, core.OrderOpen, got.Status)
		assert.True(t, got.CreatedAt.Equal(t0))

		_, err = tx.GetOrder(ctx, o.ID+100)
		assert.True(t, errors.Is(err, core.ErrOrderNotFound), "got %v", err)
		return nil
	}))
}

func testBestOrderPriority(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc, ins := Seed(t, s, 1, "ACME", 0)
	_, other := Seed(t, s, 2, "BOLT", 0)

	orders := []*core.Order{
		newOrder(acc, ins, core.Sell, 102, 5, t0),                  // 0
		newOrder(acc, ins, core.Sell, 101, 5, t0.Add(time.Second)), // 1 best ask, later
		newOrder(acc, ins, core.Sell, 101, 5, t0.Add(time.Minute)), // 2
		newOrder(acc, ins, core.Buy, 99, 5, t0),                    // 3 best bid
		newOrder(acc, ins, core.Buy, 98, 5, t0),                    // 4
		newOrder(acc, other, core.Sell, 50, 5, t0),                 // 5 other instrument
		newOrder(acc, ins, core.Sell, 100, 5, t0),                  // 6 cancelled
		newOrder(acc, ins, core.Sell, 90, 5, t0.Add(-time.Hour)),   // 7 market, never rests
		newOrder(acc, ins, core.Sell, 95, 5, t0.Add(-time.Minute)), // 8 filled
	}
	orders[6].Status = core.OrderCancelled
	orders[7].Kind = core.Market
	orders[8].Matched = 5
	orders[8].Status = core.OrderFilled

	update(t, s, func(tx storage.Tx) error {
		for _, o := range orders {
			if err := tx.CreateOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})

	tests := []struct {
		name string
		q    storage.BookQuery
		want *core.Order
	}{
		{"market buy sees best ask", storage.BookQuery{InstrumentID: ins, Side: core.Sell}, orders[1]},
		{"limit buy at best ask", storage.BookQuery{InstrumentID: ins, Side: core.Sell, Bound: 101}, orders[1]},
		{"limit buy below book", storage.BookQuery{InstrumentID: ins, Side: core.Sell, Bound: 100}, nil},
		{"market sell sees best bid", storage.BookQuery{InstrumentID: ins, Side: core.Buy}, orders[3]},
		{"limit sell at 98", storage.BookQuery{InstrumentID: ins, Side: core.Buy, Bound: 98}, orders[3]},
		{"limit sell above book", storage.BookQuery{InstrumentID: ins, Side: core.Buy, Bound: 100}, nil},
		{"other instrument", storage.BookQuery{InstrumentID: other, Side: core.Sell}, orders[5]},
		{"empty side", storage.BookQuery{InstrumentID: other, Side: core.Buy}, nil},
	}

	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		for _, tt := range tests {
			got, err := tx.BestOrder(ctx, tt.q)
			require.NoError(t, err, tt.name)
			if tt.want == nil {
				assert.Nil(t, got, tt.name)
				continue
			}
			require.NotNil(t, got, tt.name)
			assert.Equal(t, tt.want.ID, got.ID, tt.name)
		}
		return nil
	}))

	// filling the best ask promotes the next one at the same price
	update(t, s, func(tx storage.Tx) error {
		o, err := tx.LockOrder(ctx, orders[1].ID)
		if err != nil {
			return err
		}
		o.Matched, o.Status = o.Qty, core.OrderFilled
		return tx.UpdateOrder(ctx, o)
	})
	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		got, err := tx.BestOrder(ctx, storage.BookQuery{InstrumentID: ins, Side: core.Sell})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, orders[2].ID, got.ID)
		return nil
	}))
}

func testBestOrderSeesOwnWrites(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc, ins := Seed(t, s, 1, "ACME", 0)

	a := newOrder(acc, ins, core.Sell, 100, 5, t0)
	b := newOrder(acc, ins, core.Sell, 100, 5, t0.Add(time.Second))
	update(t, s, func(tx storage.Tx) error {
		if err := tx.CreateOrder(ctx, a); err != nil {
			return err
		}
		return tx.CreateOrder(ctx, b)
	})

	q := storage.BookQuery{InstrumentID: ins, Side: core.Sell}
	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		o, err := tx.LockOrder(ctx, a.ID)
		require.NoError(t, err)
		o.Matched, o.Status = 5, core.OrderFilled
		require.NoError(t, tx.UpdateOrder(ctx, o))

		got, err := tx.BestOrder(ctx, q)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, b.ID, got.ID)

		// a new, better order created in the same transaction is visible too
		c := newOrder(acc, ins, core.Sell, 99, 1, t0.Add(time.Hour))
		require.NoError(t, tx.CreateOrder(ctx, c))
		got, err = tx.BestOrder(ctx, q)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, c.ID, got.ID)
		return nil
	}))

	// the view rolled back, a is still the best ask
	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		got, err := tx.BestOrder(ctx, q)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, a.ID, got.ID)
		return nil
	}))
}

func testPositions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc, ins := Seed(t, s, 1, "ACME", 0)

	update(t, s, func(tx storage.Tx) error {
		p, err := tx.LockPosition(ctx, acc, ins)
		require.NoError(t, err)
		assert.Nil(t, p)
		return tx.CreatePosition(ctx, &core.Position{
			AccountID: acc, InstrumentID: ins,
			Held: 10, Available: 10,
			Average:   decimal.NewFromInt(100),
			CostBasis: decimal.NewFromInt(1000),
		})
	})

	update(t, s, func(tx storage.Tx) error {
		p, err := tx.LockPosition(ctx, acc, ins)
		require.NoError(t, err)
		require.NotNil(t, p)
		p.Held, p.Available = 15, 12
		p.Average = decimal.RequireFromString("103.33333333")
		p.CostBasis = decimal.NewFromInt(1550)
		return tx.UpdatePosition(ctx, p)
	})

	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		p, err := tx.GetPosition(ctx, acc, ins)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, int64(15), p.Held)
		assert.Equal(t, int64(12), p.Available)
		assert.True(t, p.Average.Equal(decimal.RequireFromString("103.33333333")), p.Average.String())
		assert.True(t, p.CostBasis.Equal(decimal.NewFromInt(1550)), p.CostBasis.String())
		return nil
	}))

	update(t, s, func(tx storage.Tx) error {
		if _, err := tx.LockPosition(ctx, acc, ins); err != nil {
			return err
		}
		return tx.DeletePosition(ctx, acc, ins)
	})
	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		p, err := tx.GetPosition(ctx, acc, ins)
		require.NoError(t, err)
		assert.Nil(t, p)
		return nil
	}))
}

func testDailyPrices(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, ins := Seed(t, s, 1, "ACME", 0)

	update(t, s, func(tx storage.Tx) error {
		return tx.PutDailyPrice(ctx, &core.DailyPrice{InstrumentID: ins, Day: "2024-06-03", Open: 10, High: 12, Low: 9, Close: 11})
	})
	update(t, s, func(tx storage.Tx) error {
		return tx.PutDailyPrice(ctx, &core.DailyPrice{InstrumentID: ins, Day: "2024-06-03", Open: 10, High: 13, Low: 9, Close: 13})
	})

	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		d, err := tx.GetDailyPrice(ctx, ins, "2024-06-03")
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, core.DailyPrice{InstrumentID: ins, Day: "2024-06-03", Open: 10, High: 13, Low: 9, Close: 13}, *d)

		d, err = tx.GetDailyPrice(ctx, ins, "2024-06-04")
		require.NoError(t, err)
		assert.Nil(t, d)
		return nil
	}))
}

func testTrades(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, ins := Seed(t, s, 1, "ACME", 0)

	batch := []core.Trade{
		{InstrumentID: ins, Qty: 1, Price: 100, RestingOrderID: 1, IncomingOrderID: 9, CreatedAt: t0},
		{InstrumentID: ins, Qty: 2, Price: 101, RestingOrderID: 2, IncomingOrderID: 9, CreatedAt: t0},
	}
	update(t, s, func(tx storage.Tx) error { return tx.AppendTrades(ctx, batch) })
	assert.NotZero(t, batch[0].ID)
	assert.Greater(t, batch[1].ID, batch[0].ID)

	update(t, s, func(tx storage.Tx) error {
		return tx.AppendTrades(ctx, []core.Trade{{InstrumentID: ins, Qty: 3, Price: 102, RestingOrderID: 3, IncomingOrderID: 10, CreatedAt: t0}})
	})

	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		got, err := tx.RecentTrades(ctx, ins, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(3), got[0].Qty)
		assert.Equal(t, int64(2), got[1].Qty)

		got, err = tx.RecentTrades(ctx, ins+100, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	}))
}

func testRollbackDiscards(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc, ins := Seed(t, s, 1, "ACME", 0)

	boom := errors.New("boom")
	var orderID int64
	err := storage.Update(ctx, s, func(tx storage.Tx) error {
		o := newOrder(acc, ins, core.Sell, 100, 1, t0)
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}
		orderID = o.ID
		if err := tx.CreatePosition(ctx, &core.Position{AccountID: acc, InstrumentID: ins, Held: 1, Available: 1}); err != nil {
			return err
		}
		if err := tx.SetInstrumentPrice(ctx, ins, 777); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		_, err := tx.GetOrder(ctx, orderID)
		assert.True(t, errors.Is(err, core.ErrOrderNotFound), "got %v", err)

		p, err := tx.GetPosition(ctx, acc, ins)
		require.NoError(t, err)
		assert.Nil(t, p)

		got, err := tx.GetInstrument(ctx, ins)
		require.NoError(t, err)
		assert.Zero(t, got.Price)
		return nil
	}))
}

func testLockConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc, ins := Seed(t, s, 1, "ACME", 0)
	update(t, s, func(tx storage.Tx) error {
		return tx.CreatePosition(ctx, &core.Position{AccountID: acc, InstrumentID: ins, Held: 1, Available: 1})
	})

	holder, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = holder.LockPosition(ctx, acc, ins)
	require.NoError(t, err)

	waiter, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = waiter.LockPosition(ctx, acc, ins)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrLockTimeout), "got %v", err)
	assert.True(t, core.IsTransient(err))
	require.NoError(t, waiter.Rollback(ctx))

	require.NoError(t, holder.Rollback(ctx))

	// released on rollback
	update(t, s, func(tx storage.Tx) error {
		_, err := tx.LockPosition(ctx, acc, ins)
		return err
	})
}

// A position that does not exist yet is still locked by the first
// transaction that touches it, so two first buys cannot both create it.
func testAbsentPositionLockConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acc, ins := Seed(t, s, 1, "ACME", 0)
	_, other := Seed(t, s, 2, "BOLT", 0)

	holder, err := s.Begin(ctx)
	require.NoError(t, err)
	p, err := holder.LockPosition(ctx, acc, ins)
	require.NoError(t, err)
	require.Nil(t, p)

	waiter, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = waiter.LockPosition(ctx, acc, ins)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrLockTimeout), "got %v", err)
	assert.True(t, core.IsTransient(err))
	require.NoError(t, waiter.Rollback(ctx))

	// a different slot is not blocked
	update(t, s, func(tx storage.Tx) error {
		p, err := tx.LockPosition(ctx, acc, other)
		require.NoError(t, err)
		assert.Nil(t, p)
		return nil
	})

	require.NoError(t, holder.CreatePosition(ctx, &core.Position{AccountID: acc, InstrumentID: ins, Held: 3, Available: 3}))
	require.NoError(t, holder.Commit(ctx))

	update(t, s, func(tx storage.Tx) error {
		p, err := tx.LockPosition(ctx, acc, ins)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, int64(3), p.Held)
		return nil
	})
}
