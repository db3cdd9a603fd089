package matching

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/app/core/pricehistory"
	"github.com/uhyunpark/stockmatch/pkg/storage"
	"github.com/uhyunpark/stockmatch/pkg/storage/memstore"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *memstore.Store
	engine *Engine
	clock  *util.ManualClock
	ins    int64
}

func newHarness(t *testing.T) *harness {
	seoul, err := util.LoadZone("Asia/Seoul")
	require.NoError(t, err)
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  memstore.New(time.Second),
		engine: NewEngine(pricehistory.NewTracker(seoul), zap.NewNop()),
		clock:  util.NewManualClock(time.Date(2024, 6, 3, 1, 0, 0, 0, time.UTC)),
	}
	require.NoError(t, storage.Update(h.ctx, h.store, func(tx storage.Tx) error {
		ins, err := tx.CreateInstrument(h.ctx, "ACME", 0)
		h.ins = ins.ID
		return err
	}))
	return h
}

// account creates an account holding qty of the instrument at price.
func (h *harness) account(number, qty, price int64) int64 {
	var id int64
	require.NoError(h.t, storage.Update(h.ctx, h.store, func(tx storage.Tx) error {
		a, err := tx.CreateAccount(h.ctx, number)
		if err != nil {
			return err
		}
		id = a.ID
		if qty == 0 {
			return nil
		}
		return tx.CreatePosition(h.ctx, &core.Position{
			AccountID: a.ID, InstrumentID: h.ins,
			Held: qty, Available: qty,
			Average:   decimal.NewFromInt(price),
			CostBasis: decimal.NewFromInt(price * qty),
		})
	}))
	return id
}

// submit creates an order the way the dispatcher does and matches it.
func (h *harness) submit(account int64, side core.Side, kind core.OrderKind, price, qty int64) (*Result, error) {
	h.clock.Advance(time.Second)
	var res *Result
	err := storage.Update(h.ctx, h.store, func(tx storage.Tx) error {
		p := NewPass(tx, h.clock.Now())
		o := &core.Order{
			AccountID: account, InstrumentID: h.ins,
			Side: side, Kind: kind, Price: price, Qty: qty,
			Status: core.OrderOpen, CreatedAt: p.Now, UpdatedAt: p.Now,
		}
		if side == core.Sell {
			if err := p.Ledger.Reserve(h.ctx, account, h.ins, qty); err != nil {
				return err
			}
		}
		if err := tx.CreateOrder(h.ctx, o); err != nil {
			return err
		}
		var err error
		res, err = h.engine.Run(h.ctx, p, o)
		return err
	})
	return res, err
}

func (h *harness) mustSubmit(account int64, side core.Side, kind core.OrderKind, price, qty int64) *Result {
	h.t.Helper()
	res, err := h.submit(account, side, kind, price, qty)
	require.NoError(h.t, err)
	return res
}

func (h *harness) order(id int64) *core.Order {
	var o *core.Order
	require.NoError(h.t, storage.View(h.ctx, h.store, func(tx storage.Tx) error {
		var err error
		o, err = tx.GetOrder(h.ctx, id)
		return err
	}))
	return o
}

func (h *harness) position(account int64) *core.Position {
	var p *core.Position
	require.NoError(h.t, storage.View(h.ctx, h.store, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetPosition(h.ctx, account, h.ins)
		return err
	}))
	return p
}

func (h *harness) instrument() core.Instrument {
	var ins core.Instrument
	require.NoError(h.t, storage.View(h.ctx, h.store, func(tx storage.Tx) error {
		var err error
		ins, err = tx.GetInstrument(h.ctx, h.ins)
		return err
	}))
	return ins
}

func TestMarketBuyFillsSingleRestingSell(t *testing.T) {
	h := newHarness(t)
	seller := h.account(1, 10, 80)
	buyer := h.account(2, 0, 0)

	ask := h.mustSubmit(seller, core.Sell, core.Limit, 100, 10)
	require.Equal(t, ExhaustedBook, ask.Termination)

	res := h.mustSubmit(buyer, core.Buy, core.Market, 0, 10)
	assert.Equal(t, FullyFilled, res.Termination)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(10), res.Trades[0].Qty)
	assert.Equal(t, int64(100), res.Trades[0].Price)
	assert.NotZero(t, res.Trades[0].ID)
	assert.Equal(t, []core.OrderRef{
		{OrderID: res.Incoming.ID, AccountID: buyer},
		{OrderID: ask.Incoming.ID, AccountID: seller},
	}, res.Touched)

	assert.Equal(t, core.OrderFilled, h.order(res.Incoming.ID).Status)
	assert.Equal(t, core.OrderFilled, h.order(ask.Incoming.ID).Status)

	p := h.position(buyer)
	require.NotNil(t, p)
	assert.Equal(t, int64(10), p.Held)
	assert.Equal(t, int64(10), p.Available)
	assert.True(t, p.Average.Equal(decimal.NewFromInt(100)))

	assert.Nil(t, h.position(seller), "seller sold everything")
	assert.Equal(t, int64(100), h.instrument().Price)
	assert.Equal(t, int64(100), res.Price)
}

func TestLimitBuyPartiallyConsumesRestingSell(t *testing.T) {
	h := newHarness(t)
	seller := h.account(1, 8, 90)
	buyer := h.account(2, 0, 0)

	ask := h.mustSubmit(seller, core.Sell, core.Limit, 99, 8)
	res := h.mustSubmit(buyer, core.Buy, core.Limit, 100, 5)

	assert.Equal(t, FullyFilled, res.Termination)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(5), res.Trades[0].Qty)
	assert.Equal(t, int64(99), res.Trades[0].Price, "fills at the resting price")

	rest := h.order(ask.Incoming.ID)
	assert.Equal(t, core.OrderOpen, rest.Status)
	assert.Equal(t, int64(5), rest.Matched)
	assert.Equal(t, int64(3), rest.Remaining())

	assert.True(t, h.position(buyer).Average.Equal(decimal.NewFromInt(99)))

	sp := h.position(seller)
	assert.Equal(t, int64(3), sp.Held)
	assert.Equal(t, int64(0), sp.Available, "the rest is still reserved")
}

func TestSellWalksBidsBestPriceFirst(t *testing.T) {
	h := newHarness(t)
	a := h.account(1, 0, 0)
	b := h.account(2, 0, 0)
	seller := h.account(3, 12, 40)

	bidA := h.mustSubmit(a, core.Buy, core.Limit, 52, 5)
	bidB := h.mustSubmit(b, core.Buy, core.Limit, 51, 10)

	res := h.mustSubmit(seller, core.Sell, core.Limit, 50, 12)
	assert.Equal(t, FullyFilled, res.Termination)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, bidA.Incoming.ID, res.Trades[0].RestingOrderID)
	assert.Equal(t, int64(5), res.Trades[0].Qty)
	assert.Equal(t, int64(52), res.Trades[0].Price)
	assert.Equal(t, bidB.Incoming.ID, res.Trades[1].RestingOrderID)
	assert.Equal(t, int64(7), res.Trades[1].Qty)
	assert.Equal(t, int64(51), res.Trades[1].Price)

	assert.Equal(t, int64(12), h.order(res.Incoming.ID).Matched)
	assert.Equal(t, core.OrderFilled, h.order(bidA.Incoming.ID).Status)
	assert.Equal(t, int64(3), h.order(bidB.Incoming.ID).Remaining())
	assert.Equal(t, int64(51), h.instrument().Price, "last fill sets the price")

	assert.Nil(t, h.position(seller))
	assert.Equal(t, int64(5), h.position(a).Held)
	assert.Equal(t, int64(7), h.position(b).Held)
}

func TestTimePriorityWithinPriceLevel(t *testing.T) {
	h := newHarness(t)
	early := h.account(1, 5, 10)
	late := h.account(2, 5, 10)
	buyer := h.account(3, 0, 0)

	first := h.mustSubmit(early, core.Sell, core.Limit, 100, 5)
	h.mustSubmit(late, core.Sell, core.Limit, 100, 5)

	res := h.mustSubmit(buyer, core.Buy, core.Limit, 100, 5)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, first.Incoming.ID, res.Trades[0].RestingOrderID)
}

func TestLimitOrderRestsWhenBookDoesNotCross(t *testing.T) {
	h := newHarness(t)
	seller := h.account(1, 5, 10)
	buyer := h.account(2, 0, 0)

	h.mustSubmit(seller, core.Sell, core.Limit, 101, 5)
	res := h.mustSubmit(buyer, core.Buy, core.Limit, 100, 5)

	assert.Equal(t, ExhaustedBook, res.Termination)
	assert.Empty(t, res.Trades)
	o := h.order(res.Incoming.ID)
	assert.Equal(t, core.OrderOpen, o.Status)
	assert.Equal(t, int64(0), o.Matched)
	assert.Equal(t, int64(0), res.Price, "never traded, no fallback price")
}

func TestMarketSellRemainderIsCancelledAndReleased(t *testing.T) {
	h := newHarness(t)
	bidder := h.account(1, 0, 0)
	seller := h.account(2, 10, 10)

	h.mustSubmit(bidder, core.Buy, core.Limit, 20, 4)
	res := h.mustSubmit(seller, core.Sell, core.Market, 0, 10)

	assert.Equal(t, ExhaustedBook, res.Termination)
	o := h.order(res.Incoming.ID)
	assert.Equal(t, core.OrderCancelled, o.Status)
	assert.Equal(t, int64(4), o.Matched)

	p := h.position(seller)
	assert.Equal(t, int64(6), p.Held)
	assert.Equal(t, int64(6), p.Available, "unfilled 6 returned to available")
}

func TestMarketBuyOnEmptyBookIsCancelled(t *testing.T) {
	h := newHarness(t)
	buyer := h.account(1, 0, 0)

	res := h.mustSubmit(buyer, core.Buy, core.Market, 0, 3)
	assert.Equal(t, ExhaustedBook, res.Termination)
	o := h.order(res.Incoming.ID)
	assert.Equal(t, core.OrderCancelled, o.Status)
	assert.Equal(t, int64(0), o.Matched)
	assert.Nil(t, h.position(buyer))
}

func TestFallbackPriceRecordsCurrentPrice(t *testing.T) {
	h := newHarness(t)
	seller := h.account(1, 5, 10)
	buyer := h.account(2, 0, 0)
	h.mustSubmit(seller, core.Sell, core.Limit, 100, 1)
	h.mustSubmit(buyer, core.Buy, core.Limit, 100, 1)

	// next pass trades nothing
	res := h.mustSubmit(buyer, core.Buy, core.Limit, 90, 1)
	assert.Empty(t, res.Trades)
	assert.Equal(t, int64(100), res.Price)
	assert.Equal(t, int64(100), h.instrument().Price)
}

func TestDailyHistoryAcrossFills(t *testing.T) {
	h := newHarness(t)
	seller := h.account(1, 30, 10)
	buyer := h.account(2, 0, 0)

	for _, price := range []int64{100, 120, 90, 110} {
		h.mustSubmit(seller, core.Sell, core.Limit, price, 1)
		h.mustSubmit(buyer, core.Buy, core.Market, 0, 1)
	}

	var d *core.DailyPrice
	require.NoError(t, storage.View(h.ctx, h.store, func(tx storage.Tx) error {
		var err error
		d, err = tx.GetDailyPrice(h.ctx, h.ins, "2024-06-03")
		return err
	}))
	require.NotNil(t, d)
	assert.Equal(t, int64(100), d.Open)
	assert.Equal(t, int64(120), d.High)
	assert.Equal(t, int64(90), d.Low)
	assert.Equal(t, int64(110), d.Close)
}

func TestQuantityConservation(t *testing.T) {
	h := newHarness(t)
	buyer := h.account(100, 0, 0)
	sizes := []int64{3, 1, 4, 1, 5, 9, 2, 6}
	for i, q := range sizes {
		s := h.account(int64(i+1), q, 10)
		h.mustSubmit(s, core.Sell, core.Limit, 100+int64(i%3), q)
	}

	res := h.mustSubmit(buyer, core.Buy, core.Limit, 101, 20)
	var total int64
	for _, tr := range res.Trades {
		assert.LessOrEqual(t, tr.Price, int64(101))
		total += tr.Qty
	}
	o := h.order(res.Incoming.ID)
	assert.Equal(t, total, o.Matched)
	assert.LessOrEqual(t, total, o.Qty)
	assert.Equal(t, res.Termination == FullyFilled, total == o.Qty)
	assert.Equal(t, total, h.position(buyer).Held)
}

func TestSellWithoutHoldingsIsRejected(t *testing.T) {
	h := newHarness(t)
	seller := h.account(1, 2, 10)

	_, err := h.submit(seller, core.Sell, core.Limit, 100, 3)
	assert.True(t, errors.Is(err, core.ErrInsufficientHoldings))
	assert.Equal(t, int64(2), h.position(seller).Available)
}

func TestDefectRollsBackWholePass(t *testing.T) {
	h := newHarness(t)
	seller := h.account(1, 5, 10)
	buyer := h.account(2, 0, 0)
	ask := h.mustSubmit(seller, core.Sell, core.Limit, 100, 5)

	// corrupt the seller's holdings so the fill cannot be settled
	require.NoError(t, storage.Update(h.ctx, h.store, func(tx storage.Tx) error {
		return tx.DeletePosition(h.ctx, seller, h.ins)
	}))

	_, err := h.submit(buyer, core.Buy, core.Market, 0, 5)
	require.Error(t, err)
	assert.True(t, core.IsDefect(err))

	assert.Equal(t, core.OrderOpen, h.order(ask.Incoming.ID).Status)
	assert.Nil(t, h.position(buyer))
	assert.Equal(t, int64(0), h.instrument().Price)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		s, f    int64
		outcome Outcome
		qty     int64
	}{
		{"equal", 10, 10, Equal, 10},
		{"incoming smaller", 5, 8, IncomingSmaller, 5},
		{"incoming larger", 12, 5, IncomingLarger, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &core.Order{Qty: tt.s}
			rest := &core.Order{Qty: tt.f + 2, Matched: 2}
			fill := Resolve(in, rest)
			assert.Equal(t, tt.outcome, fill.Outcome)
			assert.Equal(t, tt.qty, fill.Qty)

			fill.Apply(in, rest, time.Time{})
			assert.Equal(t, tt.outcome != IncomingLarger, in.Status == core.OrderFilled)
			assert.Equal(t, tt.outcome != IncomingSmaller, rest.Status == core.OrderFilled)
		})
	}
}

func TestMarkFilledPrecondition(t *testing.T) {
	s := memstore.New(time.Second)
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	err = markFilled(ctx, tx)
	assert.True(t, core.IsDefect(err))

	o := &core.Order{ID: 1, Qty: 2, Matched: 2, Status: core.OrderFilled}
	err = markFilled(ctx, tx, o, o, o)
	assert.True(t, core.IsDefect(err))

	err = markFilled(ctx, tx, &core.Order{ID: 1, Qty: 2, Matched: 1})
	assert.True(t, core.IsDefect(err))
}
