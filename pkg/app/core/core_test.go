package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAction(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Action
		wantErr error
	}{
		{
			name: "limit buy",
			raw:  `{"type":"buy","data":{"accountNumber":1001,"instrumentId":3,"price":5000,"quantity":10,"orderType":"limit"}}`,
			want: TradeAction{Side: Buy, AccountNumber: 1001, InstrumentID: 3, Price: 5000, Qty: 10, Kind: Limit},
		},
		{
			name: "market sell",
			raw:  `{"type":"sell","data":{"accountNumber":7,"instrumentId":3,"quantity":4,"orderType":"market"}}`,
			want: TradeAction{Side: Sell, AccountNumber: 7, InstrumentID: 3, Qty: 4, Kind: Market},
		},
		{
			name: "cancel",
			raw:  `{"type":"cancel","data":{"orderId":42}}`,
			want: CancelAction{OrderID: 42},
		},
		{
			name: "edit",
			raw:  `{"type":"edit","data":{"orderId":42,"price":4900}}`,
			want: EditAction{OrderID: 42, Price: 4900},
		},
		{
			name:    "unknown type",
			raw:     `{"type":"short","data":{}}`,
			wantErr: ErrUnsupportedAction,
		},
		{
			name:    "bad order type",
			raw:     `{"type":"buy","data":{"orderType":"stop"}}`,
			wantErr: ErrInvalidOrder,
		},
		{
			name:    "missing data",
			raw:     `{"type":"cancel"}`,
			wantErr: ErrInvalidOrder,
		},
		{
			name:    "not json",
			raw:     `buy 10`,
			wantErr: ErrInvalidOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAction([]byte(tt.raw))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeActionRoundTrip(t *testing.T) {
	in := TradeAction{Side: Sell, AccountNumber: 9, InstrumentID: 2, Price: 100, Qty: 3, Kind: Limit}
	raw, err := EncodeAction(in)
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "sell", env["type"])

	out, err := DecodeAction(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTradeActionValidate(t *testing.T) {
	tests := []struct {
		name string
		a    TradeAction
		ok   bool
	}{
		{"limit ok", TradeAction{Side: Buy, InstrumentID: 1, Price: 10, Qty: 1}, true},
		{"market without price", TradeAction{Side: Sell, InstrumentID: 1, Qty: 1, Kind: Market}, true},
		{"zero qty", TradeAction{Side: Buy, InstrumentID: 1, Price: 10}, false},
		{"limit without price", TradeAction{Side: Buy, InstrumentID: 1, Qty: 1}, false},
		{"no side", TradeAction{InstrumentID: 1, Price: 10, Qty: 1}, false},
		{"no instrument", TradeAction{Side: Buy, Price: 10, Qty: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.a.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidOrder))
			}
		})
	}
}

func TestBetter(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	ask := func(id, price int64, at time.Time) *Order {
		return &Order{ID: id, Side: Sell, Price: price, CreatedAt: at}
	}
	bid := func(id, price int64, at time.Time) *Order {
		return &Order{ID: id, Side: Buy, Price: price, CreatedAt: at}
	}

	// asks: lower price wins
	assert.True(t, Better(ask(1, 99, t0.Add(time.Hour)), ask(2, 100, t0)))
	// bids: higher price wins
	assert.True(t, Better(bid(1, 101, t0.Add(time.Hour)), bid(2, 100, t0)))
	// same price: earlier wins
	assert.True(t, Better(ask(5, 100, t0), ask(4, 100, t0.Add(time.Millisecond))))
	// same price and time: lower id wins
	assert.True(t, Better(bid(3, 100, t0), bid(4, 100, t0)))
	assert.False(t, Better(bid(4, 100, t0), bid(3, 100, t0)))
}

func TestErrorClasses(t *testing.T) {
	lock := errors.Wrap(ErrLockTimeout, "lock position 1/2")
	assert.True(t, IsTransient(lock))
	assert.False(t, IsRejection(lock))

	rej := errors.Wrapf(ErrOrderClosed, "order %d", 3)
	assert.True(t, IsRejection(rej))
	assert.False(t, IsTransient(rej))

	defect := errors.AssertionFailedf("decrease of missing position")
	assert.True(t, IsDefect(defect))
	assert.False(t, IsRejection(defect))
}
