package core

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an order of this side trades against.
func (s Side) Opposite() Side { return -s }

func (s Side) MarshalText() ([]byte, error) {
	if s != Buy && s != Sell {
		return nil, errors.Newf("invalid side %d", int8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, errors.Wrapf(ErrInvalidOrder, "unknown side %q", s)
}

// OrderKind distinguishes limit orders (price-constrained) from market orders
// (take any price until the book is exhausted).
type OrderKind int8

const (
	Limit OrderKind = iota
	Market
)

func (k OrderKind) String() string {
	switch k {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

func (k OrderKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *OrderKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "limit", "":
		*k = Limit
	case "market":
		*k = Market
	default:
		return errors.Wrapf(ErrInvalidOrder, "unknown order type %q", string(b))
	}
	return nil
}

// OrderStatus represents the lifecycle state of an order
type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderFilled
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *OrderStatus) UnmarshalText(b []byte) error {
	v, err := ParseOrderStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	switch s {
	case "open":
		return OrderOpen, nil
	case "filled":
		return OrderFilled, nil
	case "cancelled":
		return OrderCancelled, nil
	}
	return 0, errors.Newf("unknown order status %q", s)
}

// Order is a request to buy or sell an instrument.
// Matched never exceeds Qty.
type Order struct {
	ID           int64       `json:"id"`
	AccountID    int64       `json:"accountId"`
	InstrumentID int64       `json:"instrumentId"`
	Side         Side        `json:"side"`
	Kind         OrderKind   `json:"orderType"`
	Price        int64       `json:"price"`    // limit price, zero for market orders
	Qty          int64       `json:"quantity"` // requested quantity
	Matched      int64       `json:"matched"`  // quantity filled so far
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"` // time priority within a price level
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Remaining returns unfilled quantity
func (o *Order) Remaining() int64 {
	return o.Qty - o.Matched
}

// IsClosed returns true if order is no longer active
func (o *Order) IsClosed() bool {
	return o.Status != OrderOpen
}

// Rests reports whether the order may sit in the book as a counter-order.
func (o *Order) Rests() bool {
	return o.Status == OrderOpen && o.Kind == Limit && o.Remaining() > 0
}

func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Better reports whether resting order a has priority over resting order b.
// Both must rest on the same side. Best price first (lowest ask, highest
// bid), then earliest creation, then lowest id.
func Better(a, b *Order) bool {
	if a.Price != b.Price {
		if a.Side == Sell {
			return a.Price < b.Price
		}
		return a.Price > b.Price
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Position is the holding of one account in one instrument.
// Available never exceeds Held. A position with zero held does not exist.
type Position struct {
	AccountID    int64 `json:"accountId"`
	InstrumentID int64 `json:"instrumentId"`

	Held      int64 `json:"held"`      // quantity owned
	Available int64 `json:"available"` // quantity not reserved by open sell orders

	// Volume-weighted average acquisition price
	// Updated on each buy fill: avg' = (avg × held + price × qty) / (held + qty)
	Average decimal.Decimal `json:"average"`

	// Total cost of the held quantity, average × held up to rounding
	CostBasis decimal.Decimal `json:"costBasis"`
}

func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// Trade is one fill between an incoming order and a resting order.
type Trade struct {
	ID              int64     `json:"id"`
	InstrumentID    int64     `json:"instrumentId"`
	Qty             int64     `json:"quantity"`
	Price           int64     `json:"price"` // resting order's price
	RestingOrderID  int64     `json:"restingOrderId"`
	IncomingOrderID int64     `json:"incomingOrderId"`
	CreatedAt       time.Time `json:"createdAt"`
}

type Instrument struct {
	ID     int64  `json:"id"`
	Symbol string `json:"symbol"`
	Price  int64  `json:"price"` // last traded price
}

// DailyPrice is the OHLC record of one instrument for one trading day.
type DailyPrice struct {
	InstrumentID int64  `json:"instrumentId"`
	Day          string `json:"day"` // YYYY-MM-DD in the reference zone
	Open         int64  `json:"open"`
	High         int64  `json:"high"`
	Low          int64  `json:"low"`
	Close        int64  `json:"close"`
}

type Account struct {
	ID     int64 `json:"id"`
	Number int64 `json:"accountNumber"`
}

// OrderRef identifies an order touched by an action, with its owner.
type OrderRef struct {
	OrderID   int64 `json:"orderId"`
	AccountID int64 `json:"accountId"`
}
