package core

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

type ActionType string

const (
	ActionBuy    ActionType = "buy"
	ActionSell   ActionType = "sell"
	ActionCancel ActionType = "cancel"
	ActionEdit   ActionType = "edit"
)

// Action is one instruction against the book. The concrete types are
// TradeAction, CancelAction and EditAction.
type Action interface {
	Type() ActionType
	Validate() error
}

// TradeAction submits a new buy or sell order.
type TradeAction struct {
	Side          Side      `json:"-"`
	AccountNumber int64     `json:"accountNumber"`
	InstrumentID  int64     `json:"instrumentId"`
	Price         int64     `json:"price"`
	Qty           int64     `json:"quantity"`
	Kind          OrderKind `json:"orderType"`
}

func (a TradeAction) Type() ActionType {
	if a.Side == Sell {
		return ActionSell
	}
	return ActionBuy
}

func (a TradeAction) Validate() error {
	if a.Side != Buy && a.Side != Sell {
		return errors.Wrap(ErrInvalidOrder, "side must be buy or sell")
	}
	if a.Qty <= 0 {
		return errors.Wrapf(ErrInvalidOrder, "quantity must be positive, got %d", a.Qty)
	}
	if a.Kind == Limit && a.Price <= 0 {
		return errors.Wrapf(ErrInvalidOrder, "limit price must be positive, got %d", a.Price)
	}
	if a.InstrumentID <= 0 {
		return errors.Wrapf(ErrInvalidOrder, "invalid instrument id %d", a.InstrumentID)
	}
	return nil
}

// CancelAction cancels an open order.
type CancelAction struct {
	OrderID int64 `json:"orderId"`
}

func (CancelAction) Type() ActionType { return ActionCancel }

func (a CancelAction) Validate() error {
	if a.OrderID <= 0 {
		return errors.Wrapf(ErrInvalidOrder, "invalid order id %d", a.OrderID)
	}
	return nil
}

// EditAction re-prices an open limit order.
type EditAction struct {
	OrderID int64 `json:"orderId"`
	Price   int64 `json:"price"`
}

func (EditAction) Type() ActionType { return ActionEdit }

func (a EditAction) Validate() error {
	if a.OrderID <= 0 {
		return errors.Wrapf(ErrInvalidOrder, "invalid order id %d", a.OrderID)
	}
	if a.Price <= 0 {
		return errors.Wrapf(ErrInvalidOrder, "price must be positive, got %d", a.Price)
	}
	return nil
}

// Envelope is the wire form of an Action: {"type": "...", "data": {...}}.
type Envelope struct {
	Type ActionType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeAction parses an envelope. Unknown types yield ErrUnsupportedAction.
func DecodeAction(raw []byte) (Action, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(ErrInvalidOrder, err.Error())
	}
	return env.Action()
}

func (e Envelope) Action() (Action, error) {
	var (
		action Action
		err    error
	)
	switch e.Type {
	case ActionBuy, ActionSell:
		var t TradeAction
		err = e.decode(&t)
		t.Side = Buy
		if e.Type == ActionSell {
			t.Side = Sell
		}
		action = t
	case ActionCancel:
		var c CancelAction
		err = e.decode(&c)
		action = c
	case ActionEdit:
		var ed EditAction
		err = e.decode(&ed)
		action = ed
	default:
		return nil, errors.Wrapf(ErrUnsupportedAction, "action type %q", e.Type)
	}
	if err != nil {
		return nil, err
	}
	return action, nil
}

func (e Envelope) decode(v any) error {
	if len(e.Data) == 0 {
		return errors.Wrapf(ErrInvalidOrder, "%s action without data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(ErrInvalidOrder, "decode %s payload: %v", e.Type, err)
	}
	return nil
}

// EncodeAction is the inverse of DecodeAction.
func EncodeAction(a Action) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: a.Type(), Data: data})
}
