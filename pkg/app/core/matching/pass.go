package matching

import (
	"time"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/app/core/ledger"
	"github.com/uhyunpark/stockmatch/pkg/storage"
)

// Pass carries the state of one action through its transaction: the
// transaction itself, staged positions, fills so far and the orders touched.
// It is discarded once the transaction ends.
type Pass struct {
	Tx     storage.Tx
	Ledger *ledger.Ledger
	Now    time.Time

	trades    []core.Trade
	touched   []core.OrderRef
	lastPrice int64
}

func NewPass(tx storage.Tx, now time.Time) *Pass {
	return &Pass{
		Tx:     tx,
		Ledger: ledger.New(tx),
		Now:    now,
	}
}

func (p *Pass) touch(o *core.Order) {
	p.touched = append(p.touched, core.OrderRef{OrderID: o.ID, AccountID: o.AccountID})
}
