package memstore

import (
	"sort"

	"github.com/google/btree"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
)

// priceLevel holds the resting orders at one price in time priority.
type priceLevel struct {
	price  int64
	orders []*core.Order
}

// book indexes the resting limit orders of one instrument side.
// Levels are kept best price first; within a level orders are FIFO.
type book struct {
	side   core.Side
	levels *btree.BTreeG[*priceLevel]

	// Order index for O(log n) removal: order ID -> price
	index map[int64]int64
}

func newBook(side core.Side) *book {
	less := func(a, b *priceLevel) bool { return a.price > b.price } // bids: highest first
	if side == core.Sell {
		less = func(a, b *priceLevel) bool { return a.price < b.price } // asks: lowest first
	}
	return &book{
		side:   side,
		levels: btree.NewG[*priceLevel](16, less),
		index:  make(map[int64]int64),
	}
}

func (b *book) add(o *core.Order) {
	lvl, ok := b.levels.Get(&priceLevel{price: o.Price})
	if !ok {
		lvl = &priceLevel{price: o.Price}
		b.levels.ReplaceOrInsert(lvl)
	}
	// Usually appends; orders re-inserted after a commit keep their time priority.
	i := sort.Search(len(lvl.orders), func(i int) bool { return core.Better(o, lvl.orders[i]) })
	lvl.orders = append(lvl.orders, nil)
	copy(lvl.orders[i+1:], lvl.orders[i:])
	lvl.orders[i] = o
	b.index[o.ID] = o.Price
}

func (b *book) remove(id int64) {
	price, ok := b.index[id]
	if !ok {
		return
	}
	delete(b.index, id)

	lvl, ok := b.levels.Get(&priceLevel{price: price})
	if !ok {
		return
	}
	for i, o := range lvl.orders {
		if o.ID == id {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			break
		}
	}
	if len(lvl.orders) == 0 {
		b.levels.Delete(lvl)
	}
}

// ascend visits resting orders best first until fn returns false.
func (b *book) ascend(fn func(o *core.Order) bool) {
	b.levels.Ascend(func(lvl *priceLevel) bool {
		for _, o := range lvl.orders {
			if !fn(o) {
				return false
			}
		}
		return true
	})
}

func (b *book) len() int { return len(b.index) }
