// Package memstore is an in-process storage backend. Committed state lives in
// maps guarded by one mutex; resting orders are indexed per instrument side
// in a price-time ordered btree. Transactions buffer their writes and apply
// them on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
)

type posKey struct{ account, instrument int64 }

type dayKey struct {
	instrument int64
	day        string
}

type bookKey struct {
	instrument int64
	side       core.Side
}

type Store struct {
	mu sync.RWMutex

	accounts        map[int64]core.Account
	accountByNumber map[int64]int64
	instruments     map[int64]core.Instrument
	orders          map[int64]*core.Order
	books           map[bookKey]*book
	positions       map[posKey]*core.Position
	daily           map[dayKey]core.DailyPrice
	trades          map[int64][]core.Trade // per instrument, oldest first

	locks  *storage.LockManager
	txSeq  atomic.Uint64
	closed atomic.Bool

	accountSeq    *storage.Sequence
	instrumentSeq *storage.Sequence
	orderSeq      *storage.Sequence
	tradeSeq      *storage.Sequence
}

var _ storage.Store = (*Store)(nil)

func New(lockTimeout time.Duration) *Store {
	return &Store{
		accounts:        make(map[int64]core.Account),
		accountByNumber: make(map[int64]int64),
		instruments:     make(map[int64]core.Instrument),
		orders:          make(map[int64]*core.Order),
		books:           make(map[bookKey]*book),
		positions:       make(map[posKey]*core.Position),
		daily:           make(map[dayKey]core.DailyPrice),
		trades:          make(map[int64][]core.Trade),
		locks:           storage.NewLockManager(lockTimeout),
		accountSeq:      storage.NewSequence(0),
		instrumentSeq:   storage.NewSequence(0),
		orderSeq:        storage.NewSequence(0),
		tradeSeq:        storage.NewSequence(0),
	}
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if s.closed.Load() {
		return nil, errors.Wrap(core.ErrStoreUnavailable, "memstore closed")
	}
	id := s.txSeq.Add(1)
	return &tx{
		s:           s,
		locks:       s.locks.NewLockSet(id),
		accounts:    make(map[int64]core.Account),
		instruments: make(map[int64]core.Instrument),
		orders:      make(map[int64]*core.Order),
		positions:   make(map[posKey]*core.Position),
		daily:       make(map[dayKey]core.DailyPrice),
	}, nil
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) bookFor(instrument int64, side core.Side) *book {
	k := bookKey{instrument, side}
	b, ok := s.books[k]
	if !ok {
		b = newBook(side)
		s.books[k] = b
	}
	return b
}

// tx buffers writes; nil entries in positions mark deletions.
type tx struct {
	s     *Store
	locks *storage.LockSet
	done  bool

	accounts    map[int64]core.Account
	instruments map[int64]core.Instrument
	orders      map[int64]*core.Order
	positions   map[posKey]*core.Position
	daily       map[dayKey]core.DailyPrice
	trades      []core.Trade
}

func orderRow(id int64) string             { return fmt.Sprintf("ord:%d", id) }
func positionRow(account, ins int64) string { return fmt.Sprintf("pos:%d:%d", account, ins) }
func instrumentRow(id int64) string        { return fmt.Sprintf("ins:%d", id) }

func (t *tx) check() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	return nil
}

func (t *tx) ResolveAccount(_ context.Context, number int64) (core.Account, error) {
	if err := t.check(); err != nil {
		return core.Account{}, err
	}
	for _, a := range t.accounts {
		if a.Number == number {
			return a, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.accountByNumber[number]
	if !ok {
		return core.Account{}, errors.Wrapf(core.ErrAccountNotFound, "account number %d", number)
	}
	return t.s.accounts[id], nil
}

func (t *tx) CreateAccount(ctx context.Context, number int64) (core.Account, error) {
	if _, err := t.ResolveAccount(ctx, number); err == nil {
		return core.Account{}, errors.Wrapf(core.ErrAlreadyExists, "account number %d", number)
	} else if !errors.Is(err, core.ErrAccountNotFound) {
		return core.Account{}, err
	}
	a := core.Account{ID: t.s.accountSeq.Next(), Number: number}
	t.accounts[a.ID] = a
	return a, nil
}

func (t *tx) GetInstrument(_ context.Context, id int64) (core.Instrument, error) {
	if err := t.check(); err != nil {
		return core.Instrument{}, err
	}
	if ins, ok := t.instruments[id]; ok {
		return ins, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	ins, ok := t.s.instruments[id]
	if !ok {
		return core.Instrument{}, errors.Wrapf(core.ErrInstrumentNotFound, "instrument %d", id)
	}
	return ins, nil
}

func (t *tx) LockInstrument(ctx context.Context, id int64) (core.Instrument, error) {
	if err := t.locks.Lock(ctx, instrumentRow(id)); err != nil {
		return core.Instrument{}, err
	}
	return t.GetInstrument(ctx, id)
}

func (t *tx) CreateInstrument(_ context.Context, symbol string, price int64) (core.Instrument, error) {
	if err := t.check(); err != nil {
		return core.Instrument{}, err
	}
	ins := core.Instrument{ID: t.s.instrumentSeq.Next(), Symbol: symbol, Price: price}
	t.instruments[ins.ID] = ins
	return ins, nil
}

func (t *tx) SetInstrumentPrice(ctx context.Context, id, price int64) error {
	ins, err := t.GetInstrument(ctx, id)
	if err != nil {
		return err
	}
	ins.Price = price
	t.instruments[id] = ins
	return nil
}

func (t *tx) CreateOrder(_ context.Context, o *core.Order) error {
	if err := t.check(); err != nil {
		return err
	}
	o.ID = t.s.orderSeq.Next()
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *tx) GetOrder(_ context.Context, id int64) (*core.Order, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if o, ok := t.orders[id]; ok {
		return o.Clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	o, ok := t.s.orders[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrOrderNotFound, "order %d", id)
	}
	return o.Clone(), nil
}

func (t *tx) LockOrder(ctx context.Context, id int64) (*core.Order, error) {
	if err := t.locks.Lock(ctx, orderRow(id)); err != nil {
		return nil, err
	}
	return t.GetOrder(ctx, id)
}

func (t *tx) UpdateOrder(ctx context.Context, o *core.Order) error {
	if _, err := t.GetOrder(ctx, o.ID); err != nil {
		return err
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *tx) BestOrder(_ context.Context, q storage.BookQuery) (*core.Order, error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	var best *core.Order
	t.s.mu.RLock()
	if b, ok := t.s.books[bookKey{q.InstrumentID, q.Side}]; ok {
		b.ascend(func(o *core.Order) bool {
			if _, mine := t.orders[o.ID]; mine {
				return true // decided from the write buffer below
			}
			if !q.Accepts(o) {
				// levels are best first, so no later order crosses either
				return false
			}
			best = o.Clone()
			return false
		})
	}
	t.s.mu.RUnlock()

	for _, o := range t.orders {
		if q.Accepts(o) && (best == nil || core.Better(o, best)) {
			best = o.Clone()
		}
	}
	return best, nil
}

func (t *tx) GetPosition(_ context.Context, account, instrument int64) (*core.Position, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	k := posKey{account, instrument}
	if p, ok := t.positions[k]; ok {
		if p == nil {
			return nil, nil
		}
		return p.Clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if p, ok := t.s.positions[k]; ok {
		return p.Clone(), nil
	}
	return nil, nil
}

func (t *tx) LockPosition(ctx context.Context, account, instrument int64) (*core.Position, error) {
	if err := t.locks.Lock(ctx, positionRow(account, instrument)); err != nil {
		return nil, err
	}
	return t.GetPosition(ctx, account, instrument)
}

func (t *tx) CreatePosition(ctx context.Context, p *core.Position) error {
	existing, err := t.GetPosition(ctx, p.AccountID, p.InstrumentID)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.Wrapf(core.ErrAlreadyExists, "position %d/%d", p.AccountID, p.InstrumentID)
	}
	t.positions[posKey{p.AccountID, p.InstrumentID}] = p.Clone()
	return nil
}

func (t *tx) UpdatePosition(ctx context.Context, p *core.Position) error {
	existing, err := t.GetPosition(ctx, p.AccountID, p.InstrumentID)
	if err != nil {
		return err
	}
	if existing == nil {
		return errors.AssertionFailedf("update of missing position %d/%d", p.AccountID, p.InstrumentID)
	}
	t.positions[posKey{p.AccountID, p.InstrumentID}] = p.Clone()
	return nil
}

func (t *tx) DeletePosition(_ context.Context, account, instrument int64) error {
	if err := t.check(); err != nil {
		return err
	}
	t.positions[posKey{account, instrument}] = nil
	return nil
}

func (t *tx) GetDailyPrice(_ context.Context, instrument int64, day string) (*core.DailyPrice, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	k := dayKey{instrument, day}
	if d, ok := t.daily[k]; ok {
		return &d, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if d, ok := t.s.daily[k]; ok {
		return &d, nil
	}
	return nil, nil
}

func (t *tx) PutDailyPrice(_ context.Context, d *core.DailyPrice) error {
	if err := t.check(); err != nil {
		return err
	}
	t.daily[dayKey{d.InstrumentID, d.Day}] = *d
	return nil
}

func (t *tx) AppendTrades(_ context.Context, trades []core.Trade) error {
	if err := t.check(); err != nil {
		return err
	}
	for i := range trades {
		trades[i].ID = t.s.tradeSeq.Next()
		t.trades = append(t.trades, trades[i])
	}
	return nil
}

func (t *tx) RecentTrades(_ context.Context, instrument int64, limit int) ([]core.Trade, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var out []core.Trade
	for i := len(t.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if t.trades[i].InstrumentID == instrument {
			out = append(out, t.trades[i])
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	committed := t.s.trades[instrument]
	for i := len(committed) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, committed[i])
	}
	return out, nil
}

func (t *tx) Commit(_ context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	defer t.finish()

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range t.accounts {
		if _, dup := s.accountByNumber[a.Number]; dup {
			return errors.Wrapf(core.ErrAlreadyExists, "account number %d", a.Number)
		}
	}
	for id, a := range t.accounts {
		s.accounts[id] = a
		s.accountByNumber[a.Number] = id
	}
	for id, ins := range t.instruments {
		s.instruments[id] = ins
	}

	// apply orders in id order so equal-time inserts stay deterministic
	ids := make([]int64, 0, len(t.orders))
	for id := range t.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		o := t.orders[id]
		if old, ok := s.orders[id]; ok && old.Kind == core.Limit {
			s.bookFor(old.InstrumentID, old.Side).remove(id)
		}
		s.orders[id] = o
		if o.Rests() {
			s.bookFor(o.InstrumentID, o.Side).add(o)
		}
	}

	for k, p := range t.positions {
		if p == nil {
			delete(s.positions, k)
			continue
		}
		s.positions[k] = p
	}
	for k, d := range t.daily {
		s.daily[k] = d
	}
	for _, tr := range t.trades {
		s.trades[tr.InstrumentID] = append(s.trades[tr.InstrumentID], tr)
	}
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	t.locks.ReleaseAll()
}
