// Package pebblestore persists the exchange state in a Pebble database. Each
// transaction is an indexed batch: reads see the batch's own writes and the
// batch commits atomically. Row locks come from an in-process lock manager,
// so one database must be served by one process.
package pebblestore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
)

type Store struct {
	db     *pebble.DB
	locks  *storage.LockManager
	txSeq  atomic.Uint64
	closed atomic.Bool

	accountSeq    *storage.Sequence
	instrumentSeq *storage.Sequence
	orderSeq      *storage.Sequence
	tradeSeq      *storage.Sequence
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path and restores id sequences
// from the highest persisted keys.
func Open(path string, lockTimeout time.Duration) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pebble at %s", path)
	}
	s := &Store{db: db, locks: storage.NewLockManager(lockTimeout)}

	seqs := []struct {
		prefix string
		dst    **storage.Sequence
	}{
		{prefixAccount, &s.accountSeq},
		{prefixInstrument, &s.instrumentSeq},
		{prefixOrder, &s.orderSeq},
		{prefixTrade, &s.tradeSeq},
	}
	for _, sq := range seqs {
		last, err := s.lastID([]byte(sq.prefix))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		*sq.dst = storage.NewSequence(last)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// lastID returns the id of the last key under prefix, or 0 if none.
func (s *Store) lastID(prefix []byte) (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to create iterator")
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	return idSuffix(iter.Key())
}

func (s *Store) Begin(_ context.Context) (storage.Tx, error) {
	if s.closed.Load() {
		return nil, errors.Wrap(core.ErrStoreUnavailable, "pebble store closed")
	}
	id := s.txSeq.Add(1)
	return &tx{
		s:     s,
		b:     s.db.NewIndexedBatch(),
		locks: s.locks.NewLockSet(id),
	}, nil
}

type tx struct {
	s     *Store
	b     *pebble.Batch
	locks *storage.LockSet
	done  bool
}

func (t *tx) check() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	return nil
}

func (t *tx) set(key []byte, v any) error {
	data, err := encode(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", key)
	}
	if err := t.b.Set(key, data, nil); err != nil {
		return errors.Wrapf(err, "failed to write %s", key)
	}
	return nil
}

func (t *tx) ResolveAccount(_ context.Context, number int64) (core.Account, error) {
	if err := t.check(); err != nil {
		return core.Account{}, err
	}
	var id int64
	found, err := load(t.b, accountNumberKey(number), &id)
	if err != nil {
		return core.Account{}, err
	}
	if !found {
		return core.Account{}, errors.Wrapf(core.ErrAccountNotFound, "account number %d", number)
	}
	var a core.Account
	found, err = load(t.b, accountKey(id), &a)
	if err != nil {
		return core.Account{}, err
	}
	if !found {
		return core.Account{}, errors.AssertionFailedf("account number %d points at missing account %d", number, id)
	}
	return a, nil
}

func (t *tx) CreateAccount(ctx context.Context, number int64) (core.Account, error) {
	if err := t.locks.Lock(ctx, string(accountNumberKey(number))); err != nil {
		return core.Account{}, err
	}
	if _, err := t.ResolveAccount(ctx, number); err == nil {
		return core.Account{}, errors.Wrapf(core.ErrAlreadyExists, "account number %d", number)
	} else if !errors.Is(err, core.ErrAccountNotFound) {
		return core.Account{}, err
	}

	a := core.Account{ID: t.s.accountSeq.Next(), Number: number}
	if err := t.set(accountKey(a.ID), a); err != nil {
		return core.Account{}, err
	}
	if err := t.set(accountNumberKey(number), a.ID); err != nil {
		return core.Account{}, err
	}
	return a, nil
}

func (t *tx) GetInstrument(_ context.Context, id int64) (core.Instrument, error) {
	if err := t.check(); err != nil {
		return core.Instrument{}, err
	}
	var ins core.Instrument
	found, err := load(t.b, instrumentKey(id), &ins)
	if err != nil {
		return core.Instrument{}, err
	}
	if !found {
		return core.Instrument{}, errors.Wrapf(core.ErrInstrumentNotFound, "instrument %d", id)
	}
	return ins, nil
}

func (t *tx) LockInstrument(ctx context.Context, id int64) (core.Instrument, error) {
	if err := t.locks.Lock(ctx, string(instrumentKey(id))); err != nil {
		return core.Instrument{}, err
	}
	return t.GetInstrument(ctx, id)
}

func (t *tx) CreateInstrument(_ context.Context, symbol string, price int64) (core.Instrument, error) {
	if err := t.check(); err != nil {
		return core.Instrument{}, err
	}
	ins := core.Instrument{ID: t.s.instrumentSeq.Next(), Symbol: symbol, Price: price}
	return ins, t.set(instrumentKey(ins.ID), ins)
}

func (t *tx) SetInstrumentPrice(ctx context.Context, id, price int64) error {
	ins, err := t.GetInstrument(ctx, id)
	if err != nil {
		return err
	}
	ins.Price = price
	return t.set(instrumentKey(id), ins)
}

func (t *tx) CreateOrder(_ context.Context, o *core.Order) error {
	if err := t.check(); err != nil {
		return err
	}
	o.ID = t.s.orderSeq.Next()
	if err := t.set(orderKey(o.ID), o); err != nil {
		return err
	}
	if o.Rests() {
		if err := t.b.Set(bookKey(o), nil, nil); err != nil {
			return errors.Wrap(err, "failed to index order")
		}
	}
	return nil
}

func (t *tx) GetOrder(_ context.Context, id int64) (*core.Order, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var o core.Order
	found, err := load(t.b, orderKey(id), &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(core.ErrOrderNotFound, "order %d", id)
	}
	return &o, nil
}

func (t *tx) LockOrder(ctx context.Context, id int64) (*core.Order, error) {
	if err := t.locks.Lock(ctx, string(orderKey(id))); err != nil {
		return nil, err
	}
	return t.GetOrder(ctx, id)
}

func (t *tx) UpdateOrder(ctx context.Context, o *core.Order) error {
	old, err := t.GetOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	if old.Rests() {
		if err := t.b.Delete(bookKey(old), nil); err != nil {
			return errors.Wrap(err, "failed to unindex order")
		}
	}
	if err := t.set(orderKey(o.ID), o); err != nil {
		return err
	}
	if o.Rests() {
		if err := t.b.Set(bookKey(o), nil, nil); err != nil {
			return errors.Wrap(err, "failed to index order")
		}
	}
	return nil
}

func (t *tx) BestOrder(ctx context.Context, q storage.BookQuery) (*core.Order, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	prefix := bookPrefix(q.InstrumentID, q.Side)
	iter, err := t.b.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create iterator")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		id, err := orderIDFromBookKey(iter.Key())
		if err != nil {
			return nil, err
		}
		o, err := t.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if !o.Rests() {
			continue
		}
		if !q.Accepts(o) {
			// keys are best price first, so no later order crosses either
			return nil, nil
		}
		return o, nil
	}
	return nil, iter.Error()
}

func (t *tx) GetPosition(_ context.Context, account, instrument int64) (*core.Position, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var p core.Position
	found, err := load(t.b, positionKey(account, instrument), &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

func (t *tx) LockPosition(ctx context.Context, account, instrument int64) (*core.Position, error) {
	if err := t.locks.Lock(ctx, string(positionKey(account, instrument))); err != nil {
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
	return t.set(positionKey(p.AccountID, p.InstrumentID), p)
}

func (t *tx) UpdatePosition(ctx context.Context, p *core.Position) error {
	existing, err := t.GetPosition(ctx, p.AccountID, p.InstrumentID)
	if err != nil {
		return err
	}
	if existing == nil {
		return errors.AssertionFailedf("update of missing position %d/%d", p.AccountID, p.InstrumentID)
	}
	return t.set(positionKey(p.AccountID, p.InstrumentID), p)
}

func (t *tx) DeletePosition(_ context.Context, account, instrument int64) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := t.b.Delete(positionKey(account, instrument), nil); err != nil {
		return errors.Wrap(err, "failed to delete position")
	}
	return nil
}

func (t *tx) GetDailyPrice(_ context.Context, instrument int64, day string) (*core.DailyPrice, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	var d core.DailyPrice
	found, err := load(t.b, dailyKey(instrument, day), &d)
	if err != nil || !found {
		return nil, err
	}
	return &d, nil
}

func (t *tx) PutDailyPrice(_ context.Context, d *core.DailyPrice) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.set(dailyKey(d.InstrumentID, d.Day), d)
}

func (t *tx) AppendTrades(_ context.Context, trades []core.Trade) error {
	if err := t.check(); err != nil {
		return err
	}
	for i := range trades {
		trades[i].ID = t.s.tradeSeq.Next()
		if err := t.set(tradeKey(trades[i].ID), trades[i]); err != nil {
			return err
		}
		if err := t.b.Set(tradeIndexKey(trades[i].InstrumentID, trades[i].ID), nil, nil); err != nil {
			return errors.Wrap(err, "failed to index trade")
		}
	}
	return nil
}

func (t *tx) RecentTrades(_ context.Context, instrument int64, limit int) ([]core.Trade, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	prefix := tradeIndexPrefix(instrument)
	iter, err := t.b.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create iterator")
	}
	defer iter.Close()

	var out []core.Trade
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		id, err := idSuffix(iter.Key())
		if err != nil {
			return nil, err
		}
		var tr core.Trade
		found, err := load(t.b, tradeKey(id), &tr)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.AssertionFailedf("trade index points at missing trade %d", id)
		}
		out = append(out, tr)
	}
	return out, iter.Error()
}

func (t *tx) Commit(_ context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	defer t.finish()
	if err := t.b.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "failed to commit batch")
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
	_ = t.b.Close()
	t.locks.ReleaseAll()
}

