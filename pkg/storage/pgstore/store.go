// Package pgstore is the PostgreSQL storage backend. Row locks are taken
// with SELECT ... FOR UPDATE and bounded by a per-transaction lock_timeout.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ storage.Store = (*Store)(nil)

func Open(ctx context.Context, dsn string, lockTimeout time.Duration) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Mark(errors.Wrap(err, "failed to reach postgres"), core.ErrStoreUnavailable)
	}
	return &Store{pool: pool, lockTimeout: lockTimeout}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, classify(errors.Wrap(err, "failed to begin"))
	}
	if s.lockTimeout > 0 {
		ms := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := pgtx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms); err != nil {
			_ = pgtx.Rollback(ctx)
			return nil, classify(errors.Wrap(err, "failed to set lock timeout"))
		}
	}
	return &tx{tx: pgtx}, nil
}

// classify marks driver errors with the domain error they stand for.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40P01", "40001": // lock_not_available, deadlock_detected, serialization_failure
			return errors.Mark(err, core.ErrLockTimeout)
		case "23505": // unique_violation
			return errors.Mark(err, core.ErrAlreadyExists)
		}
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return errors.Mark(err, core.ErrStoreUnavailable)
	}
	return err
}

type tx struct {
	tx   pgx.Tx
	done bool
}

const orderColumns = `id, account_id, instrument_id, side, kind, price, quantity, matched, status, created_at, updated_at`

func scanOrder(row pgx.Row) (*core.Order, error) {
	var (
		o                  core.Order
		side, kind, status int16
	)
	err := row.Scan(&o.ID, &o.AccountID, &o.InstrumentID, &side, &kind,
		&o.Price, &o.Qty, &o.Matched, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Side = core.Side(side)
	o.Kind = core.OrderKind(kind)
	o.Status = core.OrderStatus(status)
	return &o, nil
}

func (t *tx) ResolveAccount(ctx context.Context, number int64) (core.Account, error) {
	a := core.Account{Number: number}
	err := t.tx.QueryRow(ctx, `SELECT id FROM accounts WHERE number = $1`, number).Scan(&a.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Account{}, errors.Wrapf(core.ErrAccountNotFound, "account number %d", number)
	}
	if err != nil {
		return core.Account{}, classify(errors.Wrap(err, "resolve account"))
	}
	return a, nil
}

func (t *tx) CreateAccount(ctx context.Context, number int64) (core.Account, error) {
	a := core.Account{Number: number}
	err := t.tx.QueryRow(ctx, `INSERT INTO accounts (number) VALUES ($1) RETURNING id`, number).Scan(&a.ID)
	if err != nil {
		return core.Account{}, classify(errors.Wrapf(err, "create account %d", number))
	}
	return a, nil
}

func (t *tx) getInstrument(ctx context.Context, id int64, forUpdate bool) (core.Instrument, error) {
	q := `SELECT id, symbol, price FROM instruments WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var ins core.Instrument
	err := t.tx.QueryRow(ctx, q, id).Scan(&ins.ID, &ins.Symbol, &ins.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Instrument{}, errors.Wrapf(core.ErrInstrumentNotFound, "instrument %d", id)
	}
	if err != nil {
		return core.Instrument{}, classify(errors.Wrapf(err, "get instrument %d", id))
	}
	return ins, nil
}

func (t *tx) GetInstrument(ctx context.Context, id int64) (core.Instrument, error) {
	return t.getInstrument(ctx, id, false)
}

func (t *tx) LockInstrument(ctx context.Context, id int64) (core.Instrument, error) {
	return t.getInstrument(ctx, id, true)
}

func (t *tx) CreateInstrument(ctx context.Context, symbol string, price int64) (core.Instrument, error) {
	ins := core.Instrument{Symbol: symbol, Price: price}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO instruments (symbol, price) VALUES ($1, $2) RETURNING id`, symbol, price).Scan(&ins.ID)
	if err != nil {
		return core.Instrument{}, classify(errors.Wrapf(err, "create instrument %s", symbol))
	}
	return ins, nil
}

func (t *tx) SetInstrumentPrice(ctx context.Context, id, price int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE instruments SET price = $2 WHERE id = $1`, id, price)
	if err != nil {
		return classify(errors.Wrapf(err, "set price of instrument %d", id))
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(core.ErrInstrumentNotFound, "instrument %d", id)
	}
	return nil
}

func (t *tx) CreateOrder(ctx context.Context, o *core.Order) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (account_id, instrument_id, side, kind, price, quantity, matched, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		o.AccountID, o.InstrumentID, int16(o.Side), int16(o.Kind), o.Price, o.Qty, o.Matched,
		int16(o.Status), o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		return classify(errors.Wrap(err, "create order"))
	}
	return nil
}

func (t *tx) getOrder(ctx context.Context, id int64, forUpdate bool) (*core.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	o, err := scanOrder(t.tx.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(core.ErrOrderNotFound, "order %d", id)
	}
	if err != nil {
		return nil, classify(errors.Wrapf(err, "get order %d", id))
	}
	return o, nil
}

func (t *tx) GetOrder(ctx context.Context, id int64) (*core.Order, error) {
	return t.getOrder(ctx, id, false)
}

func (t *tx) LockOrder(ctx context.Context, id int64) (*core.Order, error) {
	return t.getOrder(ctx, id, true)
}

func (t *tx) UpdateOrder(ctx context.Context, o *core.Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET price = $2, matched = $3, status = $4, updated_at = $5
		WHERE id = $1`,
		o.ID, o.Price, o.Matched, int16(o.Status), o.UpdatedAt)
	if err != nil {
		return classify(errors.Wrapf(err, "update order %d", o.ID))
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(core.ErrOrderNotFound, "order %d", o.ID)
	}
	return nil
}

// Best-price-first queries per resting side. Asks ascend, bids descend.
var bestOrderQueries = map[core.Side]string{
	core.Sell: bestOrderQuery("<=", "ASC"),
	core.Buy:  bestOrderQuery(">=", "DESC"),
}

func bestOrderQuery(cmp, dir string) string {
	return fmt.Sprintf(`
		SELECT %s FROM orders
		WHERE instrument_id = $1 AND side = $2 AND status = 0 AND kind = 0
		  AND matched < quantity
		  AND ($3::bigint = 0 OR price %s $3::bigint)
		ORDER BY price %s, created_at ASC, id ASC
		LIMIT 1`, orderColumns, cmp, dir)
}

func (t *tx) BestOrder(ctx context.Context, q storage.BookQuery) (*core.Order, error) {
	query, ok := bestOrderQueries[q.Side]
	if !ok {
		return nil, errors.AssertionFailedf("book query with side %d", q.Side)
	}
	o, err := scanOrder(t.tx.QueryRow(ctx, query, q.InstrumentID, int16(q.Side), q.Bound))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(errors.Wrap(err, "best order"))
	}
	return o, nil
}

func (t *tx) getPosition(ctx context.Context, account, instrument int64, forUpdate bool) (*core.Position, error) {
	q := `SELECT held, available, average::text, cost_basis::text
		FROM positions WHERE account_id = $1 AND instrument_id = $2`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	p := core.Position{AccountID: account, InstrumentID: instrument}
	var avg, basis string
	err := t.tx.QueryRow(ctx, q, account, instrument).Scan(&p.Held, &p.Available, &avg, &basis)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(errors.Wrapf(err, "get position %d/%d", account, instrument))
	}
	if p.Average, err = decimal.NewFromString(avg); err != nil {
		return nil, errors.Wrap(err, "parse average")
	}
	if p.CostBasis, err = decimal.NewFromString(basis); err != nil {
		return nil, errors.Wrap(err, "parse cost basis")
	}
	return &p, nil
}

func (t *tx) GetPosition(ctx context.Context, account, instrument int64) (*core.Position, error) {
	return t.getPosition(ctx, account, instrument, false)
}

// LockPosition locks the row, or the slot for it when the account does not
// hold the instrument yet. FOR UPDATE matches nothing in the second case, so
// creators serialize on a transaction-scoped advisory lock instead and re-read
// once they own it.
func (t *tx) LockPosition(ctx context.Context, account, instrument int64) (*core.Position, error) {
	p, err := t.getPosition(ctx, account, instrument, true)
	if err != nil || p != nil {
		return p, err
	}
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, positionLockKey(account, instrument)); err != nil {
		return nil, classify(errors.Wrapf(err, "lock position slot %d/%d", account, instrument))
	}
	return t.getPosition(ctx, account, instrument, true)
}

// positionLockKey folds a position's key into the advisory lock space.
// Collisions only serialize unrelated positions.
func positionLockKey(account, instrument int64) int64 {
	return account<<32 ^ instrument
}

func (t *tx) CreatePosition(ctx context.Context, p *core.Position) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO positions (account_id, instrument_id, held, available, average, cost_basis)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric)`,
		p.AccountID, p.InstrumentID, p.Held, p.Available, p.Average.String(), p.CostBasis.String())
	if err != nil {
		return classify(errors.Wrapf(err, "create position %d/%d", p.AccountID, p.InstrumentID))
	}
	return nil
}

func (t *tx) UpdatePosition(ctx context.Context, p *core.Position) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE positions SET held = $3, available = $4, average = $5::numeric, cost_basis = $6::numeric
		WHERE account_id = $1 AND instrument_id = $2`,
		p.AccountID, p.InstrumentID, p.Held, p.Available, p.Average.String(), p.CostBasis.String())
	if err != nil {
		return classify(errors.Wrapf(err, "update position %d/%d", p.AccountID, p.InstrumentID))
	}
	if tag.RowsAffected() == 0 {
		return errors.AssertionFailedf("update of missing position %d/%d", p.AccountID, p.InstrumentID)
	}
	return nil
}

func (t *tx) DeletePosition(ctx context.Context, account, instrument int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE account_id = $1 AND instrument_id = $2`, account, instrument)
	if err != nil {
		return classify(errors.Wrapf(err, "delete position %d/%d", account, instrument))
	}
	return nil
}

func (t *tx) GetDailyPrice(ctx context.Context, instrument int64, day string) (*core.DailyPrice, error) {
	d := core.DailyPrice{InstrumentID: instrument, Day: day}
	err := t.tx.QueryRow(ctx, `
		SELECT open, high, low, close FROM daily_prices
		WHERE instrument_id = $1 AND day = $2::date`, instrument, day,
	).Scan(&d.Open, &d.High, &d.Low, &d.Close)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(errors.Wrapf(err, "get daily price %d/%s", instrument, day))
	}
	return &d, nil
}

func (t *tx) PutDailyPrice(ctx context.Context, d *core.DailyPrice) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO daily_prices (instrument_id, day, open, high, low, close)
		VALUES ($1, $2::date, $3, $4, $5, $6)
		ON CONFLICT (instrument_id, day)
		DO UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close`,
		d.InstrumentID, d.Day, d.Open, d.High, d.Low, d.Close)
	if err != nil {
		return classify(errors.Wrapf(err, "put daily price %d/%s", d.InstrumentID, d.Day))
	}
	return nil
}

func (t *tx) AppendTrades(ctx context.Context, trades []core.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, tr := range trades {
		batch.Queue(`
			INSERT INTO trades (instrument_id, quantity, price, resting_order_id, incoming_order_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			tr.InstrumentID, tr.Qty, tr.Price, tr.RestingOrderID, tr.IncomingOrderID, tr.CreatedAt)
	}
	br := t.tx.SendBatch(ctx, batch)
	for i := range trades {
		if err := br.QueryRow().Scan(&trades[i].ID); err != nil {
			_ = br.Close()
			return classify(errors.Wrap(err, "append trades"))
		}
	}
	return classify(br.Close())
}

func (t *tx) RecentTrades(ctx context.Context, instrument int64, limit int) ([]core.Trade, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, instrument_id, quantity, price, resting_order_id, incoming_order_id, created_at
		FROM trades WHERE instrument_id = $1
		ORDER BY id DESC LIMIT $2`, instrument, limit)
	if err != nil {
		return nil, classify(errors.Wrap(err, "recent trades"))
	}
	defer rows.Close()

	var out []core.Trade
	for rows.Next() {
		var tr core.Trade
		if err := rows.Scan(&tr.ID, &tr.InstrumentID, &tr.Qty, &tr.Price,
			&tr.RestingOrderID, &tr.IncomingOrderID, &tr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, classify(rows.Err())
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		return classify(errors.Wrap(err, "commit"))
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.Wrap(err, "rollback")
	}
	return nil
}
