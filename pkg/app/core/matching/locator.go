package matching

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
)

// maxLocateAttempts bounds re-searches when concurrent passes keep taking
// the best candidate before we can lock it.
const maxLocateAttempts = 32

// Locate returns the best resting order that incoming can trade against,
// row locked, or nil when none crosses.
//
// Priority: best price first (lowest ask for a buy, highest bid for a sell),
// then earliest creation, then lowest id. Limit orders only see prices at or
// better than their own; market orders see the whole opposite side.
func Locate(ctx context.Context, tx storage.Tx, incoming *core.Order) (*core.Order, error) {
	q := storage.QueryFor(incoming)
	for range maxLocateAttempts {
		candidate, err := tx.BestOrder(ctx, q)
		if err != nil {
			return nil, errors.Wrap(err, "find counter order")
		}
		if candidate == nil {
			return nil, nil
		}
		locked, err := tx.LockOrder(ctx, candidate.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "lock counter order %d", candidate.ID)
		}
		if q.Accepts(locked) {
			return locked, nil
		}
		// filled, cancelled or re-priced between the search and the lock
	}
	return nil, errors.Wrapf(core.ErrLockTimeout, "book of instrument %d kept changing", incoming.InstrumentID)
}
