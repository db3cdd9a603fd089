package matching

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
)

// Outcome is the result of comparing the incoming order's remaining
// quantity S with the resting order's remaining quantity F.
type Outcome int

const (
	// Equal: S = F, both orders fill, the loop stops.
	Equal Outcome = iota
	// IncomingSmaller: S < F, the incoming order fills, the resting order
	// stays open with a smaller remainder, the loop stops.
	IncomingSmaller
	// IncomingLarger: S > F, the resting order fills, the loop continues.
	IncomingLarger
)

func (o Outcome) String() string {
	switch o {
	case Equal:
		return "equal"
	case IncomingSmaller:
		return "incoming_smaller"
	case IncomingLarger:
		return "incoming_larger"
	default:
		return "unknown"
	}
}

// Fill is the resolution of one incoming/resting pair.
type Fill struct {
	Outcome Outcome
	Qty     int64 // min(S, F)
}

// Resolve compares remaining quantities. It does not modify either order.
func Resolve(incoming, resting *core.Order) Fill {
	s, f := incoming.Remaining(), resting.Remaining()
	switch {
	case s == f:
		return Fill{Outcome: Equal, Qty: s}
	case s < f:
		return Fill{Outcome: IncomingSmaller, Qty: s}
	default:
		return Fill{Outcome: IncomingLarger, Qty: f}
	}
}

// Apply adds the fill to both orders and marks whichever ran out as filled.
func (f Fill) Apply(incoming, resting *core.Order, now time.Time) {
	for _, o := range []*core.Order{incoming, resting} {
		o.Matched += f.Qty
		o.UpdatedAt = now
		if o.Remaining() == 0 {
			o.Status = core.OrderFilled
		}
	}
}

// persist writes both orders after Apply: filled orders through
// markFilled, a partially filled one as a plain update.
func (f Fill) persist(ctx context.Context, tx storage.Tx, incoming, resting *core.Order) error {
	switch f.Outcome {
	case Equal:
		return markFilled(ctx, tx, resting, incoming)
	case IncomingSmaller:
		if err := markFilled(ctx, tx, incoming); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, resting)
	case IncomingLarger:
		if err := markFilled(ctx, tx, resting); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, incoming)
	}
	return errors.AssertionFailedf("unknown fill outcome %d", f.Outcome)
}

// markFilled persists one or two fully matched orders.
func markFilled(ctx context.Context, tx storage.Tx, orders ...*core.Order) error {
	if n := len(orders); n != 1 && n != 2 {
		return errors.AssertionFailedf("mark filled called with %d orders", n)
	}
	for _, o := range orders {
		if o.Status != core.OrderFilled || o.Matched != o.Qty {
			return errors.AssertionFailedf("order %d marked filled with %d of %d matched", o.ID, o.Matched, o.Qty)
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return errors.Wrapf(err, "mark order %d filled", o.ID)
		}
	}
	return nil
}
