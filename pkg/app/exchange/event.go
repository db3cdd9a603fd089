package exchange

import (
	"time"

	"github.com/google/uuid"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
)

// Event is emitted once for every committed action.
type Event struct {
	EventID       uuid.UUID       `json:"eventId"`
	Action        core.ActionType `json:"action"`
	InstrumentID  int64           `json:"instrumentId"`
	UpdatedOrders []core.OrderRef `json:"updatedOrders"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// Notifier receives completion events after commit. Notify must not block
// the caller; delivery failures are the notifier's problem.
type Notifier interface {
	Notify(ev Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
