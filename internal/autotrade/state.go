package autotrade

import (
	"fmt"

	"github.com/nexus-trading/dexsniper/internal/queue"
)

// ---------------------------------------------------------------------------
// Opportunity lifecycle
// PENDING -> EXECUTING -> COMPLETED | FAILED | ERROR
// ---------------------------------------------------------------------------

// Event drives an opportunity transition.
type Event string

const (
	EventStart   Event = "START"
	EventFill    Event = "FILL"
	EventFail    Event = "FAIL"
	EventError   Event = "ERROR"
	EventAbandon Event = "ABANDON" // expired or vetoed before the swap
)

type transition struct {
	from  queue.Status
	event Event
}

var transitions = map[transition]queue.Status{
	{queue.StatusPending, EventStart}:     queue.StatusExecuting,
	{queue.StatusPending, EventAbandon}:   queue.StatusFailed,
	{queue.StatusExecuting, EventFill}:    queue.StatusCompleted,
	{queue.StatusExecuting, EventFail}:    queue.StatusFailed,
	{queue.StatusExecuting, EventError}:   queue.StatusError,
	{queue.StatusExecuting, EventAbandon}: queue.StatusFailed,
}

// Terminal reports whether no further transition is possible.
func Terminal(s queue.Status) bool {
	return s == queue.StatusCompleted || s == queue.StatusFailed || s == queue.StatusError
}

// advance applies event to op. The caller owns op.
func advance(op *queue.Opportunity, event Event) error {
	next, ok := transitions[transition{op.Status, event}]
	if !ok {
		return fmt.Errorf("autotrade: invalid transition %s on %s", event, op.Status)
	}
	op.Status = next
	return nil
}
