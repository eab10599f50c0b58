package startif

import (
	"time"
)

type EventKind uint8

const (
	// EventStarted is emitted once the controller has finished startup.
	EventStarted EventKind = iota
	EventWorkerStarted
	EventWorkerStopped
	// EventWorkerExited is a benign exit observed by the controller.
	EventWorkerExited
	EventTerminated
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventWorkerStarted:
		return "worker_started"
	case EventWorkerStopped:
		return "worker_stopped"
	case EventWorkerExited:
		return "worker_exited"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Mask is the bit of the kind, used to filter subscriptions.
func (k EventKind) Mask() uint32 {
	return 1 << uint32(k)
}

type Event struct {
	Time time.Time
	// ID is the controller identity.
	ID   string
	Kind EventKind
	// Reason and Failure are set for EventWorkerExited and EventTerminated.
	Reason  error
	Failure Failure
}

// Observer receives controller events synchronously from the controller
// loop and should return quickly.
type Observer func(Event)

// Observers fans an event out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	return func(e Event) {
		for _, o := range obs {
			if o != nil {
				o(e)
			}
		}
	}
}
