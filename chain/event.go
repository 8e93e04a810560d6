package chain

import (
	"github.com/teranos/jobboard/errors"
)

// EventKind names a JobBoard contract event.
type EventKind string

const (
	EventJobPosted        EventKind = "JobPosted"
	EventJobApplied       EventKind = "JobApplied"
	EventPaymentEscrowed  EventKind = "PaymentEscrowed"
	EventPaymentReleased  EventKind = "PaymentReleased"
	EventEmployerRefunded EventKind = "EmployerRefunded"
	EventDisputeRaised    EventKind = "DisputeRaised"
	EventDisputeResolved  EventKind = "DisputeResolved"
	EventWorkSubmitted    EventKind = "WorkSubmitted"
)

// EventKinds lists every lifecycle event the gateway subscribes to.
var EventKinds = []EventKind{
	EventJobPosted,
	EventJobApplied,
	EventPaymentEscrowed,
	EventPaymentReleased,
	EventEmployerRefunded,
	EventDisputeRaised,
	EventDisputeResolved,
	EventWorkSubmitted,
}

// Event is a refresh trigger. It is never applied as a state delta.
type Event struct {
	Kind  EventKind
	JobID uint64
	Block uint64
}

// ParseEventKind validates an event name.
func ParseEventKind(name string) (EventKind, error) {
	for _, k := range EventKinds {
		if string(k) == name {
			return k, nil
		}
	}
	return "", errors.Newf("unknown contract event %q", name)
}
