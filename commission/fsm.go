package commission

import (
	"fmt"

	"github.com/zllovesuki/atelier/errdefs"
)

// Event drives a commission from one state to the next
type Event string

const (
	EventQuote            Event = "quote"
	EventAccept           Event = "accept"
	EventDepositConfirmed Event = "depositConfirmed"
	EventComplete         Event = "complete"
	EventFinalConfirmed   Event = "finalConfirmed"
	EventCancel           Event = "cancel"
)

var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventQuote:  StatusQuoted,
		EventCancel: StatusCancelled,
	},
	StatusQuoted: {
		EventAccept: StatusAccepted,
		EventCancel: StatusCancelled,
	},
	StatusAccepted: {
		EventDepositConfirmed: StatusInProgress,
		EventCancel:           StatusCancelled,
	},
	StatusInProgress: {
		EventComplete: StatusCompleted,
	},
	StatusCompleted: {
		EventFinalConfirmed: StatusDelivered,
	},
}

// TransitionError is returned for a (state, event) pair missing from the table
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a commission that is %s", e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return errdefs.FailedPrecondition("cannot %s a commission that is %s", e.Event, e.From)
}

// Transition returns the state reached by applying ev in from
func Transition(from Status, ev Event) (Status, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return from, &TransitionError{From: from, Event: ev}
	}
	return to, nil
}

// Terminal reports whether no event can leave s
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// reached reports whether s is at or past target along the happy path
func (s Status) reached(target Status) bool {
	order := map[Status]int{
		StatusPending:    0,
		StatusQuoted:     1,
		StatusAccepted:   2,
		StatusInProgress: 3,
		StatusCompleted:  4,
		StatusDelivered:  5,
	}
	a, ok := order[s]
	b, ok2 := order[target]
	return ok && ok2 && a >= b
}
