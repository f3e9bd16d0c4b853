package call

import "fmt"

// Status is the lifecycle state of one call attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCalling   Status = "calling"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusRejected  Status = "rejected"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusCalling, StatusConnected, StatusEnded, StatusRejected}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCalling, StatusConnected, StatusEnded, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether s is Ended or Rejected. Terminal states never change.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

// Event drives a Machine.
type Event string

const (
	EventOfferPublished Event = "offer_published"
	EventAnswerApplied  Event = "answer_applied"
	EventDeclined       Event = "declined"
	EventTerminated     Event = "terminated"
)

// Events lists every event a Machine understands.
var Events = []Event{EventOfferPublished, EventAnswerApplied, EventDeclined, EventTerminated}

type edge struct {
	from  Status
	event Event
}

// transitions is the complete table of legal edges. Anything absent is illegal.
var transitions = map[edge]Status{
	{StatusPending, EventOfferPublished}: StatusCalling,
	{StatusCalling, EventAnswerApplied}:  StatusConnected,
	{StatusCalling, EventDeclined}:       StatusRejected,
	{StatusPending, EventTerminated}:     StatusEnded,
	{StatusCalling, EventTerminated}:     StatusEnded,
	{StatusConnected, EventTerminated}:   StatusEnded,
}

// Next returns the state reached from s on ev, or ErrIllegalTransition.
func Next(s Status, ev Event) (Status, error) {
	to, ok := transitions[edge{s, ev}]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, s, ev)
	}
	return to, nil
}

// Transition validates a direct status write from one state to another. It is
// the authority used for durable records.
func Transition(from, to Status) error {
	for e, dst := range transitions {
		if e.from == from && dst == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Machine is the local view of one call's status. It is not safe for concurrent
// use; each call owns its machine from a single goroutine.
type Machine struct {
	state Status
}

func NewMachine(initial Status) *Machine {
	return &Machine{state: initial}
}

func (m *Machine) Current() Status { return m.state }

// Fire applies ev. On error the state is unchanged.
func (m *Machine) Fire(ev Event) (Status, error) {
	to, err := Next(m.state, ev)
	if err != nil {
		return m.state, err
	}
	m.state = to
	return to, nil
}

// Observe moves the machine to a status seen on the durable record. It accepts
// the target if a legal path of one or two edges reaches it, which covers
// notifications that skipped an intermediate state.
func (m *Machine) Observe(to Status) error {
	if to == m.state {
		return nil
	}
	if Transition(m.state, to) == nil {
		m.state = to
		return nil
	}
	for e, mid := range transitions {
		if e.from == m.state && Transition(mid, to) == nil {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
}
