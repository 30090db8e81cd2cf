package message

import "time"

// State is the delivery state of a message. It is implemented only by
// Pending, Confirmed and Failed; transitions are methods on the concrete
// variants so that illegal moves (Confirmed back to Pending, Failed to
// Pending without a retry) cannot be expressed.
type State interface {
	Status() Status
	isState()
}

// Pending is an optimistic message that has been submitted but not yet
// confirmed by the backend.
type Pending struct {
	Attempt     int
	SubmittedAt time.Time
}

// Confirmed is a message the backend has persisted.
type Confirmed struct {
	ServerID    string
	ConfirmedAt time.Time
}

// Failed is a message whose last submission was rejected. It stays visible
// and can be retried.
type Failed struct {
	Attempt  int
	Err      error
	FailedAt time.Time
}

func (Pending) Status() Status   { return StatusPending }
func (Confirmed) Status() Status { return StatusSent }
func (Failed) Status() Status    { return StatusFailed }

func (Pending) isState()   {}
func (Confirmed) isState() {}
func (Failed) isState()    {}

// NewPending returns the initial state of a freshly composed message.
func NewPending(at time.Time) Pending {
	return Pending{Attempt: 1, SubmittedAt: at}
}

// Confirm moves a pending message to its terminal confirmed state.
func (p Pending) Confirm(serverID string, at time.Time) Confirmed {
	return Confirmed{ServerID: serverID, ConfirmedAt: at}
}

// Fail records a rejected submission.
func (p Pending) Fail(err error, at time.Time) Failed {
	return Failed{Attempt: p.Attempt, Err: err, FailedAt: at}
}

// Confirm moves a failed message straight to confirmed. This happens when a
// submission whose response was lost turns out to have succeeded and its
// broadcast echo arrives afterwards.
func (f Failed) Confirm(serverID string, at time.Time) Confirmed {
	return Confirmed{ServerID: serverID, ConfirmedAt: at}
}

// Retry starts a new submission attempt for a failed message.
func (f Failed) Retry(at time.Time) Pending {
	return Pending{Attempt: f.Attempt + 1, SubmittedAt: at}
}
