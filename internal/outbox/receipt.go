package outbox

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAckTimeout settles a command the server never acknowledged.
	ErrAckTimeout = errors.New("outbox: no acknowledgement before timeout")
	// ErrClosed settles commands still open when the queue shuts down.
	ErrClosed = errors.New("outbox: queue closed")
	// ErrNotFailed is returned when retrying a message that has not failed.
	ErrNotFailed = errors.New("outbox: message is not in FAILED state")
)

// RejectedError settles a command the server refused with a nack.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "outbox: rejected by server"
	}
	return fmt.Sprintf("outbox: rejected by server: %s", e.Reason)
}

// State is the lifecycle of one outbound command.
type State int

const (
	Pending State = iota
	Confirmed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Confirmed:
		return "CONFIRMED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result is the terminal outcome of a command. MessageID is the server id of a
// confirmed message; UserID is the id of a confirmed contact when known.
type Result struct {
	State     State
	MessageID int64
	UserID    int64
	Err       error
}

// Receipt lets the submitter observe a command without polling a store.
type Receipt struct {
	Token string

	done   chan struct{}
	result Result
}

func newReceipt(token string) *Receipt {
	return &Receipt{Token: token, done: make(chan struct{})}
}

// settle is called at most once, from the engine loop.
func (r *Receipt) settle(res Result) {
	r.result = res
	close(r.done)
}

// Done is closed once the command is confirmed or failed.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome, or a Pending result while the command is open.
func (r *Receipt) Result() Result {
	select {
	case <-r.done:
		return r.result
	default:
		return Result{State: Pending}
	}
}

// Wait blocks until the command settles or ctx ends.
func (r *Receipt) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, r.result.Err
	case <-ctx.Done():
		return Result{State: Pending}, ctx.Err()
	}
}
