package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrUnexpectedDescription = errors.New("unexpected description type")
	ErrNoSession             = errors.New("no negotiation session")
	ErrNoIdentity            = errors.New("remote identity unknown")
	ErrClosed                = errors.New("controller closed")
)

// Error describes a failed negotiation step for one remote peer.
type Error struct {
	Op      string
	Remote  string
	Err     error
	Details string
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Remote != "" {
		msg = fmt.Sprintf("%s %s", e.Op, e.Remote)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", msg, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op, remote string, err error) *Error {
	return &Error{Op: op, Remote: remote, Err: err}
}

func WrapError(op, remote string, err error, details string) *Error {
	return &Error{Op: op, Remote: remote, Err: err, Details: details}
}

// IsProtocolViolation reports whether err is an out-of-order message that was
// dropped without touching session state.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}
