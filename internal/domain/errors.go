package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	// Authorization
	ErrSigningDeclined = errors.New("signing declined")
	ErrStaleNonce      = errors.New("permit nonce already submitted")
	ErrChainRead       = errors.New("chain read failed")

	// Submission
	ErrTxReverted          = errors.New("transaction reverted")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNetworkMismatch     = errors.New("network mismatch")
	ErrCommandInFlight     = errors.New("another command is in flight")
	ErrNoPosition          = errors.New("no open position")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrLoopInProgress      = errors.New("leverage loop in progress")

	// Observation
	ErrSubscriptionDropped = errors.New("event subscription dropped")
	ErrPollFailing         = errors.New("position polling failing")
	ErrEventGap            = errors.New("event gap")

	// Configuration
	ErrCallerMismatch = errors.New("automation caller mismatch")
	ErrNotConfigured  = errors.New("session not configured")

	// Timeout
	ErrNoAutomationResponse = errors.New("no automation response")

	ErrSessionInactive = errors.New("session inactive")
)

// ErrorKind classifies failures surfaced to the presentation layer.
type ErrorKind string

const (
	KindAuthorization ErrorKind = "authorization"
	KindSubmission    ErrorKind = "submission"
	KindObservation   ErrorKind = "observation"
	KindConfiguration ErrorKind = "configuration"
	KindTimeout       ErrorKind = "timeout"
)

// Error is a classified engine error. Err is usually one of the sentinels
// above, optionally joined with the underlying cause.
type Error struct {
	Kind   ErrorKind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Reason != "" && !strings.Contains(msg, e.Reason) {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error wrapping sentinel and, when non-nil, the
// underlying cause.
func NewError(kind ErrorKind, op string, sentinel, cause error) *Error {
	err := sentinel
	if cause != nil {
		err = fmt.Errorf("%w: %w", sentinel, cause)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a classified error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RevertError carries the revert reason of a failed transaction or call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// Is lets errors.Is(err, ErrTxReverted) match any revert.
func (e *RevertError) Is(target error) bool { return target == ErrTxReverted }
