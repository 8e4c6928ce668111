package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned for operations against a device that has no
// established session.
var ErrSessionNotFound = errors.New("no session for device")

// ErrLearningActive is returned when a learning session is requested while
// another one is still running on the same device.
var ErrLearningActive = errors.New("learning session already active")

// ErrNoLearning is returned when cancelling or querying learning on a device
// that has no session to show.
var ErrNoLearning = errors.New("no learning session")

// ErrUpdateActive is returned when a firmware install is requested while a
// monitor is still running for the same device.
var ErrUpdateActive = errors.New("firmware update already in progress")

// ErrNoUpdate is returned when querying firmware progress on a device that
// never started an install.
var ErrNoUpdate = errors.New("no firmware update state")

// ConnectivityError wraps a transport failure talking to the device. It is
// transient: callers retry with backoff.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connectivity: %s", e.Op)
	}
	return fmt.Sprintf("connectivity: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthenticationError reports a rejected credential. It is terminal for the
// session until the operator supplies a fresh PIN.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// ValidationError reports malformed caller input, rejected before any
// network traffic.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NegotiationTimeout reports that the subscription negotiator could not get a
// readable answer from the device within its bounded retries.
type NegotiationTimeout struct {
	Attempts int
	Err      error
}

func (e *NegotiationTimeout) Error() string {
	return fmt.Sprintf("negotiation: unable to communicate after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NegotiationTimeout) Unwrap() error { return e.Err }

// CaptureTimeout marks a single learning command that received no IR code
// within the capture window. The session continues past it.
type CaptureTimeout struct {
	Command string
	Window  time.Duration
}

func (e *CaptureTimeout) Error() string {
	return fmt.Sprintf("ir capture: no code for %q within %s", e.Command, e.Window)
}

// StallError reports a firmware download that stopped making progress.
type StallError struct {
	Window   time.Duration
	Progress int
}

func (e *StallError) Error() string {
	return fmt.Sprintf("firmware download stalled at %d%% for %s", e.Progress, e.Window)
}

// AmbiguousTargetError reports a command that could apply to more than one
// running Activity when the caller named none.
type AmbiguousTargetError struct {
	Candidates []string
}

func (e *AmbiguousTargetError) Error() string {
	return fmt.Sprintf("ambiguous target: %d activities are on, pass an explicit activity", len(e.Candidates))
}
