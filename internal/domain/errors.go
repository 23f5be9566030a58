package domain

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned by mutating operations when the venue
// session is dead. Callers fail fast until a reconnect succeeds.
var ErrNotAuthenticated = errors.New("venue session not authenticated")

// ErrTradingHalted is returned by submit when a fatal discrepancy has
// halted new order flow pending operator acknowledgment.
var ErrTradingHalted = errors.New("trading halted pending operator acknowledgment")

// ValidationError is a safety-gate rejection. It never reaches the venue
// and is reported synchronously to the caller.
type ValidationError struct {
	Reason   string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return "trade rejected: " + e.Reason
}

// BrokerRejection is an explicit decline by the venue. It is surfaced as
// final and never retried automatically.
type BrokerRejection struct {
	Venue  string
	Reason string
}

func (e *BrokerRejection) Error() string {
	return fmt.Sprintf("order rejected by %s: %s", e.Venue, e.Reason)
}

// AuthenticationError indicates bad credentials or a failed trade unlock.
type AuthenticationError struct {
	Venue  string
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication with %s failed: %s", e.Venue, e.Reason)
}

// ConnectivityError is a transient network or timeout failure. It is
// retried with backoff only for idempotent reads; a submit that fails this
// way leaves the order in Submitted for reconciliation to resolve.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is (or wraps) a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
