package client

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrTimeout        = errors.New("request timed out")
	ErrConnectionLost = errors.New("connection lost")
)

// ConnectionError means the server could not be reached after every attempt.
type ConnectionError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ServerRejectedError is returned when the server refuses the PRESENCE announcement.
type ServerRejectedError struct {
	Code   int
	Reason string
}

func (e *ServerRejectedError) Error() string {
	return fmt.Sprintf("server rejected login (%d): %s", e.Code, e.Reason)
}

// AuthenticationError is returned when the challenge answer is not accepted or the
// handshake breaks off.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// BootstrapError wraps a failure to load the initial user and contact lists.
type BootstrapError struct {
	Err error
}

func (e *BootstrapError) Error() string { return "bootstrap failed: " + e.Err.Error() }

func (e *BootstrapError) Unwrap() error { return e.Err }

// DeliveryError reports a request the server answered with an unexpected code, or
// one that never reached it.
type DeliveryError struct {
	Op     string
	Code   int
	Reason string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.Code, e.Reason)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
