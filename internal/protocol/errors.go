// Package protocol defines the JSON frames exchanged with gateway clients
// and the error taxonomy surfaced in response envelopes.
package protocol

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Kind classifies gateway failures into a small, stable set of categories.
// Kinds cross the wire; Go error types do not.
type Kind string

const (
	KindInvalidInput           Kind = "InvalidInput"
	KindUnknownTool            Kind = "UnknownTool"
	KindToolDisabled           Kind = "ToolDisabled"
	KindAuthFailed             Kind = "AuthFailed"
	KindBusy                   Kind = "Busy"
	KindTimeout                Kind = "Timeout"
	KindProviderError          Kind = "ProviderError"
	KindCapabilityUnavailable  Kind = "CapabilityUnavailable"
	KindBusUnavailable         Kind = "BusUnavailable"
	KindPayloadTooLarge        Kind = "PayloadTooLarge"
	KindPayloadTooLargeBusDown Kind = "PayloadTooLargeBusDown"
	KindWorkflowOrderError     Kind = "WorkflowOrderError"
	KindUnknownContinuation    Kind = "UnknownContinuation"
	KindCancelled              Kind = "Cancelled"
	KindInternal               Kind = "Internal"
)

// Error is the structured error surfaced to clients. Message never contains
// secrets or stack traces; CorrelationID links the envelope to server logs.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	cause         error
}

// E builds a protocol error with a fresh correlation id.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:          kind,
		Message:       fmt.Sprintf(format, args...),
		CorrelationID: NewCorrelationID(),
	}
}

// Wrap builds a protocol error that preserves the underlying cause for
// server-side logging. The cause is never serialized to clients.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	e := E(kind, format, args...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the protocol kind from an error chain. Unclassified errors
// map to Internal so invariant violations are never silently relabeled.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// AsError normalizes any error into a *Error, wrapping unclassified errors
// as Internal with a generic client-facing message.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Wrap(KindInternal, err, "internal error")
}

// NewID returns a 128-bit cryptographically random, URL-safe identifier.
// Used for session, connection and continuation ids.
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("protocol: rand.Read: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// NewCorrelationID returns a short hex id for log correlation.
func NewCorrelationID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("protocol: rand.Read: %v", err))
	}
	return hex.EncodeToString(b[:])
}
