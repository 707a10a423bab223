// Package brokererr defines the broker's error taxonomy and its wire encoding.
//
// Every user-visible failure surfaces as a RESPONSE carrying an error payload of
// shape {code, message, timestamp, details?}; the broker never lets a Go panic or
// an unclassified error escape through a connection. Dispatch boundaries should
// use Recover to convert panics into Kind Internal.
package brokererr

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind enumerates the error taxonomy from the broker's design.
type Kind string

const (
	// MalformedMessage covers frame-too-large and header/JSON parse failures.
	MalformedMessage Kind = "MALFORMED_MESSAGE"
	// InvalidRequest covers system-topic payload validation failures.
	InvalidRequest Kind = "INVALID_REQUEST"
	// InvalidRequestID covers a RESPONSE with no correlating outstanding request.
	InvalidRequestID Kind = "INVALID_REQUEST_ID"
	// NoRouteFound covers publish/request with no subscribers.
	NoRouteFound Kind = "NO_ROUTE_FOUND"
	// ServiceUnavailable covers outstanding-request cap eviction and missing
	// service lookups during system-message handling.
	ServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	// Timeout covers a request whose timeout fired before a RESPONSE arrived.
	Timeout Kind = "TIMEOUT"
	// TopicNotSupported covers an unknown system topic.
	TopicNotSupported Kind = "TOPIC_NOT_SUPPORTED"
	// Internal covers any unclassified failure, including recovered panics.
	Internal Kind = "INTERNAL_ERROR"
)

// Error is the broker's structured error value. It implements the error
// interface and marshals to the wire's {code, message, timestamp, details?} shape.
type Error struct {
	Kind      Kind           `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// New constructs an Error of the given kind with the current time as Timestamp.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Timestamp: time.Now().UTC()}
}

// WithDetails returns a copy of e with Details set, for chaining at the call site.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// MarshalPayload renders e as the wire payload body, prefixed with the literal
// bytes "error:" per the header grammar's error-payload convention.
func (e *Error) MarshalPayload() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len("error:")+len(body))
	out = append(out, "error:"...)
	out = append(out, body...)
	return out, nil
}

// Recover should be deferred at dispatch boundaries. If the recovered value is
// non-nil, *dst is set to an Internal error describing the panic.
func Recover(dst **Error) {
	if r := recover(); r != nil {
		*dst = New(Internal, fmt.Sprintf("recovered panic: %v", r))
	}
}
