// Package wire implements the broker's on-stream message encoding: the header
// line grammar, length-prefixed framing, and a borrow-style parser over header
// and payload bytes.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blang/semver"
	"github.com/google/uuid"

	"github.com/nexusmsg/broker/brokererr"
	"github.com/nexusmsg/broker/topic"
)

// Header is the parsed, validated form of a message's header line:
//
//	action ":" topic ":" version [ ":" requestId [ ":" parentRequestId [ ":" timeout ] ] ]
type Header struct {
	Action          Action
	Topic           string
	Version         string
	RequestID       *uuid.UUID
	ParentRequestID *uuid.UUID
	// Timeout is in milliseconds and only meaningful (and only ever non-nil) when
	// Action == ActionRequest.
	Timeout *int
}

// ParseHeaderOptions bounds the fields ParseHeader is willing to accept.
type ParseHeaderOptions struct {
	MaxTimeoutMillis int
}

// ParseHeader parses and validates a single header line (without its trailing
// '\n'). On any grammar or field violation it returns a *brokererr.Error of kind
// MalformedMessage.
func ParseHeader(line []byte, opts ParseHeaderOptions) (*Header, *brokererr.Error) {
	parts := strings.Split(string(line), ":")
	if len(parts) < 3 || len(parts) > 6 {
		return nil, malformed("header must have 3 to 6 colon-separated fields")
	}

	action, ok := ParseAction(parts[0])
	if !ok {
		return nil, malformed(fmt.Sprintf("unrecognized action %q", parts[0]))
	}

	if !topic.IsValidPublishable(parts[1]) {
		return nil, malformed(fmt.Sprintf("invalid topic %q", parts[1]))
	}

	if _, err := semver.Parse(parts[2]); err != nil {
		return nil, malformed(fmt.Sprintf("invalid version %q: %v", parts[2], err))
	}

	h := &Header{Action: action, Topic: topic.Canonical(parts[1]), Version: parts[2]}

	if len(parts) >= 4 && parts[3] != "" {
		id, berr := parseUUIDv4(parts[3], "requestId")
		if berr != nil {
			return nil, berr
		}
		h.RequestID = id
	}

	if len(parts) >= 5 && parts[4] != "" {
		id, berr := parseUUIDv4(parts[4], "parentRequestId")
		if berr != nil {
			return nil, berr
		}
		h.ParentRequestID = id
	}

	if len(parts) >= 6 && parts[5] != "" {
		timeoutMillis, err := strconv.Atoi(parts[5])
		if err != nil {
			return nil, malformed(fmt.Sprintf("invalid timeout %q: %v", parts[5], err))
		}
		if timeoutMillis <= 0 || (opts.MaxTimeoutMillis > 0 && timeoutMillis > opts.MaxTimeoutMillis) {
			return nil, malformed(fmt.Sprintf("timeout %d out of range (0, %d]", timeoutMillis, opts.MaxTimeoutMillis))
		}
		if action != ActionRequest {
			return nil, malformed("timeout is only valid when action is request")
		}
		h.Timeout = &timeoutMillis
	}

	return h, nil
}

func parseUUIDv4(s, field string) (*uuid.UUID, *brokererr.Error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, malformed(fmt.Sprintf("invalid %s %q: %v", field, s, err))
	}
	if id.Version() != 4 {
		return nil, malformed(fmt.Sprintf("%s %q is not a UUIDv4", field, s))
	}
	return &id, nil
}

func malformed(msg string) *brokererr.Error {
	return brokererr.New(brokererr.MalformedMessage, msg)
}

// Serialize renders h as the header-line bytes (without a trailing '\n'),
// following the trailing-field precedence: if Timeout is set, all three trailing
// fields are emitted (empty string for an absent RequestID/ParentRequestID); else
// if ParentRequestID is set, RequestID and ParentRequestID are emitted; else if
// RequestID alone is set, only it is emitted.
func Serialize(h Header) []byte {
	var b strings.Builder
	b.WriteString(string(h.Action))
	b.WriteByte(':')
	b.WriteString(h.Topic)
	b.WriteByte(':')
	b.WriteString(h.Version)

	reqStr := ""
	if h.RequestID != nil {
		reqStr = h.RequestID.String()
	}
	parentStr := ""
	if h.ParentRequestID != nil {
		parentStr = h.ParentRequestID.String()
	}

	switch {
	case h.Timeout != nil:
		fmt.Fprintf(&b, ":%s:%s:%d", reqStr, parentStr, *h.Timeout)
	case h.ParentRequestID != nil:
		fmt.Fprintf(&b, ":%s:%s", reqStr, parentStr)
	case h.RequestID != nil:
		fmt.Fprintf(&b, ":%s", reqStr)
	}

	return []byte(b.String())
}
