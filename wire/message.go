package wire

import (
	"bytes"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/nexusmsg/broker/brokererr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const errorPrefix = "error:"

// Message is a zero-copy view over one parsed frame: a validated Header plus raw
// header/payload byte slices borrowed from the original frame buffer. JSON
// decoding of the payload is deferred until ParsePayload or ParseError is called.
type Message struct {
	Header     Header
	HasError   bool
	rawHeader  []byte
	rawPayload []byte
}

// Parse locates the header/payload boundary ('\n') within maxHeaderBytes of
// frame, validates the header, and returns a Message exposing borrowed views over
// both halves. maxPayloadBytes bounds the payload size.
func Parse(frame []byte, maxHeaderBytes, maxPayloadBytes int, headerOpts ParseHeaderOptions) (*Message, *brokererr.Error) {
	searchLimit := len(frame)
	if searchLimit > maxHeaderBytes {
		searchLimit = maxHeaderBytes
	}
	idx := bytes.IndexByte(frame[:searchLimit], '\n')
	if idx < 0 {
		return nil, malformed("header line not found within max header size")
	}

	headerBytes := frame[:idx]
	payload := frame[idx+1:]
	if len(payload) > maxPayloadBytes {
		return nil, malformed("payload exceeds maximum length")
	}

	h, berr := ParseHeader(headerBytes, headerOpts)
	if berr != nil {
		return nil, berr
	}

	return &Message{
		Header:     *h,
		HasError:   bytes.HasPrefix(payload, []byte(errorPrefix)),
		rawHeader:  headerBytes,
		rawPayload: payload,
	}, nil
}

// RawHeader returns the unparsed header-line bytes.
func (m *Message) RawHeader() []byte { return m.rawHeader }

// RawPayload returns the unparsed payload bytes, including the "error:" prefix
// when HasError is set.
func (m *Message) RawPayload() []byte { return m.rawPayload }

func (m *Message) errorBody() []byte {
	return m.rawPayload[len(errorPrefix):]
}

// ParsePayload decodes the message's payload as T. It is an error to call this
// when m.HasError is set; call ParseError instead.
func ParsePayload[T any](m *Message) (T, *brokererr.Error) {
	var zero T
	if m.HasError {
		return zero, malformed("payload carries an error payload, not a value payload")
	}
	if len(m.rawPayload) == 0 {
		return zero, nil
	}
	if err := json.Unmarshal(m.rawPayload, &zero); err != nil {
		return zero, malformed("invalid JSON payload: " + err.Error())
	}
	return zero, nil
}

type wireErrorPayload struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ParseError decodes an error-flagged payload into a *brokererr.Error, validating
// that code, message, and timestamp are all present.
func ParseError(m *Message) (*brokererr.Error, *brokererr.Error) {
	if !m.HasError {
		return nil, malformed("payload does not carry an error")
	}
	var raw wireErrorPayload
	if err := json.Unmarshal(m.errorBody(), &raw); err != nil {
		return nil, malformed("invalid error payload JSON: " + err.Error())
	}
	if raw.Code == "" || raw.Message == "" || raw.Timestamp.IsZero() {
		return nil, malformed("error payload missing code, message, or timestamp")
	}
	return &brokererr.Error{
		Kind:      brokererr.Kind(raw.Code),
		Message:   raw.Message,
		Timestamp: raw.Timestamp,
		Details:   raw.Details,
	}, nil
}

// SerializeValue renders a header plus a JSON-encoded payload value as a single
// frame body (header line, '\n', payload bytes).
func SerializeValue(h Header, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return assemble(h, body), nil
}

// SerializeError renders a header plus an error payload (prefixed with
// "error:") as a single frame body.
func SerializeError(h Header, errPayload *brokererr.Error) ([]byte, error) {
	body, err := errPayload.MarshalPayload()
	if err != nil {
		return nil, err
	}
	return assemble(h, body), nil
}

func assemble(h Header, payload []byte) []byte {
	headerBytes := Serialize(h)
	out := make([]byte, 0, len(headerBytes)+1+len(payload))
	out = append(out, headerBytes...)
	out = append(out, '\n')
	out = append(out, payload...)
	return out
}
