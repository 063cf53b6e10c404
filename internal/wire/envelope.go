// Package wire defines the compact, self-describing message envelopes that
// cross every request/reply and publish/subscribe endpoint in the fabric.
//
// Payloads are carried as protobuf's structpb.Struct: a tagged map of
// string keys to null/bool/number/string/list/struct values — a compact,
// self-describing format that comes with ignore-unknown-fields behavior for
// free, since decoding a Struct never fails on a field the reader doesn't
// recognize.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

// MaxMessageBytes is the maximum serialized size of a Request or Response.
// A message at exactly this size is accepted; one byte over is rejected
// with ErrMessageTooLarge.
const MaxMessageBytes = 16 * 1024 * 1024

// ErrMessageTooLarge is returned by Codec.Marshal/Unmarshal when a message
// exceeds MaxMessageBytes.
var ErrMessageTooLarge = fmt.Errorf("wire: message exceeds %d bytes", MaxMessageBytes)

// Request is the envelope every request-kind call carries.
type Request struct {
	// Action names the operation being invoked (e.g. "register", "lookup").
	Action string `json:"action"`
	// ID is a correlation id, not a protocol requirement but useful for
	// tracing a request across logs and spans.
	ID string `json:"id,omitempty"`
	// Payload is the opaque, action-specific body. The framework never
	// interprets it.
	Payload *structpb.Struct `json:"payload,omitempty"`
}

// NewRequest builds a Request for action, stamping a fresh correlation ID
// so the call can be traced across logs and spans without the caller
// having to generate one itself.
func NewRequest(action string, payload *structpb.Struct) *Request {
	return &Request{Action: action, ID: uuid.NewString(), Payload: payload}
}

// ResponseStatus enumerates the two top-level response states.
type ResponseStatus string

const (
	StatusOK    ResponseStatus = "ok"
	StatusError ResponseStatus = "error"
)

// Response is the envelope every reply carries.
type Response struct {
	Status  ResponseStatus   `json:"status"`
	Payload *structpb.Struct `json:"payload,omitempty"`
	Kind    string           `json:"kind,omitempty"`
	Message string           `json:"message,omitempty"`
	Context *structpb.Struct `json:"context,omitempty"`
}

// OK builds a successful Response wrapping payload (may be nil).
func OK(payload *structpb.Struct) *Response {
	return &Response{Status: StatusOK, Payload: payload}
}

// Errorf builds an error Response of the given kind.
func Errorf(kind, format string, args ...any) *Response {
	return &Response{Status: StatusError, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// StructOf converts a plain map into a structpb.Struct, returning nil, nil
// for a nil/empty map so callers don't have to special-case it.
func StructOf(m map[string]any) (*structpb.Struct, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return structpb.NewStruct(m)
}

// Map converts a Struct back into a plain map, returning nil for a nil Struct.
func Map(s *structpb.Struct) map[string]any {
	if s == nil {
		return nil
	}
	return s.AsMap()
}

// Decode round-trips Payload through JSON into v, so callers can work with
// a concrete typed struct instead of the raw map. Unknown fields in Payload
// are silently dropped, matching the "ignore unknown fields" decode
// contract.
func (r *Request) Decode(v any) error {
	b, err := json.Marshal(Map(r.Payload))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// RequireString returns Payload[key] coerced to a non-empty string, or an
// error naming the key.
func (r *Request) RequireString(key string) (string, error) {
	m := Map(r.Payload)
	v, ok := m[key]
	if !ok {
		return "", errors.New(key + " is required")
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.New(key + " must be a non-empty string")
	}
	return s, nil
}

// StructOfValue round-trips v through JSON into a plain map so it can be
// wrapped as a Struct — the opaque payload type every Response carries.
func StructOfValue(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return StructOf(m)
}
