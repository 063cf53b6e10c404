package wire

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with google.golang.org/grpc/encoding so every
// service in the fabric can select it via grpc.CallContentSubtype /
// grpc.ForceServerCodec, instead of the default protobuf-message codec.
//
// Using JSON-over-gRPC rather than hand-generated protoc-gen-go stubs keeps
// the "unknown fields are ignored on decode" contract trivial (it's what
// encoding/json already does when decoding into a struct) while still
// running on the same transport, flow control, and otelgrpc instrumentation
// a plain protobuf gRPC service would use.
const CodecName = "fabric-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxMessageBytes {
		return nil, ErrMessageTooLarge
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) > MaxMessageBytes {
		return ErrMessageTooLarge
	}
	return json.Unmarshal(data, v)
}
