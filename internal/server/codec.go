package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype of the lending service. Clients
// select it with grpc.CallContentSubtype(codecName).
const codecName = "json"

// jsonCodec carries the service's plain Go request and response structs.
// Amounts are decimal strings on the wire, so JSON is the only encoding.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
