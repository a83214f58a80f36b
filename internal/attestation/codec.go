package attestation

import "encoding/json"

// jsonCodec lets the Attestation Agent/Service clients speak the
// Connect protocol without a protoc-generated stub: request and
// response types are plain Go structs with `json` tags, and this
// codec marshals them as the RPC message body in place of protobuf.
// The Attestation Agent's reference server implementations already
// accept a JSON body for exactly this reason.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
