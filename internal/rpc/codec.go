package rpc

import "github.com/fxamacker/cbor/v2"

// RawMessage holds a CBOR-encoded value whose decoding is deferred, the
// same role bureau-foundation-bureau's lib/codec.RawMessage plays in its
// service-socket protocol: the envelope (frame) is decoded eagerly, while
// method-specific params/result payloads are decoded lazily by the
// handler that knows their shape.
type RawMessage = cbor.RawMessage

func marshal(v interface{}) (RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return RawMessage(b), nil
}

func unmarshal(raw RawMessage, out interface{}) error {
	if len(raw) == 0 || out == nil {
		return nil
	}
	return cbor.Unmarshal(raw, out)
}
