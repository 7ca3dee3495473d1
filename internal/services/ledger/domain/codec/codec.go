// Package codec is the JSON encoding used for event payloads, snapshot state
// and read-model state. Map keys are sorted so equal values always encode to
// equal bytes, which read-model determinism depends on.
package codec

import "github.com/bytedance/sonic"

var api = sonic.ConfigStd

// Marshal encodes v with sorted map keys and HTML escaping, matching
// encoding/json output byte for byte.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}
