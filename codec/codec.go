// Package codec provides pluggable (de)serialization for tiercache values.
// A Codec[V] turns values into the raw bytes handed to storage providers and
// back. JSON is a safe default; Msgpack and CBOR are more compact.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
