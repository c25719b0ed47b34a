// structured.go packs structured (non-byte-blob) stream payloads for the
// binary `stream/data` wire frames internal/connection carries — e.g. a
// partial tool-call result or a reasoning-trace record, as opposed to raw
// audio/image bytes. msgpack keeps these frames compact and
// self-describing without paying JSON's text overhead on a channel
// spec.md §4.7 designs for high volume.
//
// Grounded on omni's storage layer, which reaches for
// vmihailenco/msgpack/v5 for its own on-disk record encoding; adopted
// here for wire encoding of structured stream chunks instead.
package stream

import "github.com/vmihailenco/msgpack/v5"

// EncodeStructured packs v for transmission as a stream-data binary
// frame via Connection.SendStreamData.
func EncodeStructured(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodeStructured unpacks a structured stream-data frame previously
// produced by EncodeStructured.
func DecodeStructured(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}
