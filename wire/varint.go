package wire

import "google.golang.org/protobuf/encoding/protowire"

// AppendVarint and ConsumeVarint expose protowire's varint codec for
// the optional compact integer encoding inside DELTA_BATCH payloads
// (spec.md §4.9): per-delta logical clocks are monotonically
// increasing and often small, so callers that want a denser wire
// representation than JSON numbers can varint-encode the clock
// sequence alongside the JSON delta bodies. The fixed frame header
// itself is never varint-encoded; see Encode/Decode.
func AppendVarint(buf []byte, v uint64) []byte {
	return protowire.AppendVarint(buf, v)
}

// ConsumeVarint reads one varint from the front of buf, returning the
// decoded value and the number of bytes consumed, or n < 0 on error.
func ConsumeVarint(buf []byte) (v uint64, n int) {
	return protowire.ConsumeVarint(buf)
}
