package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		Type:      TypeDelta,
		Timestamp: time.Now().UTC().Round(time.Millisecond),
		Payload:   []byte(`{"id":"1"}`),
	}
	data := Encode(f)
	require.Len(t, data, headerSize+len(f.Payload))

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, f.Type, decoded.Type)
	require.Equal(t, f.Timestamp.UnixMilli(), decoded.Timestamp.UnixMilli())
	require.Equal(t, f.Payload, decoded.Payload)
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, err := Decode([]byte{0x30, 0x00})
	require.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	f := Frame{Type: TypePing, Timestamp: time.Now(), Payload: []byte("abcdef")}
	data := Encode(f)
	_, err := Decode(data[:len(data)-3])
	require.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestDecodeUnknownType(t *testing.T) {
	f := Frame{Type: MessageType(0x99), Timestamp: time.Now(), Payload: nil}
	data := Encode(f)
	_, err := Decode(data)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestLooksLikeJSONDetectsObjectAndArray(t *testing.T) {
	require.True(t, LooksLikeJSON([]byte(`{"a":1}`)))
	require.True(t, LooksLikeJSON([]byte("  [1,2,3]")))
	require.False(t, LooksLikeJSON([]byte{0x30, 0x01, 0x02}))
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := DeltaPayload{ID: "m1", DocID: "d1", Delta: map[string]interface{}{"x": float64(1)}, VectorClock: map[string]uint64{"r1": 2}}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out DeltaPayload
	require.NoError(t, Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestTombstoneDetection(t *testing.T) {
	require.True(t, IsTombstone([]byte(`{"__deleted":true}`)))
	require.False(t, IsTombstone([]byte(`{"__deleted":false}`)))
	require.False(t, IsTombstone([]byte(`{"value":"x"}`)))
}

func TestPermissionsAllows(t *testing.T) {
	admin := Permissions{IsAdmin: true}
	require.True(t, admin.Allows("doc1", nil))

	scoped := Permissions{CanWrite: []string{"doc1"}}
	require.True(t, scoped.Allows("doc1", scoped.CanWrite))
	require.False(t, scoped.Allows("doc2", scoped.CanWrite))

	wildcard := Permissions{CanWrite: []string{"*"}}
	require.True(t, wildcard.Allows("anything", wildcard.CanWrite))
}

func TestVarintRoundTrip(t *testing.T) {
	buf := AppendVarint(nil, 300)
	v, n := ConsumeVarint(buf)
	require.Equal(t, uint64(300), v)
	require.Equal(t, len(buf), n)
}
