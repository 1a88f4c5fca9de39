package pgwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Feeding a valid message split across arbitrarily sized chunks must yield
// the same frame as feeding it whole.
func TestDecoderChunkBoundaryIndependence(t *testing.T) {
	frame := Frame{Type: 'Q', Payload: []byte("SELECT * FROM users WHERE id = 42\x00")}
	wire := frame.Encode(nil)

	for chunkSize := 1; chunkSize <= len(wire); chunkSize++ {
		dec := NewDecoder(0)
		var got Frame
		var decoded bool

		for off := 0; off < len(wire); off += chunkSize {
			end := min(off+chunkSize, len(wire))
			dec.Feed(wire[off:end])

			f, ok, err := dec.Next()
			require.NoError(t, err, "chunk size %d", chunkSize)
			if ok {
				require.False(t, decoded, "chunk size %d: frame decoded twice", chunkSize)
				// Copy out: the payload aliases the decoder buffer.
				got = Frame{Type: f.Type, Payload: append([]byte{}, f.Payload...)}
				decoded = true
			}
		}

		require.True(t, decoded, "chunk size %d: frame never decoded", chunkSize)
		assert.Equal(t, frame.Type, got.Type)
		assert.Equal(t, []byte(frame.Payload), got.Payload)
	}
}

func TestDecoderStartupThenTyped(t *testing.T) {
	startup, err := EncodeStartupMessage(nil, map[string]string{"user": "alice", "database": "app"})
	require.NoError(t, err)
	query := Frame{Type: 'Q', Payload: []byte("SELECT 1\x00")}.Encode(nil)

	dec := NewDecoder(0)
	dec.Feed(startup)
	dec.Feed(query)

	f, ok, err := dec.NextStartup()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StartupKindStartupMessage, ClassifyStartup(f))

	params, err := ParseStartupParameters(f)
	require.NoError(t, err)
	assert.Equal(t, "alice", params["user"])
	assert.Equal(t, "app", params["database"])

	q, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MsgType('Q'), q.Type)
	assert.Empty(t, dec.Buffered())
}

func TestDecoderBufferedReturnsUnconsumedBytes(t *testing.T) {
	wire := Frame{Type: 'Z', Payload: []byte{'I'}}.Encode(nil)
	trailing := []byte("raw bytes behind the handshake")

	dec := NewDecoder(0)
	dec.Feed(wire)
	dec.Feed(trailing)

	_, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, trailing, dec.Buffered())
}

func TestDecoderMalformed(t *testing.T) {
	dec := NewDecoder(16)
	dec.Feed([]byte{'Q', 0xff, 0xff, 0xff, 0xff})

	_, _, err := dec.Next()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestClassifyStartup(t *testing.T) {
	tests := []struct {
		name string
		code uint32
		want StartupKind
	}{
		{"protocol 3.0", ProtocolVersion, StartupKindStartupMessage},
		{"ssl request", SSLRequestCode, StartupKindSSLRequest},
		{"cancel request", CancelRequestCode, StartupKindCancelRequest},
		{"gss enc request", GSSEncRequestCode, StartupKindGSSEncRequest},
		{"unknown", 12345, StartupKindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Frame{Payload: []byte{byte(tt.code >> 24), byte(tt.code >> 16), byte(tt.code >> 8), byte(tt.code)}}
			assert.Equal(t, tt.want, ClassifyStartup(f))
		})
	}
}
