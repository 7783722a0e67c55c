package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type parsed struct {
	sig     Signature
	payload []byte
}

// parseStream feeds data to the digest functions in fragments of the given
// size, keeping unconsumed bytes between feeds.
func parseStream(t *testing.T, data []byte, fragment int) []parsed {
	t.Helper()
	var (
		out     []parsed
		pending []byte
		sig     Signature
		haveSig bool
	)
	for off := 0; off < len(data); off += fragment {
		end := min(off+fragment, len(data))
		pending = append(pending, data[off:end]...)
		for {
			if !haveSig {
				s, n, ok := DigestSignature(pending)
				if !ok {
					require.Zero(t, n, "incomplete signature consumed bytes")
					break
				}
				sig, haveSig = s, true
				pending = pending[n:]
				continue
			}
			_, payload, n, ok := DigestPayload(pending, sig)
			if !ok {
				require.Zero(t, n, "incomplete payload consumed bytes")
				break
			}
			out = append(out, parsed{sig: sig, payload: payload})
			haveSig = false
			pending = pending[n:]
		}
	}
	require.Empty(t, pending, "stream left unparsed bytes")
	require.False(t, haveSig, "stream ended after a signature")
	return out
}

func batchStream() []byte {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte("envelope"),
		[]byte("first command"),
		{},
		bytes.Repeat([]byte{0x5A}, 300),
	}
	for i, p := range payloads {
		c := NewChunk(TypeCommandRequest, p, uint32(len(payloads)-1-i))
		buf.Write(c.Bytes())
	}
	return buf.Bytes()
}

func TestDigestIsFragmentationInvariant(t *testing.T) {
	data := batchStream()
	whole := parseStream(t, data, len(data))
	require.Len(t, whole, 4)
	for _, fragment := range []int{1, 2, 3, 7, 15, 16, 17, 64} {
		got := parseStream(t, data, fragment)
		require.Len(t, got, len(whole), "fragment=%d", fragment)
		for i := range got {
			assert.Equal(t, whole[i].sig, got[i].sig, "fragment=%d unit=%d", fragment, i)
			assert.True(t, bytes.Equal(whole[i].payload, got[i].payload), "fragment=%d unit=%d payload", fragment, i)
		}
	}
}

func TestDigestSignaturePartialConsumesNothing(t *testing.T) {
	raw := EncodeSignature(Signature{PayloadLength: 4, PayloadType: TypeCommandRequest})
	for i := 0; i < SignatureLen; i++ {
		_, n, ok := DigestSignature(raw[:i])
		assert.False(t, ok, "prefix=%d", i)
		assert.Zero(t, n, "prefix=%d", i)
	}
	sig, n, ok := DigestSignature(append(raw, 0xFF))
	require.True(t, ok)
	assert.Equal(t, SignatureLen, n)
	assert.EqualValues(t, 4, sig.PayloadLength)
}

func TestDigestPayloadSkipsHeaderBlock(t *testing.T) {
	sig := Signature{HeaderLength: 3, PayloadLength: 2, PayloadType: TypeCommandRequest}
	b := []byte{9, 9, 9, 'o', 'k', 'x'}
	header, payload, n, ok := DigestPayload(b, sig)
	require.True(t, ok)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte{9, 9, 9}, header)
	assert.Equal(t, "ok", string(payload))

	b[3] = 'X'
	assert.Equal(t, "ok", string(payload), "payload aliases the input buffer")
}

func TestDigestPayloadEmptyCompletesImmediately(t *testing.T) {
	_, payload, n, ok := DigestPayload(nil, Signature{PayloadType: TypeEnvelopeRequest})
	assert.True(t, ok)
	assert.Zero(t, n)
	assert.Empty(t, payload)
}
