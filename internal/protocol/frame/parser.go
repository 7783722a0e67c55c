package frame

import "bytes"

// DigestSignature extracts one signature from the front of b. It consumes
// nothing unless all SignatureLen bytes are present.
func DigestSignature(b []byte) (Signature, int, bool) {
	if len(b) < SignatureLen {
		return Signature{}, 0, false
	}
	sig, err := DecodeSignature(b[:SignatureLen])
	if err != nil {
		return Signature{}, 0, false
	}
	return sig, SignatureLen, true
}

// DigestPayload extracts the header block and payload declared by sig from
// the front of b. It consumes nothing until header_length+payload_length
// bytes are present. The returned slices are copies and stay valid after b
// is reused.
func DigestPayload(b []byte, sig Signature) (header, payload []byte, n int, ok bool) {
	need := int(sig.HeaderLength) + int(sig.PayloadLength)
	if len(b) < need {
		return nil, nil, 0, false
	}
	if sig.HeaderLength > 0 {
		header = bytes.Clone(b[:sig.HeaderLength])
	}
	payload = make([]byte, sig.PayloadLength)
	copy(payload, b[sig.HeaderLength:need])
	return header, payload, need, true
}
