package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SignatureLen is the fixed size of the wire signature.
const SignatureLen = 16

// PayloadType discriminates how payload bytes are interpreted.
type PayloadType uint32

const (
	TypeUnknown                 PayloadType = 0
	TypeEnvelopeRequest         PayloadType = 1
	TypeEnvelopeResponse        PayloadType = 2
	TypeCommandRequest          PayloadType = 3
	TypeCommandResponse         PayloadType = 4
	TypeMessageEnvelopeRequest  PayloadType = 5
	TypeMessageEnvelopeResponse PayloadType = 6
	TypeError                   PayloadType = 10
)

func (t PayloadType) String() string {
	switch t {
	case TypeEnvelopeRequest:
		return "envelope_request"
	case TypeEnvelopeResponse:
		return "envelope_response"
	case TypeCommandRequest:
		return "command_request"
	case TypeCommandResponse:
		return "command_response"
	case TypeMessageEnvelopeRequest:
		return "message_envelope_request"
	case TypeMessageEnvelopeResponse:
		return "message_envelope_response"
	case TypeError:
		return "error"
	case TypeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

var (
	ErrShortSignature   = errors.New("frame: short signature")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrHeaderTooLarge   = errors.New("frame: header too large")
	ErrTruncatedPayload = errors.New("frame: truncated payload")
)

// Signature is the fixed wire record preceding every payload.
type Signature struct {
	HeaderLength          uint32
	PayloadLength         uint32
	PayloadType           PayloadType
	AdditionalPacketCount uint32
}

func (s Signature) String() string {
	return fmt.Sprintf(
		"header_length=%d payload_length=%d payload_type=%s additional_packet_count=%d",
		s.HeaderLength, s.PayloadLength, s.PayloadType, s.AdditionalPacketCount,
	)
}

// Chunk is one Signature plus its header block and payload.
type Chunk struct {
	Signature Signature
	Header    []byte
	Payload   []byte
}

// NewChunk builds a chunk whose lengths match the given payload.
func NewChunk(t PayloadType, payload []byte, additional uint32) Chunk {
	return Chunk{
		Signature: Signature{
			PayloadLength:         uint32(len(payload)),
			PayloadType:           t,
			AdditionalPacketCount: additional,
		},
		Payload: payload,
	}
}

// Bytes serializes the chunk into a freshly allocated buffer. Lengths in
// the signature are taken from the header and payload slices.
func (c Chunk) Bytes() []byte {
	sig := c.Signature
	sig.HeaderLength = uint32(len(c.Header))
	sig.PayloadLength = uint32(len(c.Payload))
	buf := make([]byte, SignatureLen+len(c.Header)+len(c.Payload))
	PutSignature(buf, sig)
	n := copy(buf[SignatureLen:], c.Header)
	copy(buf[SignatureLen+n:], c.Payload)
	return buf
}

// Limits constrains how much a single unit may allocate.
type Limits struct {
	MaxHeaderBytes  uint32
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes:  64 * 1024,
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// Check reports whether the declared lengths fit within the limits.
// Zero-valued limits are unbounded.
func (l Limits) Check(sig Signature) error {
	if l.MaxHeaderBytes > 0 && sig.HeaderLength > l.MaxHeaderBytes {
		return fmt.Errorf("%w: %d > %d", ErrHeaderTooLarge, sig.HeaderLength, l.MaxHeaderBytes)
	}
	if l.MaxPayloadBytes > 0 && sig.PayloadLength > l.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, sig.PayloadLength, l.MaxPayloadBytes)
	}
	return nil
}

func PutSignature(b []byte, s Signature) {
	_ = b[SignatureLen-1]
	binary.LittleEndian.PutUint32(b[0:4], s.HeaderLength)
	binary.LittleEndian.PutUint32(b[4:8], s.PayloadLength)
	binary.LittleEndian.PutUint32(b[8:12], uint32(s.PayloadType))
	binary.LittleEndian.PutUint32(b[12:16], s.AdditionalPacketCount)
}

func EncodeSignature(s Signature) []byte {
	buf := make([]byte, SignatureLen)
	PutSignature(buf, s)
	return buf
}

func DecodeSignature(b []byte) (Signature, error) {
	if len(b) < SignatureLen {
		return Signature{}, fmt.Errorf("%w: %d bytes", ErrShortSignature, len(b))
	}
	return Signature{
		HeaderLength:          binary.LittleEndian.Uint32(b[0:4]),
		PayloadLength:         binary.LittleEndian.Uint32(b[4:8]),
		PayloadType:           PayloadType(binary.LittleEndian.Uint32(b[8:12])),
		AdditionalPacketCount: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// ReadChunk reads one complete chunk from a blocking reader.
func ReadChunk(r io.Reader, limits Limits) (Chunk, error) {
	var raw [SignatureLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Chunk{}, ErrShortSignature
		}
		return Chunk{}, err
	}
	sig, err := DecodeSignature(raw[:])
	if err != nil {
		return Chunk{}, err
	}
	if err := limits.Check(sig); err != nil {
		return Chunk{}, err
	}

	body := make([]byte, int(sig.HeaderLength)+int(sig.PayloadLength))
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Chunk{}, ErrTruncatedPayload
		}
		return Chunk{}, err
	}
	c := Chunk{Signature: sig, Payload: body[sig.HeaderLength:]}
	if sig.HeaderLength > 0 {
		c.Header = body[:sig.HeaderLength]
	}
	return c, nil
}

func WriteChunk(w io.Writer, c Chunk) error {
	_, err := w.Write(c.Bytes())
	return err
}
