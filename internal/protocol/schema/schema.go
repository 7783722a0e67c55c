package schema

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers shared with the peer message definitions.
const (
	FieldEnvelopeVersion    protowire.Number = 1
	FieldEnvelopeMaxVersion protowire.Number = 2

	FieldMessageHeader  protowire.Number = 1
	FieldMessagePayload protowire.Number = 2

	FieldRequestID        protowire.Number = 1
	FieldRequestCommand   protowire.Number = 2
	FieldRequestArguments protowire.Number = 3

	FieldResponseID      protowire.Number = 1
	FieldResponseCommand protowire.Number = 2
	FieldResponseResult  protowire.Number = 3
	FieldResponseMessage protowire.Number = 4
	FieldResponsePerf    protowire.Number = 5
)

var ErrMalformed = errors.New("schema: malformed message")

// Result is the check status carried by a response.
type Result uint32

const (
	ResultOK       Result = 0
	ResultWarning  Result = 1
	ResultCritical Result = 2
	ResultUnknown  Result = 3
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultWarning:
		return "WARNING"
	case ResultCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Envelope opens every batch.
type Envelope struct {
	Version             uint64
	MaxSupportedVersion uint64
}

type Request struct {
	ID        uint64
	Command   string
	Arguments []string
}

type RequestMessage struct {
	Payload []Request
}

type Response struct {
	ID      uint64
	Command string
	Result  Result
	Message string
	Perf    string
}

type ResponseMessage struct {
	Payload []Response
}

func EncodeEnvelope(e Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, FieldEnvelopeVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Version)
	if e.MaxSupportedVersion > 0 {
		b = protowire.AppendTag(b, FieldEnvelopeMaxVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, e.MaxSupportedVersion)
	}
	return b
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == FieldEnvelopeVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Version = v
			return n, nil
		case num == FieldEnvelopeMaxVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.MaxSupportedVersion = v
			return n, nil
		}
		return skip, nil
	})
	return e, err
}

func EncodeRequest(m RequestMessage) []byte {
	var b []byte
	for _, r := range m.Payload {
		var inner []byte
		if r.ID != 0 {
			inner = protowire.AppendTag(inner, FieldRequestID, protowire.VarintType)
			inner = protowire.AppendVarint(inner, r.ID)
		}
		inner = protowire.AppendTag(inner, FieldRequestCommand, protowire.BytesType)
		inner = protowire.AppendString(inner, r.Command)
		for _, arg := range r.Arguments {
			inner = protowire.AppendTag(inner, FieldRequestArguments, protowire.BytesType)
			inner = protowire.AppendString(inner, arg)
		}
		b = protowire.AppendTag(b, FieldMessagePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

func DecodeRequest(b []byte) (RequestMessage, error) {
	var m RequestMessage
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != FieldMessagePayload || typ != protowire.BytesType {
			return skip, nil
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		r, err := decodeRequest(raw)
		if err != nil {
			return 0, err
		}
		m.Payload = append(m.Payload, r)
		return n, nil
	})
	return m, err
}

func decodeRequest(b []byte) (Request, error) {
	var r Request
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == FieldRequestID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.ID = v
			return n, nil
		case num == FieldRequestCommand && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Command = v
			return n, nil
		case num == FieldRequestArguments && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				r.Arguments = append(r.Arguments, v)
			}
			return n, nil
		}
		return skip, nil
	})
	return r, err
}

func EncodeResponse(m ResponseMessage) []byte {
	var b []byte
	for _, r := range m.Payload {
		var inner []byte
		if r.ID != 0 {
			inner = protowire.AppendTag(inner, FieldResponseID, protowire.VarintType)
			inner = protowire.AppendVarint(inner, r.ID)
		}
		inner = protowire.AppendTag(inner, FieldResponseCommand, protowire.BytesType)
		inner = protowire.AppendString(inner, r.Command)
		inner = protowire.AppendTag(inner, FieldResponseResult, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(r.Result))
		if r.Message != "" {
			inner = protowire.AppendTag(inner, FieldResponseMessage, protowire.BytesType)
			inner = protowire.AppendString(inner, r.Message)
		}
		if r.Perf != "" {
			inner = protowire.AppendTag(inner, FieldResponsePerf, protowire.BytesType)
			inner = protowire.AppendString(inner, r.Perf)
		}
		b = protowire.AppendTag(b, FieldMessagePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

func DecodeResponse(b []byte) (ResponseMessage, error) {
	var m ResponseMessage
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != FieldMessagePayload || typ != protowire.BytesType {
			return skip, nil
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		r, err := decodeResponse(raw)
		if err != nil {
			return 0, err
		}
		m.Payload = append(m.Payload, r)
		return n, nil
	})
	return m, err
}

func decodeResponse(b []byte) (Response, error) {
	var r Response
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == FieldResponseID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.ID = v
			return n, nil
		case num == FieldResponseCommand && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Command = v
			return n, nil
		case num == FieldResponseResult && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Result = Result(v)
			return n, nil
		case num == FieldResponseMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Message = v
			return n, nil
		case num == FieldResponsePerf && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Perf = v
			return n, nil
		}
		return skip, nil
	})
	return r, err
}

// skip tells walk to discard the current field value.
const skip = -1 << 30

// walk iterates over top-level fields of b. fn returns the number of value
// bytes it consumed, skip for fields it does not know, or a negative
// protowire error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skip {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
