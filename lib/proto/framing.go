package proto

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/samber/oops"
)

// MessageType tags the payload so Decode knows which struct to produce
// without the caller pre-guessing the expected message. The channel layer
// is responsible for framing a payload on the wire (length prefix,
// encryption); proto only knows how to turn a message struct into bytes
// and back.
type MessageType uint8

const (
	TypeClientHello MessageType = iota + 1
	TypeServerHello
	TypeSrpIdentify
	TypeSrpServerKeyExchange
	TypeSrpClientKeyExchange
	TypeSessionChallenge
	TypeSessionResponse
)

var (
	ErrUnknownType  = errors.New("proto: unknown message type tag")
	ErrTypeMismatch = errors.New("proto: decoded message type does not match expected type")
)

func typeOf(msg any) (MessageType, error) {
	switch msg.(type) {
	case *ClientHello:
		return TypeClientHello, nil
	case *ServerHello:
		return TypeServerHello, nil
	case *SrpIdentify:
		return TypeSrpIdentify, nil
	case *SrpServerKeyExchange:
		return TypeSrpServerKeyExchange, nil
	case *SrpClientKeyExchange:
		return TypeSrpClientKeyExchange, nil
	case *SessionChallenge:
		return TypeSessionChallenge, nil
	case *SessionResponse:
		return TypeSessionResponse, nil
	default:
		return 0, oops.Errorf("proto: %T is not a handshake message", msg)
	}
}

func newByType(t MessageType) (any, error) {
	switch t {
	case TypeClientHello:
		return &ClientHello{}, nil
	case TypeServerHello:
		return &ServerHello{}, nil
	case TypeSrpIdentify:
		return &SrpIdentify{}, nil
	case TypeSrpServerKeyExchange:
		return &SrpServerKeyExchange{}, nil
	case TypeSrpClientKeyExchange:
		return &SrpClientKeyExchange{}, nil
	case TypeSessionChallenge:
		return &SessionChallenge{}, nil
	case TypeSessionResponse:
		return &SessionResponse{}, nil
	default:
		return nil, ErrUnknownType
	}
}

// Encode serializes msg into a self-describing payload: a one-byte type
// tag followed by the CBOR-encoded body. The channel is responsible for
// wrapping this in whatever wire framing and encryption it uses.
func Encode(msg any) ([]byte, error) {
	t, err := typeOf(msg)
	if err != nil {
		return nil, err
	}

	body, err := cbor.Marshal(msg)
	if err != nil {
		return nil, oops.Errorf("encoding %T: %w", msg, err)
	}

	payload := make([]byte, 1+len(body))
	payload[0] = byte(t)
	copy(payload[1:], body)

	return payload, nil
}

// Decode reads the type tag off payload and CBOR-decodes the remainder
// into the matching struct, returned as `any` for the caller to type-switch
// on.
func Decode(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, oops.Errorf("proto: empty payload")
	}

	msg, err := newByType(MessageType(payload[0]))
	if err != nil {
		return nil, err
	}

	if err := cbor.Unmarshal(payload[1:], msg); err != nil {
		return nil, oops.Errorf("decoding %T: %w", msg, err)
	}

	return msg, nil
}

// DecodeExpect decodes payload and asserts it produced the same concrete
// type as T, returning ErrTypeMismatch otherwise. Handshake steps that
// expect exactly one message type use this instead of Decode plus a
// manual type switch.
func DecodeExpect[T any](payload []byte) (*T, error) {
	msg, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	typed, ok := msg.(*T)
	if !ok {
		return nil, ErrTypeMismatch
	}
	return typed, nil
}
