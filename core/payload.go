package core

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Scheme names a message-encoding scheme used before signing.
type Scheme string

const (
	// SchemePersonalMessage is EIP-191 personal_sign.
	SchemePersonalMessage Scheme = "personal_message"
	// SchemeTypedStructured is EIP-712 eth_signTypedData_v4.
	SchemeTypedStructured Scheme = "typed_structured"
)

// SignaturePayload is the data a wallet signed. Implemented by PersonalMessage and TypedStructured only.
type SignaturePayload interface {
	Scheme() Scheme
	sealed()
}

// PersonalMessage is a raw message signed with the EIP-191 prefix.
type PersonalMessage struct {
	Message []byte
}

func (PersonalMessage) Scheme() Scheme { return SchemePersonalMessage }
func (PersonalMessage) sealed()        {}

// TypedStructured is EIP-712 typed data.
type TypedStructured struct {
	Data apitypes.TypedData
}

func (TypedStructured) Scheme() Scheme { return SchemeTypedStructured }
func (TypedStructured) sealed()        {}

// DecodePayload builds a payload from its wire form. Personal messages are sent as
// a JSON string; typed data as the eth_signTypedData_v4 JSON object.
func DecodePayload(scheme Scheme, raw json.RawMessage) (SignaturePayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing payload: %w", ErrInvalidPayload)
	}

	switch scheme {
	case SchemePersonalMessage:
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("personal message must be a string: %w", ErrInvalidPayload)
		}
		if msg == "" {
			return nil, fmt.Errorf("empty personal message: %w", ErrInvalidPayload)
		}
		return PersonalMessage{Message: []byte(msg)}, nil

	case SchemeTypedStructured:
		var td apitypes.TypedData
		if err := json.Unmarshal(raw, &td); err != nil {
			return nil, fmt.Errorf("malformed typed data: %w", ErrInvalidPayload)
		}
		if td.PrimaryType == "" || len(td.Types) == 0 || len(td.Message) == 0 {
			return nil, fmt.Errorf("incomplete typed data: %w", ErrInvalidPayload)
		}
		return TypedStructured{Data: td}, nil

	default:
		return nil, fmt.Errorf("unknown scheme %q: %w", scheme, ErrInvalidPayload)
	}
}
