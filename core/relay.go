package core

import "fmt"

// MessageType tags a relay envelope.
type MessageType string

const (
	TypeWalletUpdate MessageType = "WALLET_UPDATE"
	TypeTransaction  MessageType = "TRANSACTION"
	TypeError        MessageType = "ERROR"
	TypeAck          MessageType = "ACK"
)

// Message is a typed relay payload. The set of implementations is closed.
type Message interface {
	Type() MessageType
	message()
}

// WalletUpdate reports the current balance of the session account.
type WalletUpdate struct {
	Account     Account `json:"account" msgpack:"account"`
	ChainID     string  `json:"chainId" msgpack:"chainId"`
	BalanceWei  string  `json:"balanceWei" msgpack:"balanceWei"`
	Balance     string  `json:"balance" msgpack:"balance"`
	BlockNumber uint64  `json:"blockNumber" msgpack:"blockNumber"`
}

// Transaction reports a mined transaction sent from or to the session account.
type Transaction struct {
	Hash        string `json:"hash" msgpack:"hash"`
	From        string `json:"from" msgpack:"from"`
	To          string `json:"to,omitempty" msgpack:"to,omitempty"`
	ValueWei    string `json:"valueWei" msgpack:"valueWei"`
	Value       string `json:"value" msgpack:"value"`
	Nonce       uint64 `json:"nonce" msgpack:"nonce"`
	BlockNumber uint64 `json:"blockNumber" msgpack:"blockNumber"`
}

// ErrorMessage is sent before the server closes a relay or rejects a client frame.
type ErrorMessage struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message,omitempty" msgpack:"message,omitempty"`
}

// Ack acknowledges every event up to and including Seq. Client to server only.
type Ack struct {
	Seq uint64 `json:"seq" msgpack:"seq"`
}

func (WalletUpdate) Type() MessageType { return TypeWalletUpdate }
func (Transaction) Type() MessageType  { return TypeTransaction }
func (ErrorMessage) Type() MessageType { return TypeError }
func (Ack) Type() MessageType          { return TypeAck }

func (WalletUpdate) message() {}
func (Transaction) message()  {}
func (ErrorMessage) message() {}
func (Ack) message()          {}

// NewMessage returns a zero value pointer for the given type, for decoding.
func NewMessage(t MessageType) (Message, error) {
	switch t {
	case TypeWalletUpdate:
		return &WalletUpdate{}, nil
	case TypeTransaction:
		return &Transaction{}, nil
	case TypeError:
		return &ErrorMessage{}, nil
	case TypeAck:
		return &Ack{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q: %w", t, ErrInvalidPayload)
	}
}

// Envelope frames a message on the relay. Seq is zero when absent.
type Envelope struct {
	Type    MessageType
	Seq     uint64
	Payload Message
}

// ErrorEnvelope builds the unsequenced ERROR frame for err.
func ErrorEnvelope(err error) Envelope {
	return Envelope{
		Type:    TypeError,
		Payload: ErrorMessage{Code: Code(err), Message: err.Error()},
	}
}
