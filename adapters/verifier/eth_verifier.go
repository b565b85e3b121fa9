package verifier

import (
	"fmt"

	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/eth"
	"github.com/layer-3/walletgate/ports"
)

// EthVerifier implements the SignatureVerifier interface for EIP-191 and EIP-712 payloads
type EthVerifier struct{}

// NewEthVerifier creates a new Ethereum signature verifier
func NewEthVerifier() ports.SignatureVerifier {
	return EthVerifier{}
}

// Verify recovers the signer of payload and compares it to the claimed account
func (EthVerifier) Verify(payload core.SignaturePayload, signature []byte, claimed core.Account) error {
	hash, err := digest(payload)
	if err != nil {
		return err
	}

	if len(signature) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d: %w", len(signature), core.ErrInvalidSignature)
	}

	want, err := core.ParseAccount(string(claimed))
	if err != nil {
		return err
	}

	recovered, err := eth.RecoverAddress(hash, signature)
	if err != nil {
		return fmt.Errorf("%v: %w", err, core.ErrInvalidSignature)
	}

	if recovered != want.Address() {
		return fmt.Errorf("recovered %s, claimed %s: %w", recovered.Hex(), want, core.ErrAccountMismatch)
	}

	return nil
}

func digest(payload core.SignaturePayload) ([]byte, error) {
	switch p := payload.(type) {
	case core.PersonalMessage:
		if len(p.Message) == 0 {
			return nil, fmt.Errorf("empty message: %w", core.ErrInvalidPayload)
		}
		return eth.PersonalHash(p.Message), nil

	case core.TypedStructured:
		if p.Data.PrimaryType == "" || len(p.Data.Types) == 0 || len(p.Data.Message) == 0 {
			return nil, fmt.Errorf("incomplete typed data: %w", core.ErrInvalidPayload)
		}
		hash, err := eth.TypedDataHash(p.Data)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, core.ErrInvalidPayload)
		}
		return hash, nil

	case nil:
		return nil, fmt.Errorf("missing payload: %w", core.ErrInvalidPayload)

	default:
		return nil, fmt.Errorf("unsupported payload %T: %w", payload, core.ErrInvalidPayload)
	}
}
