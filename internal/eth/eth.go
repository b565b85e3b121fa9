// Package eth holds the Ethereum message hashing and signature recovery helpers
// behind wallet authentication.
package eth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const domainType = "EIP712Domain"

var (
	ErrSignatureLength = errors.New("signature must be 65 bytes")
	ErrSignatureValues = errors.New("signature values out of range")
	ErrRecovery        = errors.New("public key recovery failed")
)

// PersonalHash returns the EIP-191 personal_sign digest of msg.
func PersonalHash(msg []byte) []byte {
	return accounts.TextHash(msg)
}

// TypedDataHash returns the EIP-712 digest of td. When the EIP712Domain type is
// missing it is derived from the populated domain fields.
func TypedDataHash(td apitypes.TypedData) ([]byte, error) {
	if _, ok := td.Types[domainType]; !ok {
		types := make(apitypes.Types, len(td.Types)+1)
		for name, fields := range td.Types {
			types[name] = fields
		}
		types[domainType] = DomainType(td.Domain)
		td.Types = types
	}

	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return hash, nil
}

// DomainType lists the EIP712Domain fields present in domain, in canonical order.
func DomainType(domain apitypes.TypedDataDomain) []apitypes.Type {
	var fields []apitypes.Type
	if domain.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if domain.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if domain.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if domain.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if domain.Salt != "" {
		fields = append(fields, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return fields
}

// RecoverAddress recovers the signer of hash. The recovery id may be 0/1 or 27/28.
func RecoverAddress(hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrSignatureLength
	}

	s := make([]byte, crypto.SignatureLength)
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}

	r := new(big.Int).SetBytes(s[:32])
	sv := new(big.Int).SetBytes(s[32:64])
	if !crypto.ValidateSignatureValues(s[crypto.RecoveryIDOffset], r, sv, true) {
		return common.Address{}, ErrSignatureValues
	}

	pub, err := crypto.SigToPub(hash, s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrRecovery, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign signs hash and returns the signature with a 27/28 recovery id, as wallets do.
func Sign(hash []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignPersonal signs msg with the EIP-191 prefix.
func SignPersonal(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return Sign(PersonalHash(msg), key)
}

// SignTypedData signs the EIP-712 digest of td.
func SignTypedData(td apitypes.TypedData, key *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := TypedDataHash(td)
	if err != nil {
		return nil, err
	}
	return Sign(hash, key)
}
