// Package ethsigner implements external.Signer over a raw secp256k1
// key, the same signing primitives go-ethereum's crypto package exposes
// (spec §6's EVM-style signer; grounded on the teacher pack's uses of
// crypto.Keccak256Hash/crypto.Sign, e.g.
// Taraxa-project-taraxa-evm/core/state/statedb.go and
// trx_engine_taraxa/transaction_state.go).
package ethsigner

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds one party's channel key and public identifier.
type Signer struct {
	identifier string
	key        *ecdsa.PrivateKey
}

// New loads a Signer from a hex-encoded secp256k1 private key (with or
// without a leading "0x"), identified on the wire by identifier.
func New(identifier string, hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(trim0x(hexKey))
	if err != nil {
		return nil, fmt.Errorf("ethsigner: parse key: %w", err)
	}
	return &Signer{identifier: identifier, key: key}, nil
}

// Generate creates a Signer from a freshly generated key, for local
// simulation and tests that need a real signer without a key file.
func Generate(identifier string) (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{identifier: identifier, key: key}, nil
}

func trim0x(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func (s *Signer) PublicIdentifier() string { return s.identifier }

func (s *Signer) Address() common.Address { return crypto.PubkeyToAddress(s.key.PublicKey) }

// SignMessage signs a 32-byte digest, producing the 65-byte
// [R || S || V] signature go-ethereum's crypto.Sign returns.
func (s *Signer) SignMessage(_ context.Context, hash common.Hash) ([]byte, error) {
	return crypto.Sign(hash.Bytes(), s.key)
}

// SignUtilityMessage signs an arbitrary payload under its Keccak-256
// digest; used for out-of-band messages that aren't channel updates.
func (s *Signer) SignUtilityMessage(_ context.Context, msg []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256Hash(msg).Bytes(), s.key)
}

// Decrypt is not implemented: this module has no encrypted-payload flow
// (spec §9 leaves encrypted meta out of scope).
func (s *Signer) Decrypt(_ context.Context, payload []byte) ([]byte, error) {
	return nil, fmt.Errorf("ethsigner: Decrypt not supported")
}
