package channel

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// canonicalArgs describes the ABI tuple signed by both parties, per
// spec §6: keccak(abiEncode(channelAddress, type, nonce, balance,
// assetId, details, fromIdentifier, toIdentifier)). details varies by
// update type, so it is folded in as its canonical JSON bytes rather
// than a type-specific tuple; this keeps the encoding fixed-shape while
// still binding the signature to the exact details the peer agreed to.
var canonicalArgs = mustArguments(
	abi.Type{T: abi.AddressTy},
	abi.Type{T: abi.StringTy},
	abi.Type{T: abi.UintTy, Size: 64},
	abi.Type{T: abi.AddressTy}, // balance.to[0]
	abi.Type{T: abi.AddressTy}, // balance.to[1]
	abi.Type{T: abi.StringTy},  // balance.amount[0]
	abi.Type{T: abi.StringTy},  // balance.amount[1]
	abi.Type{T: abi.AddressTy}, // assetId
	abi.Type{T: abi.BytesTy},   // details, canonical JSON
	abi.Type{T: abi.StringTy},  // fromIdentifier
	abi.Type{T: abi.StringTy},  // toIdentifier
)

func mustArguments(types ...abi.Type) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		args[i] = abi.Argument{Type: t}
	}
	return args
}

// CanonicalDetailsBytes returns the deterministic JSON encoding of an
// update's Details field. encoding/json.Marshal sorts map keys and
// struct field order is fixed by the Go type, so this is byte-exact
// across processes for a given Details value, satisfying the "byte-exact
// canonical encoding" requirement of spec §6.
func CanonicalDetailsBytes(details interface{}) ([]byte, error) {
	if details == nil {
		return []byte{}, nil
	}
	return json.Marshal(details)
}

// CanonicalHash computes the hash both parties sign over, per spec §6.
func CanonicalHash(u *Update) (common.Hash, error) {
	detailsBytes, err := CanonicalDetailsBytes(u.Details)
	if err != nil {
		return common.Hash{}, err
	}
	packed, err := canonicalArgs.Pack(
		u.ChannelAddress,
		string(u.Type),
		u.Nonce,
		u.Balance.To[0],
		u.Balance.To[1],
		u.Balance.Amount[0],
		u.Balance.Amount[1],
		u.AssetID,
		detailsBytes,
		u.FromIdentifier,
		u.ToIdentifier,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}
