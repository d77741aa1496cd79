// Package channel holds the shared data model for the two-party channel
// update core: channel state, updates, transfers, and the parameters
// callers use to ask for a new update.
package channel

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UpdateType identifies the kind of state transition an Update performs.
type UpdateType string

const (
	Setup   UpdateType = "setup"
	Deposit UpdateType = "deposit"
	Create  UpdateType = "create"
	Resolve UpdateType = "resolve"
)

// ZeroHash is the Merkle root of an empty active-transfer set.
var ZeroHash common.Hash

// ZeroAddress is the sentinel assetId used by setup updates.
var ZeroAddress common.Address

// Balance is a per-asset allocation between the two channel participants,
// indexed [alice, bob]. Amounts are decimal strings so they round-trip
// through JSON without float drift; use AmountBig to get a *big.Int.
type Balance struct {
	To     [2]common.Address `json:"to"`
	Amount [2]string         `json:"amount"`
}

// AmountBig parses slot i ("0" for alice, "1" for bob) as a big integer.
// Malformed amounts parse as zero, mirroring how a missing balance entry
// is treated as zero throughout this package.
func (b Balance) AmountBig(i int) *big.Int {
	n, ok := new(big.Int).SetString(b.Amount[i], 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

// NetBig returns the sum of both slots.
func (b Balance) NetBig() *big.Int {
	return new(big.Int).Add(b.AmountBig(0), b.AmountBig(1))
}

// AssetBalance is one entry of the parallel (assetIds, balances,
// lockedBalance) arrays described in spec §3.
type AssetBalance struct {
	AssetID       common.Address `json:"assetId"`
	Balance       Balance        `json:"balance"`
	LockedBalance *big.Int       `json:"lockedBalance"`
}

// NetworkContext carries the chain-scoped values needed to derive a
// channel's deterministic on-chain address; opaque to the core beyond
// that use.
type NetworkContext struct {
	ChainID            uint64         `json:"chainId"`
	ChannelFactoryAddr common.Address `json:"channelFactoryAddress"`
}

// ChannelState is the canonical shared state described in spec §3. Every
// accepted update produces a new value; nothing here is ever mutated in
// place once persisted.
type ChannelState struct {
	ChannelAddress     common.Address    `json:"channelAddress"`
	NetworkContext     NetworkContext    `json:"networkContext"`
	Participants       [2]common.Address `json:"participants"`       // [alice, bob]
	PublicIdentifiers  [2]string         `json:"publicIdentifiers"`  // [aliceId, bobId]
	Nonce              uint64            `json:"nonce"`
	Timeout            string            `json:"timeout"`
	Assets             []AssetBalance    `json:"assets"`
	MerkleRoot         common.Hash       `json:"merkleRoot"`
	LatestDepositNonce uint64            `json:"latestDepositNonce"`
	LatestUpdate       *Update           `json:"latestUpdate,omitempty"`
}

// AssetIndex returns the index of assetId in cs.Assets, or -1.
func (cs *ChannelState) AssetIndex(assetID common.Address) int {
	for i := range cs.Assets {
		if cs.Assets[i].AssetID == assetID {
			return i
		}
	}
	return -1
}

// Alice is participants[0]; the role is fixed at setup.
func (cs *ChannelState) Alice() common.Address { return cs.Participants[0] }

// Bob is participants[1].
func (cs *ChannelState) Bob() common.Address { return cs.Participants[1] }

// Clone returns a copy whose Assets and LockedBalance values are not
// shared with cs. LatestUpdate is copied one level deep: its Details
// value and signature byte slices are shared with cs.
func (cs ChannelState) Clone() ChannelState {
	out := cs
	out.Assets = make([]AssetBalance, len(cs.Assets))
	for i, a := range cs.Assets {
		locked := new(big.Int)
		if a.LockedBalance != nil {
			locked.Set(a.LockedBalance)
		}
		out.Assets[i] = AssetBalance{
			AssetID:       a.AssetID,
			Balance:       a.Balance,
			LockedBalance: locked,
		}
	}
	if cs.LatestUpdate != nil {
		u := *cs.LatestUpdate
		out.LatestUpdate = &u
	}
	return out
}

// SetupDetails is Update.Details for UpdateType Setup.
type SetupDetails struct {
	CounterpartyIdentifier string         `json:"counterpartyIdentifier"`
	Timeout                string         `json:"timeout"`
	NetworkContext         NetworkContext `json:"networkContext"`
}

// DepositDetails is Update.Details for UpdateType Deposit.
type DepositDetails struct {
	LatestDepositNonce uint64 `json:"latestDepositNonce"`
}

// CreateDetails is Update.Details for UpdateType Create.
type CreateDetails struct {
	TransferID             common.Hash    `json:"transferId"`
	TransferDefinition     common.Address `json:"transferDefinition"`
	TransferTimeout        string         `json:"transferTimeout"`
	TransferInitialState   []byte         `json:"transferInitialState"`
	TransferInitialBalance Balance        `json:"transferInitialBalance"`
	TransferEncodings      []string       `json:"transferEncodings"`
	Meta                   []byte         `json:"meta,omitempty"`
	MerkleRoot             common.Hash    `json:"merkleRoot"`
	MerkleProofData        []common.Hash  `json:"merkleProofData"`
}

// ResolveDetails is Update.Details for UpdateType Resolve.
type ResolveDetails struct {
	TransferID       common.Hash `json:"transferId"`
	TransferResolver []byte      `json:"transferResolver"`
	MerkleRoot       common.Hash `json:"merkleRoot"`
}

// Update is a proposed or applied state transition, per spec §3.
type Update struct {
	ChannelAddress  common.Address `json:"channelAddress"`
	Type            UpdateType     `json:"type"`
	Nonce           uint64         `json:"nonce"`
	FromIdentifier  string         `json:"fromIdentifier"`
	ToIdentifier    string         `json:"toIdentifier"`
	AssetID         common.Address `json:"assetId"`
	Balance         Balance        `json:"balance"`
	Details         interface{}    `json:"details"`
	Signatures      [2][]byte      `json:"signatures"` // [alice, bob]; empty slice = absent
}

// HasSignature reports whether slot i (0=alice, 1=bob) is populated.
func (u *Update) HasSignature(i int) bool {
	return len(u.Signatures[i]) > 0
}

// updateWire mirrors Update but keeps Details raw so UnmarshalJSON can
// pick its concrete type from Type before decoding it.
type updateWire struct {
	ChannelAddress common.Address  `json:"channelAddress"`
	Type           UpdateType      `json:"type"`
	Nonce          uint64          `json:"nonce"`
	FromIdentifier string          `json:"fromIdentifier"`
	ToIdentifier   string          `json:"toIdentifier"`
	AssetID        common.Address  `json:"assetId"`
	Balance        Balance         `json:"balance"`
	Details        json.RawMessage `json:"details"`
	Signatures     [2][]byte       `json:"signatures"`
}

// UnmarshalJSON reconstructs Details into its concrete *Params-free
// Details struct for Type, so a round-tripped Update keeps working with
// the type assertions the rest of this module performs on it.
func (u *Update) UnmarshalJSON(data []byte) error {
	var wire updateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	u.ChannelAddress = wire.ChannelAddress
	u.Type = wire.Type
	u.Nonce = wire.Nonce
	u.FromIdentifier = wire.FromIdentifier
	u.ToIdentifier = wire.ToIdentifier
	u.AssetID = wire.AssetID
	u.Balance = wire.Balance
	u.Signatures = wire.Signatures

	if len(wire.Details) == 0 || string(wire.Details) == "null" {
		return nil
	}
	switch wire.Type {
	case Setup:
		var d SetupDetails
		if err := json.Unmarshal(wire.Details, &d); err != nil {
			return err
		}
		u.Details = d
	case Deposit:
		var d DepositDetails
		if err := json.Unmarshal(wire.Details, &d); err != nil {
			return err
		}
		u.Details = d
	case Create:
		var d CreateDetails
		if err := json.Unmarshal(wire.Details, &d); err != nil {
			return err
		}
		u.Details = d
	case Resolve:
		var d ResolveDetails
		if err := json.Unmarshal(wire.Details, &d); err != nil {
			return err
		}
		u.Details = d
	default:
		return fmt.Errorf("channel: unmarshal update: unknown type %q", wire.Type)
	}
	return nil
}

// Transfer is an active conditional payment, per spec §3.
type Transfer struct {
	TransferID           common.Hash    `json:"transferId"`
	ChannelAddress       common.Address `json:"channelAddress"`
	ChainID              uint64         `json:"chainId"`
	AssetID              common.Address `json:"assetId"`
	InitialBalance       Balance        `json:"initialBalance"`
	TransferState        []byte         `json:"transferState"`
	TransferResolver     []byte         `json:"transferResolver,omitempty"`
	TransferDefinition   common.Address `json:"transferDefinition"`
	TransferTimeout      string         `json:"transferTimeout"`
	TransferEncodings    []string       `json:"transferEncodings"`
	InitialStateHash     common.Hash    `json:"initialStateHash"`
	Meta                 []byte         `json:"meta,omitempty"`
}

// LockedAmount is the full sender+receiver sum locked by this transfer,
// per spec §4.1's create/resolve semantics.
func (t *Transfer) LockedAmount() *big.Int {
	return t.InitialBalance.NetBig()
}

// UpdateParams is the caller's declarative request to UpdateGenerator.
type UpdateParams struct {
	ChannelAddress common.Address `json:"channelAddress"`
	Type           UpdateType     `json:"type"`
	Details        interface{}    `json:"details"`
}

// SetupParams is UpdateParams.Details for UpdateType Setup.
type SetupParams struct {
	CounterpartyIdentifier string
	Timeout                string
	NetworkContext         NetworkContext
}

// DepositParams is UpdateParams.Details for UpdateType Deposit.
type DepositParams struct {
	AssetID common.Address
}

// CreateParams is UpdateParams.Details for UpdateType Create.
type CreateParams struct {
	AssetID              common.Address
	Amount               [2]*big.Int // [senderAmt, receiverAmt]
	To                   [2]common.Address
	TransferDefinition   common.Address
	TransferInitialState []byte
	TransferEncodings    []string
	TransferTimeout      string
	Meta                 []byte
}

// ResolveParams is UpdateParams.Details for UpdateType Resolve.
type ResolveParams struct {
	TransferID       common.Hash
	TransferResolver []byte
}
