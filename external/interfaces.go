// Package external declares the collaborators the core reads from and
// writes to but does not implement: on-chain state, durable storage,
// peer messaging, signing, and transfer-definition logic (spec §1, §6).
// Production implementations live outside this module; adapter/ and
// external/testfakes ship reference and test implementations only.
package external

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Quant-Finance-HQ/vector/channel"
)

// LockService mediates exclusive per-channel access (spec §5, §6). Lock
// acquisition must respect ctx's deadline; a timed-out acquisition
// returns a *channel.Error with Kind AcquireLockFailed.
type LockService interface {
	AcquireLock(ctx context.Context, channelAddress common.Address, isAlice bool, counterpartyIdentifier string) (LockValue, error)
	ReleaseLock(ctx context.Context, channelAddress common.Address, lock LockValue, isAlice bool, counterpartyIdentifier string) error
}

// LockValue is an opaque token proving current lock ownership; it must
// be presented unchanged to ReleaseLock.
type LockValue string

// DepositRecord is the latest on-chain deposit seen for one asset.
type DepositRecord struct {
	Nonce  uint64
	Amount *big.Int
}

// RestoreState is what a peer returns in response to a restore request:
// its full authoritative channel state and active transfer set (spec
// §4.5).
type RestoreState struct {
	Channel         channel.ChannelState
	ActiveTransfers []channel.Transfer
}

// ChainReader provides read-only access to on-chain channel state (spec
// §6). Its production implementation talks to a deployed channel
// factory/contract; this module never implements one (spec §1's
// explicit out-of-scope boundary).
type ChainReader interface {
	GetLatestDepositByAssetID(ctx context.Context, channelAddress, assetID common.Address) (DepositRecord, error)
	GetChannelOnchainBalance(ctx context.Context, channelAddress, assetID common.Address) (*big.Int, error)
	GetChannelAddress(ctx context.Context, alice, bob, factory common.Address, chainID uint64) (common.Address, error)
}

// ChainService extends ChainReader with the write path used to resolve
// a transfer's conditional logic (spec §6).
type ChainService interface {
	ChainReader
	Resolve(ctx context.Context, transfer channel.Transfer, resolverParams []byte) (channel.Balance, error)
}

// Store is the durable record of channel state and active transfers
// (spec §6). SaveChannelStateAndTransfers is atomic with respect to the
// (channel, activeTransfers) pair.
type Store interface {
	GetChannelState(ctx context.Context, channelAddress common.Address) (*channel.ChannelState, error)
	GetChannelStates(ctx context.Context) ([]channel.ChannelState, error)
	GetChannelStateByParticipants(ctx context.Context, alice, bob common.Address, chainID uint64) (*channel.ChannelState, error)
	GetTransferState(ctx context.Context, transferID common.Hash) (*channel.Transfer, error)
	GetActiveTransfers(ctx context.Context, channelAddress common.Address) ([]channel.Transfer, error)
	GetTransferByRoutingID(ctx context.Context, channelAddress common.Address, routingID common.Hash) (*channel.Transfer, error)
	GetTransfersByRoutingID(ctx context.Context, routingID common.Hash) ([]channel.Transfer, error)
	SaveChannelStateAndTransfers(ctx context.Context, state channel.ChannelState, activeTransfers []channel.Transfer) error
}

// UpdateEnvelope is what flows over Messaging's protocol.update subject:
// a proposal out, a countersigned update back.
type UpdateEnvelope struct {
	Update channel.Update
}

// RestoreRequest is the protocol.restore request payload.
type RestoreRequest struct {
	ChannelAddress common.Address
	ChainID        uint64
}

// RestoreConfirmation is the protocol.restore confirmation payload sent
// once the restorer has persisted the peer's authoritative state.
type RestoreConfirmation struct {
	ChannelAddress      common.Address
	ActiveTransferIDs   []common.Hash
}

// Messaging is reliable, point-to-point, identifier-addressed transport
// (spec §6). Every method is expected to honor ctx's deadline and return
// a *channel.Error with Kind MessagingTimeout on expiry.
type Messaging interface {
	SendUpdate(ctx context.Context, toIdentifier string, update channel.Update) (channel.Update, error)
	SendRestoreRequest(ctx context.Context, toIdentifier string, req RestoreRequest) (RestoreState, error)
	SendRestoreConfirmation(ctx context.Context, toIdentifier string, conf RestoreConfirmation) error
}

// Signer produces and identifies signatures over update hashes (spec
// §6). PublicIdentifier and Address are stable for the lifetime of a
// Signer.
type Signer interface {
	PublicIdentifier() string
	Address() common.Address
	SignMessage(ctx context.Context, hash common.Hash) ([]byte, error)
	SignUtilityMessage(ctx context.Context, msg []byte) ([]byte, error)
	Decrypt(ctx context.Context, payload []byte) ([]byte, error)
}

// TransferRegistry resolves transfer-definition logic: encoding a
// transfer's initial state and computing its initial state hash.
// Resolving a transfer to its final balance goes through
// ChainService.Resolve. The core treats resolution as a pure function delegated
// externally (spec §4.3, §9's open question on resolver semantics).
type TransferRegistry interface {
	EncodeInitialState(definition common.Address, state []byte, encodings []string) ([]byte, error)
	InitialStateHash(definition common.Address, state []byte, encodings []string) (common.Hash, error)
}
