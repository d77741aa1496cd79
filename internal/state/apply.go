// Package state implements the core state-transition function,
// ApplyUpdate (spec §4.1). It is pure and performs no I/O: given a prior
// channel state, an update, and (for create/resolve) the transfer the
// update concerns, it returns the next channel state or a typed error.
package state

import (
	"math/big"

	"github.com/Quant-Finance-HQ/vector/channel"
)

// ApplyUpdate computes the channel state that results from applying
// update to prev. transfer must be non-nil iff update.Type is Create or
// Resolve (spec §4.1). It never mutates prev.
func ApplyUpdate(prev channel.ChannelState, update channel.Update, transfer *channel.Transfer) (channel.ChannelState, *channel.Error) {
	next := prev.Clone()
	next.Nonce = prev.Nonce + 1
	u := update
	next.LatestUpdate = &u

	switch update.Type {
	case channel.Setup:
		return applySetup(prev, next, update)
	case channel.Deposit:
		return applyDeposit(next, update)
	case channel.Create:
		return applyCreate(prev, next, update, transfer)
	case channel.Resolve:
		return applyResolve(prev, next, update, transfer)
	default:
		return channel.ChannelState{}, channel.NewError(channel.BadUpdateType, update.ChannelAddress, "type", nil, update.Nonce)
	}
}

func applySetup(prev, next channel.ChannelState, update channel.Update) (channel.ChannelState, *channel.Error) {
	if prev.Nonce != 0 {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, update.ChannelAddress, "nonce",
			nil, prev.Nonce, update.Nonce)
	}
	details, ok := update.Details.(channel.SetupDetails)
	if !ok {
		return channel.ChannelState{}, channel.NewError(channel.BadUpdateType, update.ChannelAddress, "details", nil, update.Nonce)
	}
	next.Timeout = details.Timeout
	next.NetworkContext = details.NetworkContext
	next.Assets = nil
	next.LatestDepositNonce = 0
	next.MerkleRoot = channel.ZeroHash
	return next, nil
}

func applyDeposit(next channel.ChannelState, update channel.Update) (channel.ChannelState, *channel.Error) {
	details, ok := update.Details.(channel.DepositDetails)
	if !ok {
		return channel.ChannelState{}, channel.NewError(channel.BadUpdateType, update.ChannelAddress, "details", nil, update.Nonce)
	}

	idx := next.AssetIndex(update.AssetID)
	if idx >= 0 {
		next.Assets[idx].Balance = update.Balance
	} else {
		next.Assets = append(next.Assets, channel.AssetBalance{
			AssetID:       update.AssetID,
			Balance:       update.Balance,
			LockedBalance: big.NewInt(0),
		})
	}
	next.LatestDepositNonce = details.LatestDepositNonce
	return next, nil
}

func applyCreate(prev, next channel.ChannelState, update channel.Update, transfer *channel.Transfer) (channel.ChannelState, *channel.Error) {
	if transfer == nil {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, update.ChannelAddress, "transfer", nil, update.Nonce)
	}
	details, ok := update.Details.(channel.CreateDetails)
	if !ok {
		return channel.ChannelState{}, channel.NewError(channel.BadUpdateType, update.ChannelAddress, "details", nil, update.Nonce)
	}

	idx := prev.AssetIndex(update.AssetID)
	if idx < 0 {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, update.ChannelAddress, "assetId", nil, update.Nonce)
	}

	amt := transfer.LockedAmount()
	next.Assets[idx].LockedBalance = new(big.Int).Add(next.Assets[idx].LockedBalance, amt)
	next.Assets[idx].Balance = update.Balance
	next.MerkleRoot = details.MerkleRoot
	return next, nil
}

func applyResolve(prev, next channel.ChannelState, update channel.Update, transfer *channel.Transfer) (channel.ChannelState, *channel.Error) {
	if transfer == nil {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, update.ChannelAddress, "transfer", nil, update.Nonce)
	}
	details, ok := update.Details.(channel.ResolveDetails)
	if !ok {
		return channel.ChannelState{}, channel.NewError(channel.BadUpdateType, update.ChannelAddress, "details", nil, update.Nonce)
	}

	idx := prev.AssetIndex(update.AssetID)
	if idx < 0 {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, update.ChannelAddress, "assetId", nil, update.Nonce)
	}

	amt := transfer.LockedAmount()
	locked := next.Assets[idx].LockedBalance
	if locked.Cmp(amt) < 0 {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, update.ChannelAddress, "lockedBalance", nil, update.Nonce)
	}
	next.Assets[idx].LockedBalance = new(big.Int).Sub(locked, amt)
	next.Assets[idx].Balance = update.Balance
	next.MerkleRoot = details.MerkleRoot
	return next, nil
}
