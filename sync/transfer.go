package sync

import (
	"context"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external"
)

// transferFromCreate reconstructs the channel.Transfer a Create update
// describes, from the wire details alone, so the responder can validate
// and apply it without having generated it itself.
func transferFromCreate(update channel.Update, registry external.TransferRegistry) (*channel.Transfer, *channel.Error) {
	details, ok := update.Details.(channel.CreateDetails)
	if !ok {
		return nil, channel.NewError(channel.BadUpdateType, update.ChannelAddress, "details", nil, update.Nonce)
	}

	var hash = crypto.Keccak256Hash(details.TransferInitialState)
	if registry != nil {
		h, err := registry.InitialStateHash(details.TransferDefinition, details.TransferInitialState, details.TransferEncodings)
		if err != nil {
			return nil, channel.NewError(channel.CannotGenerate, update.ChannelAddress, "transferInitialState", err, update.Nonce)
		}
		hash = h
	}

	return &channel.Transfer{
		TransferID:         details.TransferID,
		ChannelAddress:     update.ChannelAddress,
		AssetID:            update.AssetID,
		InitialBalance:     details.TransferInitialBalance,
		TransferState:      details.TransferInitialState,
		TransferDefinition: details.TransferDefinition,
		TransferTimeout:    details.TransferTimeout,
		TransferEncodings:  details.TransferEncodings,
		InitialStateHash:   hash,
		Meta:               details.Meta,
	}, nil
}

// transferForResolve looks up the transfer a Resolve update targets; it
// must already be known locally since only Create introduces a transfer.
func transferForResolve(ctx context.Context, store external.Store, update channel.Update) (*channel.Transfer, *channel.Error) {
	details, ok := update.Details.(channel.ResolveDetails)
	if !ok {
		return nil, channel.NewError(channel.BadUpdateType, update.ChannelAddress, "details", nil, update.Nonce)
	}
	transfer, err := store.GetTransferState(ctx, details.TransferID)
	if err != nil {
		return nil, channel.NewError(channel.StoreFailure, update.ChannelAddress, "transferId", err, update.Nonce)
	}
	if transfer == nil {
		return nil, channel.NewError(channel.CannotGenerate, update.ChannelAddress, "transferId", nil, update.Nonce)
	}
	return transfer, nil
}

// transferForUpdate dispatches to transferFromCreate/transferForResolve,
// returning (nil, nil) for update types that carry no transfer.
func transferForUpdate(ctx context.Context, store external.Store, registry external.TransferRegistry, update channel.Update) (*channel.Transfer, *channel.Error) {
	switch update.Type {
	case channel.Create:
		return transferFromCreate(update, registry)
	case channel.Resolve:
		return transferForResolve(ctx, store, update)
	default:
		return nil, nil
	}
}

// nextActiveTransfers applies a Create/Resolve's effect on the active
// transfer set; other update types leave it unchanged.
func nextActiveTransfers(active []channel.Transfer, update channel.Update, transfer *channel.Transfer) []channel.Transfer {
	switch update.Type {
	case channel.Create:
		return append(append([]channel.Transfer{}, active...), *transfer)
	case channel.Resolve:
		out := make([]channel.Transfer, 0, len(active))
		for _, t := range active {
			if t.TransferID != transfer.TransferID {
				out = append(out, t)
			}
		}
		return out
	default:
		return active
	}
}
