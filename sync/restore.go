package sync

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external"
	"github.com/Quant-Finance-HQ/vector/internal/merkletree"
)

// restore runs the out-of-sync recovery protocol of spec §4.5: fetch the
// peer's authoritative state over protocol.restore, verify it against
// the four checks, persist it atomically, and confirm.
func (p *Protocol) restore(ctx context.Context, addr common.Address, local channel.ChannelState) *channel.Error {
	log.WithField("channel", addr.Hex()).Warnf("entering restore")
	counterpartyID := p.counterpartyIdentifier(local)

	restoreState, err := p.deps.Messaging.SendRestoreRequest(ctx, counterpartyID, external.RestoreRequest{ChannelAddress: addr, ChainID: local.NetworkContext.ChainID})
	if err != nil {
		return channel.NewError(channel.MessagingTimeout, addr, "restoreRequest", err)
	}
	remote := restoreState.Channel

	derived, err := p.deps.Chain.GetChannelAddress(ctx, remote.Alice(), remote.Bob(), remote.NetworkContext.ChannelFactoryAddr, remote.NetworkContext.ChainID)
	if err != nil {
		return &channel.Error{Kind: channel.RestoreFailed, ChannelAddress: addr, SubReason: channel.InvalidChannelAddress, Err: err}
	}
	if derived != addr || remote.ChannelAddress != addr {
		return &channel.Error{Kind: channel.RestoreFailed, ChannelAddress: addr, SubReason: channel.InvalidChannelAddress}
	}

	if remote.LatestUpdate == nil {
		return &channel.Error{Kind: channel.RestoreFailed, ChannelAddress: addr, SubReason: channel.InvalidSignatures}
	}
	if cerr := verifySignatureSlot(remote.Alice(), *remote.LatestUpdate, 0); cerr != nil {
		return &channel.Error{Kind: channel.RestoreFailed, ChannelAddress: addr, SubReason: channel.InvalidSignatures, Err: cerr}
	}
	if cerr := verifySignatureSlot(remote.Bob(), *remote.LatestUpdate, 1); cerr != nil {
		return &channel.Error{Kind: channel.RestoreFailed, ChannelAddress: addr, SubReason: channel.InvalidSignatures, Err: cerr}
	}

	tree := merkletree.Generate(restoreState.ActiveTransfers)
	if tree.Root() != remote.MerkleRoot {
		return &channel.Error{Kind: channel.RestoreFailed, ChannelAddress: addr, SubReason: channel.InvalidMerkleRoot}
	}

	if remote.Nonce <= local.Nonce+1 {
		return &channel.Error{Kind: channel.RestoreFailed, ChannelAddress: addr, SubReason: channel.SyncableState}
	}

	if err := p.deps.Store.SaveChannelStateAndTransfers(ctx, remote, restoreState.ActiveTransfers); err != nil {
		return &channel.Error{Kind: channel.RestoreFailed, ChannelAddress: addr, SubReason: channel.SaveFailed, Err: err}
	}

	ids := make([]common.Hash, len(restoreState.ActiveTransfers))
	for i, t := range restoreState.ActiveTransfers {
		ids[i] = t.TransferID
	}
	if err := p.deps.Messaging.SendRestoreConfirmation(ctx, counterpartyID, external.RestoreConfirmation{ChannelAddress: addr, ActiveTransferIDs: ids}); err != nil {
		log.WithField("channel", addr.Hex()).Warnf("restore confirmation delivery failed: %v", err)
	}

	log.WithFields(map[string]interface{}{"channel": addr.Hex(), "nonce": remote.Nonce}).Infof("restore complete")
	return nil
}

// verifySignatureSlot checks that update.Signatures[slot] recovers to
// addr over the update's canonical hash.
func verifySignatureSlot(addr common.Address, update channel.Update, slot int) *channel.Error {
	if !update.HasSignature(slot) {
		return channel.NewError(channel.InvalidSignature, update.ChannelAddress, "signatures", nil, update.Nonce)
	}
	hash, err := channel.CanonicalHash(&update)
	if err != nil {
		return channel.NewError(channel.InvalidSignature, update.ChannelAddress, "details", err, update.Nonce)
	}
	sig := update.Signatures[slot]
	recoverSig := sig
	if len(recoverSig) == 65 && recoverSig[64] >= 27 {
		recoverSig = append([]byte{}, recoverSig...)
		recoverSig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), recoverSig)
	if err != nil {
		return channel.NewError(channel.InvalidSignature, update.ChannelAddress, "signatures", err, update.Nonce)
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return channel.NewError(channel.InvalidSignature, update.ChannelAddress, "signatures", nil, update.Nonce)
	}
	return nil
}
