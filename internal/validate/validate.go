// Package validate implements UpdateValidator (spec §4.4): every check
// an inbound proposal must pass against local prior state before it is
// applied and countersigned.
package validate

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external"
	"github.com/Quant-Finance-HQ/vector/internal/merkletree"
	"github.com/Quant-Finance-HQ/vector/internal/state"
)

// Deps bundles the external reads ValidateUpdate needs beyond prev and
// the candidate update itself.
type Deps struct {
	// ActiveTransfers is the active set as of prev, i.e. before update
	// is applied (not including the transfer a Create update proposes).
	ActiveTransfers []channel.Transfer
	Chain           external.ChainService
}

// Outcome is the verdict of ValidateUpdate.
type Outcome struct {
	// Next is the resulting channel state, populated only when Err is
	// nil and OutOfSync is false.
	Next channel.ChannelState
	// OutOfSync is true when update.Nonce > prev.Nonce+1: per spec
	// §4.5 this is not an error, it triggers SyncProtocol's restore
	// path instead.
	OutOfSync bool
	Err       *channel.Error
}

// ValidateUpdate checks update against prev and, on success, returns the
// state that results from applying it. transfer must be supplied for
// Create/Resolve updates, exactly as for state.ApplyUpdate.
func ValidateUpdate(ctx context.Context, prev channel.ChannelState, update channel.Update, transfer *channel.Transfer, deps Deps) Outcome {
	if update.ChannelAddress != prev.ChannelAddress {
		return Outcome{Err: channel.NewError(channel.InvalidParams, update.ChannelAddress, "channelAddress", nil)}
	}
	if cerr := checkShape(update); cerr != nil {
		return Outcome{Err: cerr}
	}

	if update.Nonce <= prev.Nonce {
		return Outcome{Err: channel.NewError(channel.StaleUpdate, update.ChannelAddress, "nonce", nil, prev.Nonce, update.Nonce)}
	}
	if update.Nonce > prev.Nonce+1 {
		return Outcome{OutOfSync: true}
	}

	if cerr := checkParticipants(prev, update); cerr != nil {
		return Outcome{Err: cerr}
	}

	if cerr := checkSignature(prev, update); cerr != nil {
		return Outcome{Err: cerr}
	}

	switch update.Type {
	case channel.Create:
		if cerr := checkCreateMerkle(prev, update, transfer, deps); cerr != nil {
			return Outcome{Err: cerr}
		}
	case channel.Resolve:
		if cerr := checkResolveMerkle(ctx, prev, update, transfer, deps); cerr != nil {
			return Outcome{Err: cerr}
		}
	case channel.Deposit:
		if cerr := checkDeposit(ctx, prev, update, deps); cerr != nil {
			return Outcome{Err: cerr}
		}
	}

	next, cerr := state.ApplyUpdate(prev, update, transfer)
	if cerr != nil {
		return Outcome{Err: cerr}
	}

	if cerr := checkConservation(prev, update, next); cerr != nil {
		return Outcome{Err: cerr}
	}

	return Outcome{Next: next}
}

// checkShape rejects an update whose Details value doesn't match its
// declared Type before any heavier validation runs.
func checkShape(update channel.Update) *channel.Error {
	var ok bool
	switch update.Type {
	case channel.Setup:
		_, ok = update.Details.(channel.SetupDetails)
	case channel.Deposit:
		_, ok = update.Details.(channel.DepositDetails)
	case channel.Create:
		_, ok = update.Details.(channel.CreateDetails)
	case channel.Resolve:
		_, ok = update.Details.(channel.ResolveDetails)
	default:
		return channel.NewError(channel.BadUpdateType, update.ChannelAddress, "type", nil, update.Nonce)
	}
	if !ok {
		return channel.NewError(channel.BadUpdateType, update.ChannelAddress, "details", nil, update.Nonce)
	}
	return nil
}

func checkParticipants(prev channel.ChannelState, update channel.Update) *channel.Error {
	aliceID, bobID := prev.PublicIdentifiers[0], prev.PublicIdentifiers[1]
	switch {
	case update.FromIdentifier == aliceID && update.ToIdentifier == bobID:
	case update.FromIdentifier == bobID && update.ToIdentifier == aliceID:
	default:
		return channel.NewError(channel.InvalidParams, update.ChannelAddress, "fromIdentifier", nil, update.Nonce)
	}
	return nil
}

func checkSignature(prev channel.ChannelState, update channel.Update) *channel.Error {
	fromAddr := prev.Alice()
	sigSlot := 0
	if update.FromIdentifier == prev.PublicIdentifiers[1] {
		fromAddr = prev.Bob()
		sigSlot = 1
	}
	if !update.HasSignature(sigSlot) {
		return channel.NewError(channel.InvalidSignature, update.ChannelAddress, "signatures", nil, update.Nonce)
	}

	hash, err := channel.CanonicalHash(&update)
	if err != nil {
		return channel.NewError(channel.InvalidSignature, update.ChannelAddress, "details", err, update.Nonce)
	}
	sig := update.Signatures[sigSlot]
	// crypto.SigToPub expects a 65-byte [R||S||V] signature with V in {0,1}.
	recoverSig := sig
	if len(recoverSig) == 65 && recoverSig[64] >= 27 {
		recoverSig = append([]byte{}, recoverSig...)
		recoverSig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), recoverSig)
	if err != nil {
		return channel.NewError(channel.InvalidSignature, update.ChannelAddress, "signatures", err, update.Nonce)
	}
	if crypto.PubkeyToAddress(*pub) != fromAddr {
		return channel.NewError(channel.InvalidSignature, update.ChannelAddress, "signatures", nil, update.Nonce)
	}
	return nil
}

func checkCreateMerkle(prev channel.ChannelState, update channel.Update, transfer *channel.Transfer, deps Deps) *channel.Error {
	if transfer == nil {
		return channel.NewError(channel.ApplyUpdateFailed, update.ChannelAddress, "transfer", nil, update.Nonce)
	}
	details, ok := update.Details.(channel.CreateDetails)
	if !ok {
		return channel.NewError(channel.BadUpdateType, update.ChannelAddress, "details", nil, update.Nonce)
	}

	// InitialStateHash is attacker-supplied on the wire; recompute it
	// from the raw transfer state rather than trusting the field.
	recomputedHash := crypto.Keccak256Hash(transfer.TransferState)
	if recomputedHash != transfer.InitialStateHash {
		return channel.NewError(channel.MerkleRootMismatch, update.ChannelAddress, "initialStateHash", nil, update.Nonce)
	}
	if transfer.TransferID != details.TransferID {
		return channel.NewError(channel.InvalidParams, update.ChannelAddress, "transferId", nil, update.Nonce)
	}

	tree := merkletree.Generate(append(append([]channel.Transfer{}, deps.ActiveTransfers...), *transfer))
	if tree.Root() != details.MerkleRoot {
		return channel.NewError(channel.MerkleRootMismatch, update.ChannelAddress, "merkleRoot", nil, update.Nonce)
	}
	return nil
}

func checkResolveMerkle(ctx context.Context, prev channel.ChannelState, update channel.Update, transfer *channel.Transfer, deps Deps) *channel.Error {
	if transfer == nil {
		return channel.NewError(channel.ApplyUpdateFailed, update.ChannelAddress, "transfer", nil, update.Nonce)
	}
	details, ok := update.Details.(channel.ResolveDetails)
	if !ok {
		return channel.NewError(channel.BadUpdateType, update.ChannelAddress, "details", nil, update.Nonce)
	}

	remaining := make([]channel.Transfer, 0, len(deps.ActiveTransfers))
	for _, t := range deps.ActiveTransfers {
		if t.TransferID != transfer.TransferID {
			remaining = append(remaining, t)
		}
	}
	tree := merkletree.Generate(remaining)
	if tree.Root() != details.MerkleRoot {
		return channel.NewError(channel.MerkleRootMismatch, update.ChannelAddress, "merkleRoot", nil, update.Nonce)
	}

	if deps.Chain != nil {
		resolved, err := deps.Chain.Resolve(ctx, *transfer, details.TransferResolver)
		if err != nil {
			return channel.NewError(channel.ChainServiceFailure, update.ChannelAddress, "resolve", err, update.Nonce)
		}
		idx := prev.AssetIndex(transfer.AssetID)
		if idx < 0 {
			return channel.NewError(channel.BalanceMismatch, update.ChannelAddress, "assetId", nil, update.Nonce)
		}
		prevBalance := prev.Assets[idx].Balance
		wantAlice := new(big.Int).Add(prevBalance.AmountBig(0), resolved.AmountBig(0))
		wantBob := new(big.Int).Add(prevBalance.AmountBig(1), resolved.AmountBig(1))
		if update.Balance.AmountBig(0).Cmp(wantAlice) != 0 || update.Balance.AmountBig(1).Cmp(wantBob) != 0 {
			return channel.NewError(channel.BalanceMismatch, update.ChannelAddress, "balance", nil, update.Nonce)
		}
	}
	return nil
}

func checkDeposit(ctx context.Context, prev channel.ChannelState, update channel.Update, deps Deps) *channel.Error {
	if deps.Chain == nil {
		return nil
	}
	record, err := deps.Chain.GetLatestDepositByAssetID(ctx, update.ChannelAddress, update.AssetID)
	if err != nil {
		return channel.NewError(channel.ChainServiceFailure, update.ChannelAddress, "latestDeposit", err, update.Nonce)
	}
	onchain, err := deps.Chain.GetChannelOnchainBalance(ctx, update.ChannelAddress, update.AssetID)
	if err != nil {
		return channel.NewError(channel.ChainServiceFailure, update.ChannelAddress, "onchainBalance", err, update.Nonce)
	}

	prevAlice, prevBob, prevLocked := big.NewInt(0), big.NewInt(0), big.NewInt(0)
	if idx := prev.AssetIndex(update.AssetID); idx >= 0 {
		prevAlice = prev.Assets[idx].Balance.AmountBig(0)
		prevBob = prev.Assets[idx].Balance.AmountBig(1)
		prevLocked = prev.Assets[idx].LockedBalance
	}
	wantAlice := new(big.Int).Set(prevAlice)
	if record.Nonce > prev.LatestDepositNonce {
		wantAlice = new(big.Int).Add(prevAlice, record.Amount)
	}
	wantBob := new(big.Int).Sub(onchain, new(big.Int).Add(wantAlice, new(big.Int).Add(prevLocked, prevBob)))
	wantBob.Add(wantBob, prevBob)

	if update.Balance.AmountBig(0).Cmp(wantAlice) != 0 || update.Balance.AmountBig(1).Cmp(wantBob) != 0 {
		return channel.NewError(channel.BalanceMismatch, update.ChannelAddress, "balance", nil, update.Nonce)
	}
	return nil
}

// checkConservation enforces spec §3's invariant that create/resolve
// only move funds between balances and lockedBalance for an asset, never
// change their sum. Deposit's sum change is validated separately in
// checkDeposit against on-chain readings.
func checkConservation(prev channel.ChannelState, update channel.Update, next channel.ChannelState) *channel.Error {
	if update.Type != channel.Create && update.Type != channel.Resolve {
		return nil
	}
	idx := prev.AssetIndex(update.AssetID)
	if idx < 0 {
		return channel.NewError(channel.BalanceMismatch, update.ChannelAddress, "assetId", nil, update.Nonce)
	}
	nextIdx := next.AssetIndex(update.AssetID)

	prevSum := new(big.Int).Add(prev.Assets[idx].Balance.NetBig(), prev.Assets[idx].LockedBalance)
	nextSum := new(big.Int).Add(next.Assets[nextIdx].Balance.NetBig(), next.Assets[nextIdx].LockedBalance)
	if prevSum.Cmp(nextSum) != 0 {
		return channel.NewError(channel.BalanceMismatch, update.ChannelAddress, "lockedBalance", nil, update.Nonce)
	}
	return nil
}
