// Package generate implements UpdateGenerator (spec §4.3): turning a
// caller's high-level UpdateParams into a concrete, partially-signed
// Update, reading whatever on-chain and stored state it needs along the
// way. It performs no writes.
package generate

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external"
	"github.com/Quant-Finance-HQ/vector/internal/merkletree"
)

// Deps bundles the external collaborators GenerateUpdate reads from.
// Registry may be nil, in which case a transfer's initial state hash
// falls back to Keccak-256 of its raw encoded state.
type Deps struct {
	Store       external.Store
	Chain       external.ChainService
	Signer      external.Signer
	Registry    external.TransferRegistry
}

// Result is what GenerateUpdate produces: the update itself, and, for
// Create, the new Transfer it describes (callers persist it alongside
// the resulting channel state once both signatures are gathered) or,
// for Resolve, the stored Transfer being resolved.
type Result struct {
	Update   channel.Update
	Transfer *channel.Transfer
}

// GenerateUpdate builds a concrete Update from params and the current
// channel state, per spec §4.3. The caller identified by deps.Signer is
// always the one proposing; its signature fills whichever of
// Update.Signatures[0]/[1] corresponds to its role, leaving the
// counterparty's slot empty for SyncProtocol to fill in.
func GenerateUpdate(ctx context.Context, params channel.UpdateParams, state channel.ChannelState, deps Deps) (Result, *channel.Error) {
	switch params.Type {
	case channel.Setup:
		return generateSetup(params, state, deps)
	case channel.Deposit:
		return generateDeposit(ctx, params, state, deps)
	case channel.Create:
		return generateCreate(ctx, params, state, deps)
	case channel.Resolve:
		return generateResolve(ctx, params, state, deps)
	default:
		return Result{}, channel.NewError(channel.InvalidParams, params.ChannelAddress, "type", nil)
	}
}

func isAlice(state channel.ChannelState, signer external.Signer) bool {
	return state.Alice() == signer.Address()
}

func sign(ctx context.Context, deps Deps, state channel.ChannelState, u *channel.Update) *channel.Error {
	hash, err := channel.CanonicalHash(u)
	if err != nil {
		return channel.NewError(channel.InvalidParams, u.ChannelAddress, "details", err)
	}
	sig, err := deps.Signer.SignMessage(ctx, hash)
	if err != nil {
		return channel.NewError(channel.ChainServiceFailure, u.ChannelAddress, "signature", err)
	}
	if isAlice(state, deps.Signer) {
		u.Signatures[0] = sig
	} else {
		u.Signatures[1] = sig
	}
	return nil
}

func generateSetup(params channel.UpdateParams, state channel.ChannelState, deps Deps) (Result, *channel.Error) {
	sp, ok := params.Details.(channel.SetupParams)
	if !ok {
		return Result{}, channel.NewError(channel.InvalidParams, params.ChannelAddress, "details", nil)
	}

	to := state.Bob()
	from := deps.Signer.PublicIdentifier()
	if !isAlice(state, deps.Signer) {
		to = state.Alice()
	}

	u := channel.Update{
		ChannelAddress: params.ChannelAddress,
		Type:           channel.Setup,
		Nonce:          1,
		FromIdentifier: from,
		ToIdentifier:   sp.CounterpartyIdentifier,
		AssetID:        channel.ZeroAddress,
		Balance:        channel.Balance{To: [2]common.Address{state.Alice(), state.Bob()}, Amount: [2]string{"0", "0"}},
		Details: channel.SetupDetails{
			CounterpartyIdentifier: sp.CounterpartyIdentifier,
			Timeout:                sp.Timeout,
			NetworkContext:         sp.NetworkContext,
		},
	}
	_ = to // to mirrors the counterparty; kept for readability at call sites

	if cerr := sign(context.Background(), deps, state, &u); cerr != nil {
		return Result{}, cerr
	}
	return Result{Update: u}, nil
}

func generateDeposit(ctx context.Context, params channel.UpdateParams, state channel.ChannelState, deps Deps) (Result, *channel.Error) {
	dp, ok := params.Details.(channel.DepositParams)
	if !ok {
		return Result{}, channel.NewError(channel.InvalidParams, params.ChannelAddress, "details", nil)
	}

	record, err := deps.Chain.GetLatestDepositByAssetID(ctx, params.ChannelAddress, dp.AssetID)
	if err != nil {
		return Result{}, channel.NewError(channel.ChainServiceFailure, params.ChannelAddress, "latestDeposit", err)
	}
	onchain, err := deps.Chain.GetChannelOnchainBalance(ctx, params.ChannelAddress, dp.AssetID)
	if err != nil {
		return Result{}, channel.NewError(channel.ChainServiceFailure, params.ChannelAddress, "onchainBalance", err)
	}

	prevAlice, prevBob, prevLocked := big.NewInt(0), big.NewInt(0), big.NewInt(0)
	if idx := state.AssetIndex(dp.AssetID); idx >= 0 {
		prevAlice = state.Assets[idx].Balance.AmountBig(0)
		prevBob = state.Assets[idx].Balance.AmountBig(1)
		prevLocked = state.Assets[idx].LockedBalance
	}

	newAlice := new(big.Int).Set(prevAlice)
	if record.Nonce > state.LatestDepositNonce {
		newAlice = new(big.Int).Add(prevAlice, record.Amount)
	}
	// bob absorbs whatever on-chain balance isn't alice's reconciled
	// deposits or funds already locked in active transfers.
	newBob := new(big.Int).Sub(onchain, new(big.Int).Add(newAlice, new(big.Int).Add(prevLocked, prevBob)))
	newBob.Add(newBob, prevBob)

	u := channel.Update{
		ChannelAddress: params.ChannelAddress,
		Type:           channel.Deposit,
		Nonce:          state.Nonce + 1,
		FromIdentifier: deps.Signer.PublicIdentifier(),
		ToIdentifier:   counterpartyIdentifier(state, deps.Signer),
		AssetID:        dp.AssetID,
		Balance:        channel.Balance{To: [2]common.Address{state.Alice(), state.Bob()}, Amount: [2]string{newAlice.String(), newBob.String()}},
		Details:        channel.DepositDetails{LatestDepositNonce: record.Nonce},
	}
	if cerr := sign(ctx, deps, state, &u); cerr != nil {
		return Result{}, cerr
	}
	return Result{Update: u}, nil
}

func generateCreate(ctx context.Context, params channel.UpdateParams, state channel.ChannelState, deps Deps) (Result, *channel.Error) {
	cp, ok := params.Details.(channel.CreateParams)
	if !ok {
		return Result{}, channel.NewError(channel.InvalidParams, params.ChannelAddress, "details", nil)
	}
	idx := state.AssetIndex(cp.AssetID)
	if idx < 0 {
		return Result{}, channel.NewError(channel.CannotGenerate, params.ChannelAddress, "assetId", nil)
	}

	transferID := computeTransferID(params.ChannelAddress, cp.TransferDefinition, cp.TransferTimeout, cp.TransferEncodings, cp.TransferInitialState, state.Nonce)

	initialHash, err := initialStateHash(deps.Registry, cp.TransferDefinition, cp.TransferInitialState, cp.TransferEncodings)
	if err != nil {
		return Result{}, channel.NewError(channel.CannotGenerate, params.ChannelAddress, "transferInitialState", err)
	}

	newTransfer := channel.Transfer{
		TransferID:         transferID,
		ChannelAddress:      params.ChannelAddress,
		ChainID:              state.NetworkContext.ChainID,
		AssetID:              cp.AssetID,
		InitialBalance:       channel.Balance{To: cp.To, Amount: [2]string{cp.Amount[0].String(), cp.Amount[1].String()}},
		TransferState:        cp.TransferInitialState,
		TransferDefinition:   cp.TransferDefinition,
		TransferTimeout:      cp.TransferTimeout,
		TransferEncodings:    cp.TransferEncodings,
		InitialStateHash:     initialHash,
		Meta:                 cp.Meta,
	}

	active, err := deps.Store.GetActiveTransfers(ctx, params.ChannelAddress)
	if err != nil {
		return Result{}, channel.NewError(channel.StoreFailure, params.ChannelAddress, "activeTransfers", err)
	}
	tree := merkletree.Generate(append(append([]channel.Transfer{}, active...), newTransfer))
	proof := tree.Proof(newTransfer.InitialStateHash)

	amt := newTransfer.LockedAmount()
	creatorIdx := 0
	if !isAlice(state, deps.Signer) {
		creatorIdx = 1
	}
	newBalance := state.Assets[idx].Balance
	remaining := new(big.Int).Sub(newBalance.AmountBig(creatorIdx), amt)
	if remaining.Sign() < 0 {
		return Result{}, channel.NewError(channel.CannotGenerate, params.ChannelAddress, "balance", nil)
	}
	newBalance.Amount[creatorIdx] = remaining.String()

	u := channel.Update{
		ChannelAddress: params.ChannelAddress,
		Type:           channel.Create,
		Nonce:          state.Nonce + 1,
		FromIdentifier: deps.Signer.PublicIdentifier(),
		ToIdentifier:   counterpartyIdentifier(state, deps.Signer),
		AssetID:        cp.AssetID,
		Balance:        newBalance,
		Details: channel.CreateDetails{
			TransferID:             newTransfer.TransferID,
			TransferDefinition:     cp.TransferDefinition,
			TransferTimeout:        cp.TransferTimeout,
			TransferInitialState:   cp.TransferInitialState,
			TransferInitialBalance: newTransfer.InitialBalance,
			TransferEncodings:      cp.TransferEncodings,
			Meta:                   cp.Meta,
			MerkleRoot:             tree.Root(),
			MerkleProofData:        proof,
		},
	}
	if cerr := sign(ctx, deps, state, &u); cerr != nil {
		return Result{}, cerr
	}
	return Result{Update: u, Transfer: &newTransfer}, nil
}

func generateResolve(ctx context.Context, params channel.UpdateParams, state channel.ChannelState, deps Deps) (Result, *channel.Error) {
	rp, ok := params.Details.(channel.ResolveParams)
	if !ok {
		return Result{}, channel.NewError(channel.InvalidParams, params.ChannelAddress, "details", nil)
	}

	transfer, err := deps.Store.GetTransferState(ctx, rp.TransferID)
	if err != nil || transfer == nil {
		return Result{}, channel.NewError(channel.CannotGenerate, params.ChannelAddress, "transferId", err)
	}
	idx := state.AssetIndex(transfer.AssetID)
	if idx < 0 {
		return Result{}, channel.NewError(channel.CannotGenerate, params.ChannelAddress, "assetId", nil)
	}

	resolved, err := deps.Chain.Resolve(ctx, *transfer, rp.TransferResolver)
	if err != nil {
		return Result{}, channel.NewError(channel.ChainServiceFailure, params.ChannelAddress, "resolve", err)
	}

	active, err := deps.Store.GetActiveTransfers(ctx, params.ChannelAddress)
	if err != nil {
		return Result{}, channel.NewError(channel.StoreFailure, params.ChannelAddress, "activeTransfers", err)
	}
	remaining := make([]channel.Transfer, 0, len(active))
	for _, t := range active {
		if t.TransferID != transfer.TransferID {
			remaining = append(remaining, t)
		}
	}
	tree := merkletree.Generate(remaining)

	prevBalance := state.Assets[idx].Balance
	newAlice := new(big.Int).Add(prevBalance.AmountBig(0), resolved.AmountBig(0))
	newBob := new(big.Int).Add(prevBalance.AmountBig(1), resolved.AmountBig(1))

	u := channel.Update{
		ChannelAddress: params.ChannelAddress,
		Type:           channel.Resolve,
		Nonce:          state.Nonce + 1,
		FromIdentifier: deps.Signer.PublicIdentifier(),
		ToIdentifier:   counterpartyIdentifier(state, deps.Signer),
		AssetID:        transfer.AssetID,
		Balance:        channel.Balance{To: [2]common.Address{state.Alice(), state.Bob()}, Amount: [2]string{newAlice.String(), newBob.String()}},
		Details: channel.ResolveDetails{
			TransferID:       transfer.TransferID,
			TransferResolver: rp.TransferResolver,
			MerkleRoot:       tree.Root(),
		},
	}
	if cerr := sign(ctx, deps, state, &u); cerr != nil {
		return Result{}, cerr
	}
	return Result{Update: u, Transfer: transfer}, nil
}

func counterpartyIdentifier(state channel.ChannelState, signer external.Signer) string {
	if isAlice(state, signer) {
		return state.PublicIdentifiers[1]
	}
	return state.PublicIdentifiers[0]
}

func computeTransferID(channelAddress, definition common.Address, timeout string, encodings []string, initialState []byte, nonce uint64) common.Hash {
	buf := make([]byte, 0, 128)
	buf = append(buf, channelAddress.Bytes()...)
	buf = append(buf, definition.Bytes()...)
	buf = append(buf, []byte(timeout)...)
	for _, e := range encodings {
		buf = append(buf, []byte(e)...)
	}
	buf = append(buf, initialState...)
	buf = append(buf, new(big.Int).SetUint64(nonce).Bytes()...)
	return crypto.Keccak256Hash(buf)
}

func initialStateHash(registry external.TransferRegistry, definition common.Address, state []byte, encodings []string) (common.Hash, error) {
	if registry != nil {
		return registry.InitialStateHash(definition, state, encodings)
	}
	return crypto.Keccak256Hash(state), nil
}
