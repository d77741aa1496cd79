// Package sync implements SyncProtocol (spec §4.5): the two-party
// exchange that turns a locally generated Update into a countersigned,
// persisted ChannelState, including lock acquisition, concurrent
// proposal resolution, and peer restore.
//
// It generalizes the teacher's per-channel round trip from
// qln/pushpull.go's PushChannel/SendDeltaSig: a busy-lock held across a
// network round trip, unlocked-with-a-value on every error path, with
// collision handling ("2 options for dealing with push collision:
// sequential and concurrent ... sequential has a deterministic priority
// which selects who continues") promoted here from a comment into the
// actual lexicographic-identifier tie-break spec §4.5 requires.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external"
	"github.com/Quant-Finance-HQ/vector/internal/generate"
	"github.com/Quant-Finance-HQ/vector/internal/validate"
)

var log = logrus.WithField("component", "sync")

// State names SyncProtocol's per-channel phases (spec §4.5). Protocol
// does not store or report a State value for a channel; the phases
// correspond to the steps of Propose, HandleInbound and restore.
type State string

const (
	Idle                State = "idle"
	Proposing           State = "proposing"
	AwaitingCountersign State = "awaitingCountersign"
	ApplyingInbound     State = "applyingInbound"
	Restoring           State = "restoring"
)

// Deps bundles every external collaborator the protocol drives.
type Deps struct {
	Store     external.Store
	Chain     external.ChainService
	Messaging external.Messaging
	Signer    external.Signer
	Locks     external.LockService
	Registry  external.TransferRegistry

	// LockTimeout bounds AcquireLock; zero means 5s.
	LockTimeout time.Duration
	// RoundTripTimeout bounds the proposer's wait for a countersignature;
	// zero means 30s.
	RoundTripTimeout time.Duration
}

// pendingProposal tracks an in-flight local proposal so a concurrently
// arriving inbound proposal for the same channel and nonce can be
// recognized as a collision rather than treated as a second independent
// update.
type pendingProposal struct {
	update channel.Update
	lostTo chan channel.Update
}

// Protocol runs SyncProtocol for every channel the local party holds. A
// single Protocol is meant to be shared by a node across all its
// channels; per-channel exclusion comes from Deps.Locks plus the
// internal pending-proposal bookkeeping below.
type Protocol struct {
	deps Deps

	mu      sync.Mutex
	pending map[common.Address]*pendingProposal
}

// New constructs a Protocol from deps, applying default timeouts.
func New(deps Deps) *Protocol {
	if deps.LockTimeout == 0 {
		deps.LockTimeout = 5 * time.Second
	}
	if deps.RoundTripTimeout == 0 {
		deps.RoundTripTimeout = 30 * time.Second
	}
	return &Protocol{deps: deps, pending: make(map[common.Address]*pendingProposal)}
}

func (p *Protocol) isAlice(state channel.ChannelState) bool {
	return state.Alice() == p.deps.Signer.Address()
}

func (p *Protocol) counterpartyIdentifier(state channel.ChannelState) string {
	if p.isAlice(state) {
		return state.PublicIdentifiers[1]
	}
	return state.PublicIdentifiers[0]
}

// Propose runs the initiator happy path of spec §4.5: acquire lock, read
// state, generate, self-validate, sign, send, await countersignature,
// persist, release.
func (p *Protocol) Propose(ctx context.Context, params channel.UpdateParams) (channel.ChannelState, *channel.Error) {
	addr := params.ChannelAddress

	p.mu.Lock()
	if _, busy := p.pending[addr]; busy {
		p.mu.Unlock()
		return channel.ChannelState{}, channel.NewError(channel.AcquireLockFailed, addr, "pending", fmt.Errorf("a proposal is already in flight for this channel"))
	}
	pend := &pendingProposal{lostTo: make(chan channel.Update, 1)}
	p.pending[addr] = pend
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, addr)
		p.mu.Unlock()
	}()

	lockCtx, cancel := context.WithTimeout(ctx, p.deps.LockTimeout)
	defer cancel()
	state, cerr := p.loadState(ctx, addr)
	if cerr != nil {
		return channel.ChannelState{}, cerr
	}
	token, err := p.deps.Locks.AcquireLock(lockCtx, addr, p.isAlice(*state), p.counterpartyIdentifier(*state))
	if err != nil {
		return channel.ChannelState{}, asChannelError(err, channel.AcquireLockFailed, addr)
	}
	defer p.deps.Locks.ReleaseLock(context.Background(), addr, token, p.isAlice(*state), p.counterpartyIdentifier(*state))

	// Reload now that the lock is held: the pre-lock read above only
	// established identifiers for AcquireLock and may already be stale.
	state, cerr = p.loadState(ctx, addr)
	if cerr != nil {
		return channel.ChannelState{}, cerr
	}

	log.WithFields(logrus.Fields{"channel": addr.Hex(), "type": params.Type}).Infof("proposing update")

	result, cerr := generate.GenerateUpdate(ctx, params, *state, generate.Deps{
		Store: p.deps.Store, Chain: p.deps.Chain, Signer: p.deps.Signer, Registry: p.deps.Registry,
	})
	if cerr != nil {
		return channel.ChannelState{}, cerr
	}

	active, err := p.deps.Store.GetActiveTransfers(ctx, addr)
	if err != nil {
		return channel.ChannelState{}, channel.NewError(channel.StoreFailure, addr, "activeTransfers", err)
	}
	if outcome := validate.ValidateUpdate(ctx, *state, result.Update, result.Transfer, validate.Deps{ActiveTransfers: active, Chain: p.deps.Chain}); outcome.Err != nil {
		return channel.ChannelState{}, outcome.Err
	}

	p.mu.Lock()
	pend.update = result.Update
	p.mu.Unlock()

	rtCtx, rtCancel := context.WithTimeout(ctx, p.deps.RoundTripTimeout)
	defer rtCancel()

	type sendResult struct {
		update channel.Update
		err    error
	}
	sendDone := make(chan sendResult, 1)
	go func() {
		countersigned, err := p.deps.Messaging.SendUpdate(rtCtx, p.counterpartyIdentifier(*state), result.Update)
		sendDone <- sendResult{countersigned, err}
	}()

	select {
	case winner := <-pend.lostTo:
		log.WithField("channel", addr.Hex()).Infof("lost concurrent-proposal tie-break, retry against new state")
		return channel.ChannelState{}, channel.NewError(channel.StaleUpdate, addr, "concurrentProposal", fmt.Errorf("superseded by %s at nonce %d", winner.FromIdentifier, winner.Nonce), result.Update.Nonce)

	case res := <-sendDone:
		if res.err != nil {
			return channel.ChannelState{}, channel.NewError(channel.MessagingTimeout, addr, "sendUpdate", res.err, result.Update.Nonce)
		}
		countersigned := res.update
		if cerr := verifyCountersignature(*state, countersigned); cerr != nil {
			return channel.ChannelState{}, cerr
		}
		outcome := validate.ValidateUpdate(ctx, *state, countersigned, result.Transfer, validate.Deps{ActiveTransfers: active, Chain: p.deps.Chain})
		if outcome.Err != nil {
			return channel.ChannelState{}, outcome.Err
		}
		newActive := nextActiveTransfers(active, countersigned, result.Transfer)
		if err := p.deps.Store.SaveChannelStateAndTransfers(ctx, outcome.Next, newActive); err != nil {
			return channel.ChannelState{}, channel.NewError(channel.StoreFailure, addr, "save", err, countersigned.Nonce)
		}
		log.WithFields(logrus.Fields{"channel": addr.Hex(), "nonce": countersigned.Nonce}).Infof("update committed")
		return outcome.Next, nil

	case <-rtCtx.Done():
		return channel.ChannelState{}, channel.NewError(channel.MessagingTimeout, addr, "sendUpdate", rtCtx.Err(), result.Update.Nonce)
	}
}

// HandleInbound runs the responder side of spec §4.5 for an update
// arriving over protocol.update, including the collision path when a
// local proposal is simultaneously in flight for the same channel.
func (p *Protocol) HandleInbound(ctx context.Context, update channel.Update) (channel.Update, *channel.Error) {
	addr := update.ChannelAddress
	localID := p.deps.Signer.PublicIdentifier()

	p.mu.Lock()
	pend, collides := p.pending[addr]
	if collides && (pend.update.Nonce == 0 || pend.update.Nonce != update.Nonce) {
		collides = false
	}
	p.mu.Unlock()

	if collides {
		if update.FromIdentifier >= localID {
			// We are lexicographically smaller: our own proposal wins.
			// The peer will discard theirs once our proposal reaches
			// their HandleInbound.
			log.WithField("channel", addr.Hex()).Infof("concurrent proposal: local wins tie-break, rejecting inbound")
			return channel.Update{}, channel.NewError(channel.StaleUpdate, addr, "concurrentProposal", fmt.Errorf("local proposal takes priority"), update.Nonce)
		}
		log.WithField("channel", addr.Hex()).Infof("concurrent proposal: remote wins tie-break, applying inbound")
		countersigned, cerr := p.applyInbound(ctx, update)
		if cerr != nil {
			return channel.Update{}, cerr
		}
		select {
		case pend.lostTo <- update:
		default:
		}
		return countersigned, nil
	}

	return p.applyInbound(ctx, update)
}

// applyInbound acquires the lock, validates, signs, and persists a
// single inbound update. It also triggers a restore when the update is
// too far ahead, per spec §4.5.
func (p *Protocol) applyInbound(ctx context.Context, update channel.Update) (channel.Update, *channel.Error) {
	addr := update.ChannelAddress
	state, cerr := p.loadState(ctx, addr)
	if cerr != nil {
		return channel.Update{}, cerr
	}

	lockCtx, cancel := context.WithTimeout(ctx, p.deps.LockTimeout)
	defer cancel()
	token, err := p.deps.Locks.AcquireLock(lockCtx, addr, p.isAlice(*state), p.counterpartyIdentifier(*state))
	if err != nil {
		return channel.Update{}, asChannelError(err, channel.AcquireLockFailed, addr)
	}
	defer p.deps.Locks.ReleaseLock(context.Background(), addr, token, p.isAlice(*state), p.counterpartyIdentifier(*state))

	if update.Nonce > state.Nonce+1 {
		if cerr := p.restore(ctx, addr, *state); cerr != nil {
			return channel.Update{}, cerr
		}
		state, cerr = p.loadState(ctx, addr)
		if cerr != nil {
			return channel.Update{}, cerr
		}
	}

	transfer, cerr := transferForUpdate(ctx, p.deps.Store, p.deps.Registry, update)
	if cerr != nil {
		return channel.Update{}, cerr
	}
	active, err := p.deps.Store.GetActiveTransfers(ctx, addr)
	if err != nil {
		return channel.Update{}, channel.NewError(channel.StoreFailure, addr, "activeTransfers", err)
	}

	outcome := validate.ValidateUpdate(ctx, *state, update, transfer, validate.Deps{ActiveTransfers: active, Chain: p.deps.Chain})
	if outcome.OutOfSync {
		return channel.Update{}, channel.NewError(channel.RestoreFailed, addr, "nonce", nil, state.Nonce, update.Nonce)
	}
	if outcome.Err != nil {
		return channel.Update{}, outcome.Err
	}

	countersigned := update
	hash, err := channel.CanonicalHash(&countersigned)
	if err != nil {
		return channel.Update{}, channel.NewError(channel.InvalidSignature, addr, "details", err, update.Nonce)
	}
	sig, err := p.deps.Signer.SignMessage(ctx, hash)
	if err != nil {
		return channel.Update{}, channel.NewError(channel.ChainServiceFailure, addr, "signature", err, update.Nonce)
	}
	if p.isAlice(*state) {
		countersigned.Signatures[0] = sig
	} else {
		countersigned.Signatures[1] = sig
	}

	newActive := nextActiveTransfers(active, update, transfer)
	if err := p.deps.Store.SaveChannelStateAndTransfers(ctx, outcome.Next, newActive); err != nil {
		return channel.Update{}, channel.NewError(channel.StoreFailure, addr, "save", err, update.Nonce)
	}
	log.WithFields(logrus.Fields{"channel": addr.Hex(), "nonce": update.Nonce}).Infof("inbound update applied")
	return countersigned, nil
}

func (p *Protocol) loadState(ctx context.Context, addr common.Address) (*channel.ChannelState, *channel.Error) {
	state, err := p.deps.Store.GetChannelState(ctx, addr)
	if err != nil {
		return nil, channel.NewError(channel.StoreFailure, addr, "channelState", err)
	}
	if state == nil {
		return nil, channel.NewError(channel.InvalidParams, addr, "channelState", fmt.Errorf("unknown channel"))
	}
	return state, nil
}

// verifyCountersignature checks the signature slot belonging to
// update.ToIdentifier, the one SyncProtocol expects the peer to have
// added, leaving the proposer's own slot to validate.checkSignature.
func verifyCountersignature(state channel.ChannelState, update channel.Update) *channel.Error {
	counterAddr := state.Alice()
	slot := 0
	if update.ToIdentifier == state.PublicIdentifiers[1] {
		counterAddr = state.Bob()
		slot = 1
	}
	if !update.HasSignature(slot) {
		return channel.NewError(channel.InvalidSignature, update.ChannelAddress, "signatures", nil, update.Nonce)
	}
	return verifySignatureSlot(counterAddr, update, slot)
}

func asChannelError(err error, fallback channel.ErrorKind, addr common.Address) *channel.Error {
	if cerr, ok := err.(*channel.Error); ok {
		return cerr
	}
	return channel.NewError(fallback, addr, "", err)
}
