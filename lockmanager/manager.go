// Package lockmanager implements external.LockService: exclusive,
// per-channel access so only one of SyncProtocol's propose/countersign
// round trips touches a given channel's state at a time (spec §5).
//
// It generalizes the teacher's busy-channel idiom from
// qln/htlc.go/qln/pushpull.go, where a per-channel ChanMtx guards a
// buffered ClearToSend channel and a caller spins acquiring the mutex
// until it can drain a value out of ClearToSend. Here the map of
// channels replaces the single Qchan field, a context deadline replaces
// the spin loop, and an opaque uuid token replaces the implicit
// ownership the teacher got from only ever running one goroutine per
// Qchan.
package lockmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external"
)

var log = logrus.WithField("component", "lockmanager")

// slot is one channel's lock: cts ("clear to send") holds a single
// token when the channel is free and is empty while held, mirroring the
// teacher's ClearToSend.
type slot struct {
	cts   chan struct{}
	mu    sync.Mutex
	token external.LockValue
}

// Manager is an in-process external.LockService. It does not span
// multiple processes; a multi-node deployment needs a distributed lock
// (e.g. backed by the same store adapter's compare-and-swap), which is
// out of scope here per spec §9's open question on cross-process locking.
type Manager struct {
	mu    sync.Mutex
	slots map[common.Address]*slot
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{slots: make(map[common.Address]*slot)}
}

func (m *Manager) slotFor(channelAddress common.Address) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[channelAddress]
	if !ok {
		s = &slot{cts: make(chan struct{}, 1)}
		s.cts <- struct{}{}
		m.slots[channelAddress] = s
	}
	return s
}

// AcquireLock blocks until the channel is free or ctx is done, per spec
// §5. On success it returns a token that must be presented to
// ReleaseLock unchanged.
func (m *Manager) AcquireLock(ctx context.Context, channelAddress common.Address, isAlice bool, counterpartyIdentifier string) (external.LockValue, error) {
	s := m.slotFor(channelAddress)
	select {
	case <-s.cts:
		token := external.LockValue(uuid.NewString())
		s.mu.Lock()
		s.token = token
		s.mu.Unlock()
		log.WithFields(logrus.Fields{
			"channel": channelAddress.Hex(),
			"isAlice": isAlice,
			"peer":    counterpartyIdentifier,
		}).Infof("lock acquired")
		return token, nil
	case <-ctx.Done():
		log.WithField("channel", channelAddress.Hex()).Warnf("lock acquisition timed out")
		return "", channel.NewError(channel.AcquireLockFailed, channelAddress, "lock", ctx.Err())
	}
}

// ReleaseLock returns the channel to the free state. Presenting a token
// that doesn't match the current holder is rejected rather than
// silently freeing someone else's lock.
func (m *Manager) ReleaseLock(ctx context.Context, channelAddress common.Address, lock external.LockValue, isAlice bool, counterpartyIdentifier string) error {
	s := m.slotFor(channelAddress)
	s.mu.Lock()
	if s.token == "" || s.token != lock {
		s.mu.Unlock()
		return channel.NewError(channel.AcquireLockFailed, channelAddress, "lock", fmt.Errorf("release with stale or unknown token"))
	}
	s.token = ""
	s.mu.Unlock()

	select {
	case s.cts <- struct{}{}:
	default:
		// already free; a double release should not happen given the
		// token check above, but never blocks a caller if it does.
	}
	log.WithField("channel", channelAddress.Hex()).Infof("lock released")
	return nil
}
