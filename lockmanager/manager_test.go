package lockmanager

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/Quant-Finance-HQ/vector/channel"
)

var chanAddr = common.HexToAddress("0xc1")

func TestAcquireRelease(t *testing.T) {
	m := New()
	ctx := context.Background()

	token, err := m.AcquireLock(ctx, chanAddr, true, "bobId")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, m.ReleaseLock(ctx, chanAddr, token, true, "bobId"))

	// channel is free again, a second acquire must not block.
	token2, err := m.AcquireLock(ctx, chanAddr, true, "bobId")
	require.NoError(t, err)
	require.NotEqual(t, token, token2)
}

func TestAcquireLock_TimesOutWhileHeld(t *testing.T) {
	m := New()
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, chanAddr, true, "bobId")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.AcquireLock(shortCtx, chanAddr, false, "aliceId")
	require.Error(t, err)
	cerr, ok := err.(*channel.Error)
	require.True(t, ok)
	require.Equal(t, channel.AcquireLockFailed, cerr.Kind)
}

func TestReleaseLock_WrongTokenRejected(t *testing.T) {
	m := New()
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, chanAddr, true, "bobId")
	require.NoError(t, err)

	err = m.ReleaseLock(ctx, chanAddr, "not-the-real-token", true, "bobId")
	require.Error(t, err)

	// the lock is still held: a fresh acquire with a short deadline times out.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.AcquireLock(shortCtx, chanAddr, false, "aliceId")
	require.Error(t, err)
}

func TestAcquireLock_IndependentChannelsDontBlockEachOther(t *testing.T) {
	m := New()
	ctx := context.Background()
	other := common.HexToAddress("0xc2")

	_, err := m.AcquireLock(ctx, chanAddr, true, "bobId")
	require.NoError(t, err)

	_, err = m.AcquireLock(ctx, other, true, "bobId")
	require.NoError(t, err)
}
