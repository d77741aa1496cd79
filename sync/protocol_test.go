package sync

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external"
	"github.com/Quant-Finance-HQ/vector/external/testfakes"
	"github.com/Quant-Finance-HQ/vector/lockmanager"
)

var assetAddr = common.HexToAddress("0x00000000000000000000000000000000addee0")

// loopbackMsg implements external.Messaging by calling straight into the
// peer's HandleInbound, simulating the RPC round trip protocol.update
// describes without any real transport. Restore is unused by these
// tests.
type loopbackMsg struct {
	peer *Protocol
}

func (m *loopbackMsg) SendUpdate(ctx context.Context, toIdentifier string, update channel.Update) (channel.Update, error) {
	countersigned, cerr := m.peer.HandleInbound(ctx, update)
	if cerr != nil {
		return channel.Update{}, cerr
	}
	return countersigned, nil
}

func (m *loopbackMsg) SendRestoreRequest(ctx context.Context, toIdentifier string, req external.RestoreRequest) (external.RestoreState, error) {
	panic("not used in these tests")
}

func (m *loopbackMsg) SendRestoreConfirmation(ctx context.Context, toIdentifier string, conf external.RestoreConfirmation) error {
	panic("not used in these tests")
}

func seedChannel(t *testing.T, store *testfakes.Store, addr common.Address, alice, bob common.Address) {
	t.Helper()
	seed := channel.ChannelState{
		ChannelAddress:    addr,
		Participants:      [2]common.Address{alice, bob},
		PublicIdentifiers: [2]string{"aliceId", "bobId"},
	}
	require.NoError(t, store.SaveChannelStateAndTransfers(context.Background(), seed, nil))
}

func newPair(t *testing.T) (alice, bob *Protocol, addr common.Address, aliceStore, bobStore *testfakes.Store, aliceSigner, bobSigner *testfakes.Signer, chain *testfakes.ChainService) {
	t.Helper()
	var err error
	aliceSigner, err = testfakes.NewSigner("aliceId")
	require.NoError(t, err)
	bobSigner, err = testfakes.NewSigner("bobId")
	require.NoError(t, err)

	addr = common.HexToAddress("0xc1")
	aliceStore = testfakes.NewStore()
	bobStore = testfakes.NewStore()
	seedChannel(t, aliceStore, addr, aliceSigner.Address(), bobSigner.Address())
	seedChannel(t, bobStore, addr, aliceSigner.Address(), bobSigner.Address())

	chain = testfakes.NewChainService(nil)

	aliceMsg := &loopbackMsg{}
	bobMsg := &loopbackMsg{}

	alice = New(Deps{Store: aliceStore, Chain: chain, Messaging: aliceMsg, Signer: aliceSigner, Locks: lockmanager.New()})
	bob = New(Deps{Store: bobStore, Chain: chain, Messaging: bobMsg, Signer: bobSigner, Locks: lockmanager.New()})
	aliceMsg.peer = bob
	bobMsg.peer = alice
	return
}

func TestPropose_SetupRoundTrip(t *testing.T) {
	alice, _, addr, aliceStore, bobStore, _, _, _ := newPair(t)
	ctx := context.Background()

	next, cerr := alice.Propose(ctx, channel.UpdateParams{
		ChannelAddress: addr,
		Type:           channel.Setup,
		Details: channel.SetupParams{
			CounterpartyIdentifier: "bobId",
			Timeout:                "8267345",
		},
	})
	require.Nil(t, cerr)
	require.Equal(t, uint64(1), next.Nonce)

	aliceState, err := aliceStore.GetChannelState(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(1), aliceState.Nonce)

	bobState, err := bobStore.GetChannelState(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(1), bobState.Nonce)
	require.Equal(t, "8267345", bobState.Timeout)
}

func TestPropose_DepositRoundTrip(t *testing.T) {
	alice, _, addr, aliceStore, bobStore, _, _, chain := newPair(t)
	ctx := context.Background()

	_, cerr := alice.Propose(ctx, channel.UpdateParams{
		ChannelAddress: addr,
		Type:           channel.Setup,
		Details:        channel.SetupParams{CounterpartyIdentifier: "bobId", Timeout: "100"},
	})
	require.Nil(t, cerr)

	chain.SetDeposit(addr, assetAddr, 1, big.NewInt(25))
	chain.SetOnchainBalance(addr, assetAddr, big.NewInt(25))

	next, cerr := alice.Propose(ctx, channel.UpdateParams{
		ChannelAddress: addr,
		Type:           channel.Deposit,
		Details:        channel.DepositParams{AssetID: assetAddr},
	})
	require.Nil(t, cerr)
	require.Equal(t, uint64(2), next.Nonce)
	require.Equal(t, "25", next.Assets[0].Balance.Amount[0])

	aliceState, err := aliceStore.GetChannelState(ctx, addr)
	require.NoError(t, err)
	bobState, err := bobStore.GetChannelState(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, aliceState.Nonce, bobState.Nonce)
	require.Equal(t, aliceState.Assets[0].Balance.Amount, bobState.Assets[0].Balance.Amount)
}

func TestPropose_TamperedCountersignatureRejected(t *testing.T) {
	alice, _, addr, _, _, _, _, _ := newPair(t)
	ctx := context.Background()

	// Swap in a messaging stub that corrupts the countersigned reply's
	// signature slot before returning it to the proposer.
	tamperer := &tamperingMsg{inner: alice.deps.Messaging.(*loopbackMsg)}
	alice.deps.Messaging = tamperer

	_, cerr := alice.Propose(ctx, channel.UpdateParams{
		ChannelAddress: addr,
		Type:           channel.Setup,
		Details:        channel.SetupParams{CounterpartyIdentifier: "bobId", Timeout: "100"},
	})
	require.NotNil(t, cerr)
	require.Equal(t, channel.InvalidSignature, cerr.Kind)
}

type tamperingMsg struct {
	inner *loopbackMsg
}

func (m *tamperingMsg) SendUpdate(ctx context.Context, toIdentifier string, update channel.Update) (channel.Update, error) {
	countersigned, err := m.inner.SendUpdate(ctx, toIdentifier, update)
	if err != nil {
		return countersigned, err
	}
	if len(countersigned.Signatures[1]) > 0 {
		countersigned.Signatures[1][0] ^= 0xFF
	}
	return countersigned, nil
}

func (m *tamperingMsg) SendRestoreRequest(ctx context.Context, toIdentifier string, req external.RestoreRequest) (external.RestoreState, error) {
	panic("not used in these tests")
}

func (m *tamperingMsg) SendRestoreConfirmation(ctx context.Context, toIdentifier string, conf external.RestoreConfirmation) error {
	panic("not used in these tests")
}
