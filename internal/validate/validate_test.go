package validate

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external/testfakes"
	"github.com/Quant-Finance-HQ/vector/internal/merkletree"
)

var assetAddr = common.HexToAddress("0x00000000000000000000000000000000addee0")

func balance(toA, toB common.Address, amtA, amtB string) channel.Balance {
	return channel.Balance{To: [2]common.Address{toA, toB}, Amount: [2]string{amtA, amtB}}
}

func signUpdate(t *testing.T, signer *testfakes.Signer, u *channel.Update, slot int) {
	t.Helper()
	hash, err := channel.CanonicalHash(u)
	require.NoError(t, err)
	sig, err := signer.SignMessage(context.Background(), hash)
	require.NoError(t, err)
	u.Signatures[slot] = sig
}

func baseState(alice, bob *testfakes.Signer) channel.ChannelState {
	return channel.ChannelState{
		ChannelAddress:    common.HexToAddress("0xc1"),
		Participants:      [2]common.Address{alice.Address(), bob.Address()},
		PublicIdentifiers: [2]string{"aliceId", "bobId"},
		Nonce:             3,
		Assets: []channel.AssetBalance{
			{AssetID: assetAddr, Balance: balance(alice.Address(), bob.Address(), "43", "22"), LockedBalance: big.NewInt(0)},
		},
	}
}

func newTestSigners(t *testing.T) (*testfakes.Signer, *testfakes.Signer) {
	t.Helper()
	alice, err := testfakes.NewSigner("aliceId")
	require.NoError(t, err)
	bob, err := testfakes.NewSigner("bobId")
	require.NoError(t, err)
	return alice, bob
}

// createFixture builds a valid, correctly signed create update (bob
// creates a transfer locking 14 from bob's side) together with the
// transfer it describes, so individual tests can mutate one field away
// from validity.
func createFixture(t *testing.T, alice, bob *testfakes.Signer, prev channel.ChannelState) (channel.Update, channel.Transfer) {
	t.Helper()
	state := []byte("state")
	transfer := channel.Transfer{
		TransferID:       common.HexToHash("0xabc"),
		ChannelAddress:   prev.ChannelAddress,
		AssetID:          assetAddr,
		InitialBalance:   balance(bob.Address(), alice.Address(), "0", "14"),
		TransferState:    state,
		InitialStateHash: crypto.Keccak256Hash(state),
	}
	tree := merkletree.Generate([]channel.Transfer{transfer})

	u := channel.Update{
		ChannelAddress: prev.ChannelAddress,
		Type:           channel.Create,
		Nonce:          prev.Nonce + 1,
		FromIdentifier: "bobId",
		ToIdentifier:   "aliceId",
		AssetID:        assetAddr,
		Balance:        balance(alice.Address(), bob.Address(), "43", "8"),
		Details: channel.CreateDetails{
			TransferID: transfer.TransferID,
			MerkleRoot: tree.Root(),
		},
	}
	signUpdate(t, bob, &u, 1)
	return u, transfer
}

func TestValidateUpdate_StaleNonceRejected(t *testing.T) {
	alice, bob := newTestSigners(t)
	prev := baseState(alice, bob)
	update := channel.Update{
		ChannelAddress: prev.ChannelAddress,
		Type:           channel.Deposit,
		Nonce:          prev.Nonce,
		AssetID:        assetAddr,
		Details:        channel.DepositDetails{},
	}

	out := ValidateUpdate(context.Background(), prev, update, nil, Deps{})
	require.NotNil(t, out.Err)
	require.Equal(t, channel.StaleUpdate, out.Err.Kind)
}

func TestValidateUpdate_OutOfSync(t *testing.T) {
	alice, bob := newTestSigners(t)
	prev := baseState(alice, bob)
	update := channel.Update{
		ChannelAddress: prev.ChannelAddress,
		Type:           channel.Deposit,
		Nonce:          prev.Nonce + 2,
		AssetID:        assetAddr,
		Details:        channel.DepositDetails{},
	}

	out := ValidateUpdate(context.Background(), prev, update, nil, Deps{})
	require.Nil(t, out.Err)
	require.True(t, out.OutOfSync)
}

func TestValidateUpdate_BadSignatureRejected(t *testing.T) {
	alice, bob := newTestSigners(t)
	prev := baseState(alice, bob)
	update, transfer := createFixture(t, alice, bob, prev)
	update.Signatures[1][0] ^= 0xFF // corrupt bob's signature

	out := ValidateUpdate(context.Background(), prev, update, &transfer, Deps{})
	require.NotNil(t, out.Err)
	require.Equal(t, channel.InvalidSignature, out.Err.Kind)
}

func TestValidateUpdate_CreateMerkleMismatchRejected(t *testing.T) {
	alice, bob := newTestSigners(t)
	prev := baseState(alice, bob)
	state := []byte("state")
	transfer := channel.Transfer{
		TransferID:       common.HexToHash("0xabc"),
		ChannelAddress:   prev.ChannelAddress,
		AssetID:          assetAddr,
		InitialBalance:   balance(bob.Address(), alice.Address(), "0", "14"),
		TransferState:    state,
		InitialStateHash: crypto.Keccak256Hash(state),
	}
	u := channel.Update{
		ChannelAddress: prev.ChannelAddress,
		Type:           channel.Create,
		Nonce:          prev.Nonce + 1,
		FromIdentifier: "bobId",
		ToIdentifier:   "aliceId",
		AssetID:        assetAddr,
		Balance:        balance(alice.Address(), bob.Address(), "43", "8"),
		Details: channel.CreateDetails{
			TransferID: transfer.TransferID,
			MerkleRoot: common.HexToHash("0xbad"),
		},
	}
	signUpdate(t, bob, &u, 1)

	out := ValidateUpdate(context.Background(), prev, u, &transfer, Deps{})
	require.NotNil(t, out.Err)
	require.Equal(t, channel.MerkleRootMismatch, out.Err.Kind)
}

func TestValidateUpdate_ResolveMerkleMismatchRejected(t *testing.T) {
	alice, bob := newTestSigners(t)
	prev := baseState(alice, bob)
	prev.Assets[0].LockedBalance = big.NewInt(14)
	transfer := channel.Transfer{
		TransferID:       common.HexToHash("0xabc"),
		ChannelAddress:   prev.ChannelAddress,
		AssetID:          assetAddr,
		InitialBalance:   balance(bob.Address(), alice.Address(), "0", "14"),
		InitialStateHash: crypto.Keccak256Hash([]byte("state")),
	}

	u := channel.Update{
		ChannelAddress: prev.ChannelAddress,
		Type:           channel.Resolve,
		Nonce:          prev.Nonce + 1,
		FromIdentifier: "bobId",
		ToIdentifier:   "aliceId",
		AssetID:        assetAddr,
		Balance:        balance(alice.Address(), bob.Address(), "43", "36"),
		Details: channel.ResolveDetails{
			TransferID: transfer.TransferID,
			MerkleRoot: common.HexToHash("0xbad"),
		},
	}
	signUpdate(t, bob, &u, 1)

	out := ValidateUpdate(context.Background(), prev, u, &transfer, Deps{ActiveTransfers: []channel.Transfer{transfer}})
	require.NotNil(t, out.Err)
	require.Equal(t, channel.MerkleRootMismatch, out.Err.Kind)
}

func TestValidateUpdate_DepositBalanceMismatchRejected(t *testing.T) {
	alice, bob := newTestSigners(t)
	prev := baseState(alice, bob)
	chain := testfakes.NewChainService(nil)
	chain.SetDeposit(prev.ChannelAddress, assetAddr, 1, big.NewInt(10))
	chain.SetOnchainBalance(prev.ChannelAddress, assetAddr, big.NewInt(75))

	u := channel.Update{
		ChannelAddress: prev.ChannelAddress,
		Type:           channel.Deposit,
		Nonce:          prev.Nonce + 1,
		FromIdentifier: "aliceId",
		ToIdentifier:   "bobId",
		AssetID:        assetAddr,
		// wrong: doesn't reflect the reconciled +10 deposit
		Balance: balance(alice.Address(), bob.Address(), "43", "22"),
		Details: channel.DepositDetails{LatestDepositNonce: 1},
	}
	signUpdate(t, alice, &u, 0)

	out := ValidateUpdate(context.Background(), prev, u, nil, Deps{Chain: chain})
	require.NotNil(t, out.Err)
	require.Equal(t, channel.BalanceMismatch, out.Err.Kind)
}

func TestValidateUpdate_ConservationViolationRejected(t *testing.T) {
	alice, bob := newTestSigners(t)
	prev := baseState(alice, bob)
	update, transfer := createFixture(t, alice, bob, prev)
	// Leave Balance unchanged from prev so the create's locked amount is
	// never deducted: the sum of balance+locked grows by 14.
	update.Balance = balance(alice.Address(), bob.Address(), "43", "22")
	signUpdate(t, bob, &update, 1)

	out := ValidateUpdate(context.Background(), prev, update, &transfer, Deps{})
	require.NotNil(t, out.Err)
	require.Equal(t, channel.BalanceMismatch, out.Err.Kind)
}

func TestValidateUpdate_HappyPathAccepted(t *testing.T) {
	alice, bob := newTestSigners(t)
	prev := baseState(alice, bob)
	update, transfer := createFixture(t, alice, bob, prev)

	out := ValidateUpdate(context.Background(), prev, update, &transfer, Deps{})
	require.Nil(t, out.Err)
	require.False(t, out.OutOfSync)
	require.Equal(t, "8", out.Next.Assets[0].Balance.Amount[1])
	require.Equal(t, big.NewInt(14), out.Next.Assets[0].LockedBalance)
}
