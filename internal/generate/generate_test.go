package generate

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external/testfakes"
)

var assetAddr = common.HexToAddress("0x00000000000000000000000000000000addee0")

// S6 — alice observes an on-chain deposit and generates the reconciling
// deposit update.
func TestGenerateUpdate_Deposit_Alice(t *testing.T) {
	aliceSigner, err := testfakes.NewSigner("aliceId")
	require.NoError(t, err)
	bobSigner, err := testfakes.NewSigner("bobId")
	require.NoError(t, err)

	chain := testfakes.NewChainService(nil)
	store := testfakes.NewStore()

	state := channel.ChannelState{
		ChannelAddress:    common.HexToAddress("0xc1"),
		Participants:      [2]common.Address{aliceSigner.Address(), bobSigner.Address()},
		PublicIdentifiers: [2]string{"aliceId", "bobId"},
		Nonce:             1,
	}

	chain.SetDeposit(state.ChannelAddress, assetAddr, 1, big.NewInt(10))
	chain.SetOnchainBalance(state.ChannelAddress, assetAddr, big.NewInt(10))

	params := channel.UpdateParams{
		ChannelAddress: state.ChannelAddress,
		Type:           channel.Deposit,
		Details:        channel.DepositParams{AssetID: assetAddr},
	}

	res, cerr := GenerateUpdate(context.Background(), params, state, Deps{
		Store: store, Chain: chain, Signer: aliceSigner,
	})
	require.Nil(t, cerr)
	require.Equal(t, "10", res.Update.Balance.Amount[0])
	require.Equal(t, "0", res.Update.Balance.Amount[1])
	details, ok := res.Update.Details.(channel.DepositDetails)
	require.True(t, ok)
	require.Equal(t, uint64(1), details.LatestDepositNonce)
	require.True(t, res.Update.HasSignature(0))
	require.False(t, res.Update.HasSignature(1))
}

func TestGenerateUpdate_Setup(t *testing.T) {
	aliceSigner, err := testfakes.NewSigner("aliceId")
	require.NoError(t, err)
	bobSigner, err := testfakes.NewSigner("bobId")
	require.NoError(t, err)

	state := channel.ChannelState{
		ChannelAddress:    common.HexToAddress("0xc1"),
		Participants:      [2]common.Address{aliceSigner.Address(), bobSigner.Address()},
		PublicIdentifiers: [2]string{"aliceId", "bobId"},
	}
	params := channel.UpdateParams{
		ChannelAddress: state.ChannelAddress,
		Type:           channel.Setup,
		Details: channel.SetupParams{
			CounterpartyIdentifier: "bobId",
			Timeout:                "8267345",
		},
	}

	res, cerr := GenerateUpdate(context.Background(), params, state, Deps{Signer: aliceSigner})
	require.Nil(t, cerr)
	require.Equal(t, uint64(1), res.Update.Nonce)
	require.Equal(t, channel.ZeroAddress, res.Update.AssetID)
	require.True(t, res.Update.HasSignature(0))
}

func TestGenerateUpdate_CreateDeductsFromCreator(t *testing.T) {
	aliceSigner, err := testfakes.NewSigner("aliceId")
	require.NoError(t, err)
	bobSigner, err := testfakes.NewSigner("bobId")
	require.NoError(t, err)

	store := testfakes.NewStore()
	chain := testfakes.NewChainService(nil)

	state := channel.ChannelState{
		ChannelAddress:    common.HexToAddress("0xc1"),
		Participants:      [2]common.Address{aliceSigner.Address(), bobSigner.Address()},
		PublicIdentifiers: [2]string{"aliceId", "bobId"},
		Nonce:             3,
		Assets: []channel.AssetBalance{
			{AssetID: assetAddr, Balance: channel.Balance{
				To:     [2]common.Address{aliceSigner.Address(), bobSigner.Address()},
				Amount: [2]string{"43", "22"},
			}, LockedBalance: big.NewInt(0)},
		},
	}

	params := channel.UpdateParams{
		ChannelAddress: state.ChannelAddress,
		Type:           channel.Create,
		Details: channel.CreateParams{
			AssetID:            assetAddr,
			Amount:             [2]*big.Int{big.NewInt(0), big.NewInt(14)},
			To:                 [2]common.Address{bobSigner.Address(), aliceSigner.Address()},
			TransferDefinition: common.HexToAddress("0xdef"),
			TransferInitialState: []byte("state"),
			TransferTimeout:      "100",
		},
	}

	res, cerr := GenerateUpdate(context.Background(), params, state, Deps{
		Store: store, Chain: chain, Signer: bobSigner,
	})
	require.Nil(t, cerr)
	require.Equal(t, "43", res.Update.Balance.Amount[0])
	require.Equal(t, "8", res.Update.Balance.Amount[1])
	require.NotNil(t, res.Transfer)
	details, ok := res.Update.Details.(channel.CreateDetails)
	require.True(t, ok)
	require.NotEqual(t, channel.ZeroHash, details.MerkleRoot)
}
