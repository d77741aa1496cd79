// Command vectorsim runs both parties of a two-party channel in one
// process against the in-memory adapters, to exercise SyncProtocol end
// to end without any real transport or chain (spec's Non-goals carve
// out a standalone daemon; this is the local demo/dev harness in its
// place, following the flag-driven single-binary shape of
// tolelom-tolchain/cmd/node/main.go).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/Quant-Finance-HQ/vector/adapter/ethsigner"
	"github.com/Quant-Finance-HQ/vector/adapter/loopbackmsg"
	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external/testfakes"
	"github.com/Quant-Finance-HQ/vector/lockmanager"
	"github.com/Quant-Finance-HQ/vector/sync"
)

var assetID = common.HexToAddress("0x00000000000000000000000000000000000001")

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(); err != nil {
		log.Fatalf("vectorsim: %v", err)
	}
}

func run() error {
	ctx := context.Background()

	aliceSigner, err := ethsigner.Generate("alice")
	if err != nil {
		return fmt.Errorf("generate alice key: %w", err)
	}
	bobSigner, err := ethsigner.Generate("bob")
	if err != nil {
		return fmt.Errorf("generate bob key: %w", err)
	}

	chain := testfakes.NewChainService(nil)
	addr, err := chain.GetChannelAddress(ctx, aliceSigner.Address(), bobSigner.Address(), common.Address{}, 1)
	if err != nil {
		return fmt.Errorf("derive channel address: %w", err)
	}

	aliceStore := testfakes.NewStore()
	bobStore := testfakes.NewStore()
	seed := channel.ChannelState{
		ChannelAddress:    addr,
		Participants:      [2]common.Address{aliceSigner.Address(), bobSigner.Address()},
		PublicIdentifiers: [2]string{"alice", "bob"},
	}
	if err := aliceStore.SaveChannelStateAndTransfers(ctx, seed, nil); err != nil {
		return err
	}
	if err := bobStore.SaveChannelStateAndTransfers(ctx, seed, nil); err != nil {
		return err
	}

	hub := loopbackmsg.NewHub()
	alice := sync.New(sync.Deps{
		Store: aliceStore, Chain: chain, Signer: aliceSigner, Locks: lockmanager.New(),
		Messaging: loopbackmsg.NewMessaging(hub),
	})
	bob := sync.New(sync.Deps{
		Store: bobStore, Chain: chain, Signer: bobSigner, Locks: lockmanager.New(),
		Messaging: loopbackmsg.NewMessaging(hub),
	})
	hub.Register("alice", alice)
	hub.Register("bob", bob)

	fmt.Printf("channel %s\n", addr.Hex())

	next, cerr := alice.Propose(ctx, channel.UpdateParams{
		ChannelAddress: addr,
		Type:           channel.Setup,
		Details:        channel.SetupParams{CounterpartyIdentifier: "bob", Timeout: "86400"},
	})
	if cerr != nil {
		return fmt.Errorf("setup: %w", cerr)
	}
	fmt.Printf("setup committed at nonce %d\n", next.Nonce)

	chain.SetDeposit(addr, assetID, 1, big.NewInt(100))
	chain.SetOnchainBalance(addr, assetID, big.NewInt(100))

	next, cerr = alice.Propose(ctx, channel.UpdateParams{
		ChannelAddress: addr,
		Type:           channel.Deposit,
		Details:        channel.DepositParams{AssetID: assetID},
	})
	if cerr != nil {
		return fmt.Errorf("deposit: %w", cerr)
	}
	fmt.Printf("deposit committed at nonce %d, alice balance %s\n", next.Nonce, next.Assets[0].Balance.Amount[0])

	next, cerr = alice.Propose(ctx, channel.UpdateParams{
		ChannelAddress: addr,
		Type:           channel.Create,
		Details: channel.CreateParams{
			AssetID:            assetID,
			Amount:             [2]*big.Int{big.NewInt(10), big.NewInt(0)},
			To:                 [2]common.Address{aliceSigner.Address(), bobSigner.Address()},
			TransferDefinition: common.HexToAddress("0x00000000000000000000000000000000000002"),
			TransferTimeout:    "1000",
		},
	})
	if cerr != nil {
		return fmt.Errorf("create: %w", cerr)
	}
	fmt.Printf("create committed at nonce %d\n", next.Nonce)

	return nil
}
