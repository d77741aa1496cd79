// Package testfakes provides minimal in-memory implementations of the
// external collaborator interfaces, for use in this module's own tests
// and by callers assembling a local two-party simulation. None of these
// are production adapters: spec §1 places ChainReader/ChainService,
// Store, Messaging, Signer, and TransferRegistry out of scope for the
// core engine itself.
package testfakes

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external"
)

// ChainService is an in-memory stand-in for a deployed channel
// contract: deposits and balances are set directly by the test, and
// Resolve is driven by a caller-supplied function so tests can model
// arbitrary transfer-definition outcomes.
type ChainService struct {
	mu       sync.Mutex
	deposits map[common.Address]map[common.Address]external.DepositRecord
	balances map[common.Address]map[common.Address]*big.Int
	resolver func(channel.Transfer, []byte) (channel.Balance, error)
}

// NewChainService returns an empty fake; resolver may be nil if Resolve
// is never exercised.
func NewChainService(resolver func(channel.Transfer, []byte) (channel.Balance, error)) *ChainService {
	return &ChainService{
		deposits: make(map[common.Address]map[common.Address]external.DepositRecord),
		balances: make(map[common.Address]map[common.Address]*big.Int),
		resolver: resolver,
	}
}

// SetDeposit records the latest observed deposit for (channel, asset).
func (c *ChainService) SetDeposit(channelAddress, assetID common.Address, nonce uint64, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deposits[channelAddress] == nil {
		c.deposits[channelAddress] = make(map[common.Address]external.DepositRecord)
	}
	c.deposits[channelAddress][assetID] = external.DepositRecord{Nonce: nonce, Amount: amount}
}

// SetOnchainBalance records the total on-chain holding for (channel, asset).
func (c *ChainService) SetOnchainBalance(channelAddress, assetID common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balances[channelAddress] == nil {
		c.balances[channelAddress] = make(map[common.Address]*big.Int)
	}
	c.balances[channelAddress][assetID] = amount
}

func (c *ChainService) GetLatestDepositByAssetID(_ context.Context, channelAddress, assetID common.Address) (external.DepositRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.deposits[channelAddress][assetID]; ok {
		return rec, nil
	}
	return external.DepositRecord{Amount: big.NewInt(0)}, nil
}

func (c *ChainService) GetChannelOnchainBalance(_ context.Context, channelAddress, assetID common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bal, ok := c.balances[channelAddress][assetID]; ok {
		return bal, nil
	}
	return big.NewInt(0), nil
}

func (c *ChainService) GetChannelAddress(_ context.Context, alice, bob, factory common.Address, chainID uint64) (common.Address, error) {
	buf := append(append(append(alice.Bytes(), bob.Bytes()...), factory.Bytes()...), new(big.Int).SetUint64(chainID).Bytes()...)
	return common.BytesToAddress(crypto.Keccak256(buf)), nil
}

func (c *ChainService) Resolve(_ context.Context, transfer channel.Transfer, resolverParams []byte) (channel.Balance, error) {
	if c.resolver == nil {
		return channel.Balance{}, fmt.Errorf("testfakes.ChainService: no resolver configured")
	}
	return c.resolver(transfer, resolverParams)
}

// Store is an in-memory implementation of external.Store.
type Store struct {
	mu        sync.Mutex
	channels  map[common.Address]channel.ChannelState
	transfers map[common.Hash]channel.Transfer
	active    map[common.Address]map[common.Hash]bool
}

// NewStore returns an empty in-memory Store.
func NewStore() *Store {
	return &Store{
		channels:  make(map[common.Address]channel.ChannelState),
		transfers: make(map[common.Hash]channel.Transfer),
		active:    make(map[common.Address]map[common.Hash]bool),
	}
}

func (s *Store) GetChannelState(_ context.Context, channelAddress common.Address) (*channel.ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.channels[channelAddress]
	if !ok {
		return nil, nil
	}
	clone := cs.Clone()
	return &clone, nil
}

func (s *Store) GetChannelStates(_ context.Context) ([]channel.ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]channel.ChannelState, 0, len(s.channels))
	for _, cs := range s.channels {
		out = append(out, cs.Clone())
	}
	return out, nil
}

func (s *Store) GetChannelStateByParticipants(_ context.Context, alice, bob common.Address, chainID uint64) (*channel.ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.channels {
		if cs.Alice() == alice && cs.Bob() == bob && cs.NetworkContext.ChainID == chainID {
			clone := cs.Clone()
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *Store) GetTransferState(_ context.Context, transferID common.Hash) (*channel.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[transferID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) GetActiveTransfers(_ context.Context, channelAddress common.Address) ([]channel.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []channel.Transfer
	for id := range s.active[channelAddress] {
		out = append(out, s.transfers[id])
	}
	return out, nil
}

func (s *Store) GetTransferByRoutingID(ctx context.Context, channelAddress common.Address, routingID common.Hash) (*channel.Transfer, error) {
	return nil, nil
}

func (s *Store) GetTransfersByRoutingID(ctx context.Context, routingID common.Hash) ([]channel.Transfer, error) {
	return nil, nil
}

// SaveChannelStateAndTransfers atomically replaces the stored channel
// state and recomputes which transfers are active from activeTransfers.
func (s *Store) SaveChannelStateAndTransfers(_ context.Context, state channel.ChannelState, activeTransfers []channel.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[state.ChannelAddress] = state.Clone()

	active := make(map[common.Hash]bool, len(activeTransfers))
	for _, t := range activeTransfers {
		s.transfers[t.TransferID] = t
		active[t.TransferID] = true
	}
	s.active[state.ChannelAddress] = active
	return nil
}

// Signer wraps a raw secp256k1 key, signing over Keccak-256 digests the
// same way go-ethereum's crypto.Sign expects (spec §6's EVM-style
// signer).
type Signer struct {
	ident string
	key   *ecdsa.PrivateKey
}

// NewSigner derives a Signer from a freshly generated key.
func NewSigner(identifier string) (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{ident: identifier, key: key}, nil
}

func (s *Signer) PublicIdentifier() string  { return s.ident }
func (s *Signer) Address() common.Address   { return crypto.PubkeyToAddress(s.key.PublicKey) }

func (s *Signer) SignMessage(_ context.Context, hash common.Hash) ([]byte, error) {
	return crypto.Sign(hash.Bytes(), s.key)
}

func (s *Signer) SignUtilityMessage(_ context.Context, msg []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256Hash(msg).Bytes(), s.key)
}

func (s *Signer) Decrypt(_ context.Context, payload []byte) ([]byte, error) {
	return nil, fmt.Errorf("testfakes.Signer: Decrypt not implemented")
}
