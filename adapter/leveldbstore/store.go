// Package leveldbstore implements external.Store on top of
// syndtr/goleveldb, following the key-prefix-plus-JSON-record idiom of
// tolelom-tolchain/storage/leveldb.go: one flat keyspace, string
// prefixes partition record kinds, values are JSON.
package leveldbstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/Quant-Finance-HQ/vector/channel"
)

const (
	channelPrefix  = "channel:"
	transferPrefix = "transfer:"
	activePrefix   = "active:" // active:<channelAddress>:<transferId> -> transferId
)

// Store implements external.Store over a single LevelDB database.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) a LevelDB database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("leveldbstore: open %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func channelKey(addr common.Address) []byte {
	return []byte(channelPrefix + addr.Hex())
}

func transferKey(id common.Hash) []byte {
	return []byte(transferPrefix + id.Hex())
}

func activeKey(channelAddress common.Address, transferID common.Hash) []byte {
	return []byte(activePrefix + channelAddress.Hex() + ":" + transferID.Hex())
}

func activePrefixKey(channelAddress common.Address) []byte {
	return []byte(activePrefix + channelAddress.Hex() + ":")
}

func (s *Store) GetChannelState(_ context.Context, channelAddress common.Address) (*channel.ChannelState, error) {
	data, err := s.db.Get(channelKey(channelAddress), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state channel.ChannelState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("leveldbstore: decode channel %s: %w", channelAddress.Hex(), err)
	}
	return &state, nil
}

func (s *Store) GetChannelStates(_ context.Context) ([]channel.ChannelState, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(channelPrefix)), nil)
	defer iter.Release()

	var out []channel.ChannelState
	for iter.Next() {
		var state channel.ChannelState
		if err := json.Unmarshal(iter.Value(), &state); err != nil {
			return nil, fmt.Errorf("leveldbstore: decode channel: %w", err)
		}
		out = append(out, state)
	}
	return out, iter.Error()
}

func (s *Store) GetChannelStateByParticipants(ctx context.Context, alice, bob common.Address, chainID uint64) (*channel.ChannelState, error) {
	states, err := s.GetChannelStates(ctx)
	if err != nil {
		return nil, err
	}
	for _, cs := range states {
		if cs.Alice() == alice && cs.Bob() == bob && cs.NetworkContext.ChainID == chainID {
			return &cs, nil
		}
	}
	return nil, nil
}

func (s *Store) GetTransferState(_ context.Context, transferID common.Hash) (*channel.Transfer, error) {
	data, err := s.db.Get(transferKey(transferID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t channel.Transfer
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("leveldbstore: decode transfer %s: %w", transferID.Hex(), err)
	}
	return &t, nil
}

func (s *Store) GetActiveTransfers(_ context.Context, channelAddress common.Address) ([]channel.Transfer, error) {
	iter := s.db.NewIterator(util.BytesPrefix(activePrefixKey(channelAddress)), nil)
	defer iter.Release()

	var out []channel.Transfer
	for iter.Next() {
		data, err := s.db.Get(transferKey(common.HexToHash(string(iter.Value()))), nil)
		if err == leveldb.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var t channel.Transfer
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("leveldbstore: decode transfer: %w", err)
		}
		out = append(out, t)
	}
	return out, iter.Error()
}

func (s *Store) GetTransferByRoutingID(_ context.Context, _ common.Address, _ common.Hash) (*channel.Transfer, error) {
	return nil, fmt.Errorf("leveldbstore: routing-id lookup not supported")
}

func (s *Store) GetTransfersByRoutingID(_ context.Context, _ common.Hash) ([]channel.Transfer, error) {
	return nil, fmt.Errorf("leveldbstore: routing-id lookup not supported")
}

// SaveChannelStateAndTransfers writes the channel state, every transfer
// in activeTransfers, and the active-set index for the channel in one
// LevelDB batch, so a reader never observes a partial update.
func (s *Store) SaveChannelStateAndTransfers(_ context.Context, state channel.ChannelState, activeTransfers []channel.Transfer) error {
	batch := new(leveldb.Batch)

	stateData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("leveldbstore: encode channel: %w", err)
	}
	batch.Put(channelKey(state.ChannelAddress), stateData)

	iter := s.db.NewIterator(util.BytesPrefix(activePrefixKey(state.ChannelAddress)), nil)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	for _, t := range activeTransfers {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("leveldbstore: encode transfer %s: %w", t.TransferID.Hex(), err)
		}
		batch.Put(transferKey(t.TransferID), data)
		batch.Put(activeKey(state.ChannelAddress, t.TransferID), []byte(t.TransferID.Hex()))
	}

	return s.db.Write(batch, nil)
}
