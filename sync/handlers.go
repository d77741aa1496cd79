package sync

import (
	"context"

	"github.com/Quant-Finance-HQ/vector/external"
)

// HandleRestoreRequest answers a peer's protocol.restore request with
// this party's authoritative channel state and active transfer set
// (spec §4.5c). It does not acquire the channel lock: restore reads a
// consistent snapshot but never mutates it.
func (p *Protocol) HandleRestoreRequest(ctx context.Context, req external.RestoreRequest) (external.RestoreState, error) {
	state, cerr := p.loadState(ctx, req.ChannelAddress)
	if cerr != nil {
		return external.RestoreState{}, cerr
	}
	active, err := p.deps.Store.GetActiveTransfers(ctx, req.ChannelAddress)
	if err != nil {
		return external.RestoreState{}, err
	}
	return external.RestoreState{Channel: *state, ActiveTransfers: active}, nil
}

// HandleRestoreConfirmation is a no-op acknowledgement hook: the
// confirming peer has already persisted the restored state by the time
// this arrives, so there is nothing left to do but log it.
func (p *Protocol) HandleRestoreConfirmation(_ context.Context, conf external.RestoreConfirmation) error {
	log.WithField("channel", conf.ChannelAddress.Hex()).Infof("peer confirmed restore, %d active transfers", len(conf.ActiveTransferIDs))
	return nil
}
