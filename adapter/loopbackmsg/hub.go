// Package loopbackmsg implements external.Messaging over in-process
// registration rather than a real socket, for local two-party
// simulation (cmd/vectorsim) and tests that want the real
// sync.Protocol wiring without a network. It keeps the envelope/dispatch
// shape of tolelom-tolchain/network/peer.go (addressed messages routed
// to a registered handler) but swaps the TCP+length-prefix transport
// for a direct, synchronous call.
package loopbackmsg

import (
	"context"
	"fmt"
	"sync"

	"github.com/Quant-Finance-HQ/vector/channel"
	"github.com/Quant-Finance-HQ/vector/external"
)

// Handler is what a SyncProtocol instance exposes to the hub so inbound
// messages addressed to its identifier can reach it. sync.Protocol
// satisfies this with HandleInbound/HandleRestoreRequest/
// HandleRestoreConfirmation.
type Handler interface {
	HandleInbound(ctx context.Context, update channel.Update) (channel.Update, *channel.Error)
	HandleRestoreRequest(ctx context.Context, req external.RestoreRequest) (external.RestoreState, error)
	HandleRestoreConfirmation(ctx context.Context, conf external.RestoreConfirmation) error
}

// Hub routes messages between registered identifiers.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHub returns an empty routing table.
func NewHub() *Hub {
	return &Hub{handlers: make(map[string]Handler)}
}

// Register binds identifier to handler; a party must register before it
// can receive messages.
func (h *Hub) Register(identifier string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[identifier] = handler
}

func (h *Hub) lookup(identifier string) (Handler, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.handlers[identifier]
	if !ok {
		return nil, fmt.Errorf("loopbackmsg: no party registered for %q", identifier)
	}
	return handler, nil
}

// Messaging is one party's sending endpoint on the Hub: it carries no
// identifier of its own, and every Send* call addresses a remote
// identifier by name.
type Messaging struct {
	hub *Hub
}

// NewMessaging returns a Messaging endpoint bound to hub; call
// hub.Register separately with the same identifier the owning
// sync.Protocol was constructed with.
func NewMessaging(hub *Hub) *Messaging {
	return &Messaging{hub: hub}
}

func (m *Messaging) SendUpdate(ctx context.Context, toIdentifier string, update channel.Update) (channel.Update, error) {
	handler, err := m.hub.lookup(toIdentifier)
	if err != nil {
		return channel.Update{}, err
	}
	countersigned, cerr := handler.HandleInbound(ctx, update)
	if cerr != nil {
		return channel.Update{}, cerr
	}
	return countersigned, nil
}

func (m *Messaging) SendRestoreRequest(ctx context.Context, toIdentifier string, req external.RestoreRequest) (external.RestoreState, error) {
	handler, err := m.hub.lookup(toIdentifier)
	if err != nil {
		return external.RestoreState{}, err
	}
	return handler.HandleRestoreRequest(ctx, req)
}

func (m *Messaging) SendRestoreConfirmation(ctx context.Context, toIdentifier string, conf external.RestoreConfirmation) error {
	handler, err := m.hub.lookup(toIdentifier)
	if err != nil {
		return err
	}
	return handler.HandleRestoreConfirmation(ctx, conf)
}
