package overlay

import (
	"context"

	"github.com/raskyld/overlay/pkg/wire"
)

// Protocol is a per-channel behaviour built on message subscriptions.
//
// Protocols are constructed before the read loop of their Channel starts,
// so they must take their subscriptions in their constructor. Their
// background work must not outlive the Channel.
type Protocol interface {
	Name() string
	Start(ctx context.Context) error
}

// ProtocolConstructor builds a Protocol for a freshly registered Channel.
type ProtocolConstructor func(ch *Channel, n *Network) (Protocol, error)

type protocolEntry struct {
	name     string
	selector SessionBitflag
	ctor     ProtocolConstructor
}

// addDefaultDispatchers registers the decoders of every message the
// built-in protocols exchange.
func addDefaultDispatchers(ch *Channel) {
	AddDispatch(ch, wire.DecodeGetAddrsMessage)
	AddDispatch(ch, wire.DecodeAddrsMessage)
	AddDispatch(ch, wire.DecodePingMessage)
	AddDispatch(ch, wire.DecodePongMessage)
}
