package overlay

import (
	"context"
	"slices"

	"github.com/raskyld/overlay/pkg/task"
	"github.com/raskyld/overlay/pkg/wire"
)

const ProtocolAddressName = "address"

// ProtocolAddress gossips known addresses: it answers the peer's
// GetAddrsMessage with our Hosts registry, stores the addresses the peer
// sends, and asks the peer for its addresses once started.
type ProtocolAddress struct {
	ch *Channel
	n  *Network
	tm telemetry

	addrsSub    *MessageSubscription[wire.AddrsMessage]
	getAddrsSub *MessageSubscription[wire.GetAddrsMessage]
	jobs        *task.JobsManager
}

func NewProtocolAddress(ch *Channel, n *Network) (Protocol, error) {
	addrsSub, err := SubscribeMsg[wire.AddrsMessage](ch)
	if err != nil {
		return nil, err
	}

	getAddrsSub, err := SubscribeMsg[wire.GetAddrsMessage](ch)
	if err != nil {
		addrsSub.Unsubscribe()
		return nil, err
	}

	tm := ch.tm.with(LabelProtocol.L(ProtocolAddressName))
	return &ProtocolAddress{
		ch:          ch,
		n:           n,
		tm:          tm,
		addrsSub:    addrsSub,
		getAddrsSub: getAddrsSub,
		jobs:        task.NewJobsManager(ProtocolAddressName, ch.Done(), tm.logger),
	}, nil
}

func (p *ProtocolAddress) Name() string {
	return ProtocolAddressName
}

func (p *ProtocolAddress) Start(ctx context.Context) error {
	if err := p.jobs.Start(ctx); err != nil {
		return err
	}
	if err := p.jobs.Spawn(p.handleReceiveAddrs); err != nil {
		return err
	}
	if err := p.jobs.Spawn(p.handleReceiveGetAddrs); err != nil {
		return err
	}

	// a failed send already stopped the channel, the jobs follow it.
	if err := p.ch.Send(ctx, wire.GetAddrsMessage{}); err != nil {
		p.tm.logger.Debug("could not request addresses", LabelError.L(err))
	}
	return nil
}

func (p *ProtocolAddress) handleReceiveAddrs(ctx context.Context) error {
	defer p.addrsSub.Unsubscribe()
	for {
		msg, err := p.addrsSub.Receive(ctx)
		if err != nil {
			return err
		}

		added := p.n.hosts.Store(msg.Addrs)
		p.tm.logger.Debug("received addresses", "count", len(msg.Addrs), "new", added)
		if added > 0 {
			p.tm.incr(MetricHostsStoredCount, float32(added))
			p.tm.gauge(MetricHostsKnown, float32(p.n.hosts.Len()))
		}
	}
}

func (p *ProtocolAddress) handleReceiveGetAddrs(ctx context.Context) error {
	defer p.getAddrsSub.Unsubscribe()
	for {
		if _, err := p.getAddrsSub.Receive(ctx); err != nil {
			return err
		}

		addrs := p.n.hosts.LoadAll()
		if ext := p.n.cfg.externalAddr; ext.Valid() && !slices.Contains(addrs, ext) {
			addrs = append(addrs, ext)
		}

		p.tm.logger.Debug("sending addresses", "count", len(addrs))
		if err := p.ch.Send(ctx, wire.AddrsMessage{Addrs: addrs}); err != nil {
			return err
		}
	}
}
