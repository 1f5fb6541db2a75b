package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/raskyld/overlay/pkg/wire"
)

// Network coordinates the overlay of a node: it owns the Hosts registry,
// the registry of live channels, one InboundSession and one
// OutboundSession, and optionally the LAN discovery.
type Network struct {
	cfg   *config
	tm    telemetry
	tr    Transport
	hosts *Hosts

	inbound   *InboundSession
	outbound  *OutboundSession
	discovery *discovery

	protocols []protocolEntry

	// scope of every channel and background task.
	ctx    context.Context
	cancel context.CancelFunc

	lk       sync.RWMutex
	channels map[wire.Addr]*Channel
	closed   bool
	wg       sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool
}

// NetworkInfo is a snapshot for status reporting.
type NetworkInfo struct {
	Inbound   InboundSessionInfo     `json:"inbound"`
	Outbound  OutboundSessionInfo    `json:"outbound"`
	Channels  map[string]ChannelInfo `json:"channels"`
	Hosts     int                    `json:"hosts"`
	Discovery []string               `json:"discovery,omitempty"`
}

// Create a Network, it does not open any socket until `Network.Start`.
func Create(opts ...Option) (*Network, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	tm := newTelemetry(cfg.logHandler, cfg.metricSink, cfg.metricLabels)
	tr, err := buildTransport(cfg, tm)
	if err != nil {
		return nil, err
	}

	n := &Network{
		cfg:      cfg,
		tm:       tm,
		tr:       tr,
		hosts:    NewHosts(),
		channels: make(map[wire.Addr]*Channel),
	}
	n.hosts.Store(cfg.peers)
	n.inbound = newInboundSession(n)
	n.outbound = newOutboundSession(n)
	if cfg.mlCfg != nil {
		n.discovery = newDiscovery(n)
	}

	n.RegisterProtocol(ProtocolAddressName, SessionAll, NewProtocolAddress)
	if cfg.pingInterval > 0 {
		n.RegisterProtocol(ProtocolPingName, SessionAll, NewProtocolPing)
	}
	return n, nil
}

// RegisterProtocol attaches a protocol to every channel registered by the
// sessions matching selector. It must be called before Start.
func (n *Network) RegisterProtocol(name string, selector SessionBitflag, ctor ProtocolConstructor) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.protocols = append(n.protocols, protocolEntry{
		name:     name,
		selector: selector,
		ctor:     ctor,
	})
}

// Start the inbound session, the discovery if enabled, then the outbound
// session. Failing to bind the inbound address is fatal.
func (n *Network) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already started", ErrInvalidCfg)
	}

	// NB(raskyld): the scope is detached from ctx deadlines, only Stop
	// ends it.
	n.ctx, n.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := n.inbound.Start(n.ctx); err != nil {
		n.Stop()
		return err
	}

	if n.discovery != nil {
		if err := n.discovery.start(); err != nil {
			n.Stop()
			return fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
	}

	if err := n.outbound.Start(n.ctx); err != nil {
		n.Stop()
		return err
	}
	return nil
}

// Stop the sessions, every channel, then the discovery. It is safe to call
// it more than once.
func (n *Network) Stop() {
	if !n.stopped.CompareAndSwap(false, true) {
		return
	}

	n.outbound.Stop()
	n.inbound.Stop()

	n.lk.Lock()
	n.closed = true
	channels := make([]*Channel, 0, len(n.channels))
	for _, ch := range n.channels {
		channels = append(channels, ch)
	}
	n.lk.Unlock()

	for _, ch := range channels {
		ch.Stop()
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if n.discovery != nil {
		n.discovery.stop()
	}
	n.tm.logger.Info("network stopped")
}

// goTracked runs f in a goroutine awaited by Stop. It returns false if the
// Network is closed.
func (n *Network) goTracked(f func()) bool {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return false
	}
	n.wg.Add(1)
	n.lk.Unlock()

	go func() {
		defer n.wg.Done()
		f()
	}()
	return true
}

// registerChannel makes ch visible to the rest of the node: protocols
// matching its session are attached, its read loop is started and it is
// removed once stopped. On error, ch is stopped.
func (n *Network) registerChannel(ch *Channel) error {
	addr := ch.Address()
	addDefaultDispatchers(ch)

	n.lk.RLock()
	entries := make([]protocolEntry, 0, len(n.protocols))
	for _, entry := range n.protocols {
		if entry.selector&ch.Session() != 0 {
			entries = append(entries, entry)
		}
	}
	n.lk.RUnlock()

	protocols := make([]Protocol, 0, len(entries))
	for _, entry := range entries {
		p, err := entry.ctor(ch, n)
		if err != nil {
			ch.Stop()
			return fmt.Errorf("protocol %s: %w", entry.name, err)
		}
		protocols = append(protocols, p)
	}

	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		ch.Stop()
		return ErrNetworkClosed
	}
	if _, ok := n.channels[addr]; ok {
		n.lk.Unlock()
		ch.Stop()
		return fmt.Errorf("%w: %s", ErrDuplicate, addr)
	}
	n.channels[addr] = ch
	active := len(n.channels)
	n.wg.Add(1)
	n.lk.Unlock()

	n.tm.gauge(MetricChannelsActive, float32(active))
	ch.Start(n.ctx)

	go func() {
		defer n.wg.Done()
		<-ch.Done()

		n.lk.Lock()
		if n.channels[addr] == ch {
			delete(n.channels, addr)
		}
		active := len(n.channels)
		n.lk.Unlock()
		n.tm.gauge(MetricChannelsActive, float32(active))
	}()

	for _, p := range protocols {
		if err := p.Start(n.ctx); err != nil {
			n.tm.logger.Warn("could not start protocol",
				LabelProtocol.L(p.Name()), LabelPeerAddr.L(addr), LabelError.L(err))
		}
	}
	return nil
}

// Exists reports whether a channel to addr is registered.
func (n *Network) Exists(addr wire.Addr) bool {
	n.lk.RLock()
	defer n.lk.RUnlock()
	_, ok := n.channels[addr]
	return ok
}

// Channels returns a snapshot of the registered channels.
func (n *Network) Channels() []*Channel {
	n.lk.RLock()
	defer n.lk.RUnlock()
	out := make([]*Channel, 0, len(n.channels))
	for _, ch := range n.channels {
		out = append(out, ch)
	}
	return out
}

// Broadcast sends msg on every registered channel.
func (n *Network) Broadcast(ctx context.Context, msg wire.Message) error {
	var errs []error
	for _, ch := range n.Channels() {
		if err := ch.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Address(), err))
		}
	}
	return errors.Join(errs...)
}

func (n *Network) Hosts() *Hosts {
	return n.hosts
}

func (n *Network) Inbound() *InboundSession {
	return n.inbound
}

func (n *Network) Outbound() *OutboundSession {
	return n.outbound
}

func (n *Network) Sessions() []Session {
	return []Session{n.inbound, n.outbound}
}

// InboundAddr is the address the inbound session is bound to.
func (n *Network) InboundAddr() (wire.Addr, bool) {
	return n.inbound.Addr()
}

// AdvertisedAddr is the address peers should use to reach us: the
// external address if configured, the bound inbound address otherwise.
func (n *Network) AdvertisedAddr() (wire.Addr, bool) {
	if n.cfg.externalAddr.Valid() {
		return n.cfg.externalAddr, true
	}
	return n.InboundAddr()
}

// DiscoveryAddr is the memberlist address neighbours can join, empty if
// discovery is disabled.
func (n *Network) DiscoveryAddr() string {
	if n.discovery == nil {
		return ""
	}
	return n.discovery.addr()
}

// isSelf compares addr with the external and bound addresses only.
//
// NB(raskyld): with a wildcard bind and no external address, a gossiped
// alias such as 127.0.0.1:port is not recognised and may be dialed.
func (n *Network) isSelf(addr wire.Addr) bool {
	if n.cfg.externalAddr.Valid() && addr == n.cfg.externalAddr {
		return true
	}
	bound, ok := n.InboundAddr()
	return ok && addr == bound
}

func (n *Network) Info() NetworkInfo {
	info := NetworkInfo{
		Inbound:  n.inbound.Info().(InboundSessionInfo),
		Outbound: n.outbound.Info().(OutboundSessionInfo),
		Channels: make(map[string]ChannelInfo),
		Hosts:    n.hosts.Len(),
	}
	for _, ch := range n.Channels() {
		info.Channels[ch.Address().String()] = ch.Info()
	}
	if n.discovery != nil {
		info.Discovery = n.discovery.members()
	}
	return info
}
