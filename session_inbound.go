package overlay

import (
	"context"
	"errors"
	"sync"

	"github.com/raskyld/overlay/pkg/pubsub"
	"github.com/raskyld/overlay/pkg/task"
	"github.com/raskyld/overlay/pkg/wire"
)

type InboundState uint8

const (
	InboundIdle InboundState = iota
	InboundAccepting
	InboundStopped
)

func (s InboundState) String() string {
	switch s {
	case InboundAccepting:
		return "accepting"
	case InboundStopped:
		return "stopped"
	default:
		return "idle"
	}
}

func (s InboundState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// InboundInfo is kept for every connected inbound peer.
type InboundInfo struct {
	Channel *Channel
}

type InboundSessionInfo struct {
	State     InboundState           `json:"state"`
	Addr      string                 `json:"addr,omitempty"`
	Connected map[string]ChannelInfo `json:"connected"`
}

// InboundSession accepts connections from peers and registers them.
type InboundSession struct {
	n        *Network
	tm       telemetry
	acceptor *Acceptor
	task     *task.StoppableTask

	lk        sync.Mutex
	state     InboundState
	connected map[wire.Addr]InboundInfo
}

func newInboundSession(n *Network) *InboundSession {
	tm := n.tm.with(LabelSession.L(SessionInbound))
	return &InboundSession{
		n:         n,
		tm:        tm,
		acceptor:  newAcceptor(n.tr, n.tm),
		task:      task.New(),
		connected: make(map[wire.Addr]InboundInfo),
	}
}

// Start the Acceptor on the configured inbound address. Without one, the
// session stays idle and Start succeeds.
func (s *InboundSession) Start(ctx context.Context) error {
	bindAddr := s.n.cfg.inbound
	if bindAddr == "" {
		s.tm.logger.Info("not configured for accepting incoming connections")
		return nil
	}

	s.lk.Lock()
	if s.state != InboundIdle {
		s.lk.Unlock()
		return ErrServiceStopped
	}
	s.lk.Unlock()

	sub := s.acceptor.Subscribe()
	if err := s.acceptor.Start(ctx, bindAddr); err != nil {
		s.tm.logger.Error("failed starting acceptor", LabelError.L(err))
		sub.Unsubscribe()
		return err
	}

	s.lk.Lock()
	s.state = InboundAccepting
	s.lk.Unlock()

	s.task.Start(ctx, func(ctx context.Context) error {
		return s.channelSubLoop(ctx, sub)
	}, func(err error) {
		sub.Unsubscribe()
		if err != nil && !errors.Is(err, ErrServiceStopped) {
			s.tm.logger.Error("inbound session loop exited", LabelError.L(err))
		}
	}, ErrServiceStopped)
	return nil
}

// Stop the Acceptor then the supervising loop. Accepted channels are not
// closed, they live until their own termination.
func (s *InboundSession) Stop() {
	s.acceptor.Stop()
	s.task.Stop()

	s.lk.Lock()
	s.state = InboundStopped
	s.lk.Unlock()
}

func (s *InboundSession) channelSubLoop(ctx context.Context, sub *pubsub.Subscription[*Channel]) error {
	for {
		ch, err := sub.Receive(ctx)
		if err != nil {
			return err
		}

		// setup is detached so a single slow peer can't hold the loop.
		if !s.n.goTracked(func() { s.setupChannel(ch) }) {
			ch.Stop()
			return ErrServiceStopped
		}
	}
}

func (s *InboundSession) setupChannel(ch *Channel) {
	addr := ch.Address()
	if err := s.n.registerChannel(ch); err != nil {
		s.tm.logger.Warn("could not register channel", LabelPeerAddr.L(addr), LabelError.L(err))
		return
	}

	s.lk.Lock()
	s.connected[addr] = InboundInfo{Channel: ch}
	s.lk.Unlock()

	<-ch.Done()

	s.lk.Lock()
	if info, ok := s.connected[addr]; ok && info.Channel == ch {
		delete(s.connected, addr)
	}
	s.lk.Unlock()
}

// Addr is the bound address, nil if the session is not accepting.
func (s *InboundSession) Addr() (wire.Addr, bool) {
	na := s.acceptor.Addr()
	if na == nil {
		return wire.Addr{}, false
	}
	addr, err := wire.AddrFromNet(na)
	if err != nil {
		return wire.Addr{}, false
	}
	return addr, true
}

// Connected returns a snapshot of the connected peers.
func (s *InboundSession) Connected() map[wire.Addr]InboundInfo {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make(map[wire.Addr]InboundInfo, len(s.connected))
	for addr, info := range s.connected {
		out[addr] = info
	}
	return out
}

func (s *InboundSession) Info() any {
	s.lk.Lock()
	info := InboundSessionInfo{
		State:     s.state,
		Connected: make(map[string]ChannelInfo, len(s.connected)),
	}
	channels := make([]*Channel, 0, len(s.connected))
	for _, ci := range s.connected {
		channels = append(channels, ci.Channel)
	}
	s.lk.Unlock()

	for _, ch := range channels {
		info.Connected[ch.Address().String()] = ch.Info()
	}
	if addr, ok := s.Addr(); ok {
		info.Addr = addr.String()
	}
	return info
}

func (s *InboundSession) Network() *Network {
	return s.n
}

func (s *InboundSession) SelectorID() SessionBitflag {
	return SessionInbound
}
