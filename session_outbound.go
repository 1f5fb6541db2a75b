package overlay

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/raskyld/overlay/pkg/task"
	"github.com/raskyld/overlay/pkg/wire"
	"golang.org/x/time/rate"
)

type SlotState uint8

const (
	SlotOpen SlotState = iota
	SlotPending
	SlotConnected
)

func (s SlotState) String() string {
	switch s {
	case SlotPending:
		return "pending"
	case SlotConnected:
		return "connected"
	default:
		return "open"
	}
}

func (s SlotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OutboundInfo is the state of one outbound slot. Addr is only set while
// Pending or Connected, Channel only while Connected.
type OutboundInfo struct {
	Addr    wire.Addr
	Channel *Channel
	State   SlotState
}

type OutboundSlotInfo struct {
	Addr    string       `json:"addr,omitempty"`
	State   SlotState    `json:"state"`
	Channel *ChannelInfo `json:"channel,omitempty"`
}

type OutboundSessionInfo struct {
	Slots []OutboundSlotInfo `json:"slots"`
}

// OutboundSession runs a fixed number of slots, each one independently
// picking an address from the Hosts registry, connecting to it and
// waiting for the channel to close before starting over.
type OutboundSession struct {
	n         *Network
	tm        telemetry
	connector *Connector

	lk    sync.Mutex
	slots []OutboundInfo
	tasks []*task.StoppableTask
}

func newOutboundSession(n *Network) *OutboundSession {
	return &OutboundSession{
		n:         n,
		tm:        n.tm.with(LabelSession.L(SessionOutbound)),
		connector: newConnector(n.tr, n.cfg.dialTimeout, n.tm),
	}
}

// Start one task per configured slot.
func (s *OutboundSession) Start(ctx context.Context) error {
	count := s.n.cfg.outboundSlots
	s.tm.logger.Info("starting outbound slots", "count", count)

	s.lk.Lock()
	if s.tasks != nil {
		s.lk.Unlock()
		return ErrServiceStopped
	}
	s.slots = make([]OutboundInfo, count)
	s.tasks = make([]*task.StoppableTask, count)
	for i := range s.tasks {
		s.tasks[i] = task.New()
	}
	tasks := s.tasks
	s.lk.Unlock()

	for i, t := range tasks {
		t.Start(ctx, func(ctx context.Context) error {
			return s.connectLoop(ctx, i)
		}, func(err error) {
			s.onSlotStop(i, err)
		}, ErrServiceStopped)
	}
	return nil
}

// Stop every slot. Channels are left to the Network.
func (s *OutboundSession) Stop() {
	s.lk.Lock()
	tasks := s.tasks
	s.lk.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
}

func (s *OutboundSession) connectLoop(ctx context.Context, slot int) error {
	logger := s.tm.logger.With(LabelSlot.L(slot))
	limiter := rate.NewLimiter(s.n.cfg.selectionRate, s.n.cfg.selectionBurst)

	for {
		addr, err := s.loadAddress(ctx, slot, limiter)
		if err != nil {
			return err
		}

		s.setSlot(slot, OutboundInfo{Addr: addr, State: SlotPending})
		logger.Debug("connecting", LabelPeerAddr.L(addr))

		ch, err := s.connector.Connect(ctx, addr)
		if err != nil {
			logger.Info("unable to connect", LabelPeerAddr.L(addr), LabelError.L(err))
			s.n.hosts.RemovePending(addr)
			s.setSlot(slot, OutboundInfo{})
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		stop := ch.SubscribeStop()
		if err := s.n.registerChannel(ch); err != nil {
			logger.Warn("could not register channel", LabelPeerAddr.L(addr), LabelError.L(err))
			s.n.hosts.RemovePending(addr)
			s.setSlot(slot, OutboundInfo{})
			if errors.Is(err, ErrNetworkClosed) {
				return err
			}
			continue
		}

		s.n.hosts.RemovePending(addr)
		s.setSlot(slot, OutboundInfo{Addr: addr, Channel: ch, State: SlotConnected})
		logger.Info("connected", LabelPeerAddr.L(addr))

		err = stop.Receive(ctx)
		s.setSlot(slot, OutboundInfo{})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Info("channel closed, selecting a new address", LabelPeerAddr.L(addr), LabelError.L(err))
	}
}

// loadAddress picks a candidate which is neither ourselves, nor already
// connected, nor claimed by another slot, and claims it.
func (s *OutboundSession) loadAddress(ctx context.Context, slot int, limiter *rate.Limiter) (wire.Addr, error) {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return wire.Addr{}, err
		}

		addr, ok := s.n.hosts.LoadSingle()
		if !ok {
			// TODO(raskyld): a transient empty pool should not kill the slot,
			// retry with a backoff once the policy is decided.
			s.tm.logger.Warn("hosts address pool is empty, closing connect slot", LabelSlot.L(slot))
			s.tm.incr(MetricSlotExhaustedCount, 1, LabelSlot.M(strconv.Itoa(slot)))
			return wire.Addr{}, ErrServiceStopped
		}

		if s.n.isSelf(addr) {
			continue
		}
		if s.n.Exists(addr) {
			continue
		}
		if !s.n.hosts.AddPending(addr) {
			continue
		}
		return addr, nil
	}
}

func (s *OutboundSession) onSlotStop(slot int, err error) {
	s.lk.Lock()
	info := s.slots[slot]
	s.slots[slot] = OutboundInfo{}
	s.lk.Unlock()

	if info.State == SlotPending {
		s.n.hosts.RemovePending(info.Addr)
	}
	if err != nil && !errors.Is(err, ErrServiceStopped) {
		s.tm.logger.Warn("connect slot exited", LabelSlot.L(slot), LabelError.L(err))
	}
}

func (s *OutboundSession) setSlot(slot int, info OutboundInfo) {
	s.lk.Lock()
	s.slots[slot] = info
	s.lk.Unlock()
	s.tm.incr(MetricSlotTransitionCount, 1, LabelState.M(info.State.String()))
}

// SlotInfo returns the state of a slot.
func (s *OutboundSession) SlotInfo(slot int) OutboundInfo {
	s.lk.Lock()
	defer s.lk.Unlock()
	if slot < 0 || slot >= len(s.slots) {
		return OutboundInfo{}
	}
	return s.slots[slot]
}

// Slots returns a snapshot of every slot.
func (s *OutboundSession) Slots() []OutboundInfo {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]OutboundInfo, len(s.slots))
	copy(out, s.slots)
	return out
}

func (s *OutboundSession) Info() any {
	slots := s.Slots()
	info := OutboundSessionInfo{Slots: make([]OutboundSlotInfo, len(slots))}
	for i, slot := range slots {
		info.Slots[i].State = slot.State
		if slot.State != SlotOpen {
			info.Slots[i].Addr = slot.Addr.String()
		}
		if slot.Channel != nil {
			chInfo := slot.Channel.Info()
			info.Slots[i].Channel = &chInfo
		}
	}
	return info
}

func (s *OutboundSession) Network() *Network {
	return s.n
}

func (s *OutboundSession) SelectorID() SessionBitflag {
	return SessionOutbound
}
