package overlay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/raskyld/overlay/pkg/task"
	"github.com/raskyld/overlay/pkg/wire"
)

const ProtocolPingName = "ping"

// ProtocolPing keeps channels alive: it answers pings and periodically
// pings the peer, stopping the channel if no matching pong arrives in
// time.
type ProtocolPing struct {
	ch       *Channel
	tm       telemetry
	interval time.Duration
	timeout  time.Duration

	pingSub *MessageSubscription[wire.PingMessage]
	pongSub *MessageSubscription[wire.PongMessage]
	jobs    *task.JobsManager
}

func NewProtocolPing(ch *Channel, n *Network) (Protocol, error) {
	pingSub, err := SubscribeMsg[wire.PingMessage](ch)
	if err != nil {
		return nil, err
	}

	pongSub, err := SubscribeMsg[wire.PongMessage](ch)
	if err != nil {
		pingSub.Unsubscribe()
		return nil, err
	}

	tm := ch.tm.with(LabelProtocol.L(ProtocolPingName))
	return &ProtocolPing{
		ch:       ch,
		tm:       tm,
		interval: n.cfg.pingInterval,
		timeout:  n.cfg.pingTimeout,
		pingSub:  pingSub,
		pongSub:  pongSub,
		jobs:     task.NewJobsManager(ProtocolPingName, ch.Done(), tm.logger),
	}, nil
}

func (p *ProtocolPing) Name() string {
	return ProtocolPingName
}

func (p *ProtocolPing) Start(ctx context.Context) error {
	if err := p.jobs.Start(ctx); err != nil {
		return err
	}
	if err := p.jobs.Spawn(p.handleReceivePing); err != nil {
		return err
	}
	return p.jobs.Spawn(p.runPingPong)
}

func (p *ProtocolPing) handleReceivePing(ctx context.Context) error {
	defer p.pingSub.Unsubscribe()
	for {
		ping, err := p.pingSub.Receive(ctx)
		if err != nil {
			return err
		}
		if err := p.ch.Send(ctx, wire.PongMessage{Nonce: ping.Nonce}); err != nil {
			return err
		}
	}
}

func (p *ProtocolPing) runPingPong(ctx context.Context) error {
	defer p.pongSub.Unsubscribe()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		nonce := rand.Uint32()
		sentAt := time.Now()
		if err := p.ch.Send(ctx, wire.PingMessage{Nonce: nonce}); err != nil {
			return err
		}

		if err := p.awaitPong(ctx, nonce); err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				p.tm.incr(MetricPingTimeoutCount, 1)
				err = fmt.Errorf("%w: no pong after %s", ErrPingTimeout, p.timeout)
				p.tm.logger.Warn("stopping unresponsive channel", LabelError.L(err))
				p.ch.stopWith(err)
			}
			return err
		}
		p.tm.sample(MetricPingRttMs, float32(time.Since(sentAt).Milliseconds()))
	}
}

func (p *ProtocolPing) awaitPong(ctx context.Context, nonce uint32) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for {
		pong, err := p.pongSub.Receive(ctx)
		if err != nil {
			return err
		}
		if pong.Nonce == nonce {
			return nil
		}
		p.tm.logger.Debug("ignoring stale pong", "nonce", pong.Nonce)
	}
}
