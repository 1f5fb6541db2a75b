package overlay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/overlay/pkg/pubsub"
	"github.com/raskyld/overlay/pkg/task"
	"github.com/raskyld/overlay/pkg/wire"
)

// acceptBackoff is how long the accept loop pauses after a transient
// error, e.g. when the process is out of file descriptors.
const acceptBackoff = 50 * time.Millisecond

// Acceptor is the passive side of connection establishment: it wraps every
// accepted stream in a Channel and publishes it to its subscribers.
type Acceptor struct {
	tr   Transport
	tm   telemetry
	chTm telemetry

	lk       sync.Mutex
	ln       Listener
	task     *task.StoppableTask
	channels *pubsub.Subscriber[*Channel]
	started  atomic.Bool
	closed   atomic.Bool
}

func newAcceptor(tr Transport, tm telemetry) *Acceptor {
	return &Acceptor{
		tr:       tr,
		tm:       tm.with("component", "acceptor"),
		chTm:     tm.with("component", "channel"),
		task:     task.New(),
		channels: pubsub.New[*Channel](),
	}
}

// Subscribe to the channels produced by the Acceptor. Channels accepted
// while nobody is subscribed are closed.
func (a *Acceptor) Subscribe() *pubsub.Subscription[*Channel] {
	return a.channels.Subscribe()
}

// Start binds the listener and spawns the accept loop. An Acceptor binds
// at most once, a failed bind can be retried.
func (a *Acceptor) Start(ctx context.Context, bindAddr string) error {
	if a.closed.Load() {
		return ErrServiceStopped
	}
	if !a.started.CompareAndSwap(false, true) {
		return task.ErrAlreadyStarted
	}

	ln, err := a.tr.Listen(ctx, bindAddr)
	if err != nil {
		a.started.Store(false)
		return fmt.Errorf("%w: %s: %w", ErrBindFailed, bindAddr, err)
	}

	a.lk.Lock()
	if a.closed.Load() {
		// Stop ran during the bind and saw no listener.
		a.lk.Unlock()
		ln.Close()
		return ErrServiceStopped
	}
	a.ln = ln
	a.lk.Unlock()

	a.tm.logger.Info("listening", "addr", ln.Addr().String(), LabelTransport.L(a.tr.Name()))
	a.task.Start(ctx, a.acceptLoop, func(err error) {
		if err != nil && !errors.Is(err, ErrServiceStopped) {
			a.tm.logger.Error("accept loop exited", LabelError.L(err))
		}
	}, ErrServiceStopped)
	return nil
}

// Addr is the bound address, nil if the Acceptor is not started.
func (a *Acceptor) Addr() net.Addr {
	a.lk.Lock()
	defer a.lk.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Stop closes the listener then waits for the accept loop. Channels
// already published are left untouched.
func (a *Acceptor) Stop() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}

	a.lk.Lock()
	ln := a.ln
	a.lk.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil {
			a.tm.logger.Debug("error closing listener", LabelError.L(err))
		}
	}

	a.task.Stop()
	a.channels.Close(ErrServiceStopped)
}

func (a *Acceptor) acceptLoop(ctx context.Context) error {
	a.lk.Lock()
	ln := a.ln
	a.lk.Unlock()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrListenerClosed) || errors.Is(err, net.ErrClosed) {
				return ErrServiceStopped
			}

			a.tm.incr(MetricAcceptErrorCount, 1, LabelError.M("unknown"))
			a.tm.logger.Warn("error accepting connection", LabelError.L(err))
			select {
			case <-ctx.Done():
				return ErrServiceStopped
			case <-time.After(acceptBackoff):
			}
			continue
		}

		addr, err := wire.AddrFromNet(conn.RemoteAddr())
		if err != nil {
			a.tm.incr(MetricAcceptErrorCount, 1, LabelError.M("remote_addr"))
			a.tm.logger.Warn("could not parse peer address", LabelError.L(err))
			conn.Close()
			continue
		}

		a.tm.incr(MetricAcceptCount, 1)
		a.tm.logger.Debug("accepted connection", LabelPeerAddr.L(addr))
		ch := newChannel(conn, addr, SessionInbound, a.chTm)
		if a.channels.Notify(ch) == 0 {
			ch.Stop()
		}
	}
}
