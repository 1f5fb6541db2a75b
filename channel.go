package overlay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/overlay/pkg/task"
	"github.com/raskyld/overlay/pkg/wire"
)

// Channel multiplexes typed messages over one duplex connection to a peer.
//
// A Channel is stopped when its connection fails, when a frame can't be
// decoded or when Stop is called; the stop signal fires exactly once and
// a stopped Channel is never usable again.
type Channel struct {
	conn    net.Conn
	addr    wire.Addr
	session SessionBitflag
	tm      telemetry
	since   time.Time

	reader *bufio.Reader
	sendLk sync.Mutex
	msgs   *messageSubsystem

	readTask *task.StoppableTask
	stopOnce sync.Once
	stopCh   chan struct{}

	lk  sync.Mutex
	err error

	msgsIn   atomic.Uint64
	msgsOut  atomic.Uint64
	lastRecv atomic.Int64
}

// ChannelInfo is a snapshot of a Channel for status reporting.
type ChannelInfo struct {
	Address     string    `json:"address"`
	Local       string    `json:"local"`
	Session     string    `json:"session"`
	Connected   bool      `json:"connected"`
	Since       time.Time `json:"since"`
	MessagesIn  uint64    `json:"messages_in"`
	MessagesOut uint64    `json:"messages_out"`
	LastMessage time.Time `json:"last_message,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func newChannel(conn net.Conn, addr wire.Addr, session SessionBitflag, tm telemetry) *Channel {
	return &Channel{
		conn:     conn,
		addr:     addr,
		session:  session,
		tm:       tm.with(LabelPeerAddr.L(addr), LabelSession.L(session)),
		since:    time.Now(),
		reader:   bufio.NewReader(conn),
		msgs:     newMessageSubsystem(),
		readTask: task.New(),
		stopCh:   make(chan struct{}),
	}
}

// Address of the peer. For outbound channels, it is the address which was
// dialed.
func (ch *Channel) Address() wire.Addr {
	return ch.addr
}

func (ch *Channel) Session() SessionBitflag {
	return ch.session
}

// Start spawns the read loop. Subscriptions should be taken before, so no
// message is missed.
func (ch *Channel) Start(ctx context.Context) {
	ch.readTask.Start(ctx, ch.readLoop, ch.stopWith, ErrChannelStopped)
}

// Send writes msg on the connection. Writes are serialized, a write error
// stops the channel. If ctx is already done, nothing is written and the
// channel stays usable. If ctx is done while writing, the channel is
// stopped too since the stream may hold a partial frame.
func (ch *Channel) Send(ctx context.Context, msg wire.Message) error {
	if err := ch.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}

	buf, err := wire.EncodeFrame(msg)
	if err != nil {
		return err
	}

	ch.sendLk.Lock()
	defer ch.sendLk.Unlock()

	// nothing was written yet, the channel is still usable.
	if err := ctx.Err(); err != nil {
		return err
	}

	if dl, ok := ctx.Deadline(); ok {
		ch.conn.SetWriteDeadline(dl)
	}
	hookDone := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(hookDone)
		ch.conn.SetWriteDeadline(time.Now())
	})
	defer func() {
		// NB(raskyld): the hook may be running concurrently, the deadline
		// must only be cleared once it is done.
		if !stop() {
			<-hookDone
		}
		ch.conn.SetWriteDeadline(time.Time{})
	}()

	_, err = ch.conn.Write(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		err = fmt.Errorf("%w: %w", ErrChannelClosed, err)
		ch.stopWith(err)
		return err
	}

	ch.msgsOut.Add(1)
	ch.tm.incr(MetricChannelMsgOutCount, 1, LabelCommand.M(msg.Command()))
	ch.tm.incr(MetricChannelOutBytes, float32(len(buf)))
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (ch *Channel) Stop() {
	ch.stopWith(ErrChannelStopped)
	ch.readTask.Stop()
}

// StopSubscription waits for the termination of a Channel.
type StopSubscription struct {
	ch *Channel
}

// SubscribeStop returns a handle to wait for the channel's termination.
// Every subscription observes it.
func (ch *Channel) SubscribeStop() *StopSubscription {
	return &StopSubscription{ch: ch}
}

// Receive blocks until the channel stops and returns why it did.
func (s *StopSubscription) Receive(ctx context.Context) error {
	select {
	case <-s.ch.stopCh:
		return s.ch.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the channel stops.
func (ch *Channel) Done() <-chan struct{} {
	return ch.stopCh
}

// Err returns why the channel stopped, or nil if it is running.
func (ch *Channel) Err() error {
	ch.lk.Lock()
	defer ch.lk.Unlock()
	return ch.err
}

func (ch *Channel) Info() ChannelInfo {
	info := ChannelInfo{
		Address:     ch.addr.String(),
		Session:     ch.session.String(),
		Since:       ch.since,
		MessagesIn:  ch.msgsIn.Load(),
		MessagesOut: ch.msgsOut.Load(),
	}
	if local := ch.conn.LocalAddr(); local != nil {
		info.Local = local.String()
	}
	if ts := ch.lastRecv.Load(); ts != 0 {
		info.LastMessage = time.Unix(0, ts)
	}
	if err := ch.Err(); err != nil {
		info.Error = err.Error()
	} else {
		info.Connected = true
	}
	return info
}

func (ch *Channel) readLoop(ctx context.Context) error {
	// the read is not cancellable, closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() {
		ch.stopWith(ErrChannelStopped)
	})
	defer stop()

	for {
		frame, err := wire.ReadFrame(ch.reader)
		if err != nil {
			if errors.Is(err, wire.ErrMalformedFrame) || errors.Is(err, wire.ErrTooLargeFrame) {
				return fmt.Errorf("%w: %w", ErrDecodeFailed, err)
			}
			return fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}

		ch.msgsIn.Add(1)
		ch.lastRecv.Store(time.Now().UnixNano())
		ch.tm.incr(MetricChannelMsgInCount, 1, LabelCommand.M(frame.Command))
		ch.tm.incr(MetricChannelInBytes, float32(len(frame.Payload)))

		err = ch.msgs.notify(frame)
		if errors.Is(err, ErrMissingDispatcher) {
			ch.tm.logger.Debug("dropping message nobody listens to", LabelCommand.L(frame.Command))
			ch.tm.incr(MetricChannelDroppedCount, 1, LabelCommand.M(frame.Command))
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDecodeFailed, frame.Command, err)
		}
	}
}

func (ch *Channel) stopWith(cause error) {
	ch.stopOnce.Do(func() {
		ch.lk.Lock()
		ch.err = cause
		ch.lk.Unlock()

		if err := ch.conn.Close(); err != nil {
			ch.tm.logger.Debug("error closing connection", LabelError.L(err))
		}
		ch.msgs.close(cause)
		close(ch.stopCh)

		if errors.Is(cause, ErrChannelStopped) {
			ch.tm.logger.Debug("channel stopped")
		} else {
			ch.tm.logger.Info("channel closed", LabelError.L(cause))
		}
		ch.tm.incr(MetricChannelStoppedCount, 1, LabelSession.M(ch.session.String()))
	})
}
