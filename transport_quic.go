package overlay

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/overlay/pkg/wire"
)

const (
	quicALPN = "overlay/1"

	// quicStreamPreface is written by the dialer right after opening its
	// stream: a QUIC stream is only visible to the peer once a frame has
	// been sent on it.
	quicStreamPreface byte = 0x4f

	defaultQuicStreamTimeout = 10 * time.Second
)

// QUICTransport carries every Channel on its own QUIC connection, using
// one bidirectional stream.
type QUICTransport struct {
	// TlsConfig is mandatory with QUIC.
	TlsConfig *tls.Config

	// Config overrides our defaults.
	Config *quic.Config

	// StreamTimeout bounds how long an inbound connection has to open its
	// stream and send the preface.
	StreamTimeout time.Duration

	Logger *slog.Logger

	// MetricSink receives the stream errors of inbound connections,
	// metrics.Default() is used if nil.
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

func (t *QUICTransport) Name() string {
	return TransportQUIC
}

func (t *QUICTransport) tlsConfig() (*tls.Config, error) {
	if t.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	conf := t.TlsConfig.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{quicALPN}
	}
	return conf, nil
}

func (t *QUICTransport) quicConfig() *quic.Config {
	if t.Config != nil {
		return t.Config.Clone()
	}
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:       false,
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 20 * time.Second,
	}
}

func (t *QUICTransport) telemetry() telemetry {
	tm := telemetry{
		logger: t.Logger,
		msink:  t.MetricSink,
		labels: t.MetricLabels,
	}
	if tm.logger == nil {
		tm.logger = slog.Default()
	}
	if tm.msink == nil {
		tm.msink = metrics.Default()
	}
	return tm.with(LabelTransport.L(TransportQUIC))
}

func (t *QUICTransport) Listen(_ context.Context, addr string) (Listener, error) {
	tlsConf, err := t.tlsConfig()
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(addr, tlsConf, t.quicConfig())
	if err != nil {
		return nil, err
	}

	timeout := t.StreamTimeout
	if timeout == 0 {
		timeout = defaultQuicStreamTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	ql := &quicListener{
		ln:            ln,
		tm:            t.telemetry(),
		streamTimeout: timeout,
		connCh:        make(chan net.Conn),
		closeCh:       make(chan struct{}),
		cancel:        cancel,
	}

	ql.wg.Add(1)
	go ql.acceptConns(ctx)
	return ql, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr wire.Addr) (net.Conn, error) {
	tlsConf, err := t.tlsConfig()
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, addr.String(), tlsConf, t.quicConfig())
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "could not open stream")
		return nil, err
	}

	if _, err := stream.Write([]byte{quicStreamPreface}); err != nil {
		QErrInternal.Close(conn, "could not send preface")
		return nil, err
	}

	return &streamConn{conn: conn, Stream: stream}, nil
}

type quicListener struct {
	ln            *quic.Listener
	tm            telemetry
	streamTimeout time.Duration

	connCh    chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func (ql *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-ql.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ql.closeCh:
		return nil, ErrListenerClosed
	}
}

func (ql *quicListener) Addr() net.Addr {
	return ql.ln.Addr()
}

func (ql *quicListener) Close() (err error) {
	ql.closeOnce.Do(func() {
		close(ql.closeCh)
		ql.cancel()
		err = ql.ln.Close()
		ql.wg.Wait()
	})
	return
}

func (ql *quicListener) acceptConns(ctx context.Context) {
	defer ql.wg.Done()
	for {
		conn, err := ql.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				// NB(raskyld): atm, the implementation only return errors if
				// Close() has been called.
				ql.tm.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		ql.wg.Add(1)
		go func() {
			defer ql.wg.Done()
			if err := ql.handleConn(ctx, conn); err != nil {
				ql.tm.logger.Warn("dropping inbound QUIC connection",
					LabelPeerAddr.L(conn.RemoteAddr().String()),
					LabelError.L(err),
				)
				ql.tm.incr(MetricQuicStreamErrorCount, 1, LabelError.M("protocol_violation"))
			}
		}()
	}
}

// handleConn waits for the peer to open its stream and hands it to Accept.
// The returned error wraps ErrProtocolViolation, the connection is already
// closed then.
func (ql *quicListener) handleConn(ctx context.Context, conn quic.Connection) error {
	sctx, cancel := context.WithTimeout(ctx, ql.streamTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(sctx)
	if err != nil {
		if ctx.Err() != nil {
			// we are closing, the peer did nothing wrong
			QErrShutdown.Close(conn, "listener closed")
			return nil
		}
		QErrProtocolViolation.Close(conn, "no stream opened")
		return fmt.Errorf("%w: no stream opened: %w", ErrProtocolViolation, err)
	}

	var preface [1]byte
	stream.SetReadDeadline(time.Now().Add(ql.streamTimeout))
	_, err = io.ReadFull(stream, preface[:])
	if err != nil || preface[0] != quicStreamPreface {
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		QErrProtocolViolation.Close(conn, "invalid stream preface")
		if err != nil {
			return fmt.Errorf("%w: reading stream preface: %w", ErrProtocolViolation, err)
		}
		return fmt.Errorf("%w: invalid stream preface 0x%02x", ErrProtocolViolation, preface[0])
	}
	stream.SetReadDeadline(time.Time{})

	sc := &streamConn{conn: conn, Stream: stream}
	select {
	case ql.connCh <- sc:
	case <-ctx.Done():
		sc.Close()
	}
	return nil
}
