package overlay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/raskyld/overlay/pkg/wire"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

// Transport is the stream factory used by the Acceptor and the Connector.
// Encryption and authentication of peers are its business, the overlay
// only sees duplex byte streams.
type Transport interface {
	Name() string
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr wire.Addr) (net.Conn, error)
}

// Listener yields inbound streams.
type Listener interface {
	// Accept blocks until a stream is available, ctx is done or the
	// listener is closed, in which case it returns ErrListenerClosed.
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}

// TCPTransport streams over TCP, wrapped in TLS if TlsConfig is set.
type TCPTransport struct {
	TlsConfig *tls.Config

	// KeepAlive period of the sockets, the OS default is used when 0.
	KeepAlive time.Duration
}

func (t *TCPTransport) Name() string {
	if t.TlsConfig != nil {
		return "tls"
	}
	return TransportTCP
}

func (t *TCPTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{
		ln:      ln.(*net.TCPListener),
		tlsConf: t.TlsConfig,
	}, nil
}

func (t *TCPTransport) Dial(ctx context.Context, addr wire.Addr) (net.Conn, error) {
	dialer := &net.Dialer{KeepAlive: t.KeepAlive}
	if t.TlsConfig == nil {
		return dialer.DialContext(ctx, "tcp", addr.String())
	}
	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config:    t.TlsConfig,
	}
	return tlsDialer.DialContext(ctx, "tcp", addr.String())
}

type tcpListener struct {
	ln      *net.TCPListener
	tlsConf *tls.Config
}

func (l *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
	l.ln.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Now())
	})
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", ErrListenerClosed, err)
		}
		return nil, err
	}

	if l.tlsConf == nil {
		return conn, nil
	}
	// NB(raskyld): the handshake is done on the first Read or Write so a
	// slow peer can't hold the accept loop.
	return tls.Server(conn, l.tlsConf), nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

func buildTransport(cfg *config, tm telemetry) (Transport, error) {
	if cfg.transport != nil {
		return cfg.transport, nil
	}

	switch cfg.transportName {
	case TransportQUIC:
		if cfg.tlsConf == nil {
			return nil, fmt.Errorf("%w: quic", ErrNoTLSConfig)
		}
		return &QUICTransport{
			TlsConfig:    cfg.tlsConf,
			Logger:       tm.logger,
			MetricSink:   tm.msink,
			MetricLabels: tm.labels,
		}, nil
	default:
		return &TCPTransport{TlsConfig: cfg.tlsConf}, nil
	}
}
