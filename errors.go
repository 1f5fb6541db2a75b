package overlay

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg    = errors.New("network: invalid options")
	ErrNetworkClosed = errors.New("network: shutting down")
	ErrDuplicate     = errors.New("network: a channel to this address is already registered")
	ErrJoinCluster   = errors.New("network: could not start discovery")

	ErrChannelClosed     = errors.New("channel: closed")
	ErrChannelStopped    = errors.New("channel: stopped locally")
	ErrDecodeFailed      = errors.New("channel: could not decode frame")
	ErrMissingDispatcher = errors.New("channel: no dispatcher registered for message")
	ErrPingTimeout       = errors.New("channel: peer did not answer ping")

	ErrBindFailed    = errors.New("acceptor: could not bind listener")
	ErrConnectFailed = errors.New("connector: could not connect")

	ErrServiceStopped = errors.New("session: service stopped")

	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrListenerClosed    = errors.New("transport: listener closed")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrProtocolViolation = QuicApplicationError{
		Code:   0x5,
		Prefix: "protocol violation",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
