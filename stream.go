package overlay

import (
	"net"

	"github.com/quic-go/quic-go"
)

// streamConn exposes the single stream of a QUIC connection as a
// `net.Conn`. Closing it closes the whole connection.
type streamConn struct {
	conn quic.Connection

	// NB(raskyld): It is not clear from the go-quic docs and interface comments
	// whether the stream is thread-safe, it states that Close MUST NOT
	// be called concurrently with write, but looking at the implementation,
	// it does use a mutex to sync Write/Close/Read operations.
	// The Channel serializes its writes anyway.
	quic.Stream
}

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.conn.LocalAddr()
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

func (sc *streamConn) Close() error {
	sc.Stream.CancelRead(0)
	err := sc.Stream.Close()
	QErrShutdown.Close(sc.conn, "channel closed")
	return err
}
