package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/raskyld/overlay/pkg/wire"
)

// Connector is the active side of connection establishment. It does not
// retry, this is the business of its callers.
type Connector struct {
	tr      Transport
	timeout time.Duration
	tm      telemetry
	chTm    telemetry
}

func newConnector(tr Transport, timeout time.Duration, tm telemetry) *Connector {
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	return &Connector{
		tr:      tr,
		timeout: timeout,
		tm:      tm.with("component", "connector"),
		chTm:    tm.with("component", "channel"),
	}
}

// Connect dials addr and returns a Channel which is not started yet.
func (c *Connector) Connect(ctx context.Context, addr wire.Addr) (*Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.tr.Dial(ctx, addr)
	if err != nil {
		c.tm.incr(MetricDialErrorCount, 1, LabelTransport.M(c.tr.Name()))
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, addr, err)
	}

	c.tm.incr(MetricDialCount, 1, LabelTransport.M(c.tr.Name()))
	c.tm.logger.Debug("connected", LabelPeerAddr.L(addr))
	return newChannel(conn, addr, SessionOutbound, c.chTm), nil
}
