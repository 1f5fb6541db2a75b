package overlay

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/overlay/pkg/wire"
	"golang.org/x/time/rate"
)

const (
	defaultDialTimeout    = 30 * time.Second
	defaultSelectionEvery = 100 * time.Millisecond
	defaultSelectionBurst = 4
	defaultPingInterval   = 30 * time.Second
	defaultPingTimeout    = 10 * time.Second
)

type config struct {
	inbound       string
	externalAddr  wire.Addr
	outboundSlots int
	peers         []wire.Addr

	transport     Transport
	transportName string
	tlsConf       *tls.Config
	dialTimeout   time.Duration

	selectionRate  rate.Limit
	selectionBurst int

	pingInterval time.Duration
	pingTimeout  time.Duration

	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label

	mlCfg      *memberlist.Config
	neighbours []string
}

func defaultConfig() *config {
	return &config{
		outboundSlots:  8,
		transportName:  TransportTCP,
		dialTimeout:    defaultDialTimeout,
		selectionRate:  rate.Every(defaultSelectionEvery),
		selectionBurst: defaultSelectionBurst,
		pingInterval:   defaultPingInterval,
		pingTimeout:    defaultPingTimeout,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithInbound makes the node accept connections on bindAddr, e.g.
// `0.0.0.0:26661`. Without it, the InboundSession stays idle.
func WithInbound(bindAddr string) Option {
	return func(c *config) error {
		c.inbound = bindAddr
		return nil
	}
}

// WithExternalAddr is the address other peers should use to reach us.
// It is gossiped to peers and never dialed by our own outbound slots.
func WithExternalAddr(addr string) Option {
	return func(c *config) error {
		parsed, err := wire.ParseAddr(addr)
		if err != nil {
			return fmt.Errorf("%w: external address: %w", ErrInvalidCfg, err)
		}
		c.externalAddr = parsed
		return nil
	}
}

// WithOutboundConnections sets how many outbound slots the node runs.
func WithOutboundConnections(slots int) Option {
	return func(c *config) error {
		if slots < 0 {
			return fmt.Errorf("%w: negative outbound connections", ErrInvalidCfg)
		}
		c.outboundSlots = slots
		return nil
	}
}

// WithPeers seeds the Hosts registry.
func WithPeers(peers ...string) Option {
	return func(c *config) error {
		for _, peer := range peers {
			addr, err := wire.ParseAddr(peer)
			if err != nil {
				return fmt.Errorf("%w: peer: %w", ErrInvalidCfg, err)
			}
			c.peers = append(c.peers, addr)
		}
		return nil
	}
}

// WithTransport replaces the transport built from the other options.
func WithTransport(tr Transport) Option {
	return func(c *config) error {
		if tr == nil {
			return fmt.Errorf("%w: nil transport", ErrInvalidCfg)
		}
		c.transport = tr
		return nil
	}
}

// WithTransportName selects one of the built-in transports: `tcp` (TLS if
// a config is provided with `WithTlsConfig`) or `quic`.
func WithTransportName(name string) Option {
	return func(c *config) error {
		switch name {
		case "":
			c.transportName = TransportTCP
		case TransportTCP, TransportQUIC:
			c.transportName = name
		default:
			return fmt.Errorf("%w: unknown transport %q", ErrInvalidCfg, name)
		}
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the built-in transports.
// Use mTLS if you need your peers to be authenticated.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultDialTimeout
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithSelectionRate paces how often an outbound slot picks a candidate
// from the Hosts registry.
func WithSelectionRate(every time.Duration, burst int) Option {
	return func(c *config) error {
		if burst < 1 {
			return fmt.Errorf("%w: selection burst must be positive", ErrInvalidCfg)
		}
		c.selectionRate = rate.Every(every)
		c.selectionBurst = burst
		return nil
	}
}

// WithPing controls the keep-alive of channels. An interval of 0 disables
// it.
func WithPing(interval, timeout time.Duration) Option {
	return func(c *config) error {
		if interval > 0 && timeout <= 0 {
			return fmt.Errorf("%w: ping timeout must be positive", ErrInvalidCfg)
		}
		c.pingInterval = interval
		c.pingTimeout = timeout
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Network`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// Network.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithDiscovery enables LAN discovery: a memberlist cluster is joined on
// addr and port, and every member advertising an address feeds our Hosts
// registry.
func WithDiscovery(addr string, port int) Option {
	return func(c *config) error {
		if c.mlCfg == nil {
			c.mlCfg = memberlist.DefaultLocalConfig()
		}
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithHostname specifies which name should be exposed to the discovery
// cluster. For a well-behaving cluster, the name MUST be unique.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		if c.mlCfg == nil {
			return fmt.Errorf("%w: WithHostname requires WithDiscovery", ErrInvalidCfg)
		}
		if hostname != "" {
			c.mlCfg.Name = hostname
		}
		return nil
	}
}

// WithNeighbours controls which members are tried initially to join the
// discovery cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// memberlistLabels translates our labels for memberlist.
//
// TODO(raskyld): drop it once memberlist emits through hashicorp/go-metrics.
func memberlistLabels(labels []metrics.Label) []leg_metrics.Label {
	out := make([]leg_metrics.Label, len(labels))
	for i, label := range labels {
		out[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return out
}
