package overlay

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the on-disk configuration of a node.
//
//	inbound: 0.0.0.0:26661
//	external_addr: node1.example.org:26661
//	outbound_connections: 8
//	peers: [seed.example.org:26661]
//	transport: quic
//	tls: {cert: node.crt, key: node.key, ca: ca.crt}
//	ping: {interval: 30s, timeout: 10s}
//	discovery: {enabled: true, bind: 0.0.0.0, port: 7946, neighbours: [10.0.0.2:7946]}
type Settings struct {
	Inbound             string        `yaml:"inbound"`
	ExternalAddr        string        `yaml:"external_addr"`
	OutboundConnections *int          `yaml:"outbound_connections"`
	Peers               []string      `yaml:"peers"`
	Transport           string        `yaml:"transport"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`

	TLS       TLSSettings       `yaml:"tls"`
	Ping      *PingSettings     `yaml:"ping"`
	Discovery DiscoverySettings `yaml:"discovery"`
}

type TLSSettings struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

type PingSettings struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type DiscoverySettings struct {
	Enabled    bool     `yaml:"enabled"`
	Bind       string   `yaml:"bind"`
	Port       int      `yaml:"port"`
	Name       string   `yaml:"name"`
	Neighbours []string `yaml:"neighbours"`
}

// LoadSettings reads the YAML file at path.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes YAML settings, unknown keys are rejected.
func ParseSettings(data []byte) (*Settings, error) {
	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: settings: %w", ErrInvalidCfg, err)
	}
	return &s, nil
}

// Options translates the settings, loading TLS material from disk.
func (s *Settings) Options() ([]Option, error) {
	var opts []Option
	if s.Inbound != "" {
		opts = append(opts, WithInbound(s.Inbound))
	}
	if s.ExternalAddr != "" {
		opts = append(opts, WithExternalAddr(s.ExternalAddr))
	}
	if s.OutboundConnections != nil {
		opts = append(opts, WithOutboundConnections(*s.OutboundConnections))
	}
	if len(s.Peers) > 0 {
		opts = append(opts, WithPeers(s.Peers...))
	}
	opts = append(opts, WithTransportName(s.Transport))
	if s.DialTimeout > 0 {
		opts = append(opts, WithDialTimeout(s.DialTimeout))
	}
	if s.Ping != nil {
		opts = append(opts, WithPing(s.Ping.Interval, s.Ping.Timeout))
	}

	tlsConf, err := s.TLS.load()
	if err != nil {
		return nil, err
	}
	if tlsConf != nil {
		opts = append(opts, WithTlsConfig(tlsConf))
	}

	if s.Discovery.Enabled {
		opts = append(opts,
			WithDiscovery(s.Discovery.Bind, s.Discovery.Port),
			WithHostname(s.Discovery.Name),
			WithNeighbours(s.Discovery.Neighbours),
		)
	}
	return opts, nil
}

func (t TLSSettings) load() (*tls.Config, error) {
	if t.Cert == "" && t.Key == "" && t.CA == "" {
		return nil, nil
	}
	if t.CA == "" || t.Cert == "" || t.Key == "" {
		return nil, fmt.Errorf("%w: tls: cert, key and ca must all be provided", ErrInvalidCfg)
	}

	keypair, err := tls.LoadX509KeyPair(t.Cert, t.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	caBytes, err := os.ReadFile(t.CA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("failed to load CA: no certificate found")
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}
