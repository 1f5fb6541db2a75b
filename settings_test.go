package overlay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raskyld/overlay/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	raw := []byte(`
inbound: 127.0.0.1:0
external_addr: 10.0.0.7:9999
outbound_connections: 3
peers:
  - 10.0.0.8:9999
  - seed.example.org:26661
transport: tcp
dial_timeout: 5s
ping:
  interval: 1s
  timeout: 500ms
discovery:
  enabled: true
  bind: 127.0.0.1
  port: 0
  name: node-a
  neighbours: [127.0.0.1:7946]
`)

	s, err := ParseSettings(raw)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, s.DialTimeout)
	require.Equal(t, time.Second, s.Ping.Interval)

	opts, err := s.Options()
	require.NoError(t, err)

	cfg := defaultConfig()
	for _, opt := range opts {
		require.NoError(t, opt(cfg))
	}

	require.Equal(t, "127.0.0.1:0", cfg.inbound)
	require.Equal(t, wire.MustParseAddr("10.0.0.7:9999"), cfg.externalAddr)
	require.Equal(t, 3, cfg.outboundSlots)
	require.Equal(t, []wire.Addr{
		wire.MustParseAddr("10.0.0.8:9999"),
		wire.MustParseAddr("seed.example.org:26661"),
	}, cfg.peers)
	require.Equal(t, TransportTCP, cfg.transportName)
	require.Equal(t, 5*time.Second, cfg.dialTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.pingTimeout)
	require.NotNil(t, cfg.mlCfg)
	require.Equal(t, "node-a", cfg.mlCfg.Name)
	require.Equal(t, []string{"127.0.0.1:7946"}, cfg.neighbours)
}

func TestParseSettings_Invalid(t *testing.T) {
	_, err := ParseSettings([]byte("inboud: 127.0.0.1:0\n"))
	require.ErrorIs(t, err, ErrInvalidCfg, "typos must not be silently ignored")

	s, err := ParseSettings([]byte("transport: carrier-pigeon\n"))
	require.NoError(t, err)
	opts, err := s.Options()
	require.NoError(t, err)
	_, err = Create(opts...)
	require.ErrorIs(t, err, ErrInvalidCfg)

	s, err = ParseSettings([]byte("tls: {cert: a.crt}\n"))
	require.NoError(t, err)
	_, err = s.Options()
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outbound_connections: 0\n"), 0o600))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	require.NotNil(t, s.OutboundConnections)
	require.Zero(t, *s.OutboundConnections)

	_, err = LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
