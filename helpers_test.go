package overlay

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/overlay/pkg/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func testTelemetry(name string) telemetry {
	return newTelemetry(
		testHandler(name),
		metrics.NewInmemSink(time.Second, 5*time.Minute),
		[]metrics.Label{{Name: "node", Value: name}},
	)
}

// pipeChannel returns a Channel, not started yet, and the raw peer side of its
// connection.
func pipeChannel(t *testing.T, setup func(ch *Channel)) (*Channel, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	ch := newChannel(local, wire.MustParseAddr("10.0.0.9:4000"), SessionOutbound, testTelemetry(t.Name()))
	AddDispatch(ch, wire.DecodeAddrsMessage)
	AddDispatch(ch, wire.DecodeGetAddrsMessage)
	if setup != nil {
		setup(ch)
	}
	t.Cleanup(func() {
		ch.Stop()
		remote.Close()
	})
	return ch, remote
}

func readMessage(t *testing.T, r *bufio.Reader) wire.Frame {
	t.Helper()
	frame, err := wire.ReadFrame(r)
	require.NoError(t, err)
	return frame
}

// newNetwork creates a Network logging and emitting metrics under name.
// opts come last so they can override the defaults of the test.
func newNetwork(t *testing.T, name string, opts ...Option) (*Network, *metrics.InmemSink) {
	t.Helper()
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	n, err := Create(append([]Option{
		WithLog(testHandler(name)),
		WithMetricSink(sink),
		WithMetricLabels([]metrics.Label{{Name: "node", Value: name}}),
		WithDialTimeout(2 * time.Second),
		WithPing(0, 0),
	}, opts...)...)
	require.NoError(t, err)
	return n, sink
}

// startNetwork creates and starts a Network stopped at the end of the test.
func startNetwork(t *testing.T, name string, opts ...Option) *Network {
	t.Helper()
	n, _ := newNetwork(t, name, opts...)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)
	return n
}

func inboundAddr(t *testing.T, n *Network) wire.Addr {
	t.Helper()
	addr, ok := n.InboundAddr()
	require.True(t, ok, "network is not accepting connections")
	return addr
}

func countSlots(n *Network, state SlotState) int {
	count := 0
	for _, slot := range n.Outbound().Slots() {
		if slot.State == state {
			count++
		}
	}
	return count
}

// counterTotal sums every counter of sink whose flattened name starts
// with key, whatever its labels.
func counterTotal(sink *metrics.InmemSink, key string) int {
	total := 0
	for _, interval := range sink.Data() {
		interval.RLock()
		for name, c := range interval.Counters {
			if name == key || len(name) > len(key) && name[:len(key)+1] == key+";" {
				total += c.Count
			}
		}
		interval.RUnlock()
	}
	return total
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Name() string {
	return "mock"
}

func (m *mockTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	args := m.Called(addr)
	ln, _ := args.Get(0).(Listener)
	return ln, args.Error(1)
}

func (m *mockTransport) Dial(ctx context.Context, addr wire.Addr) (net.Conn, error) {
	args := m.Called(ctx, addr)
	conn, _ := args.Get(0).(net.Conn)
	return conn, args.Error(1)
}
