package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDiscovery(t *testing.T) {
	nodeA := startNetwork(t, "a",
		WithInbound("127.0.0.1:0"),
		WithOutboundConnections(0),
		WithDiscovery("127.0.0.1", 0),
		WithHostname("node-a"),
	)
	require.NotEmpty(t, nodeA.DiscoveryAddr())

	nodeB := startNetwork(t, "b",
		WithInbound("127.0.0.1:0"),
		WithOutboundConnections(0),
		WithDiscovery("127.0.0.1", 0),
		WithHostname("node-b"),
		WithNeighbours([]string{nodeA.DiscoveryAddr()}),
	)

	addrA, addrB := inboundAddr(t, nodeA), inboundAddr(t, nodeB)
	require.Eventually(t, func() bool {
		return nodeB.Hosts().Contains(addrA)
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return nodeA.Hosts().Contains(addrB)
	}, 5*time.Second, 10*time.Millisecond)

	// nodes never learn themselves
	require.False(t, nodeA.Hosts().Contains(addrA))
	require.Len(t, nodeA.Info().Discovery, 2)
}

func TestDiscovery_UnreachableNeighbour(t *testing.T) {
	n := startNetwork(t, "lonely",
		WithOutboundConnections(0),
		WithDiscovery("127.0.0.1", 0),
		WithHostname("lonely"),
		WithNeighbours([]string{"127.0.0.1:1"}),
	)
	require.Len(t, n.Info().Discovery, 1)
	require.Zero(t, n.Hosts().Len())
}

func TestWithHostname_RequiresDiscovery(t *testing.T) {
	_, err := Create(WithHostname("alone"))
	require.ErrorIs(t, err, ErrInvalidCfg)
}
