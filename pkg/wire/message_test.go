package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestParseAddr(t *testing.T) {
	addr, err := ParseAddr("127.0.0.1:6174")
	require.NoError(t, err)
	require.Equal(t, Addr{Host: "127.0.0.1", Port: 6174}, addr)
	require.Equal(t, "127.0.0.1:6174", addr.String())

	addr, err = ParseAddr("[::1]:80")
	require.NoError(t, err)
	require.Equal(t, "[::1]:80", addr.String())

	for _, invalid := range []string{"", "localhost", "localhost:0", ":6174", "localhost:70000"} {
		_, err := ParseAddr(invalid)
		require.ErrorIs(t, err, ErrInvalidAddr, "input %q", invalid)
	}

	addr, err = AddrFromNet(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 5000})
	require.NoError(t, err)
	require.Equal(t, Addr{Host: "10.0.0.3", Port: 5000}, addr)
}

func TestAddrsMessage_Decode(t *testing.T) {
	t.Run("empty list", func(t *testing.T) {
		payload, err := AddrsMessage{}.Encode()
		require.NoError(t, err)
		msg, err := DecodeAddrsMessage(payload)
		require.NoError(t, err)
		require.Empty(t, msg.Addrs)
	})

	t.Run("unknown fields are skipped", func(t *testing.T) {
		payload, err := AddrsMessage{Addrs: []Addr{{Host: "a", Port: 1}}}.Encode()
		require.NoError(t, err)
		payload = protowire.AppendTag(payload, 9, protowire.VarintType)
		payload = protowire.AppendVarint(payload, 1234)

		msg, err := DecodeAddrsMessage(payload)
		require.NoError(t, err)
		require.Equal(t, []Addr{{Host: "a", Port: 1}}, msg.Addrs)
	})

	t.Run("port out of range", func(t *testing.T) {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldAddrHost, protowire.BytesType)
		entry = protowire.AppendString(entry, "a")
		entry = protowire.AppendTag(entry, fieldAddrPort, protowire.VarintType)
		entry = protowire.AppendVarint(entry, 1<<20)
		payload := protowire.AppendTag(nil, fieldAddrsEntry, protowire.BytesType)
		payload = protowire.AppendBytes(payload, entry)

		_, err := DecodeAddrsMessage(payload)
		require.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("wrong wire type", func(t *testing.T) {
		payload := protowire.AppendTag(nil, fieldAddrsEntry, protowire.VarintType)
		payload = protowire.AppendVarint(payload, 3)

		_, err := DecodeAddrsMessage(payload)
		require.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestCommandOfZeroValue(t *testing.T) {
	require.Equal(t, CommandAddrs, AddrsMessage{}.Command())
	require.Equal(t, CommandGetAddrs, GetAddrsMessage{}.Command())
	require.Equal(t, CommandPing, PingMessage{}.Command())
	require.Equal(t, CommandPong, PongMessage{}.Command())
}
