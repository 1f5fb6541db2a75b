package wire

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrame_Stream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, GetAddrsMessage{}))
	require.NoError(t, WriteFrame(&buf, AddrsMessage{Addrs: []Addr{
		{Host: "10.0.0.1", Port: 4000},
		{Host: "seed.example.org", Port: 26661},
	}}))
	require.NoError(t, WriteFrame(&buf, PingMessage{Nonce: 42}))

	r := bufio.NewReader(&buf)

	f, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, CommandGetAddrs, f.Command)
	require.Empty(t, f.Payload)

	f, err = ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, CommandAddrs, f.Command)
	addrs, err := DecodeAddrsMessage(f.Payload)
	require.NoError(t, err)
	require.Equal(t, []Addr{
		{Host: "10.0.0.1", Port: 4000},
		{Host: "seed.example.org", Port: 26661},
	}, addrs.Addrs)

	f, err = ReadFrame(r)
	require.NoError(t, err)
	ping, err := DecodePingMessage(f.Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(42), ping.Nonce)

	_, err = ReadFrame(r)
	require.ErrorIs(t, err, io.EOF, "clean end of stream between frames")
}

func TestFrame_Truncated(t *testing.T) {
	buf, err := EncodeFrame(PongMessage{Nonce: 7})
	require.NoError(t, err)

	_, err = ReadFrame(bufio.NewReader(bytes.NewReader(buf[:len(buf)-1])))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bufio.NewReader(bytes.NewReader([]byte{0x80})))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF, "truncated length prefix")
}

func TestFrame_TooLarge(t *testing.T) {
	_, err := AppendFrame(nil, Frame{Command: "blob", Payload: make([]byte, MaxFrameSize)})
	require.ErrorIs(t, err, ErrTooLargeFrame)

	announced := protowire.AppendVarint(nil, MaxFrameSize+1)
	_, err = ReadFrame(bufio.NewReader(bytes.NewReader(announced)))
	require.ErrorIs(t, err, ErrTooLargeFrame)
}

func TestFrame_MissingCommand(t *testing.T) {
	body := protowire.AppendTag(nil, fieldPayload, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("orphan"))
	buf := protowire.AppendVarint(nil, uint64(len(body)))
	buf = append(buf, body...)

	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(buf)))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func FuzzReadFrame(f *testing.F) {
	seed, _ := EncodeFrame(AddrsMessage{Addrs: []Addr{{Host: "127.0.0.1", Port: 1}}})
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	f.Add([]byte{0x02, 0x0a, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := ReadFrame(bufio.NewReader(bytes.NewReader(data)))
		if err != nil {
			return
		}
		require.NotEmpty(t, frame.Command)

		// payload decoders must never panic on peer input
		_, _ = DecodeAddrsMessage(frame.Payload)
		_, _ = DecodePingMessage(frame.Payload)
		_, _ = DecodePongMessage(frame.Payload)
	})
}
