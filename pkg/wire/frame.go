package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds the body of a single frame, on both the read and the
// write side.
const MaxFrameSize = 8 << 20

const (
	fieldCommand protowire.Number = 1
	fieldPayload protowire.Number = 2
)

// Frame is the unit exchanged on a channel: a command naming the message
// type and its encoded payload.
//
// On the wire, a frame is a varint length prefix followed by a body
// holding the command (field 1) and the payload (field 2) in protobuf
// wire format.
type Frame struct {
	Command string
	Payload []byte
}

// FrameReader is satisfied by `*bufio.Reader`.
type FrameReader interface {
	io.Reader
	io.ByteReader
}

// EncodeFrame serializes msg into a length-prefixed frame.
func EncodeFrame(msg Message) ([]byte, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, Frame{Command: msg.Command(), Payload: payload})
}

// AppendFrame appends the length-prefixed encoding of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	bodySize := protowire.SizeTag(fieldCommand) + protowire.SizeBytes(len(f.Command)) +
		protowire.SizeTag(fieldPayload) + protowire.SizeBytes(len(f.Payload))
	if bodySize > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, bodySize)
	}

	dst = protowire.AppendVarint(dst, uint64(bodySize))
	dst = protowire.AppendTag(dst, fieldCommand, protowire.BytesType)
	dst = protowire.AppendString(dst, f.Command)
	dst = protowire.AppendTag(dst, fieldPayload, protowire.BytesType)
	dst = protowire.AppendBytes(dst, f.Payload)
	return dst, nil
}

// WriteFrame encodes msg and writes it with a single call to w.
func WriteFrame(w io.Writer, msg Message) error {
	buf, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame blocks until a whole frame has been read from r.
//
// It returns io.EOF only if the stream ended cleanly between two frames.
func ReadFrame(r FrameReader) (Frame, error) {
	buf := make([]byte, 0, binary.MaxVarintLen64)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
		if len(buf) == binary.MaxVarintLen64 {
			return Frame{}, fmt.Errorf("%w: length prefix overflow", ErrMalformedFrame)
		}
	}

	size, n := protowire.ConsumeVarint(buf)
	if err := protowire.ParseError(n); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: peer announced %d bytes", ErrTooLargeFrame, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	var (
		f          Frame
		hasCommand bool
	)
	err := forEachField(body, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case fieldCommand:
			cmd, err := consumeBytes(typ, val)
			if err != nil {
				return err
			}
			f.Command = string(cmd)
			hasCommand = true
		case fieldPayload:
			payload, err := consumeBytes(typ, val)
			if err != nil {
				return err
			}
			f.Payload = payload
		}
		return nil
	})
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if !hasCommand || f.Command == "" {
		return Frame{}, fmt.Errorf("%w: missing command", ErrMalformedFrame)
	}
	return f, nil
}

// forEachField calls visit with the raw value of every field found in b.
// Unknown fields are handed to visit as well, it is up to the caller to
// ignore them.
func forEachField(b []byte, visit func(num protowire.Number, typ protowire.Type, val []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if err := protowire.ParseError(n); err != nil {
			return err
		}
		b = b[n:]

		m := protowire.ConsumeFieldValue(num, typ, b)
		if err := protowire.ParseError(m); err != nil {
			return err
		}
		if err := visit(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, val []byte) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(val)
	if err := protowire.ParseError(n); err != nil {
		return nil, err
	}
	return v, nil
}

func consumeVarint(typ protowire.Type, val []byte) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(val)
	if err := protowire.ParseError(n); err != nil {
		return 0, err
	}
	return v, nil
}
