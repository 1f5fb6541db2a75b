package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	CommandGetAddrs = "getaddr"
	CommandAddrs    = "addr"
	CommandPing     = "ping"
	CommandPong     = "pong"
)

// Message is implemented by every type which can be carried by a Channel.
//
// Command must not depend on the receiver's content: the zero value of a
// message type is used to look its command up.
type Message interface {
	Command() string
	Encode() ([]byte, error)
}

// Decoder builds a message of type M from a frame payload.
type Decoder[M Message] func(payload []byte) (M, error)

// GetAddrsMessage asks the peer for the addresses it knows.
type GetAddrsMessage struct{}

func (GetAddrsMessage) Command() string { return CommandGetAddrs }

func (GetAddrsMessage) Encode() ([]byte, error) { return nil, nil }

func DecodeGetAddrsMessage(payload []byte) (GetAddrsMessage, error) {
	// NB(raskyld): the payload is ignored on purpose, newer peers may
	// add fields to the request.
	return GetAddrsMessage{}, nil
}

// AddrsMessage carries a list of peer addresses.
type AddrsMessage struct {
	Addrs []Addr
}

const (
	fieldAddrsEntry protowire.Number = 1
	fieldAddrHost   protowire.Number = 1
	fieldAddrPort   protowire.Number = 2
)

func (AddrsMessage) Command() string { return CommandAddrs }

func (m AddrsMessage) Encode() ([]byte, error) {
	var buf []byte
	for _, addr := range m.Addrs {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldAddrHost, protowire.BytesType)
		entry = protowire.AppendString(entry, addr.Host)
		entry = protowire.AppendTag(entry, fieldAddrPort, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(addr.Port))

		buf = protowire.AppendTag(buf, fieldAddrsEntry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entry)
	}
	return buf, nil
}

func DecodeAddrsMessage(payload []byte) (AddrsMessage, error) {
	var msg AddrsMessage
	err := forEachField(payload, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if num != fieldAddrsEntry {
			return nil
		}
		raw, err := consumeBytes(typ, val)
		if err != nil {
			return err
		}
		addr, err := decodeAddr(raw)
		if err != nil {
			return err
		}
		msg.Addrs = append(msg.Addrs, addr)
		return nil
	})
	if err != nil {
		return AddrsMessage{}, fmt.Errorf("%w: addr: %w", ErrMalformedPayload, err)
	}
	return msg, nil
}

func decodeAddr(raw []byte) (addr Addr, err error) {
	err = forEachField(raw, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case fieldAddrHost:
			host, err := consumeBytes(typ, val)
			if err != nil {
				return err
			}
			addr.Host = string(host)
		case fieldAddrPort:
			port, err := consumeVarint(typ, val)
			if err != nil {
				return err
			}
			if port > math.MaxUint16 {
				return fmt.Errorf("port %d out of range", port)
			}
			addr.Port = uint16(port)
		}
		return nil
	})
	return
}

// PingMessage is a keep-alive probe, the peer must answer with a
// PongMessage carrying the same nonce.
type PingMessage struct {
	Nonce uint32
}

func (PingMessage) Command() string { return CommandPing }

func (m PingMessage) Encode() ([]byte, error) {
	return encodeNonce(m.Nonce), nil
}

func DecodePingMessage(payload []byte) (PingMessage, error) {
	nonce, err := decodeNonce(payload)
	if err != nil {
		return PingMessage{}, fmt.Errorf("%w: ping: %w", ErrMalformedPayload, err)
	}
	return PingMessage{Nonce: nonce}, nil
}

type PongMessage struct {
	Nonce uint32
}

func (PongMessage) Command() string { return CommandPong }

func (m PongMessage) Encode() ([]byte, error) {
	return encodeNonce(m.Nonce), nil
}

func DecodePongMessage(payload []byte) (PongMessage, error) {
	nonce, err := decodeNonce(payload)
	if err != nil {
		return PongMessage{}, fmt.Errorf("%w: pong: %w", ErrMalformedPayload, err)
	}
	return PongMessage{Nonce: nonce}, nil
}

func encodeNonce(nonce uint32) []byte {
	buf := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(nonce))
}

func decodeNonce(payload []byte) (nonce uint32, err error) {
	err = forEachField(payload, func(num protowire.Number, typ protowire.Type, val []byte) error {
		if num != 1 {
			return nil
		}
		v, err := consumeVarint(typ, val)
		if err != nil {
			return err
		}
		if v > math.MaxUint32 {
			return fmt.Errorf("nonce %d out of range", v)
		}
		nonce = uint32(v)
		return nil
	})
	return
}
