package wire

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// Addr is a peer endpoint. It is comparable so it can be used as a map key,
// two addresses are equal when their host and port are equal.
type Addr struct {
	Host string
	Port uint16
}

// ParseAddr parses a `host:port` string.
func ParseAddr(s string) (Addr, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: port %q: %w", ErrInvalidAddr, port, err)
	}

	addr := Addr{Host: host, Port: uint16(p)}
	if !addr.Valid() {
		return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}
	return addr, nil
}

// MustParseAddr is like ParseAddr but panics on error.
func MustParseAddr(s string) Addr {
	addr, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// AddrFromNet converts the address of a socket.
func AddrFromNet(na net.Addr) (Addr, error) {
	if na == nil {
		return Addr{}, ErrInvalidAddr
	}
	return ParseAddr(na.String())
}

// Valid reports whether the address can be dialed.
func (a Addr) Valid() bool {
	return a.Host != "" && a.Port != 0
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

func (a Addr) LogValue() slog.Value {
	return slog.StringValue(a.String())
}
