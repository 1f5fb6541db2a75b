package overlay

import (
	"context"
	"strings"
)

// SessionBitflag identifies session kinds, protocols are registered for a
// set of them.
type SessionBitflag uint8

const (
	SessionInbound SessionBitflag = 1 << iota
	SessionOutbound

	SessionAll = SessionInbound | SessionOutbound
)

func (s SessionBitflag) String() string {
	var parts []string
	if s&SessionInbound != 0 {
		parts = append(parts, "inbound")
	}
	if s&SessionOutbound != 0 {
		parts = append(parts, "outbound")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Session manages the channels of one direction.
//
// Sessions hold a non-owning reference to their Network: the Network
// MUST outlive its sessions, using a session after `Network.Stop` is a
// programming error.
type Session interface {
	Start(ctx context.Context) error
	Stop()
	Info() any
	Network() *Network
	SelectorID() SessionBitflag
}

var (
	_ Session = (*InboundSession)(nil)
	_ Session = (*OutboundSession)(nil)
)
