// Package overlay maintains the peer-to-peer overlay of a node: a set of
// long-lived `Channel`s to other nodes, kept populated from a registry of
// known addresses.
//
// ## How it works
//
// You `Create` a `Network` and `Network.Start` it. Under the hood, two
// sessions share a `Hosts` registry:
//
//   - The `InboundSession` binds an `Acceptor` and registers every accepted
//     connection as a `Channel`.
//   - The `OutboundSession` runs a fixed number of *slots*. Each slot picks
//     an address from the `Hosts`, skips ourselves and addresses which are
//     already connected or claimed by another slot, dials it with the
//     `Connector`, then waits for the `Channel` to close before starting
//     over.
//
// A `Channel` carries typed messages over a single stream. Messages are
// length-prefixed frames holding a command name and a protobuf-encoded
// payload. Consumers subscribe per message type with `SubscribeMsg`, and
// every subscriber receives every message of its type in arrival order.
//
// `Protocol`s are attached to channels on registration, depending on which
// session produced them. Two of them are built-in:
//
//   - `ProtocolAddress` exchanges known addresses, so the `Hosts` registry
//     grows with the overlay.
//   - `ProtocolPing` drops peers which stop answering.
//
// Optionally, nodes of the same LAN can find each other with
// [`hashicorp/memberlist`][dep-mbl] (see `WithDiscovery`).
//
// ## Transports
//
// Streams are provided by a `Transport`. Plain TCP, TCP with TLS and QUIC
// are built-in, you can bring your own with `WithTransport`. Use mTLS if
// you need your peers to be authenticated.
//
// ## Design Principles
//
// The overlay MUST NOT assume the network is reliable: dials fail, peers
// vanish and addresses go stale. Every component can be stopped, and
// stopping is idempotent. A stopped `Channel` is never reused, the slot
// which owned it dials a new one.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package overlay
