// Package peer implements the peer table: the mapping from node_id to
// external/local endpoint, status, and liveness used by mesh and VPN nodes.
package peer

import (
	"net/netip"
	"time"
)

// Status is the hole-punch lifecycle state of a peer.
type Status int

const (
	StatusDiscovered Status = iota
	StatusPunching
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusDiscovered:
		return "discovered"
	case StatusPunching:
		return "punching"
	case StatusActive:
		return "active"
	default:
		return "unknown"
	}
}

// Endpoint is an IPv4 address and UDP port.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// AddrPort converts the Endpoint to a netip.AddrPort for socket use.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

func (e Endpoint) String() string {
	return e.AddrPort().String()
}

// IsZero reports whether the endpoint has no address set.
func (e Endpoint) IsZero() bool {
	return !e.Addr.IsValid()
}

// EndpointFromAddrPort builds an Endpoint from a socket address.
func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}
}

// Peer is one entry in a node's peer table.
type Peer struct {
	NodeID       string
	External     Endpoint
	Local        *Endpoint
	Status       Status
	LastSeen     time.Time
	Capabilities map[string]any
}
