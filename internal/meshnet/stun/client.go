// Package stun implements an RFC 5389 Binding Request/Response client
// sufficient to learn a host's reflexive (externally-mapped) address for a
// bound UDP socket.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand/v2"
	"net"
	"net/netip"
	"time"

	"meshnet/internal/meshnet/errs"
)

const (
	bindingRequest  = 0x0001
	bindingResponse = 0x0101
	magicCookie     = 0x2112A442

	attrMappedAddress    = 0x0001
	attrXorMappedAddress = 0x0020

	familyIPv4 = 0x01

	requestTimeout = 2 * time.Second
)

// Server is a host:port pair for a public STUN server.
type Server struct {
	Host string
	Port int
}

// DefaultServers mirrors the rotating list of public STUN servers used by
// the original program.
var DefaultServers = []Server{
	{"stun.l.google.com", 19302},
	{"stun1.l.google.com", 19302},
	{"stun2.l.google.com", 19302},
	{"stun3.l.google.com", 19302},
	{"stun4.l.google.com", 19302},
	{"stun.ekiga.net", 3478},
	{"stun.ideasip.com", 3478},
	{"stun.voiparound.com", 3478},
	{"stun.voipbuster.com", 3478},
	{"stun.voipstunt.com", 3478},
	{"stun.voxgratia.org", 3478},
}

// Client performs STUN Binding Requests over a caller-provided UDP socket.
type Client struct {
	servers []Server
}

// New builds a Client. A nil or empty server list falls back to
// DefaultServers.
func New(servers []Server) *Client {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	shuffled := make([]Server, len(servers))
	copy(shuffled, servers)
	mrand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return &Client{servers: shuffled}
}

// Discover tries each configured STUN server in turn over conn, returning
// the first successfully parsed reflexive IPv4 address.
func (c *Client) Discover(conn *net.UDPConn) (netip.AddrPort, error) {
	for _, srv := range c.servers {
		addrPort, err := c.request(conn, srv)
		if err != nil {
			continue
		}
		return addrPort, nil
	}
	return netip.AddrPort{}, errs.ErrStunFailure
}

func (c *Client) request(conn *net.UDPConn, srv Server) (netip.AddrPort, error) {
	ips, err := net.LookupHost(srv.Host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("stun: resolve %s: %w", srv.Host, err)
	}
	serverAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(ips[0], fmt.Sprintf("%d", srv.Port)))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: resolve addr: %w", err)
	}

	req, err := buildBindingRequest()
	if err != nil {
		return netip.AddrPort{}, err
	}
	if _, err := conn.WriteToUDP(req, serverAddr); err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: send: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(requestTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 2048)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: read: %w", err)
	}
	return parseBindingResponse(buf[:n])
}

func buildBindingRequest() ([]byte, error) {
	req := make([]byte, 20)
	binary.BigEndian.PutUint16(req[0:2], bindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0)
	binary.BigEndian.PutUint32(req[4:8], magicCookie)
	if _, err := rand.Read(req[8:20]); err != nil {
		return nil, fmt.Errorf("stun: transaction id: %w", err)
	}
	return req, nil
}

// parseBindingResponse walks the TLV attributes of a Binding Response,
// honoring both MAPPED_ADDRESS and XOR_MAPPED_ADDRESS, respecting 4-byte
// attribute padding.
func parseBindingResponse(data []byte) (netip.AddrPort, error) {
	if len(data) < 20 {
		return netip.AddrPort{}, fmt.Errorf("stun: response too short")
	}
	msgType := binary.BigEndian.Uint16(data[0:2])
	if msgType != bindingResponse {
		return netip.AddrPort{}, fmt.Errorf("stun: unexpected message type %#x", msgType)
	}

	pos := 20
	for pos+4 <= len(data) {
		attrType := binary.BigEndian.Uint16(data[pos : pos+2])
		attrLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		valueStart := pos + 4
		valueEnd := valueStart + attrLen
		if valueEnd > len(data) {
			break
		}
		value := data[valueStart:valueEnd]
		padded := (attrLen + 3) &^ 3

		switch attrType {
		case attrMappedAddress:
			if attrLen >= 8 {
				if ap, ok := parseMappedAddress(value); ok {
					return ap, nil
				}
			}
		case attrXorMappedAddress:
			if attrLen >= 8 {
				if ap, ok := parseXorMappedAddress(value); ok {
					return ap, nil
				}
			}
		}
		pos = valueStart + padded
	}
	return netip.AddrPort{}, fmt.Errorf("stun: no mapped address attribute")
}

func parseMappedAddress(value []byte) (netip.AddrPort, bool) {
	family := value[1]
	if family != familyIPv4 {
		return netip.AddrPort{}, false
	}
	port := binary.BigEndian.Uint16(value[2:4])
	addr := netip.AddrFrom4([4]byte{value[4], value[5], value[6], value[7]})
	return netip.AddrPortFrom(addr, port), true
}

func parseXorMappedAddress(value []byte) (netip.AddrPort, bool) {
	family := value[1]
	if family != familyIPv4 {
		return netip.AddrPort{}, false
	}
	xorPort := binary.BigEndian.Uint16(value[2:4]) ^ uint16(magicCookie>>16)
	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], magicCookie)
	var ipBytes [4]byte
	for i := 0; i < 4; i++ {
		ipBytes[i] = value[4+i] ^ cookie[i]
	}
	addr := netip.AddrFrom4(ipBytes)
	return netip.AddrPortFrom(addr, xorPort), true
}
