// Package vpn implements the data plane: TUN packet ingress/egress,
// pre-shared-key authenticated encryption, IP-to-peer routing, and the
// routing-gossip layer that propagates IP<->node associations.
package vpn

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"meshnet/internal/meshnet/control"
	"meshnet/internal/meshnet/cryptobox"
	"meshnet/internal/meshnet/logging"
	"meshnet/internal/meshnet/mesh"
	"meshnet/internal/meshnet/node"
	"meshnet/internal/meshnet/tundev"
)

const routeGossipInterval = 30 * time.Second

// Config configures a Node.
type Config struct {
	Mesh    mesh.Config
	Network netip.Prefix
	Key     []byte
	Logger  logging.Logger
}

// Node is a full mesh participant with a TUN-attached data plane layered
// on top of the control-plane mesh node.
type Node struct {
	*mesh.MeshNode

	tun     tundev.Device
	box     *cryptobox.Box
	network netip.Prefix
	selfIP  netip.Addr
	logger  logging.Logger

	mu         sync.Mutex
	routes     map[netip.Addr]routeEntry
	ipByNode   map[string]netip.Addr
	lastGossip time.Time
}

type routeEntry struct {
	nodeID string
	stamp  float64
}

// New builds a Node: derives this node's overlay IP, constructs its
// crypto box, and wires vpn_packet/vpn_route_update handlers into the
// underlying mesh node.
func New(cfg Config, tun tundev.Device) (*Node, error) {
	box, err := cryptobox.New(cfg.Key)
	if err != nil {
		return nil, err
	}
	selfIP, err := DeriveOverlayIP(cfg.Network, cfg.Mesh.NodeID)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop{}
	}

	v := &Node{
		tun:      tun,
		box:      box,
		network:  cfg.Network,
		selfIP:   selfIP,
		logger:   logger,
		routes:   make(map[netip.Addr]routeEntry),
		ipByNode: make(map[string]netip.Addr),
	}
	v.setRoute(selfIP, cfg.Mesh.NodeID, 0)

	extras := map[string]node.Handler{
		"vpn_packet":       v.handleVpnPacket,
		"vpn_route_update": v.handleRouteUpdate,
	}
	m, err := mesh.NewMeshNode(cfg.Mesh, extras)
	if err != nil {
		return nil, err
	}
	v.MeshNode = m
	m.ExtraMaintenance = v.gossipRoutes
	return v, nil
}

// SelfIP returns this node's derived overlay address.
func (v *Node) SelfIP() netip.Addr {
	return v.selfIP
}

// StartTun opens the TUN device and wires its reader into the data plane.
func (v *Node) StartTun() error {
	if err := v.tun.Open(); err != nil {
		return err
	}
	return v.tun.StartReading(v.handleTunPacket)
}

// handleTunPacket is invoked with every IP packet read from the TUN
// device: validate, route, encrypt, and send (unicast if a route is
// known, otherwise best-effort broadcast to active peers).
func (v *Node) handleTunPacket(packet []byte) {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return
	}
	dest := netip.AddrFrom4([4]byte{packet[16], packet[17], packet[18], packet[19]})

	ciphertext, err := v.box.Encrypt(packet)
	if err != nil {
		v.logger.Printf("vpn: encrypt failed: %v", err)
		return
	}
	data := hex.EncodeToString(ciphertext)

	v.mu.Lock()
	route, ok := v.routes[dest]
	v.mu.Unlock()

	if ok && route.nodeID != v.MeshNode.Core.NodeID {
		v.sendVpnPacket(route.nodeID, data)
		return
	}
	for _, id := range v.Peers().ActivePeers() {
		v.sendVpnPacket(id, data)
	}
}

func (v *Node) sendVpnPacket(nodeID, hexData string) {
	p, ok := v.Peers().Get(nodeID)
	if !ok || p.External.IsZero() {
		return
	}
	addr := net.UDPAddrFromAddrPort(p.External.AddrPort())
	msg := control.Message{Action: "vpn_packet", NodeID: v.MeshNode.Core.NodeID, Data: hexData}
	_ = v.MeshNode.Core.SendToAddr(msg, addr)
}

// handleVpnPacket decrypts an inbound data-plane datagram, learns the
// reverse route from the packet's source IP, and writes the plaintext to
// the TUN device.
func (v *Node) handleVpnPacket(msg control.Message, from *net.UDPAddr) {
	raw, err := hex.DecodeString(msg.Data)
	if err != nil {
		v.logger.Printf("vpn: malformed hex payload from %s: %v", msg.NodeID, err)
		return
	}
	plaintext, err := v.box.Decrypt(raw)
	if err != nil {
		v.logger.Printf("vpn: decrypt failed from %s: %v", msg.NodeID, err)
		return
	}
	if len(plaintext) < 20 {
		return
	}
	srcIP := netip.AddrFrom4([4]byte{plaintext[12], plaintext[13], plaintext[14], plaintext[15]})
	v.setRoute(srcIP, msg.NodeID, nowStamp())

	if _, err := v.tun.Write(plaintext); err != nil {
		v.logger.Printf("vpn: tun write failed: %v", err)
	}
}

// gossipRoutes broadcasts the current routing table to active peers,
// invoked from the mesh node's 5s maintenance tick every routeGossipInterval.
func (v *Node) gossipRoutes() {
	v.mu.Lock()
	if !v.lastGossip.IsZero() && time.Since(v.lastGossip) < routeGossipInterval {
		v.mu.Unlock()
		return
	}
	v.lastGossip = time.Now()
	routes := make(map[string]string, len(v.ipByNode))
	for id, ip := range v.ipByNode {
		routes[id] = ip.String()
	}
	v.mu.Unlock()

	msg := control.Message{Action: "vpn_route_update", NodeID: v.MeshNode.Core.NodeID, Routes: routes}
	for _, id := range v.Peers().ActivePeers() {
		p, ok := v.Peers().Get(id)
		if !ok || p.External.IsZero() {
			continue
		}
		addr := net.UDPAddrFromAddrPort(p.External.AddrPort())
		_ = v.MeshNode.Core.SendToAddr(msg, addr)
	}
}

func (v *Node) handleRouteUpdate(msg control.Message, from *net.UDPAddr) {
	stamp := nowStamp()
	for nodeID, ipStr := range msg.Routes {
		ip, err := netip.ParseAddr(ipStr)
		if err != nil {
			continue
		}
		v.setRoute(ip, nodeID, stamp)
	}
}

// setRoute applies last-writer-wins: a newer stamp always overwrites; a
// conflicting mapping for the same IP at an equal or unknown stamp is
// logged rather than silently dropped.
func (v *Node) setRoute(ip netip.Addr, nodeID string, stamp float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.routes[ip]; ok && existing.nodeID != nodeID && stamp < existing.stamp {
		v.logger.Printf("vpn: ignoring stale route %s -> %s (have %s)", ip, nodeID, existing.nodeID)
		return
	}
	if existing, ok := v.routes[ip]; ok && existing.nodeID != nodeID {
		v.logger.Printf("vpn: route conflict for %s: %s overwrites %s", ip, nodeID, existing.nodeID)
	}
	v.routes[ip] = routeEntry{nodeID: nodeID, stamp: stamp}
	v.ipByNode[nodeID] = ip
}

// Route returns the node_id currently believed to own an overlay IP.
func (v *Node) Route(ip netip.Addr) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.routes[ip]
	if !ok {
		return "", false
	}
	return r.nodeID, true
}

func nowStamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// DeriveOverlayIP derives a deterministic host address within network for
// nodeID using a BLAKE2b digest of the node id, masked into the prefix's
// host bits.
func DeriveOverlayIP(network netip.Prefix, nodeID string) (netip.Addr, error) {
	if !network.Addr().Is4() {
		return netip.Addr{}, fmt.Errorf("vpn: only IPv4 overlay networks are supported")
	}
	sum := blake2b.Sum256([]byte(nodeID))

	hostBits := 32 - network.Bits()
	var hostMask uint32
	if hostBits > 0 {
		hostMask = (1 << uint(hostBits)) - 1
	}
	hostPart := (uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])) & hostMask

	base := network.Addr().As4()
	baseInt := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	result := baseInt | hostPart

	return netip.AddrFrom4([4]byte{
		byte(result >> 24), byte(result >> 16), byte(result >> 8), byte(result),
	}), nil
}
