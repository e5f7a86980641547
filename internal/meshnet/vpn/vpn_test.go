package vpn

import (
	"encoding/hex"
	"net"
	"net/netip"
	"testing"
	"time"

	"meshnet/internal/meshnet/control"
	"meshnet/internal/meshnet/logging"
	"meshnet/internal/meshnet/mesh"
	"meshnet/internal/meshnet/peer"
	"meshnet/internal/meshnet/tundev"
)

func freeAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return addr
}

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func newTestNode(t *testing.T, id string, server *net.UDPAddr, tun tundev.Device) *Node {
	t.Helper()
	n, err := New(Config{
		Mesh: mesh.Config{
			NodeID:     id,
			BindAddr:   freeAddr(t),
			ServerAddr: server,
			Logger:     logging.Nop{},
		},
		Network: netip.MustParsePrefix("10.88.0.0/16"),
		Key:     testKey(),
		Logger:  logging.Nop{},
	}, tun)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestDeriveOverlayIP_Deterministic(t *testing.T) {
	network := netip.MustParsePrefix("10.88.0.0/16")
	a, err := DeriveOverlayIP(network, "node-a")
	if err != nil {
		t.Fatalf("DeriveOverlayIP: %v", err)
	}
	b, err := DeriveOverlayIP(network, "node-a")
	if err != nil {
		t.Fatalf("DeriveOverlayIP: %v", err)
	}
	if a != b {
		t.Fatalf("expected deterministic derivation, got %v vs %v", a, b)
	}
	if !network.Contains(a) {
		t.Fatalf("expected %v within %v", a, network)
	}
}

func TestDeriveOverlayIP_DiffersAcrossNodes(t *testing.T) {
	network := netip.MustParsePrefix("10.88.0.0/16")
	a, _ := DeriveOverlayIP(network, "node-a")
	b, _ := DeriveOverlayIP(network, "node-b")
	if a == b {
		t.Fatal("expected different node ids to derive different overlay addresses (or very unlucky collision)")
	}
}

func TestHandleTunPacket_EncryptsAndSendsToKnownRoute(t *testing.T) {
	server := freeAddr(t)
	a, b := tundev.NewPipe()
	_ = b
	node := newTestNode(t, "node-a", server, a)
	defer node.Close()

	peerListener, err := net.ListenUDP("udp", freeAddr(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer peerListener.Close()
	peerAddr := peerListener.LocalAddr().(*net.UDPAddr)

	destIP, err := DeriveOverlayIP(node.network, "node-b")
	if err != nil {
		t.Fatalf("DeriveOverlayIP: %v", err)
	}
	ep := peer.EndpointFromAddrPort(peerAddr.AddrPort())
	node.Peers().Upsert("node-b", ep, nil)
	node.Peers().MarkStatus("node-b", peer.StatusActive)
	node.setRoute(destIP, "node-b", 0)

	packet := buildIPv4Packet(node.SelfIP(), destIP)
	node.handleTunPacket(packet)

	_ = peerListener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := peerListener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected vpn_packet datagram: %v", err)
	}
	if n == 0 {
		t.Fatal("expected non-empty datagram")
	}
}

func TestHandleVpnPacket_DecryptsAndLearnsRoute(t *testing.T) {
	server := freeAddr(t)
	pa, pb := tundev.NewPipe()
	node := newTestNode(t, "node-a", server, pa)
	defer node.Close()

	srcIP, _ := DeriveOverlayIP(node.network, "node-b")
	packet := buildIPv4Packet(srcIP, node.SelfIP())
	ciphertext, err := node.box.Encrypt(packet)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	var delivered []byte
	_ = pb.StartReading(func(p []byte) { delivered = p })

	fromAddr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:9001")
	msg := control.Message{Action: "vpn_packet", NodeID: "node-b", Data: hex.EncodeToString(ciphertext)}
	node.handleVpnPacket(msg, fromAddr)

	if len(delivered) == 0 {
		t.Fatal("expected decrypted packet delivered to TUN")
	}
	if owner, ok := node.Route(srcIP); !ok || owner != "node-b" {
		t.Fatalf("expected reverse route to node-b, got %q ok=%v", owner, ok)
	}
}

// buildIPv4Packet constructs a minimal 20-byte IPv4 header with the given
// source/destination addresses and no payload, enough for routing tests.
func buildIPv4Packet(src, dst netip.Addr) []byte {
	packet := make([]byte, 20)
	packet[0] = 0x45 // version 4, IHL 5
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(packet[12:16], srcBytes[:])
	copy(packet[16:20], dstBytes[:])
	return packet
}
