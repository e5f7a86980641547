package discoveryserver

import (
	"context"
	"net"
	"testing"
	"time"

	"meshnet/internal/meshnet/control"
	"meshnet/internal/meshnet/logging"
)

func freeAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return addr
}

func newTestServer(t *testing.T, now func() time.Time) *Server {
	t.Helper()
	s, err := New(Config{NodeID: "server", BindAddr: freeAddr(t), Logger: logging.Nop{}, Now: now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestHandleRegister_StoresNodeAndRespondsOK(t *testing.T) {
	now := time.Now()
	s := newTestServer(t, func() time.Time { return now })
	defer s.Close()

	client, err := net.ListenUDP("udp", freeAddr(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Core.ReceiveLoop(ctx)

	localPort := 4000
	localIP := "10.0.0.5"
	msg := control.Message{Action: "register", NodeID: "node-a", LocalIP: &localIP, LocalPort: &localPort}
	data, _ := control.Encode(msg)
	if _, err := client.WriteToUDP(data, s.Core.LocalAddr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected register_ok: %v", err)
	}
	resp, err := control.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Action != "register_ok" || resp.ExternalIP == nil || resp.ExternalPort == nil {
		t.Fatalf("unexpected register_ok response: %+v", resp)
	}
	if s.NodeCount() != 1 {
		t.Fatalf("expected 1 registered node, got %d", s.NodeCount())
	}
}

func TestHandleDiscover_ExcludesRequestedIDsAndStaleNodes(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := newTestServer(t, clock)
	defer s.Close()

	freshAddr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:1111")
	staleAddr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:2222")
	s.handleRegister(control.Message{Action: "register", NodeID: "fresh"}, freshAddr)
	s.handleRegister(control.Message{Action: "register", NodeID: "stale"}, staleAddr)
	s.handleRegister(control.Message{Action: "register", NodeID: "excluded"}, freshAddr)

	s.mu.Lock()
	s.registry["stale"].lastSeen = now.Add(-400 * time.Second)
	s.mu.Unlock()

	requester, err := net.ListenUDP("udp", freeAddr(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer requester.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Core.ReceiveLoop(ctx)

	msg := control.Message{Action: "discover", NodeID: "requester", ExcludeIDs: []string{"excluded"}}
	data, _ := control.Encode(msg)
	if _, err := requester.WriteToUDP(data, s.Core.LocalAddr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = requester.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := requester.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected discover_response: %v", err)
	}
	resp, err := control.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Nodes) != 1 || resp.Nodes[0].NodeID != "fresh" {
		t.Fatalf("expected only 'fresh' node, got %+v", resp.Nodes)
	}
}

func TestHandlePing_TouchesLastSeenAndRepliesPong(t *testing.T) {
	now := time.Now()
	s := newTestServer(t, func() time.Time { return now })
	defer s.Close()

	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:5555")
	s.handleRegister(control.Message{Action: "register", NodeID: "node-a"}, addr)
	s.mu.Lock()
	s.registry["node-a"].lastSeen = now.Add(-250 * time.Second)
	s.mu.Unlock()

	client, err := net.ListenUDP("udp", freeAddr(t))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Core.ReceiveLoop(ctx)

	msg := control.Message{Action: "ping", NodeID: "node-a"}
	data, _ := control.Encode(msg)
	if _, err := client.WriteToUDP(data, s.Core.LocalAddr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected pong: %v", err)
	}
	resp, err := control.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Action != "pong" {
		t.Fatalf("expected pong, got %+v", resp)
	}

	s.mu.Lock()
	lastSeen := s.registry["node-a"].lastSeen
	s.mu.Unlock()
	if !lastSeen.Equal(now) {
		t.Fatalf("expected last_seen touched to %v, got %v", now, lastSeen)
	}
}

func TestSweep_RemovesStaleRegistrations(t *testing.T) {
	now := time.Now()
	s := newTestServer(t, func() time.Time { return now })
	defer s.Close()

	addr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:3333")
	s.handleRegister(control.Message{Action: "register", NodeID: "node-a"}, addr)
	s.mu.Lock()
	s.registry["node-a"].lastSeen = now.Add(-301 * time.Second)
	s.mu.Unlock()

	s.sweep()

	if s.NodeCount() != 0 {
		t.Fatalf("expected stale node swept, got %d remaining", s.NodeCount())
	}
}
