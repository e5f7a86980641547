// Package mesh implements the mesh participant: registration with a
// rendezvous server, periodic discovery, and the UDP hole-punch state
// machine that promotes a peer from discovered to active.
package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"meshnet/internal/meshnet/control"
	"meshnet/internal/meshnet/logging"
	"meshnet/internal/meshnet/node"
	"meshnet/internal/meshnet/peer"
)

const (
	maxHolePunchAttempts = 5
	baseBackoff          = 500 * time.Millisecond
	maxBackoff           = 5 * time.Second

	peerMaxAge    = 300 * time.Second
	punchStaleAge = 60 * time.Second
	pingStaleAge  = 30 * time.Second

	defaultMaintenanceInterval = 5 * time.Second
	defaultReconnectInterval   = 60 * time.Second
	defaultRegisterTTL         = 90 * time.Second
)

// Config configures a MeshNode.
type Config struct {
	NodeID     string
	BindAddr   *net.UDPAddr
	ServerAddr *net.UDPAddr
	Logger     logging.Logger

	// Now, if set, overrides time.Now for deterministic tests.
	Now func() time.Time

	// MaintenanceInterval, ReconnectInterval, and RegisterTTL override the
	// production maintenance cadence; zero means use the default. Tests
	// shrink these to exercise the liveness loop without waiting on
	// production-sized timers.
	MaintenanceInterval time.Duration
	ReconnectInterval   time.Duration
	RegisterTTL         time.Duration
}

// MeshNode registers with a rendezvous server, discovers peers, and drives
// hole-punching to promote peers to a directly reachable state.
type MeshNode struct {
	*node.Core

	cfg        Config
	now        func() time.Time
	serverAddr *net.UDPAddr
	peers      *peer.Table

	mu             sync.Mutex
	capabilities   map[string]any
	attempts       map[string]int
	timers         map[string]*time.Timer
	registered     bool
	lastRegisterOK time.Time
	lastDiscover   time.Time
	selfExternal   peer.Endpoint

	// ExtraMaintenance, if set, runs at the end of every maintenance
	// tick after peer cleanup.
	ExtraMaintenance func()
}

// NewMeshNode builds a MeshNode. extraHandlers is merged into the
// underlying node.Core's dispatch table, letting higher layers (e.g. vpn)
// add their own actions without overriding dispatch.
func NewMeshNode(cfg Config, extraHandlers map[string]node.Handler) (*MeshNode, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaintenanceInterval == 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.RegisterTTL == 0 {
		cfg.RegisterTTL = defaultRegisterTTL
	}
	m := &MeshNode{
		cfg:          cfg,
		now:          cfg.Now,
		serverAddr:   cfg.ServerAddr,
		peers:        peer.NewTable(cfg.NodeID).WithClock(cfg.Now),
		capabilities: make(map[string]any),
		attempts:     make(map[string]int),
		timers:       make(map[string]*time.Timer),
	}

	handlers := map[string]node.Handler{
		"register_ok":       m.handleRegisterOK,
		"discover_response": m.handleDiscoverResponse,
		"hole_punch":        m.handleHolePunch,
		"hole_punch_ack":    m.handleHolePunchAck,
		"pong":              m.handlePong,
	}
	for action, h := range extraHandlers {
		handlers[action] = h
	}

	core, err := node.NewCore(cfg.NodeID, cfg.BindAddr, cfg.Logger, handlers)
	if err != nil {
		return nil, err
	}
	m.Core = core
	core.PreDispatch = m.learnFromInbound
	return m, nil
}

// Peers exposes the underlying peer table for read access by higher
// layers (e.g. vpn routing).
func (m *MeshNode) Peers() *peer.Table {
	return m.peers
}

// SetCapabilities replaces the capability map advertised on register.
func (m *MeshNode) SetCapabilities(caps map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities = caps
}

// SelfExternal returns the external endpoint learned from register_ok.
func (m *MeshNode) SelfExternal() peer.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfExternal
}

// Register sends a register message to the rendezvous server advertising
// this node's local bind address and capabilities.
func (m *MeshNode) Register() error {
	local := m.Core.LocalAddr()
	localIP := local.IP.String()
	localPort := local.Port
	m.mu.Lock()
	caps := m.capabilities
	m.mu.Unlock()
	msg := control.Message{
		Action:       "register",
		NodeID:       m.cfg.NodeID,
		LocalIP:      &localIP,
		LocalPort:    &localPort,
		Capabilities: caps,
	}
	return m.Core.SendToAddr(msg, m.serverAddr)
}

// Discover asks the rendezvous server for peers other than those already
// known.
func (m *MeshNode) Discover() error {
	exclude := []string{m.cfg.NodeID}
	for _, p := range m.peers.All() {
		exclude = append(exclude, p.NodeID)
	}
	msg := control.Message{
		Action:     "discover",
		NodeID:     m.cfg.NodeID,
		ExcludeIDs: exclude,
	}
	return m.Core.SendToAddr(msg, m.serverAddr)
}

// Run drives periodic registration renewal, discovery, and maintenance
// until ctx is cancelled. The receive loop must be started separately via
// Core.ReceiveLoop.
func (m *MeshNode) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runMaintenanceTick()
		}
	}
}

// runMaintenanceTick is the body of one maintenance pass: stale-peer
// cleanup, re-registration, periodic re-discovery, and per-peer liveness
// checks. Split out from Run so tests can drive it without a ticker.
func (m *MeshNode) runMaintenanceTick() {
	removed := m.peers.Cleanup(peerMaxAge)
	for _, id := range removed {
		m.cfg.Logger.Printf("mesh: evicted stale peer %s", id)
	}

	now := m.now()
	m.mu.Lock()
	if m.registered && now.Sub(m.lastRegisterOK) > m.cfg.RegisterTTL {
		m.registered = false
		m.cfg.Logger.Printf("mesh: registration with %s considered stale, will re-register", m.serverAddr)
	}
	registered := m.registered
	needsDiscover := registered && now.Sub(m.lastDiscover) > m.cfg.ReconnectInterval
	m.mu.Unlock()

	if !registered {
		if err := m.Register(); err != nil {
			m.cfg.Logger.Printf("mesh: re-register failed: %v", err)
		}
	}
	if needsDiscover {
		if err := m.Discover(); err != nil {
			m.cfg.Logger.Printf("mesh: periodic discover failed: %v", err)
		}
		m.mu.Lock()
		m.lastDiscover = now
		m.mu.Unlock()
	}

	m.checkPeerConnections(now)

	if m.ExtraMaintenance != nil {
		m.ExtraMaintenance()
	}
}

// checkPeerConnections re-initiates hole-punching for non-active peers
// that have gone quiet, and pings active peers that have gone quiet for a
// shorter window, mirroring the mesh-maintenance liveness pass.
func (m *MeshNode) checkPeerConnections(now time.Time) {
	for _, p := range m.peers.All() {
		m.mu.Lock()
		_, punching := m.timers[p.NodeID]
		m.mu.Unlock()
		if punching {
			continue
		}
		switch {
		case p.Status != peer.StatusActive && now.Sub(p.LastSeen) > punchStaleAge:
			m.initiateHolePunch(p.NodeID)
		case p.Status == peer.StatusActive && now.Sub(p.LastSeen) > pingStaleAge:
			m.pingPeer(p.NodeID)
		}
	}
}

func (m *MeshNode) pingPeer(nodeID string) {
	p, ok := m.peers.Get(nodeID)
	if !ok || p.External.IsZero() {
		return
	}
	addr := net.UDPAddrFromAddrPort(p.External.AddrPort())
	_ = m.Core.SendToAddr(control.Message{Action: "ping", NodeID: m.cfg.NodeID}, addr)
}

func (m *MeshNode) handleRegisterOK(msg control.Message, from *net.UDPAddr) {
	if msg.ExternalIP == nil || msg.ExternalPort == nil {
		return
	}
	addr, err := addrFromString(*msg.ExternalIP, *msg.ExternalPort)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.registered = true
	m.selfExternal = addr
	m.lastRegisterOK = m.now()
	m.mu.Unlock()

	// A fresh registration always pulls the current peer listing, matching
	// the rendezvous handshake's registration->discovery handoff.
	if err := m.Discover(); err != nil {
		m.cfg.Logger.Printf("mesh: discover after register failed: %v", err)
		return
	}
	m.mu.Lock()
	m.lastDiscover = m.now()
	m.mu.Unlock()
}

func (m *MeshNode) handleDiscoverResponse(msg control.Message, from *net.UDPAddr) {
	for _, n := range msg.Nodes {
		if n.NodeID == m.cfg.NodeID {
			continue
		}
		ext, err := addrFromString(n.ExternalIP, n.ExternalPort)
		if err != nil {
			continue
		}
		var local *peer.Endpoint
		if n.LocalIP != nil && n.LocalPort != nil {
			l, err := addrFromString(*n.LocalIP, *n.LocalPort)
			if err == nil {
				local = &l
			}
		}
		m.peers.Upsert(n.NodeID, ext, local)
		m.peers.SetCapabilities(n.NodeID, n.Capabilities)
		// discover_response explicitly kicks off hole-punching, unlike
		// peers merely learned from inbound traffic of unknown origin.
		m.initiateHolePunch(n.NodeID)
	}
}

// learnFromInbound adds the sender of any message as a discovered peer
// when its node_id is new. It never initiates hole-punching on its own;
// that happens via discover_response or, once such a peer has been quiet
// for punchStaleAge, via the maintenance liveness pass.
func (m *MeshNode) learnFromInbound(msg control.Message, from *net.UDPAddr) {
	if msg.NodeID == "" || msg.NodeID == m.cfg.NodeID || from == nil {
		return
	}
	if _, ok := m.peers.Get(msg.NodeID); ok {
		m.peers.Touch(msg.NodeID)
		return
	}
	ap := from.AddrPort()
	m.peers.Upsert(msg.NodeID, peer.EndpointFromAddrPort(ap), nil)
}

func (m *MeshNode) handleHolePunch(msg control.Message, from *net.UDPAddr) {
	ep := peer.EndpointFromAddrPort(from.AddrPort())
	m.peers.Upsert(msg.NodeID, ep, nil)
	m.promoteToActive(msg.NodeID)
	_ = m.Core.SendToAddr(control.Message{Action: "hole_punch_ack", NodeID: m.cfg.NodeID}, from)
}

func (m *MeshNode) handleHolePunchAck(msg control.Message, from *net.UDPAddr) {
	m.promoteToActive(msg.NodeID)
}

func (m *MeshNode) handlePong(msg control.Message, from *net.UDPAddr) {
	m.peers.Touch(msg.NodeID)
}

func (m *MeshNode) promoteToActive(nodeID string) {
	m.peers.MarkStatus(nodeID, peer.StatusActive)
	m.peers.Touch(nodeID)
	m.mu.Lock()
	if t, ok := m.timers[nodeID]; ok {
		t.Stop()
		delete(m.timers, nodeID)
	}
	delete(m.attempts, nodeID)
	m.mu.Unlock()
}

// initiateHolePunch starts (or restarts) the punch sequence for a peer:
// mark punching, send attempt 0 immediately, schedule the first retry.
func (m *MeshNode) initiateHolePunch(nodeID string) {
	p, ok := m.peers.Get(nodeID)
	if !ok || p.External.IsZero() {
		return
	}
	m.peers.MarkStatus(nodeID, peer.StatusPunching)
	m.mu.Lock()
	m.attempts[nodeID] = 0
	m.mu.Unlock()
	m.sendHolePunch(nodeID, p.External, 0)
	m.scheduleRetry(nodeID, 0)
}

func (m *MeshNode) sendHolePunch(nodeID string, ep peer.Endpoint, attempt int) {
	addr := net.UDPAddrFromAddrPort(ep.AddrPort())
	_ = m.Core.SendToAddr(control.Message{
		Action: "hole_punch",
		NodeID: m.cfg.NodeID,
		Attempt: &attempt,
	}, addr)
}

func (m *MeshNode) scheduleRetry(nodeID string, attempt int) {
	delay := backoffDelay(attempt)
	timer := time.AfterFunc(delay, func() { m.retryHolePunch(nodeID) })
	m.mu.Lock()
	if old, ok := m.timers[nodeID]; ok {
		old.Stop()
	}
	m.timers[nodeID] = timer
	m.mu.Unlock()
}

func (m *MeshNode) retryHolePunch(nodeID string) {
	p, ok := m.peers.Get(nodeID)
	if !ok || p.Status == peer.StatusActive {
		return
	}
	m.mu.Lock()
	m.attempts[nodeID]++
	attempt := m.attempts[nodeID]
	m.mu.Unlock()

	if attempt >= maxHolePunchAttempts {
		m.mu.Lock()
		delete(m.timers, nodeID)
		delete(m.attempts, nodeID)
		m.mu.Unlock()
		m.peers.MarkStatus(nodeID, peer.StatusDiscovered)
		m.cfg.Logger.Printf("mesh: hole punch to %s exhausted after %d attempts", nodeID, attempt)
		return
	}
	// Even attempts go to the external endpoint, odd attempts to the local
	// endpoint when one is known.
	ep := p.External
	if attempt%2 == 1 && p.Local != nil && !p.Local.IsZero() {
		ep = *p.Local
	}
	m.sendHolePunch(nodeID, ep, attempt)
	m.scheduleRetry(nodeID, attempt)
}

// backoffDelay implements delay = min(5s, 0.5s * 2^attempt).
func backoffDelay(attempt int) time.Duration {
	d := baseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func addrFromString(ip string, port int) (peer.Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return peer.Endpoint{}, err
	}
	ap := addr.AddrPort()
	return peer.EndpointFromAddrPort(ap), nil
}
