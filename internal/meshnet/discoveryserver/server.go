// Package discoveryserver implements the rendezvous server: nodes register
// their local/external endpoints and pull listings of other registered
// nodes from it.
package discoveryserver

import (
	"context"
	"net"
	"sync"
	"time"

	"meshnet/internal/meshnet/control"
	"meshnet/internal/meshnet/logging"
	"meshnet/internal/meshnet/node"
)

const (
	staleAfter    = 300 * time.Second
	sweepInterval = 60 * time.Second
)

type registration struct {
	localIP      string
	localPort    int
	externalAddr *net.UDPAddr
	capabilities map[string]any
	lastSeen     time.Time
}

// Server is the rendezvous server: it never routes VPN traffic, only
// tells nodes how to find each other.
type Server struct {
	*node.Core

	now func() time.Time

	mu       sync.Mutex
	registry map[string]*registration
}

// Config configures a Server.
type Config struct {
	NodeID   string
	BindAddr *net.UDPAddr
	Logger   logging.Logger
	Now      func() time.Time
}

// New builds a discovery server bound to cfg.BindAddr.
func New(cfg Config) (*Server, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		now:      cfg.Now,
		registry: make(map[string]*registration),
	}
	handlers := map[string]node.Handler{
		"register": s.handleRegister,
		"discover": s.handleDiscover,
		"ping":     s.handlePing,
	}
	core, err := node.NewCore(cfg.NodeID, cfg.BindAddr, cfg.Logger, handlers)
	if err != nil {
		return nil, err
	}
	s.Core = core
	return s, nil
}

// NodeCount reports the number of currently registered nodes.
func (s *Server) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}

func (s *Server) handleRegister(msg control.Message, from *net.UDPAddr) {
	reg := &registration{
		externalAddr: from,
		capabilities: msg.Capabilities,
		lastSeen:     s.now(),
	}
	if msg.LocalIP != nil {
		reg.localIP = *msg.LocalIP
	}
	if msg.LocalPort != nil {
		reg.localPort = *msg.LocalPort
	}

	s.mu.Lock()
	s.registry[msg.NodeID] = reg
	s.mu.Unlock()

	extIP := from.IP.String()
	extPort := from.Port
	_ = s.Core.SendToAddr(control.Message{
		Action:       "register_ok",
		NodeID:       s.Core.NodeID,
		ExternalIP:   &extIP,
		ExternalPort: &extPort,
	}, from)
}

func (s *Server) handleDiscover(msg control.Message, from *net.UDPAddr) {
	exclude := make(map[string]bool, len(msg.ExcludeIDs))
	for _, id := range msg.ExcludeIDs {
		exclude[id] = true
	}

	now := s.now()
	s.mu.Lock()
	var nodes []control.NodeInfo
	for id, reg := range s.registry {
		if exclude[id] {
			continue
		}
		if now.Sub(reg.lastSeen) > staleAfter {
			continue
		}
		info := control.NodeInfo{
			NodeID:       id,
			ExternalIP:   reg.externalAddr.IP.String(),
			ExternalPort: reg.externalAddr.Port,
			Capabilities: reg.capabilities,
		}
		if reg.localIP != "" {
			localIP := reg.localIP
			info.LocalIP = &localIP
		}
		if reg.localPort != 0 {
			localPort := reg.localPort
			info.LocalPort = &localPort
		}
		nodes = append(nodes, info)
	}
	s.mu.Unlock()

	_ = s.Core.SendToAddr(control.Message{
		Action: "discover_response",
		NodeID: s.Core.NodeID,
		Nodes:  nodes,
	}, from)
}

// handlePing replies pong and, if the sender is a registered node, touches
// its last-seen timestamp so discovery's staleness sweep doesn't evict a
// node that is only pinging, not registering or discovering.
func (s *Server) handlePing(msg control.Message, from *net.UDPAddr) {
	s.mu.Lock()
	if reg, ok := s.registry[msg.NodeID]; ok {
		reg.lastSeen = s.now()
	}
	s.mu.Unlock()
	_ = s.Core.SendToAddr(control.Message{Action: "pong", NodeID: s.Core.NodeID}, from)
}

// Run evicts stale registrations every sweepInterval until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, reg := range s.registry {
		if now.Sub(reg.lastSeen) > staleAfter {
			delete(s.registry, id)
		}
	}
}
