// Package node implements the transport-and-dispatch core shared by every
// mesh participant: a bound UDP socket, a message-size guard, and an
// action-keyed handler table. Higher layers (mesh, vpn, discoveryserver)
// build their own behavior by registering handlers and a PreDispatch hook
// rather than overriding a dispatch method.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"meshnet/internal/meshnet/control"
	"meshnet/internal/meshnet/errs"
	"meshnet/internal/meshnet/logging"
)

// pollInterval bounds how long ReceiveLoop blocks on a single read, so it
// can observe context cancellation promptly.
const pollInterval = 1 * time.Second

// Handler processes one decoded control message from a given source.
type Handler func(msg control.Message, from *net.UDPAddr)

// Core owns the UDP socket and the action dispatch table.
type Core struct {
	NodeID string
	Conn   *net.UDPConn
	Logger logging.Logger

	handlers map[string]Handler

	// PreDispatch, if set, runs before every successfully decoded
	// message is routed to its handler. Used to learn/touch peers
	// from inbound traffic regardless of action.
	PreDispatch func(msg control.Message, from *net.UDPAddr)
}

// NewCore binds a UDP socket on addr and builds a Core with base handlers
// merged with any extras supplied by a higher layer. Extras take priority
// over base handlers on key collision.
func NewCore(nodeID string, addr *net.UDPAddr, logger logging.Logger, extraHandlers map[string]Handler) (*Core, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %v", errs.ErrTransport, err)
	}
	if logger == nil {
		logger = logging.Nop{}
	}
	c := &Core{
		NodeID:   nodeID,
		Conn:     conn,
		Logger:   logger,
		handlers: make(map[string]Handler),
	}
	c.handlers["ping"] = c.handlePing
	for action, h := range extraHandlers {
		c.handlers[action] = h
	}
	return c, nil
}

// LocalAddr returns the bound local address.
func (c *Core) LocalAddr() *net.UDPAddr {
	return c.Conn.LocalAddr().(*net.UDPAddr)
}

// RegisterHandler installs or replaces the handler for an action.
func (c *Core) RegisterHandler(action string, h Handler) {
	c.handlers[action] = h
}

// ReceiveLoop reads datagrams until ctx is cancelled, decoding and
// dispatching each one. Oversized or malformed datagrams are dropped and
// logged, never fatal to the loop.
func (c *Core) ReceiveLoop(ctx context.Context) error {
	buf := make([]byte, control.MaxMessageSize+64)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.Conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return fmt.Errorf("%w: set deadline: %v", errs.ErrTransport, err)
		}
		n, from, err := c.Conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read: %v", errs.ErrTransport, err)
		}

		msg, err := control.Decode(buf[:n])
		if err != nil {
			c.Logger.Printf("node: dropping message from %s: %v", from, err)
			continue
		}

		if c.PreDispatch != nil {
			c.PreDispatch(msg, from)
		}

		handler, ok := c.handlers[msg.Action]
		if !ok {
			c.Logger.Printf("node: %s: %v (action=%s)", c.NodeID, errs.ErrUnknownAction, msg.Action)
			continue
		}
		handler(msg, from)
	}
}

// SendToAddr encodes and sends a message to an explicit address.
func (c *Core) SendToAddr(msg control.Message, addr *net.UDPAddr) error {
	data, err := control.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := c.Conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("%w: write: %v", errs.ErrTransport, err)
	}
	return nil
}

// Close releases the underlying socket.
func (c *Core) Close() error {
	return c.Conn.Close()
}

func (c *Core) handlePing(msg control.Message, from *net.UDPAddr) {
	_ = c.SendToAddr(control.Message{Action: "pong", NodeID: c.NodeID}, from)
}
