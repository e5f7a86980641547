// Package control implements the control-plane wire schema: a single JSON
// object per UDP datagram, as described in spec §4.4 and §6.
package control

import (
	"encoding/json"
	"fmt"

	"meshnet/internal/meshnet/errs"
)

// MaxMessageSize is the maximum control datagram size; larger messages are
// dropped before decoding.
const MaxMessageSize = 4096

// NodeInfo describes one peer in a discover_response or FIND_NODE-style
// listing.
type NodeInfo struct {
	NodeID       string         `json:"node_id"`
	ExternalIP   string         `json:"external_ip"`
	ExternalPort int            `json:"external_port"`
	LocalIP      *string        `json:"local_ip,omitempty"`
	LocalPort    *int           `json:"local_port,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// Message is the closed schema for every control-plane action. Optional
// fields are pointers/omitempty so encoding mirrors the original's
// dict-based messages without sending unused keys.
type Message struct {
	Action string `json:"action"`
	NodeID string `json:"node_id"`

	// register / register_ok
	LocalIP      *string        `json:"local_ip,omitempty"`
	LocalPort    *int           `json:"local_port,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	ExternalIP   *string        `json:"external_ip,omitempty"`
	ExternalPort *int           `json:"external_port,omitempty"`
	Timestamp    *float64       `json:"timestamp,omitempty"`

	// discover / discover_response
	ExcludeIDs []string   `json:"exclude_ids,omitempty"`
	Nodes      []NodeInfo `json:"nodes,omitempty"`

	// hole_punch
	Attempt *int `json:"attempt,omitempty"`

	// vpn_packet
	Data string `json:"data,omitempty"`

	// vpn_route_update
	Routes map[string]string `json:"routes,omitempty"`
}

// Encode serializes a Message to its wire form.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("control: encode: %w", err)
	}
	return data, nil
}

// Decode parses a datagram into a Message. Datagrams at or above
// MaxMessageSize, non-JSON payloads, or payloads missing action/node_id
// are rejected with errs.ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	if len(data) >= MaxMessageSize {
		return Message{}, fmt.Errorf("%w: message too large (%d bytes)", errs.ErrMalformedMessage, len(data))
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errs.ErrMalformedMessage, err)
	}
	if msg.Action == "" || msg.NodeID == "" {
		return Message{}, fmt.Errorf("%w: missing action or node_id", errs.ErrMalformedMessage)
	}
	return msg, nil
}
