// Package config centralizes the fatal-at-startup validation every meshnet
// binary needs: pre-shared key format, CIDR parsing, and port ranges. CLI
// flag parsing lives in cmd/; no binary loads settings from a file.
package config

import (
	"encoding/hex"
	"fmt"
	"net/netip"

	"meshnet/internal/meshnet/errs"
)

// KeyHexLen is the length of the pre-shared key's hex-encoded CLI form
// (32 raw bytes = 64 hex characters).
const KeyHexLen = 64

// ServerSettings configures the discovery server binary.
type ServerSettings struct {
	Bind string
	Port int
}

// NodeSettings configures the VPN node binary.
type NodeSettings struct {
	NodeID      string
	Port        int
	ServerAddr  string
	TunCIDR     netip.Prefix
	NetworkCIDR netip.Prefix
	Key         []byte
}

// DhtSettings configures the DHT node binary.
type DhtSettings struct {
	NodeID    string
	Port      int
	Bootstrap string
}

// ParseKeyHex decodes a 64-character lowercase hex string into a 32-byte
// pre-shared key, per the CLI surface's `--key HEX64`.
func ParseKeyHex(s string) ([]byte, error) {
	if len(s) != KeyHexLen {
		return nil, fmt.Errorf("%w: key must be %d hex characters, got %d", errs.ErrConfig, KeyHexLen, len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex key: %v", errs.ErrConfig, err)
	}
	return key, nil
}

// ParseCIDR validates a CIDR string, wrapping failures as ErrConfig.
func ParseCIDR(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: invalid CIDR %q: %v", errs.ErrConfig, s, err)
	}
	return prefix, nil
}

// ValidatePort rejects ports outside the valid TCP/UDP range. Port 0 is
// accepted: it means "bind to any free port", the default for the meshnode
// and meshdht --port flags.
func ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", errs.ErrConfig, port)
	}
	return nil
}

// Validate checks a fully-populated NodeSettings, as the spec mandates: a
// length mismatch or malformed CIDR is a fatal configuration error before
// startup, never a runtime failure.
func Validate(s NodeSettings) error {
	if s.NodeID == "" {
		return fmt.Errorf("%w: node id required", errs.ErrConfig)
	}
	if err := ValidatePort(s.Port); err != nil {
		return err
	}
	if len(s.Key) != 32 {
		return fmt.Errorf("%w: key must be 32 bytes, got %d", errs.ErrConfig, len(s.Key))
	}
	if !s.TunCIDR.IsValid() {
		return fmt.Errorf("%w: tun CIDR required", errs.ErrConfig)
	}
	if !s.NetworkCIDR.IsValid() {
		return fmt.Errorf("%w: network CIDR required", errs.ErrConfig)
	}
	return nil
}
