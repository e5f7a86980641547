// Package errs defines the sentinel error taxonomy shared by every meshnet
// component, so callers can classify a failure with errors.Is regardless of
// which layer wrapped it.
package errs

import "errors"

var (
	// ErrMalformedMessage means a datagram could not be decoded as a valid
	// control message (non-JSON, or missing a required field).
	ErrMalformedMessage = errors.New("meshnet: malformed message")

	// ErrUnknownAction means a control message named an action with no
	// registered handler.
	ErrUnknownAction = errors.New("meshnet: unknown action")

	// ErrAuthFailure means an authenticated decrypt rejected its tag.
	ErrAuthFailure = errors.New("meshnet: authentication failure")

	// ErrTransport means a send over the UDP socket failed.
	ErrTransport = errors.New("meshnet: transport error")

	// ErrPeerUnknown means an operation referenced a peer absent from the
	// peer table.
	ErrPeerUnknown = errors.New("meshnet: peer unknown")

	// ErrStunFailure means no STUN server produced a mapped address.
	ErrStunFailure = errors.New("meshnet: stun discovery failed")

	// ErrTun means the TUN device could not be opened or written to.
	ErrTun = errors.New("meshnet: tun device error")

	// ErrConfig means a configuration value was invalid at startup.
	ErrConfig = errors.New("meshnet: invalid configuration")
)
