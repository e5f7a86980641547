// Package nodeid generates mesh node identifiers: the short UUID form used
// by rendezvous-discovered nodes, distinct from the 160-bit hex ids DHT
// participants use.
package nodeid

import "github.com/google/uuid"

// shortLen matches the original program's str(uuid.uuid4())[:8] convention.
const shortLen = 8

// NewMeshID returns a fresh 8-character mesh node id derived from a random
// UUIDv4.
func NewMeshID() string {
	return uuid.NewString()[:shortLen]
}
