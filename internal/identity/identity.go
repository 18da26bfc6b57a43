// Package identity defines the opaque identifier kinds shared across the
// coordination core: Handle, UID, SwarmID and TeamName. Keeping them as
// distinct string types (rather than passing bare strings everywhere)
// means a handle can never be silently passed where a UID is expected.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// Handle is a human-readable agent name, unique within a team.
type Handle string

// UID is a 24-hex-char deterministic hash of (team, handle). It is stable
// across restarts: re-registering the same agent always yields the same UID.
type UID string

// SwarmID groups collaborating workers around a shared blackboard.
type SwarmID string

// TeamName is an organizational bucket, orthogonal to swarm membership.
type TeamName string

// uidHexLen is the number of hex characters kept from the sha256 digest.
const uidHexLen = 24

// DeriveUID computes the stable UID for (team, handle). Identical inputs
// always produce identical output, so calling this twice for the same
// agent is idempotent - that's what lets /auth re-register an agent
// without minting a new identity every time.
func DeriveUID(team TeamName, handle Handle) UID {
	h := sha256.New()
	h.Write([]byte(team))
	h.Write([]byte{0})
	h.Write([]byte(handle))
	sum := h.Sum(nil)
	return UID(hex.EncodeToString(sum)[:uidHexLen])
}
