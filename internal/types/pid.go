// Package types holds the primitive value types shared across the hub:
// participant identifiers, equivalents and integer amounts.
package types

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// PID is a stable participant identifier: the Base58 encoding of the
// SHA-256 digest of the participant's 32-byte public key.
type PID string

// DerivePID computes the PID for a public key.
func DerivePID(publicKey []byte) PID {
	digest := sha256.Sum256(publicKey)
	return PID(base58.Encode(digest[:]))
}

// ValidatePID checks that a string is a plausible PID: a Base58 string
// that decodes to a 32-byte digest.
func ValidatePID(s string) error {
	if s == "" {
		return fmt.Errorf("pid is empty")
	}
	decoded := base58.Decode(s)
	if len(decoded) != sha256.Size {
		return fmt.Errorf("pid %q does not decode to a 32-byte digest", s)
	}
	return nil
}

func (p PID) String() string { return string(p) }

// Less compares PIDs lexically. Canonical orderings across the hub
// (lock order, cycle seeds, deterministic tie-breaks) all use this.
func (p PID) Less(other PID) bool { return p < other }
