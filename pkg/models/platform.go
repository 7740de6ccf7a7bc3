// Package models defines the core data types for Corvid.
package models

// Platform identifies a connected social platform.
type Platform string

const (
	// PlatformMatrix is the federated chat platform (rooms, invites, E2EE).
	PlatformMatrix Platform = "matrix"

	// PlatformFarcaster is the decentralized social network (casts, fids).
	PlatformFarcaster Platform = "farcaster"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformMatrix, PlatformFarcaster:
		return true
	default:
		return false
	}
}
