package replication

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRunID generates the 40-lowercase-hex-digit identity a master holds
// for its whole life. Replicas compare it to detect identity changes.
func NewRunID() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
