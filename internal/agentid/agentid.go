// Package agentid generates globally unique, kind-prefixed agent identifiers.
package agentid

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// New returns an identifier like "worker-3f2a9c1d": the agent kind, a dash,
// and 8 lowercase hex characters (4 random bytes).
func New(kind string) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("agentid: crypto/rand failed: " + err.Error())
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		kind = "agent"
	}
	return kind + "-" + hex.EncodeToString(b[:])
}
