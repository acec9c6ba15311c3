// Package session contains the session identity types for the RPC surface.
// Each session owns its own tool server instance; sessions never share
// mutable state.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// AgentInfo is the client identity supplied in the initialize request.
// The agent name is required; tool calls on a session that never sent
// initialize metadata are protocol errors.
type AgentInfo struct {
	// Name is the agent's self-reported name.
	Name string `json:"name"`
	// Version is the agent's self-reported version, optional.
	Version string `json:"version,omitempty"`
}

// Session is the per-connection identity minted by the first initialize.
type Session struct {
	// ID is the opaque session identifier carried in the Mcp-Session-Id header.
	ID string
	// Agent is the identity from initialize clientInfo.
	Agent AgentInfo
	// CreatedAt is when the session was minted.
	CreatedAt time.Time
	// LastAccess is updated on every request.
	LastAccess time.Time
}

// GenerateID creates a cryptographically random session id
// (64 hex characters, 32 bytes).
func GenerateID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
