// Package auth generates and verifies the secrets tetherterm uses: the
// agent's access token (§4.6), and the relay's agent_id/agent_key pair
// (§3). All comparisons are constant-time; nothing here ever logs a secret.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Lengths chosen so that, over the alphanumeric alphabet (~5.95 bits/char),
// each secret clears the entropy floor spec.md §3/§4.6 requires.
const (
	AccessTokenLength = 28 // ~166 bits, spec requires >= 128
	AgentIDLength      = 16 // uniqueness + url-safety; no entropy requirement
	AgentKeyLength     = 42 // ~250 bits, spec requires >= 192
)

// GenerateAccessToken returns a fresh, url-safe access token for gating an
// agent's HTTP surface (spec.md §4.6).
func GenerateAccessToken() (string, error) {
	return randomAlphanumeric(AccessTokenLength)
}

// GenerateAgentID returns a fresh, url-safe agent identifier (spec.md §3).
func GenerateAgentID() (string, error) {
	return randomAlphanumeric(AgentIDLength)
}

// GenerateAgentKey returns a fresh, high-entropy agent credential (spec.md §3).
func GenerateAgentKey() (string, error) {
	return randomAlphanumeric(AgentKeyLength)
}

// ConstantTimeEqual reports whether a and b are equal without leaking timing
// information about a shared prefix — used for both the agent's access-token
// check and the relay's agent_key verification (spec.md §8 invariant 5).
func ConstantTimeEqual(a, b string) bool {
	// subtle.ConstantTimeCompare returns 0 (not equal) at once for differing
	// lengths; for equal lengths its timing depends only on the length, never
	// on the contents, so a shared prefix is not revealed.
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// LoadOrGenerateToken resolves the agent's access token with this priority:
//  1. an explicitly supplied token (the --token flag)
//  2. the TETHERTERM_TOKEN environment variable
//  3. an existing token file under dataDir
//  4. a newly generated token, persisted to dataDir so a restart with the
//     same data dir keeps the same token
//
// The token is bound to this process's lifetime either way; persistence is
// purely a convenience for local restarts, not a security boundary.
func LoadOrGenerateToken(dataDir, explicit string) (string, error) {
	if t := strings.TrimSpace(explicit); t != "" {
		return t, nil
	}
	if t := strings.TrimSpace(os.Getenv("TETHERTERM_TOKEN")); t != "" {
		return t, nil
	}

	path := tokenPath(dataDir)
	if data, err := os.ReadFile(path); err == nil {
		if t := strings.TrimSpace(string(data)); t != "" {
			return t, nil
		}
	}

	token, err := GenerateAccessToken()
	if err != nil {
		return "", fmt.Errorf("generating access token: %w", err)
	}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o700); err == nil {
			_ = os.WriteFile(path, []byte(token), 0o600)
		}
	}
	return token, nil
}

func tokenPath(dataDir string) string {
	return filepath.Join(dataDir, "token")
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
