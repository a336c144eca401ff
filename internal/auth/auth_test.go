package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateAccessTokenLengthAndCharset(t *testing.T) {
	tok, err := GenerateAccessToken()
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if len(tok) != AccessTokenLength {
		t.Fatalf("expected length %d, got %d", AccessTokenLength, len(tok))
	}
	for _, c := range tok {
		if !isAlphanumeric(c) {
			t.Fatalf("token %q contains non-alphanumeric rune %q", tok, c)
		}
	}
}

func TestGenerateAgentKeyEntropyFloor(t *testing.T) {
	key, err := GenerateAgentKey()
	if err != nil {
		t.Fatalf("GenerateAgentKey: %v", err)
	}
	// spec.md §3: agent_key length >= 40, >= 192 bits of entropy.
	if len(key) < 40 {
		t.Fatalf("agent key too short for the 192-bit floor: %d chars", len(key))
	}
}

func TestGenerateAgentIDLength(t *testing.T) {
	id, err := GenerateAgentID()
	if err != nil {
		t.Fatalf("GenerateAgentID: %v", err)
	}
	if len(id) < 10 {
		t.Fatalf("agent id too short: %d chars", len(id))
	}
}

func TestGeneratedSecretsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateAgentID()
		if err != nil {
			t.Fatalf("GenerateAgentID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate agent id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestConstantTimeEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"abc", "abcd", false},
		{"", "", true},
	}
	for _, c := range cases {
		if got := ConstantTimeEqual(c.a, c.b); got != c.want {
			t.Errorf("ConstantTimeEqual(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestLoadOrGenerateTokenExplicitWins(t *testing.T) {
	dir := t.TempDir()
	tok, err := LoadOrGenerateToken(dir, "explicit-token")
	if err != nil {
		t.Fatalf("LoadOrGenerateToken: %v", err)
	}
	if tok != "explicit-token" {
		t.Fatalf("expected explicit token to win, got %q", tok)
	}
}

func TestLoadOrGenerateTokenPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrGenerateToken(dir, "")
	if err != nil {
		t.Fatalf("LoadOrGenerateToken: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "token")); err != nil {
		t.Fatalf("expected token file to be written: %v", err)
	}

	second, err := LoadOrGenerateToken(dir, "")
	if err != nil {
		t.Fatalf("LoadOrGenerateToken (reload): %v", err)
	}
	if first != second {
		t.Fatalf("expected reload to reuse persisted token: %q != %q", first, second)
	}
}

func TestLoadOrGenerateTokenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TETHERTERM_TOKEN", "env-token")
	tok, err := LoadOrGenerateToken(dir, "")
	if err != nil {
		t.Fatalf("LoadOrGenerateToken: %v", err)
	}
	if tok != "env-token" {
		t.Fatalf("expected env token to win, got %q", tok)
	}
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
