package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ============================================================================
// Test: kinds validate prints the registry
// ============================================================================

func TestKindsValidate(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"kinds", "validate", filepath.Join("..", "..", "configs", "registry.example.toml")})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("kinds validate: %v\n%s", err, out.String())
	}

	got := out.String()
	for _, want := range []string{
		"00000000-0000-4000-8000-000000000001",
		"KIND",
		"ETH   ",
		"WBTC",
		"7500",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

// ============================================================================
// Test: kinds validate rejects a bad registry
// ============================================================================

func TestKindsValidate_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")
	bad := `admin = "00000000-0000-4000-8000-000000000001"
vault_id = "00000000-0000-4000-8000-0000000000aa"
colateral = []
`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"kinds", "validate", path})
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "unknown keys") {
		t.Errorf("error: got %v, want unknown keys", err)
	}
}
