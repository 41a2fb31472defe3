package iptables

import (
	"os"
	"path/filepath"
	"testing"
)

// writeFakeBackend drops a tiny shell script on PATH standing in for
// iptables-legacy/iptables-nft, so chain-lifecycle logic can be exercised
// without a real netfilter table. body receives "$@" as the full argument
// list and decides what to echo/exit with.
func writeFakeBackend(t *testing.T, name, body string) Backend {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake backend: %v", err)
	}
	t.Setenv("PATH", dir)
	return Backend(name)
}
