package iptables

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newFakeLog(t *testing.T) string {
	t.Helper()
	log := filepath.Join(t.TempDir(), "invocations.log")
	t.Setenv("FAKE_LOG", log)
	return log
}

func readFakeLog(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestNewChainSeedsReturnRule(t *testing.T) {
	log := newFakeLog(t)
	backend := writeFakeBackend(t, "iptables-legacy", `echo "$@" >> "$FAKE_LOG"; exit 0`)

	driver := NewDriver(backend)
	h, err := NewChain(driver, "MIRRORD_INPUT")
	require.NoError(t, err)
	require.Equal(t, int64(1), h.RuleCount())

	lines := readFakeLog(t, log)
	require.Contains(t, lines[0], "-N MIRRORD_INPUT")
	require.Contains(t, lines[1], "-A MIRRORD_INPUT -j RETURN")
}

func TestEnsureChainIdempotentWhenAlreadyExists(t *testing.T) {
	backend := writeFakeBackend(t, "iptables-legacy", `
case "$@" in
  *"-N "*) exit 1 ;;
  *"-L "*) exit 0 ;;
  *) exit 0 ;;
esac`)

	driver := NewDriver(backend)
	h, err := NewChain(driver, "MIRRORD_STANDARD")
	require.NoError(t, err)
	require.Equal(t, int64(1), h.RuleCount())
}

func TestEnsureChainPropagatesRealFailure(t *testing.T) {
	backend := writeFakeBackend(t, "iptables-legacy", `
case "$@" in
  *"-N "*) exit 1 ;;
  *"-L "*) exit 1 ;;
  *) exit 0 ;;
esac`)

	driver := NewDriver(backend)
	_, err := NewChain(driver, "MIRRORD_STANDARD")
	require.Error(t, err)
}

func TestChainHandleInsertRuleRollsBackOnFailure(t *testing.T) {
	backend := writeFakeBackend(t, "iptables-legacy", `
case "$@" in
  *"-I "*) exit 1 ;;
  *) exit 0 ;;
esac`)

	driver := NewDriver(backend)
	h, err := NewChain(driver, "MIRRORD_INPUT")
	require.NoError(t, err)

	err = h.InsertRule("-p", "tcp", "--dport", "8080", "-j", "REDIRECT")
	require.Error(t, err)
	require.Equal(t, int64(1), h.RuleCount(), "failed insert must not leave the counter incremented")
}

func TestChainHandleInsertAndDeleteRuleTracksCount(t *testing.T) {
	backend := writeFakeBackend(t, "iptables-legacy", `exit 0`)

	driver := NewDriver(backend)
	h, err := NewChain(driver, "MIRRORD_INPUT")
	require.NoError(t, err)

	require.NoError(t, h.InsertRule("-p", "tcp", "--dport", "8080", "-j", "REDIRECT"))
	require.Equal(t, int64(2), h.RuleCount())

	require.NoError(t, h.DeleteRule("-p", "tcp", "--dport", "8080", "-j", "REDIRECT"))
	require.Equal(t, int64(1), h.RuleCount())
}

func TestChainHandleCloseIsIdempotent(t *testing.T) {
	log := newFakeLog(t)
	backend := writeFakeBackend(t, "iptables-legacy", `echo "$@" >> "$FAKE_LOG"; exit 0`)

	driver := NewDriver(backend)
	h, err := NewChain(driver, "MIRRORD_INPUT")
	require.NoError(t, err)

	require.NoError(t, h.Close())
	afterFirst := len(readFakeLog(t, log))

	require.NoError(t, h.Close())
	require.Len(t, readFakeLog(t, log), afterFirst, "second Close must not re-run flush/delete")
}

func TestChainHandleCloseAttemptsDeleteEvenIfFlushFails(t *testing.T) {
	log := newFakeLog(t)
	backend := writeFakeBackend(t, "iptables-legacy", `
echo "$@" >> "$FAKE_LOG"
case "$@" in
  *"-F "*) exit 1 ;;
  *) exit 0 ;;
esac`)

	driver := NewDriver(backend)
	h, err := NewChain(driver, "MIRRORD_INPUT")
	require.NoError(t, err)

	err = h.Close()
	require.Error(t, err, "flush failure must still surface")

	lines := readFakeLog(t, log)
	var sawDelete bool
	for _, l := range lines {
		if strings.Contains(l, "-X MIRRORD_INPUT") {
			sawDelete = true
		}
	}
	require.True(t, sawDelete, "delete must be attempted even when flush failed")
}
