package iptables

import (
	"sync"
	"sync/atomic"
)

// ChainHandle is the owning reference to a dynamically created chain: an
// atomic rule-count counter used for insert-at-index ordering, and a
// back-reference to the driver that created it. Dropping the handle
// (Close) removes the chain; the invariant is one live handle per chain,
// and the chain is flushed and deleted even if cleanup fails partway.
type ChainHandle struct {
	name    string
	driver  *Driver
	ruleCnt atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewChain creates name idempotently and returns its owning handle.
func NewChain(driver *Driver, name string) (*ChainHandle, error) {
	if err := driver.ensureChain(name); err != nil {
		return nil, err
	}
	// the seeded RETURN rule counts as rule 1.
	h := &ChainHandle{name: name, driver: driver}
	h.ruleCnt.Store(1)
	return h, nil
}

func (h *ChainHandle) Name() string {
	return h.name
}

// InsertRule places args just ahead of the terminal RETURN, at the index
// the rule counter tracks, so rules keep their insertion order; the
// counter is rolled back on failure.
func (h *ChainHandle) InsertRule(args ...string) error {
	idx := h.ruleCnt.Add(1) - 1
	if err := h.driver.insertRule(h.name, int(idx), args...); err != nil {
		h.ruleCnt.Add(-1)
		return err
	}
	return nil
}

// DeleteRule removes a previously inserted rule and decrements the
// counter.
func (h *ChainHandle) DeleteRule(args ...string) error {
	if err := h.driver.deleteRule(h.name, args...); err != nil {
		return err
	}
	h.ruleCnt.Add(-1)
	return nil
}

// RuleCount reports the current tracked rule count, including the
// terminal RETURN rule.
func (h *ChainHandle) RuleCount() int64 {
	return h.ruleCnt.Load()
}

// Close flushes and deletes the chain. It is idempotent: a second call is
// a no-op.
func (h *ChainHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.driver.flushAndDeleteChain(h.name)
}
