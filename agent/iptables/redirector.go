package iptables

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Redirector is the top-level owner of the agent's TCP-stealer chains
// (spec §4.6): it mounts the entrypoint jump rule once, tracks every
// active (port, targetPort) redirect, and on Close removes the jump
// rules before dropping the chain handles, in that order.
type Redirector struct {
	driver   *Driver
	strategy RedirectStrategy

	mu        sync.Mutex
	mounted   bool
	redirects map[uint16]uint16
}

// NewRedirector detects the mesh vendor and builds the matching strategy.
// flushConnections wraps the chosen strategy with conntrack flushing
// (spec §4.6 "FlushConnections wrapper").
func NewRedirector(backend Backend, flushConnections bool) *Redirector {
	driver := NewDriver(backend)
	vendor := DetectMeshVendor(driver)
	strategy := NewRedirectStrategy(driver, vendor, flushConnections)
	return &Redirector{driver: driver, strategy: strategy, redirects: make(map[uint16]uint16)}
}

// Mount installs the entrypoint jump rule. It refuses to proceed if the
// table is already dirty from a crashed prior agent (spec §4.6 "startup
// can refuse to proceed on a dirty table").
func (r *Redirector) Mount() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mounted {
		return nil
	}

	dirty, err := ListMirrordRules(r.driver)
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		return fmt.Errorf("iptables: refusing to mount, dirty mirrord chains present: %v", dirty)
	}

	if err := r.strategy.MountEntrypoint(); err != nil {
		return err
	}
	r.mounted = true
	return nil
}

// AddRedirect installs a redirect from port to targetPort.
func (r *Redirector) AddRedirect(port, targetPort uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.strategy.AddRedirect(port, targetPort); err != nil {
		return err
	}
	r.redirects[port] = targetPort
	return nil
}

// RemoveRedirect tears down a previously installed redirect.
func (r *Redirector) RemoveRedirect(port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.redirects[port]
	if !ok {
		return nil
	}
	if err := r.strategy.RemoveRedirect(port, target); err != nil {
		return err
	}
	delete(r.redirects, port)
	return nil
}

// Close removes every remaining redirect, then the jump rule, then drops
// the chain handle (spec §4.6 "dropping the top-level redirector removes
// the jump rules and then drops handles"). Every step is attempted even
// if an earlier one failed, and the first error is returned.
func (r *Redirector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for port, target := range r.redirects {
		if err := r.strategy.RemoveRedirect(port, target); err != nil {
			logrus.WithError(err).WithField("port", port).Warn("iptables: failed removing redirect during close")
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(r.redirects, port)
	}

	if r.mounted {
		if err := r.strategy.UnmountEntrypoint(); err != nil {
			logrus.WithError(err).Warn("iptables: failed unmounting entrypoint during close")
			if firstErr == nil {
				firstErr = err
			}
		}
		r.mounted = false
	}

	return firstErr
}
