// Package iptables implements the agent's TCP-stealer redirect machinery:
// an idempotent chain lifecycle manager, mesh-aware redirect strategy
// selection, and rule-count-indexed inserts, built as a thin wrapper that
// shells every mutation and chain listing out to the iptables-legacy or
// iptables-nft binary.
package iptables

import (
	"fmt"
	"os/exec"

	"github.com/driftpod/driftpod/internal/ferr"
	"github.com/google/nftables"
	"github.com/sirupsen/logrus"
)

// Table is the fixed nat-table every MIRRORD_* chain lives in (spec §4.6).
const Table = "nat"

// Chain names are fixed, matching the spec's §6 "Chain names are fixed".
const (
	ChainPrerouting = "MIRRORD_INPUT"
	ChainMeshOutput = "MIRRORD_OUTPUT"
	ChainStdOutput  = "MIRRORD_STANDARD"
)

// Backend selects which userspace tool mutations are shelled out to (spec
// §6: "shelled out as iptables-legacy or iptables-nft ... depending on an
// environment flag").
type Backend string

const (
	BackendLegacy Backend = "iptables-legacy"
	BackendNft    Backend = "iptables-nft"
)

// Driver holds the backend binary that rule mutations and chain listings
// are shelled out to, and is the back-reference every ChainHandle holds
// (spec §3 "iptables chain handle"). The nftables helper withConn below
// has no caller.
type Driver struct {
	backend Backend
	family  nftables.TableFamily
}

func NewDriver(backend Backend) *Driver {
	return &Driver{backend: backend, family: nftables.TableFamilyIPv4}
}

// withConn opens a short-lived nftables connection, mirroring the
// teacher's nft.WithConn: one Conn per call, flushed once on success.
func (d *Driver) withConn(fn func(conn *nftables.Conn) error) error {
	conn, err := nftables.New()
	if err != nil {
		return ferr.NewIPTablesError("open nftables connection", err)
	}

	if err := fn(conn); err != nil {
		return err
	}

	if err := conn.Flush(); err != nil {
		return ferr.NewIPTablesError("flush nftables connection", err)
	}
	return nil
}

// run shells out to the configured backend binary, the same
// os/exec.Command-based invocation the teacher's util.Run wraps for
// iptables/nft commands it cannot express through google/nftables (e.g.
// the `-t nat -I PREROUTING -j MIRRORD_INPUT` jump-rule inserts, which
// read more naturally as CLI args than as raw netlink messages).
func (d *Driver) run(args ...string) error {
	cmd := exec.Command(string(d.backend), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		logrus.WithField("args", args).WithField("output", string(out)).Warn("iptables: command failed")
		return ferr.NewIPTablesError(fmt.Sprintf("%s %v", d.backend, args), err)
	}
	return nil
}

// ensureChain creates name in Table if it does not already exist and
// seeds it with a terminal RETURN rule (spec §4.6: "created on demand,
// seeded with a terminal RETURN rule").
func (d *Driver) ensureChain(name string) error {
	if err := d.run("-t", Table, "-N", name); err != nil {
		// chain already existing is not a failure: idempotent creation
		// (spec §4.6's top-level invariant).
		if d.chainExists(name) {
			return nil
		}
		return err
	}
	return d.run("-t", Table, "-A", name, "-j", "RETURN")
}

func (d *Driver) chainExists(name string) bool {
	return d.run("-t", Table, "-L", name, "-n") == nil
}

// flushAndDeleteChain is the sole cleanup path for a chain (spec §3):
// flush first so the delete never fails on a non-empty chain, and attempt
// the delete even if flush failed.
func (d *Driver) flushAndDeleteChain(name string) error {
	flushErr := d.run("-t", Table, "-F", name)
	deleteErr := d.run("-t", Table, "-X", name)
	if flushErr != nil {
		return flushErr
	}
	return deleteErr
}

func (d *Driver) insertRule(chain string, index int, args ...string) error {
	full := append([]string{"-t", Table, "-I", chain, fmt.Sprint(index)}, args...)
	return d.run(full...)
}

func (d *Driver) deleteRule(chain string, args ...string) error {
	full := append([]string{"-t", Table, "-D", chain}, args...)
	return d.run(full...)
}
