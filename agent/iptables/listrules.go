package iptables

import "os/exec"

// mirrordChainNames is the full set of chains this agent may create, used
// by ListMirrordRules to detect leftovers from a crashed prior agent.
var mirrordChainNames = []string{ChainPrerouting, ChainMeshOutput, ChainStdOutput}

// ListMirrordRules enumerates chains in Table whose name matches one of
// this agent's reserved names (spec §4.6: "list_mirrord_rules
// introspection call enumerates leftovers from prior crashed agents").
// On a table without any such chain it returns an empty slice.
func ListMirrordRules(driver *Driver) ([]string, error) {
	existing := driver.listChainNames()

	var found []string
	for _, name := range mirrordChainNames {
		if contains(existing, name) {
			found = append(found, name)
		}
	}
	return found, nil
}

// chainRules returns the raw `-S` rule listing for name. Nothing in the
// module calls it.
func chainRules(driver *Driver, name string) ([]byte, error) {
	cmd := exec.Command(string(driver.backend), "-t", Table, "-S", name)
	return cmd.Output()
}
