// Package conf centralizes the environment variables that drive the
// interception layer and the internal proxy. It mirrors the teacher's
// single-struct, env-seeded config pattern rather than a flag or file
// based loader, since none of the three components read a config file.
package conf

import "os"

const (
	// EnvIntproxyAddr is the address of the internal proxy the layer
	// connects to on load.
	EnvIntproxyAddr = "MIRRORD_LAYER_INTPROXY_ADDR"
	// EnvTraceOnly disables the proxy connection entirely; detours still
	// install but every call bypasses to the real libc implementation.
	EnvTraceOnly = "MIRRORD_LAYER_TRACE_ONLY"
	// EnvRemoteEnvFetched marks that the remote environment has already
	// been fetched once for this process tree, so children don't refetch.
	EnvRemoteEnvFetched = "MIRRORD_REMOTE_ENV_FETCHED"
	// EnvIptablesMode selects "legacy" or "nft" as the default for the
	// shelled-out iptables binary every agent redirect strategy uses.
	EnvIptablesMode = "MIRRORD_IPTABLES_MODE"
)

// Config is the layer's view of its own environment, read once at load
// time. Re-reading os.Getenv per call would race with the target process
// mutating its own environment through putenv.
type Config struct {
	IntproxyAddr    string
	TraceOnly       bool
	RemoteEnvFetched bool
	IptablesMode    string
}

// Load snapshots the current environment into a Config. Called once from
// the layer's constructor and once when the agent resolves its iptables
// backend default.
func Load() Config {
	return Config{
		IntproxyAddr:     os.Getenv(EnvIntproxyAddr),
		TraceOnly:        os.Getenv(EnvTraceOnly) != "",
		RemoteEnvFetched: os.Getenv(EnvRemoteEnvFetched) != "",
		IptablesMode:     defaultIptablesMode(os.Getenv(EnvIptablesMode)),
	}
}

func defaultIptablesMode(v string) string {
	if v == "" {
		return "nft"
	}
	return v
}
