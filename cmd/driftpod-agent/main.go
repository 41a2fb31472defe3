// Command driftpod-agent is the process that runs inside the target pod
// (spec §1, §4): it owns the remote file table, the TCP sniffer/stealer,
// the DNS worker, and exposes them over net/rpc to any number of
// internal proxies. Flag/command wiring follows the teacher's cmd/scli
// cobra layout (a package-level rootCmd, Execute() at the bottom).
package main

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/driftpod/driftpod/agent"
	"github.com/driftpod/driftpod/agent/dnsworker"
	"github.com/driftpod/driftpod/agent/filemanager"
	"github.com/driftpod/driftpod/agent/iptables"
	"github.com/driftpod/driftpod/agent/sniffer"
	"github.com/driftpod/driftpod/internal/conf"
)

var (
	flagRPCAddr     string
	flagEventAddr   string
	flagRoot        string
	flagIface       string
	flagBackend     string
	flagNoSteal     bool
	flagFlushConns  bool
	flagNetnsPath   string
	flagMountnsPath string
)

var rootCmd = &cobra.Command{
	Use:   "driftpod-agent",
	Short: "Runs the in-pod interception agent",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&flagRPCAddr, "rpc-listen", "0.0.0.0:7777", "address the net/rpc server listens on")
	rootCmd.Flags().StringVar(&flagEventAddr, "event-listen", "0.0.0.0:7778", "address the TCP event bus listens on")
	rootCmd.Flags().StringVar(&flagRoot, "root", "/", "filesystem root the remote file table is confined to")
	rootCmd.Flags().StringVar(&flagIface, "interface", "", "interface the sniffer captures on (auto-detected from the default route if empty)")
	rootCmd.Flags().StringVar(&flagBackend, "iptables-backend", string(defaultBackend()), "iptables-legacy or iptables-nft (defaults from "+conf.EnvIptablesMode+")")
	rootCmd.Flags().BoolVar(&flagNoSteal, "no-steal", false, "disable the TCP stealer (sniffer-only mirror mode)")
	rootCmd.Flags().BoolVar(&flagFlushConns, "flush-connections", false, "flush conntrack entries on every redirect change")
	rootCmd.Flags().StringVar(&flagNetnsPath, "netns", "/proc/1/ns/net", "network namespace the DNS worker resolves inside")
	rootCmd.Flags().StringVar(&flagMountnsPath, "mountns", "/proc/1/ns/mnt", "mount namespace the DNS worker reads resolv.conf from")
}

// defaultBackend maps the MIRRORD_IPTABLES_MODE environment flag onto a
// backend binary; the --iptables-backend flag still overrides it.
func defaultBackend() iptables.Backend {
	if conf.Load().IptablesMode == "legacy" {
		return iptables.BackendLegacy
	}
	return iptables.BackendNft
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("driftpod-agent: exiting")
	}
}

func run(_ *cobra.Command, _ []string) error {
	files, err := filemanager.New(flagRoot)
	if err != nil {
		return fmt.Errorf("agent: open root %q: %w", flagRoot, err)
	}
	defer files.Shutdown()

	iface := flagIface
	if iface == "" {
		detected, err := iptables.DefaultInterface()
		if err != nil {
			logrus.WithError(err).Warn("agent: default interface detection failed, falling back to eth0")
			detected = "eth0"
		}
		if detected == "" {
			detected = "eth0"
		}
		iface = detected
	}

	sniff, err := sniffer.New(iface)
	if err != nil {
		return fmt.Errorf("agent: start sniffer on %q: %w", iface, err)
	}

	// fail fast if the namespace paths aren't even openable, rather than
	// discovering it on the first GetAddrInfo call
	for _, p := range []string{flagNetnsPath, flagMountnsPath} {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("agent: open namespace %q: %w", p, err)
		}
		f.Close()
	}

	dns, err := dnsworker.New(flagNetnsPath, flagMountnsPath)
	if err != nil {
		return fmt.Errorf("agent: start dns worker: %w", err)
	}

	bus := agent.NewEventBus()

	var steal *agent.Stealer
	if !flagNoSteal {
		redirect := iptables.NewRedirector(iptables.Backend(flagBackend), flagFlushConns)
		if err := redirect.Mount(); err != nil {
			return fmt.Errorf("agent: mount iptables entrypoint: %w", err)
		}
		defer redirect.Close()

		steal, err = agent.NewStealer(redirect, bus)
		if err != nil {
			return fmt.Errorf("agent: start stealer: %w", err)
		}
		defer steal.Close()
		go func() {
			if err := steal.Run(); err != nil {
				logrus.WithError(err).Warn("agent: stealer acceptor stopped")
			}
		}()
	}

	out := agent.NewOutbound(bus)
	defer out.Close()

	a := agent.NewAgent(files, sniff, steal, out, dns)

	eventLn, err := net.Listen("tcp", flagEventAddr)
	if err != nil {
		return fmt.Errorf("agent: listen on %q: %w", flagEventAddr, err)
	}
	go func() {
		if err := bus.Serve(eventLn); err != nil {
			logrus.WithError(err).Warn("agent: event bus stopped")
		}
	}()
	go a.PumpSniffer(bus)

	sniffCtx, cancelSniff := context.WithCancel(context.Background())
	defer cancelSniff()
	go func() {
		if err := sniff.Run(sniffCtx); err != nil {
			logrus.WithError(err).Warn("agent: sniffer capture loop stopped")
		}
	}()

	server := rpc.NewServer()
	if err := server.RegisterName("Agent", a); err != nil {
		return fmt.Errorf("agent: register rpc service: %w", err)
	}

	rpcLn, err := net.Listen("tcp", flagRPCAddr)
	if err != nil {
		return fmt.Errorf("agent: listen on %q: %w", flagRPCAddr, err)
	}
	logrus.WithFields(logrus.Fields{"rpc": flagRPCAddr, "events": flagEventAddr, "iface": iface}).Info("driftpod-agent: serving")
	server.Accept(rpcLn)
	return nil
}
