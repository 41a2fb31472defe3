// Command driftpod-intproxy is the internal proxy: the per-target-process
// multiplexer the interception layer dials into, which in turn dials the
// agent running in the pod (spec §1, §4.4). Flag/command wiring follows
// the teacher's cmd/scli cobra layout.
package main

import (
	"bufio"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/driftpod/driftpod/protocol"
	"github.com/driftpod/driftpod/proxy"
)

var (
	flagListen    string
	flagAgentRPC  string
	flagAgentEvts string
)

var rootCmd = &cobra.Command{
	Use:   "driftpod-intproxy",
	Short: "Runs the per-process internal proxy",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&flagListen, "listen", "127.0.0.1:0", "address the layer connects to")
	rootCmd.Flags().StringVar(&flagAgentRPC, "agent-rpc", "", "agent's net/rpc address (required)")
	rootCmd.Flags().StringVar(&flagAgentEvts, "agent-events", "", "agent's event bus address (required)")
	rootCmd.MarkFlagRequired("agent-rpc")
	rootCmd.MarkFlagRequired("agent-events")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("driftpod-intproxy: exiting")
	}
}

func run(_ *cobra.Command, _ []string) error {
	agentClient, err := proxy.DialAgent(flagAgentRPC)
	if err != nil {
		return fmt.Errorf("intproxy: dial agent rpc %q: %w", flagAgentRPC, err)
	}
	defer agentClient.Close()

	server := proxy.NewServer(agentClient)

	eventConn, err := net.Dial("tcp", flagAgentEvts)
	if err != nil {
		return fmt.Errorf("intproxy: dial agent events %q: %w", flagAgentEvts, err)
	}
	go relayEvents(eventConn, server)

	ln, err := net.Listen("tcp", flagListen)
	if err != nil {
		return fmt.Errorf("intproxy: listen %q: %w", flagListen, err)
	}
	logrus.WithField("addr", ln.Addr()).Info("driftpod-intproxy: serving")
	return server.Serve(ln)
}

// relayEvents forwards every frame the agent's event bus pushes into
// every session currently connected to this proxy (spec §4.3, §4.5).
func relayEvents(conn net.Conn, server *proxy.Server) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		frame, err := protocol.Decode(r)
		if err != nil {
			logrus.WithError(err).Warn("intproxy: event connection closed")
			return
		}
		server.BroadcastEvent(frame.Kind, frame.Payload)
	}
}
