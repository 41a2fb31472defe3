package sysnet

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
)

// portRegex matches port numbers embedded in nft/iptables rule-listing
// text, ported verbatim from the teacher's util/sysnet/iptables.go (it
// also works unmodified for iptables output, per the teacher's comment).
var portRegex = regexp.MustCompile(`port\s(\d+)\b|\s(\d+)\s[:}]|\s(\d+),|:(\d+)\s`)

// ParseRulePorts extracts every port number mentioned in rulesStr into
// ports, used as a crude crash-recovery signal: if a MIRRORD_* chain
// mentions a port, something redirected it before this agent started.
func ParseRulePorts(ports map[uint16]struct{}, rulesStr string) {
	for _, match := range portRegex.FindAllStringSubmatch(rulesStr, -1) {
		for _, group := range match[1:] {
			if group == "" {
				continue
			}
			port, err := strconv.ParseUint(group, 10, 16)
			if err != nil {
				logrus.WithField("port", group).WithError(err).Debug("failed to parse port")
				continue
			}
			ports[uint16(port)] = struct{}{}
		}
	}
}

// RunOutput runs name with args and returns combined stdout, wrapping any
// failure with the command line for easier debugging, same as the
// teacher's util.RunWithOutput.
func RunOutput(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("run %s %v: %w: %s", name, args, err, out)
	}
	return string(out), nil
}
