// Package netpolicy decides whether a set of security groups exposes an instance.
package netpolicy

import (
	"strings"

	"github.com/yairfalse/shutter/pkg/remediation"
)

const (
	sshPort = 22

	// allPorts is the API sentinel for "every port" (and, as a protocol, "every protocol").
	allPorts = -1

	// DefaultGroupName is the name of the VPC's implicitly created group.
	DefaultGroupName = "default"
)

var openCIDRs = map[string]bool{
	"0.0.0.0/0": true,
	"::/0":      true,
}

// Result is the outcome of classifying a set of groups.
type Result struct {
	Flag      remediation.Flag
	Dangerous bool
}

// Classify evaluates the SSH and default-group predicates independently across all groups.
func Classify(groups []remediation.SecurityGroup) Result {
	ssh, def := false, false
	for _, g := range groups {
		ssh = ssh || IsDangerousSSH(g)
		def = def || IsDefault(g)
	}

	switch {
	case ssh && def:
		return Result{Flag: remediation.FlagBoth, Dangerous: true}
	case ssh:
		return Result{Flag: remediation.FlagSSH, Dangerous: true}
	case def:
		return Result{Flag: remediation.FlagDefault, Dangerous: true}
	default:
		return Result{Flag: remediation.FlagNoBadGroups}
	}
}

// IsDefault reports whether the group is the VPC default group.
func IsDefault(g remediation.SecurityGroup) bool {
	return g.Name == DefaultGroupName
}

// IsDangerousSSH reports whether any ingress entry allows TCP/22 from anywhere.
func IsDangerousSSH(g remediation.SecurityGroup) bool {
	for _, p := range g.Ingress {
		if permitsOpenSSH(p) {
			return true
		}
	}
	return false
}

func permitsOpenSSH(p remediation.Permission) bool {
	// Peer group references have no CIDRs; they never match.
	if !hasOpenSource(p.CIDRs) {
		return false
	}

	switch strings.ToLower(p.Protocol) {
	case "-1", "all":
		// The API omits ports for the all-protocol entry.
		return true
	case "tcp", "6":
	default:
		return false
	}

	if !p.HasPortRange() {
		return false
	}
	return coversSSH(*p.FromPort, *p.ToPort)
}

func coversSSH(from, to int32) bool {
	if from == allPorts || to == allPorts {
		return true
	}
	return from <= sshPort && sshPort <= to
}

func hasOpenSource(cidrs []string) bool {
	for _, c := range cidrs {
		if openCIDRs[strings.TrimSpace(c)] {
			return true
		}
	}
	return false
}
