// Package remediation defines the value types that flow through the shutter pipeline.
package remediation

import "strings"

// Instance is a described compute instance. Read fresh on every pass, never cached.
type Instance struct {
	ID               string            `json:"id"`
	Region           string            `json:"region"`
	State            string            `json:"state"`            // e.g. "running", "stopped"
	RootDeviceType   string            `json:"root_device_type"` // "ebs" or "instance-store"
	Lifecycle        string            `json:"lifecycle"`        // empty for on-demand, "spot", "scheduled", ...
	VpcID            string            `json:"vpc_id"`
	SecurityGroupIDs []string          `json:"security_group_ids"`
	Tags             map[string]string `json:"tags"`
}

// StateRunning is the only lifecycle state the pipeline acts on.
const StateRunning = "running"

// RootDeviceEBS marks a network-attached persistent root volume.
const RootDeviceEBS = "ebs"

// Running reports whether the instance is in the running state.
func (i Instance) Running() bool {
	return i.State == StateRunning
}

// PersistentRoot reports whether the root volume survives a stop.
func (i Instance) PersistentRoot() bool {
	return i.RootDeviceType == RootDeviceEBS
}

// Interruptible reports whether the instance runs on a reclaimable lifecycle (spot and friends).
func (i Instance) Interruptible() bool {
	return i.Lifecycle != ""
}

// SecurityGroup is a network access rule group as seen by the evaluator.
type SecurityGroup struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	VpcID   string       `json:"vpc_id"`
	Ingress []Permission `json:"ingress"`
}

// Permission is a single ingress entry. Entries that reference peer groups
// carry no CIDRs and usually no port range.
type Permission struct {
	Protocol     string   `json:"protocol"`
	FromPort     *int32   `json:"from_port,omitempty"`
	ToPort       *int32   `json:"to_port,omitempty"`
	CIDRs        []string `json:"cidrs,omitempty"`
	PeerGroupIDs []string `json:"peer_group_ids,omitempty"`
}

// HasPortRange reports whether both port bounds are present.
func (p Permission) HasPortRange() bool {
	return p.FromPort != nil && p.ToPort != nil
}

// Event is the body of a record on the evaluate queue.
type Event struct {
	InstanceID string `json:"instance_id"`
	Region     string `json:"region"`
}

// Tags builds a tag map from alternating key/value pairs. A trailing odd key is ignored.
func Tags(pairs ...string) map[string]string {
	tags := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		tags[strings.TrimSpace(pairs[i])] = pairs[i+1]
	}
	return tags
}
