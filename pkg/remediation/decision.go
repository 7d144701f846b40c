package remediation

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Action is what the pipeline decided to do with an instance.
type Action string

const (
	ActionStop    Action = "stop"
	ActionLock    Action = "lock"
	ActionSkip    Action = "skip"
	ActionAnalyze Action = "analyze"
)

// Flag is advisory metadata explaining a decision. Only the lock stage acts on it.
type Flag string

const (
	FlagSSH             Flag = "ssh"
	FlagDefault         Flag = "default"
	FlagBoth            Flag = "both"
	FlagExcluded        Flag = "excluded"
	FlagNoBadGroups     Flag = "no_bad_sgs"
	FlagNoExclusionTags Flag = "no_exclusion_tags"
)

// ErrInvalidDecision is returned when a decision misses a field its action requires.
var ErrInvalidDecision = errors.New("invalid decision")

// Decision is the pipeline's central value. It is built once per instance per pass,
// serialized, and never mutated after construction.
type Decision struct {
	InstanceID       string   `json:"instance_id"`
	Action           Action   `json:"action"`
	Flag             Flag     `json:"flag,omitempty"`
	SecurityGroupIDs []string `json:"security_group_ids"`
	VpcID            string   `json:"vpc_id"`
	Region           string   `json:"region"`
}

// NewDecision builds a decision, copying groupIDs so later changes by the caller
// cannot leak into it.
func NewDecision(instanceID string, action Action, flag Flag, groupIDs []string, vpcID, region string) Decision {
	return Decision{
		InstanceID:       instanceID,
		Action:           action,
		Flag:             flag,
		SecurityGroupIDs: slices.Clone(groupIDs),
		VpcID:            vpcID,
		Region:           region,
	}
}

// Skip builds a terminal skip decision.
func Skip(instanceID string, flag Flag, region string) Decision {
	return Decision{InstanceID: instanceID, Action: ActionSkip, Flag: flag, Region: region}
}

// Routable reports whether the decision goes to a remediation queue.
func (d Decision) Routable() bool {
	return d.Action == ActionStop || d.Action == ActionLock
}

// Validate checks the fields required by the decision's action.
func (d Decision) Validate() error {
	if d.InstanceID == "" {
		return fmt.Errorf("%w: instance_id is empty", ErrInvalidDecision)
	}
	if d.Region == "" {
		return fmt.Errorf("%w: region is empty for %s", ErrInvalidDecision, d.InstanceID)
	}
	switch d.Action {
	case ActionStop, ActionLock:
		if d.VpcID == "" {
			return fmt.Errorf("%w: vpc_id is empty for %s", ErrInvalidDecision, d.InstanceID)
		}
		if len(d.SecurityGroupIDs) == 0 {
			return fmt.Errorf("%w: security_group_ids is empty for %s", ErrInvalidDecision, d.InstanceID)
		}
	case ActionSkip, ActionAnalyze:
	default:
		return fmt.Errorf("%w: unknown action %q for %s", ErrInvalidDecision, d.Action, d.InstanceID)
	}
	return nil
}

// Encode serializes the decision into the queue payload.
func (d Decision) Encode() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}
	return data, nil
}

// DecodeDecision parses and validates a queue payload.
func DecodeDecision(data []byte) (Decision, error) {
	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return Decision{}, fmt.Errorf("unmarshal decision: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Decision{}, err
	}
	return d, nil
}
