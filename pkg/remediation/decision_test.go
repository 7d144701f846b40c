package remediation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDecision_CopiesGroups(t *testing.T) {
	groups := []string{"sg-a", "sg-b"}
	d := NewDecision("i-123", ActionLock, FlagSSH, groups, "vpc-1", "us-east-1")

	groups[0] = "sg-mutated"

	assert.Equal(t, []string{"sg-a", "sg-b"}, d.SecurityGroupIDs)
}

func TestDecision_Validate(t *testing.T) {
	tests := []struct {
		name    string
		d       Decision
		wantErr string
	}{
		{"valid lock", NewDecision("i-1", ActionLock, FlagBoth, []string{"sg-1"}, "vpc-1", "us-east-1"), ""},
		{"valid skip", Skip("i-1", FlagExcluded, "us-east-1"), ""},
		{"missing instance", Decision{Action: ActionStop, Region: "us-east-1"}, "instance_id"},
		{"missing region", Decision{InstanceID: "i-1", Action: ActionSkip}, "region"},
		{"stop without vpc", NewDecision("i-1", ActionStop, FlagSSH, []string{"sg-1"}, "", "us-east-1"), "vpc_id"},
		{"lock without groups", NewDecision("i-1", ActionLock, FlagSSH, nil, "vpc-1", "us-east-1"), "security_group_ids"},
		{"unknown action", Decision{InstanceID: "i-1", Action: "terminate", Region: "us-east-1"}, "unknown action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDecision)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecision_Routable(t *testing.T) {
	assert.True(t, Decision{Action: ActionStop}.Routable())
	assert.True(t, Decision{Action: ActionLock}.Routable())
	assert.False(t, Decision{Action: ActionSkip}.Routable())
	assert.False(t, Decision{Action: ActionAnalyze}.Routable())
}

func TestDecision_EncodeWireFormat(t *testing.T) {
	d := NewDecision("i-045f97c8a6021e2de", ActionStop, FlagBoth, []string{"sg-023ad61b9955eaca4"}, "vpc-03420aacb89ba100f", "us-east-1")

	data, err := d.Encode()
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"instance_id": "i-045f97c8a6021e2de",
		"action": "stop",
		"flag": "both",
		"security_group_ids": ["sg-023ad61b9955eaca4"],
		"vpc_id": "vpc-03420aacb89ba100f",
		"region": "us-east-1"
	}`, string(data))
}

func TestDecision_EncodeOmitsEmptyFlag(t *testing.T) {
	d := NewDecision("i-1", ActionLock, "", []string{"sg-1"}, "vpc-1", "eu-west-1")

	data, err := d.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "flag")
}

func TestDecodeDecision(t *testing.T) {
	d, err := DecodeDecision([]byte(`{"instance_id":"i-1","action":"lock","flag":"ssh","security_group_ids":["sg-1","sg-2"],"vpc_id":"vpc-1","region":"us-west-2"}`))

	require.NoError(t, err)
	assert.Equal(t, NewDecision("i-1", ActionLock, FlagSSH, []string{"sg-1", "sg-2"}, "vpc-1", "us-west-2"), d)
}

func TestDecodeDecision_Invalid(t *testing.T) {
	_, err := DecodeDecision([]byte(`{not json`))
	require.Error(t, err)

	_, err = DecodeDecision([]byte(`{"instance_id":"i-1","action":"lock","region":"us-west-2"}`))
	require.ErrorIs(t, err, ErrInvalidDecision)
}

func TestInstance_Predicates(t *testing.T) {
	inst := Instance{State: "running", RootDeviceType: "ebs"}
	assert.True(t, inst.Running())
	assert.True(t, inst.PersistentRoot())
	assert.False(t, inst.Interruptible())

	spot := Instance{State: "stopped", RootDeviceType: "instance-store", Lifecycle: "spot"}
	assert.False(t, spot.Running())
	assert.False(t, spot.PersistentRoot())
	assert.True(t, spot.Interruptible())
}

func TestTags(t *testing.T) {
	assert.Equal(t, map[string]string{"env": "prod", "team": "infra"}, Tags("env", "prod", "team", "infra", "dangling"))
}
