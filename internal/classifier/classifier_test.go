package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/internal/cloud/cloudtest"
	"github.com/yairfalse/shutter/pkg/remediation"
)

const (
	testInstanceID = "i-0123456789abcdef0"
	testRegion     = "us-east-1"
	testVpcID      = "vpc-0123"
)

func asgMember(group string) *cloudtest.Autoscaling {
	return &cloudtest.Autoscaling{
		DescribeMembershipFunc: func(_ context.Context, _, _ string) ([]cloud.Membership, error) {
			return []cloud.Membership{{GroupName: group, LifecycleState: "InService"}}, nil
		},
	}
}

func TestClassify_StopWhenSafe(t *testing.T) {
	c := New(cloudtest.NoMembership())
	inst := remediation.Instance{ID: testInstanceID, RootDeviceType: "ebs"}

	d := c.Classify(context.Background(), inst, remediation.FlagSSH, []string{"sg-1"}, testVpcID, testRegion)

	assert.Equal(t, remediation.NewDecision(testInstanceID, remediation.ActionStop, remediation.FlagSSH, []string{"sg-1"}, testVpcID, testRegion), d)
}

func TestClassify_LockWhenInASG(t *testing.T) {
	for _, root := range []string{"ebs", "instance-store"} {
		t.Run(root, func(t *testing.T) {
			c := New(asgMember("web-asg"))
			inst := remediation.Instance{ID: testInstanceID, RootDeviceType: root}

			d := c.Classify(context.Background(), inst, remediation.FlagDefault, []string{"sg-1"}, testVpcID, testRegion)

			assert.Equal(t, remediation.ActionLock, d.Action)
			assert.Equal(t, remediation.FlagDefault, d.Flag)
			assert.Equal(t, testVpcID, d.VpcID)
		})
	}
}

func TestClassify_LockWhenEphemeralRoot(t *testing.T) {
	c := New(cloudtest.NoMembership())
	inst := remediation.Instance{ID: testInstanceID, RootDeviceType: "instance-store"}

	d := c.Classify(context.Background(), inst, remediation.FlagSSH, []string{"sg-1"}, testVpcID, testRegion)

	assert.Equal(t, remediation.ActionLock, d.Action)
}

func TestClassify_LockWhenSpot(t *testing.T) {
	c := New(cloudtest.NoMembership())
	inst := remediation.Instance{ID: testInstanceID, RootDeviceType: "ebs", Lifecycle: "spot"}

	d := c.Classify(context.Background(), inst, remediation.FlagSSH, []string{"sg-1"}, testVpcID, testRegion)

	assert.Equal(t, remediation.ActionLock, d.Action)
}

func TestClassify_LockWhenLookupFails(t *testing.T) {
	c := New(&cloudtest.Autoscaling{
		DescribeMembershipFunc: func(context.Context, string, string) ([]cloud.Membership, error) {
			return nil, errors.New("throttled")
		},
	})
	inst := remediation.Instance{ID: testInstanceID, RootDeviceType: "ebs"}

	d := c.Classify(context.Background(), inst, remediation.FlagBoth, []string{"sg-1", "sg-2"}, testVpcID, testRegion)

	assert.Equal(t, remediation.NewDecision(testInstanceID, remediation.ActionLock, remediation.FlagBoth, []string{"sg-1", "sg-2"}, testVpcID, testRegion), d)
	assert.NoError(t, d.Validate())
}

func TestClassify_Idempotent(t *testing.T) {
	c := New(cloudtest.NoMembership())
	inst := remediation.Instance{ID: testInstanceID, RootDeviceType: "ebs"}
	groups := []string{"sg-1", "sg-2"}

	first := c.Classify(context.Background(), inst, remediation.FlagSSH, groups, testVpcID, testRegion)
	second := c.Classify(context.Background(), inst, remediation.FlagSSH, groups, testVpcID, testRegion)

	assert.Equal(t, first, second)
}
