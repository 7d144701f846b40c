// Package classifier chooses between stopping and locking a flagged instance.
package classifier

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/pkg/remediation"
)

// Classifier decides the remediation action for an instance that already failed
// the network policy check and is not excluded.
type Classifier struct {
	asg cloud.Autoscaling
}

// New creates a Classifier.
func New(asg cloud.Autoscaling) *Classifier {
	return &Classifier{asg: asg}
}

// Classify returns a stop decision only when stopping is affirmatively safe: no
// autoscaling group, a persistent root volume, and an on-demand lifecycle.
// Everything else, including a failed membership lookup, is locked.
func (c *Classifier) Classify(ctx context.Context, inst remediation.Instance, flag remediation.Flag, groupIDs []string, vpcID, region string) remediation.Decision {
	logger := log.With().Str("instance_id", inst.ID).Str("region", region).Logger()

	memberships, err := c.asg.DescribeMembership(ctx, region, inst.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("autoscaling lookup failed, marking for lock")
		return remediation.NewDecision(inst.ID, remediation.ActionLock, flag, groupIDs, vpcID, region)
	}

	if len(memberships) == 0 && inst.PersistentRoot() && !inst.Interruptible() {
		logger.Info().Msg("ebs-backed, on-demand and outside any autoscaling group, marking for stop")
		return remediation.NewDecision(inst.ID, remediation.ActionStop, flag, groupIDs, vpcID, region)
	}

	logger.Info().
		Int("asg_memberships", len(memberships)).
		Str("root_device_type", inst.RootDeviceType).
		Str("lifecycle", inst.Lifecycle).
		Msg("cannot stop safely, marking for lock")
	return remediation.NewDecision(inst.ID, remediation.ActionLock, flag, groupIDs, vpcID, region)
}
