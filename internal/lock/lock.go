// Package lock isolates an instance by swapping its dangerous security groups for a
// per-instance placeholder group.
package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/internal/netpolicy"
	"github.com/yairfalse/shutter/internal/telemetry"
	"github.com/yairfalse/shutter/pkg/remediation"
)

var tracer = otel.Tracer("github.com/yairfalse/shutter/internal/lock")

// ErrNoRemediation is returned for a flag the lock stage has no rule set for.
var ErrNoRemediation = errors.New("no remediation for flag")

// Options configures the placeholder group.
type Options struct {
	// PlaceholderPrefix is prepended to the instance id to name the placeholder.
	PlaceholderPrefix string
	// PlaceholderTagKey is set to "True" on every placeholder.
	PlaceholderTagKey string
}

// Executor applies lock decisions.
type Executor struct {
	rules   cloud.Rules
	opts    Options
	metrics *telemetry.Metrics
}

// New creates an Executor. A nil metrics records nothing.
func New(rules cloud.Rules, opts Options, metrics *telemetry.Metrics) *Executor {
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Executor{rules: rules, opts: opts, metrics: metrics}
}

// Lock removes the groups matching the decision's flag from the instance and attaches
// the placeholder in their place, in a single modification. Stop decisions are
// accepted too, since a failed stop is re-sent to the lock queue as is.
func (e *Executor) Lock(ctx context.Context, d remediation.Decision) error {
	ctx, span := tracer.Start(ctx, "lock.apply", trace.WithAttributes(
		attribute.String("instance.id", d.InstanceID),
		attribute.String("flag", string(d.Flag)),
		attribute.String("cloud.region", d.Region),
	))
	defer span.End()

	err := e.lock(ctx, d)
	if err != nil {
		span.RecordError(err)
		e.metrics.RecordRemediation(ctx, "lock", telemetry.OutcomeFailed)
		return err
	}
	e.metrics.RecordRemediation(ctx, "lock", telemetry.OutcomeOK)
	return nil
}

func (e *Executor) lock(ctx context.Context, d remediation.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	// Stop decisions arrive here unchanged when stopping failed.
	if d.Action != remediation.ActionLock && d.Action != remediation.ActionStop {
		return fmt.Errorf("%w: lock stage received action %q", remediation.ErrInvalidDecision, d.Action)
	}

	logger := log.With().Str("instance_id", d.InstanceID).Str("region", d.Region).Str("flag", string(d.Flag)).Logger()

	bad, err := e.badGroups(ctx, d)
	if err != nil {
		return err
	}

	placeholder, err := e.placeholder(ctx, d)
	if err != nil {
		return err
	}

	replacement := Replacement(d.SecurityGroupIDs, bad, placeholder)
	logger.Info().
		Strs("removed", bad).
		Strs("groups", replacement).
		Msg("replacing security groups")

	if err := e.rules.SetInstanceGroups(ctx, d.Region, d.InstanceID, replacement); err != nil {
		return fmt.Errorf("modify security groups of %s: %w", d.InstanceID, err)
	}

	logger.Info().Str("placeholder", placeholder).Msg("instance locked")
	return nil
}

// badGroups returns the ids of the VPC groups the flag marks for removal.
func (e *Executor) badGroups(ctx context.Context, d remediation.Decision) ([]string, error) {
	var bad []string
	switch d.Flag {
	case remediation.FlagSSH:
		ids, err := e.sshGroups(ctx, d)
		if err != nil {
			return nil, err
		}
		bad = ids
	case remediation.FlagDefault:
		ids, err := e.defaultGroups(ctx, d)
		if err != nil {
			return nil, err
		}
		bad = ids
	case remediation.FlagBoth:
		ssh, err := e.sshGroups(ctx, d)
		if err != nil {
			return nil, err
		}
		def, err := e.defaultGroups(ctx, d)
		if err != nil {
			return nil, err
		}
		bad = append(ssh, def...)
	default:
		return nil, fmt.Errorf("%w: %q for %s", ErrNoRemediation, d.Flag, d.InstanceID)
	}
	return bad, nil
}

func (e *Executor) sshGroups(ctx context.Context, d remediation.Decision) ([]string, error) {
	groups, err := e.rules.DescribeGroups(ctx, d.Region, cloud.GroupQuery{
		Filters: []cloud.Filter{cloud.VpcFilter(d.VpcID)},
	})
	if err != nil {
		return nil, fmt.Errorf("describe security groups in %s: %w", d.VpcID, err)
	}
	var ids []string
	for _, g := range groups {
		if netpolicy.IsDangerousSSH(g) {
			ids = append(ids, g.ID)
		}
	}
	return ids, nil
}

func (e *Executor) defaultGroups(ctx context.Context, d remediation.Decision) ([]string, error) {
	groups, err := e.rules.DescribeGroups(ctx, d.Region, cloud.GroupQuery{
		Filters: []cloud.Filter{cloud.VpcFilter(d.VpcID), cloud.NameFilter(netpolicy.DefaultGroupName)},
	})
	if err != nil {
		return nil, fmt.Errorf("describe default security group in %s: %w", d.VpcID, err)
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// placeholder creates the instance's placeholder group, or finds the one a previous
// attempt left behind.
func (e *Executor) placeholder(ctx context.Context, d remediation.Decision) (string, error) {
	name := e.opts.PlaceholderPrefix + d.InstanceID
	spec := cloud.PlaceholderSpec{
		Name:       name,
		InstanceID: d.InstanceID,
		VpcID:      d.VpcID,
		Tags:       map[string]string{e.opts.PlaceholderTagKey: "True"},
	}

	id, err := e.rules.CreatePlaceholderGroup(ctx, d.Region, spec)
	if err == nil {
		log.Info().Str("instance_id", d.InstanceID).Str("group_id", id).Msg("created placeholder group")
		return id, nil
	}
	if !errors.Is(err, cloud.ErrAlreadyExists) {
		return "", fmt.Errorf("create placeholder %s: %w", name, err)
	}

	groups, err := e.rules.DescribeGroups(ctx, d.Region, cloud.GroupQuery{
		Filters: []cloud.Filter{cloud.VpcFilter(d.VpcID), cloud.NameFilter(name)},
	})
	if err != nil {
		return "", fmt.Errorf("find placeholder %s: %w", name, err)
	}
	if len(groups) == 0 {
		return "", fmt.Errorf("find placeholder %s: %w", name, cloud.ErrNotFound)
	}
	log.Info().Str("instance_id", d.InstanceID).Str("group_id", groups[0].ID).Msg("reusing placeholder group")
	return groups[0].ID, nil
}

// Replacement returns current without the ids in remove, deduplicated and in order,
// with placeholder appended once.
func Replacement(current, remove []string, placeholder string) []string {
	out := make([]string, 0, len(current)+1)
	for _, id := range current {
		if id == placeholder || slices.Contains(remove, id) || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return append(out, placeholder)
}
