package aws

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/pkg/remediation"
)

// EC2 error codes the adapter reacts to.
const (
	codeGroupDuplicate      = "InvalidGroup.Duplicate"
	codeGroupNotFound       = "InvalidGroup.NotFound"
	codePermissionNotFound  = "InvalidPermission.NotFound"
	codePermissionDuplicate = "InvalidPermission.Duplicate"
)

// DescribeGroups returns the security groups matching the query.
func (p *Provider) DescribeGroups(ctx context.Context, region string, query cloud.GroupQuery) ([]remediation.SecurityGroup, error) {
	client := p.ec2For(region)
	var groups []remediation.SecurityGroup
	var nextToken *string

	for {
		output, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
			GroupIds:  query.IDs,
			Filters:   toFilters(query.Filters),
			NextToken: nextToken,
		})
		if err != nil {
			if errorCode(err) == codeGroupNotFound {
				return nil, fmt.Errorf("describe security groups: %w: %w", cloud.ErrNotFound, err)
			}
			return nil, fmt.Errorf("describe security groups: %w", err)
		}

		for _, sg := range output.SecurityGroups {
			groups = append(groups, convertSecurityGroup(sg))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return groups, nil
}

func toFilters(filters []cloud.Filter) []ec2types.Filter {
	if len(filters) == 0 {
		return nil
	}
	out := make([]ec2types.Filter, 0, len(filters))
	for _, f := range filters {
		out = append(out, ec2types.Filter{Name: aws.String(f.Name), Values: f.Values})
	}
	return out
}

func convertSecurityGroup(sg ec2types.SecurityGroup) remediation.SecurityGroup {
	group := remediation.SecurityGroup{
		ID:    aws.ToString(sg.GroupId),
		Name:  aws.ToString(sg.GroupName),
		VpcID: aws.ToString(sg.VpcId),
	}
	for _, perm := range sg.IpPermissions {
		group.Ingress = append(group.Ingress, convertPermission(perm))
	}
	return group
}

func convertPermission(perm ec2types.IpPermission) remediation.Permission {
	p := remediation.Permission{
		Protocol: aws.ToString(perm.IpProtocol),
		FromPort: perm.FromPort,
		ToPort:   perm.ToPort,
	}
	for _, r := range perm.IpRanges {
		p.CIDRs = append(p.CIDRs, aws.ToString(r.CidrIp))
	}
	for _, r := range perm.Ipv6Ranges {
		p.CIDRs = append(p.CIDRs, aws.ToString(r.CidrIpv6))
	}
	for _, pair := range perm.UserIdGroupPairs {
		p.PeerGroupIDs = append(p.PeerGroupIDs, aws.ToString(pair.GroupId))
	}
	return p
}

// CreatePlaceholderGroup creates an inert group whose only rule allows egress to
// members of the same group.
func (p *Provider) CreatePlaceholderGroup(ctx context.Context, region string, spec cloud.PlaceholderSpec) (string, error) {
	client := p.ec2For(region)

	output, err := client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(spec.Name),
		Description: aws.String("placeholder group for instance " + spec.InstanceID),
		VpcId:       aws.String(spec.VpcID),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeSecurityGroup,
			Tags:         toTags(spec.Tags),
		}},
	})
	if err != nil {
		if errorCode(err) == codeGroupDuplicate {
			p.healPlaceholder(ctx, client, spec)
			return "", fmt.Errorf("create security group %s: %w", spec.Name, cloud.ErrAlreadyExists)
		}
		return "", fmt.Errorf("create security group %s: %w", spec.Name, err)
	}

	groupID := aws.ToString(output.GroupId)
	if err := restrictEgress(ctx, client, groupID); err != nil {
		return "", err
	}
	return groupID, nil
}

// healPlaceholder re-applies the egress restriction to a placeholder left behind by an
// earlier attempt. Failures are logged; the lock proceeds with the group as it is.
func (p *Provider) healPlaceholder(ctx context.Context, client EC2API, spec cloud.PlaceholderSpec) {
	output, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: toFilters([]cloud.Filter{cloud.VpcFilter(spec.VpcID), cloud.NameFilter(spec.Name)}),
	})
	if err != nil || len(output.SecurityGroups) == 0 {
		log.Warn().Err(err).Str("group_name", spec.Name).Msg("cannot find existing placeholder to restrict egress")
		return
	}
	groupID := aws.ToString(output.SecurityGroups[0].GroupId)
	if err := restrictEgress(ctx, client, groupID); err != nil {
		log.Warn().Err(err).Str("group_id", groupID).Msg("cannot restrict egress of existing placeholder")
	}
}

// restrictEgress swaps the default allow-all egress rule for intra-group egress.
func restrictEgress(ctx context.Context, client EC2API, groupID string) error {
	_, err := client.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
		GroupId: aws.String(groupID),
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: aws.String("-1"),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		}},
	})
	if err != nil && errorCode(err) != codePermissionNotFound {
		return fmt.Errorf("revoke default egress of %s: %w", groupID, err)
	}

	_, err = client.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
		GroupId: aws.String(groupID),
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol:       aws.String("-1"),
			UserIdGroupPairs: []ec2types.UserIdGroupPair{{GroupId: aws.String(groupID)}},
		}},
	})
	if err != nil && errorCode(err) != codePermissionDuplicate {
		return fmt.Errorf("authorize intra-group egress of %s: %w", groupID, err)
	}
	return nil
}

func toTags(tags map[string]string) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// SetInstanceGroups replaces the instance's security groups in one call.
func (p *Provider) SetInstanceGroups(ctx context.Context, region, instanceID string, groupIDs []string) error {
	_, err := p.ec2For(region).ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(instanceID),
		Groups:     groupIDs,
	})
	if err != nil {
		return fmt.Errorf("modify instance attribute: %w", err)
	}
	return nil
}
