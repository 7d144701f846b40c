package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/pkg/remediation"
)

// DescribeInstances returns the instances with the given ids.
func (p *Provider) DescribeInstances(ctx context.Context, region string, ids []string) ([]remediation.Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	client := p.ec2For(region)
	var instances []remediation.Instance
	var nextToken *string

	for {
		output, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: ids,
			NextToken:   nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}

		for _, reservation := range output.Reservations {
			for _, instance := range reservation.Instances {
				instances = append(instances, convertInstance(region, instance))
			}
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return instances, nil
}

func convertInstance(region string, i ec2types.Instance) remediation.Instance {
	inst := remediation.Instance{
		ID:             aws.ToString(i.InstanceId),
		Region:         region,
		RootDeviceType: string(i.RootDeviceType),
		Lifecycle:      string(i.InstanceLifecycle),
		VpcID:          aws.ToString(i.VpcId),
		Tags:           tagMap(i.Tags),
	}
	if i.State != nil {
		inst.State = string(i.State.Name)
	}
	for _, g := range i.SecurityGroups {
		inst.SecurityGroupIDs = append(inst.SecurityGroupIDs, aws.ToString(g.GroupId))
	}
	return inst
}

func tagMap(tags []ec2types.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

// StopInstance requests a stop of one instance.
func (p *Provider) StopInstance(ctx context.Context, region, instanceID string) error {
	_, err := p.ec2For(region).StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	return nil
}

// DescribeMembership returns the autoscaling groups the instance belongs to.
func (p *Provider) DescribeMembership(ctx context.Context, region, instanceID string) ([]cloud.Membership, error) {
	output, err := p.asgFor(region).DescribeAutoScalingInstances(ctx, &autoscaling.DescribeAutoScalingInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("describe autoscaling instances: %w", err)
	}

	memberships := make([]cloud.Membership, 0, len(output.AutoScalingInstances))
	for _, details := range output.AutoScalingInstances {
		memberships = append(memberships, cloud.Membership{
			GroupName:      aws.ToString(details.AutoScalingGroupName),
			LifecycleState: aws.ToString(details.LifecycleState),
		})
	}
	return memberships, nil
}
