// Package aws implements the cloud interfaces on the AWS SDK v2.
package aws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/shutter/internal/cloud"
)

var (
	_ cloud.Compute     = (*Provider)(nil)
	_ cloud.Autoscaling = (*Provider)(nil)
	_ cloud.Rules       = (*Provider)(nil)
	_ cloud.Queue       = (*Provider)(nil)
	_ cloud.Receiver    = (*Provider)(nil)
)

// Provider implements cloud.Compute, cloud.Autoscaling, cloud.Rules, cloud.Queue and
// cloud.Receiver. EC2 and Auto Scaling clients are created per region on first use;
// the SQS client is bound to the queue region.
type Provider struct {
	newEC2 func(region string) EC2API
	newASG func(region string) AutoScalingAPI
	sqs    SQSAPI

	mu         sync.Mutex
	ec2Clients map[string]EC2API
	asgClients map[string]AutoScalingAPI
}

// Config holds AWS provider configuration.
type Config struct {
	// Region is where the queues live.
	Region  string
	Profile string
}

// New loads the default credential chain and creates a Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewWithClients(
		func(region string) EC2API {
			return ec2.NewFromConfig(awsCfg, func(o *ec2.Options) { o.Region = region })
		},
		func(region string) AutoScalingAPI {
			return autoscaling.NewFromConfig(awsCfg, func(o *autoscaling.Options) { o.Region = region })
		},
		sqs.NewFromConfig(awsCfg),
	), nil
}

// NewWithClients creates a Provider from client factories.
func NewWithClients(newEC2 func(region string) EC2API, newASG func(region string) AutoScalingAPI, sqsClient SQSAPI) *Provider {
	return &Provider{
		newEC2:     newEC2,
		newASG:     newASG,
		sqs:        sqsClient,
		ec2Clients: make(map[string]EC2API),
		asgClients: make(map[string]AutoScalingAPI),
	}
}

func (p *Provider) ec2For(region string) EC2API {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.ec2Clients[region]
	if !ok {
		c = p.newEC2(region)
		p.ec2Clients[region] = c
	}
	return c
}

func (p *Provider) asgFor(region string) AutoScalingAPI {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.asgClients[region]
	if !ok {
		c = p.newASG(region)
		p.asgClients[region] = c
	}
	return c
}

// errorCode returns the AWS API error code of err, or "".
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
