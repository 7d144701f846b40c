// Package cloud defines the control-plane and queue capabilities the pipeline consumes.
// Each interface covers one API family so stages can be wired with fakes in tests.
package cloud

import (
	"context"
	"errors"

	"github.com/yairfalse/shutter/pkg/remediation"
)

var (
	// ErrAlreadyExists is returned when a create call collides with an existing resource.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned when a referenced resource does not exist.
	ErrNotFound = errors.New("not found")
)

// Compute describes and stops instances.
type Compute interface {
	// DescribeInstances returns the instances found for ids. An empty result with a nil
	// error means the call succeeded and matched nothing.
	DescribeInstances(ctx context.Context, region string, ids []string) ([]remediation.Instance, error)
	StopInstance(ctx context.Context, region, instanceID string) error
}

// Membership is one autoscaling group an instance belongs to.
type Membership struct {
	GroupName      string
	LifecycleState string
}

// Autoscaling looks up autoscaling group membership.
type Autoscaling interface {
	DescribeMembership(ctx context.Context, region, instanceID string) ([]Membership, error)
}

// Filter is a single describe constraint. Filters in a query are combined with AND;
// values inside one filter are combined with OR.
type Filter struct {
	Name   string
	Values []string
}

// GroupQuery selects security groups by id, by filters, or both.
type GroupQuery struct {
	IDs     []string
	Filters []Filter
}

// VpcFilter scopes a query to one VPC.
func VpcFilter(vpcID string) Filter {
	return Filter{Name: "vpc-id", Values: []string{vpcID}}
}

// NameFilter matches groups by name.
func NameFilter(names ...string) Filter {
	return Filter{Name: "group-name", Values: names}
}

// PlaceholderSpec describes the inert group substituted during a lock.
type PlaceholderSpec struct {
	Name       string
	InstanceID string
	VpcID      string
	Tags       map[string]string
}

// Rules manages security groups and their attachment to instances.
type Rules interface {
	DescribeGroups(ctx context.Context, region string, query GroupQuery) ([]remediation.SecurityGroup, error)
	// CreatePlaceholderGroup creates the group and returns its id. It returns an error
	// wrapping ErrAlreadyExists when a group with the same name exists in the VPC.
	CreatePlaceholderGroup(ctx context.Context, region string, spec PlaceholderSpec) (string, error)
	// SetInstanceGroups replaces the full group list of the instance in one call.
	SetInstanceGroups(ctx context.Context, region, instanceID string, groupIDs []string) error
}

// Queue resolves queue endpoints and sends messages.
type Queue interface {
	QueueURL(ctx context.Context, name string) (string, error)
	Send(ctx context.Context, queueURL string, body []byte) error
}

// Message is a received queue message.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
}

// Receiver pulls and acknowledges messages.
type Receiver interface {
	Receive(ctx context.Context, queueURL string, max int32, waitSeconds int32) ([]Message, error)
	Delete(ctx context.Context, queueURL, receiptHandle string) error
}
