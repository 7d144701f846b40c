// Package cloudtest provides function-field fakes of the cloud interfaces for tests.
package cloudtest

import (
	"context"
	"sync"

	"github.com/yairfalse/shutter/internal/cloud"
	"github.com/yairfalse/shutter/pkg/remediation"
)

// Compute fakes cloud.Compute.
type Compute struct {
	DescribeInstancesFunc func(ctx context.Context, region string, ids []string) ([]remediation.Instance, error)
	StopInstanceFunc      func(ctx context.Context, region, instanceID string) error
}

func (c *Compute) DescribeInstances(ctx context.Context, region string, ids []string) ([]remediation.Instance, error) {
	return c.DescribeInstancesFunc(ctx, region, ids)
}

func (c *Compute) StopInstance(ctx context.Context, region, instanceID string) error {
	return c.StopInstanceFunc(ctx, region, instanceID)
}

// Autoscaling fakes cloud.Autoscaling.
type Autoscaling struct {
	DescribeMembershipFunc func(ctx context.Context, region, instanceID string) ([]cloud.Membership, error)
}

func (a *Autoscaling) DescribeMembership(ctx context.Context, region, instanceID string) ([]cloud.Membership, error) {
	return a.DescribeMembershipFunc(ctx, region, instanceID)
}

// NoMembership is an Autoscaling that reports no group for every instance.
func NoMembership() *Autoscaling {
	return &Autoscaling{
		DescribeMembershipFunc: func(context.Context, string, string) ([]cloud.Membership, error) {
			return nil, nil
		},
	}
}

// Rules fakes cloud.Rules.
type Rules struct {
	DescribeGroupsFunc         func(ctx context.Context, region string, query cloud.GroupQuery) ([]remediation.SecurityGroup, error)
	CreatePlaceholderGroupFunc func(ctx context.Context, region string, spec cloud.PlaceholderSpec) (string, error)
	SetInstanceGroupsFunc      func(ctx context.Context, region, instanceID string, groupIDs []string) error
}

func (r *Rules) DescribeGroups(ctx context.Context, region string, query cloud.GroupQuery) ([]remediation.SecurityGroup, error) {
	return r.DescribeGroupsFunc(ctx, region, query)
}

func (r *Rules) CreatePlaceholderGroup(ctx context.Context, region string, spec cloud.PlaceholderSpec) (string, error) {
	return r.CreatePlaceholderGroupFunc(ctx, region, spec)
}

func (r *Rules) SetInstanceGroups(ctx context.Context, region, instanceID string, groupIDs []string) error {
	return r.SetInstanceGroupsFunc(ctx, region, instanceID, groupIDs)
}

// Sent is a message recorded by Queue.
type Sent struct {
	QueueURL string
	Body     []byte
}

// Queue fakes cloud.Queue and records every send attempt, failed or not.
type Queue struct {
	QueueURLFunc func(ctx context.Context, name string) (string, error)
	SendFunc     func(ctx context.Context, queueURL string, body []byte) error

	mu       sync.Mutex
	attempts []Sent
}

// NewQueue returns a Queue that resolves every name to "https://sqs/<name>" and accepts all sends.
func NewQueue() *Queue {
	return &Queue{
		QueueURLFunc: func(_ context.Context, name string) (string, error) {
			return "https://sqs/" + name, nil
		},
		SendFunc: func(context.Context, string, []byte) error { return nil },
	}
}

func (q *Queue) QueueURL(ctx context.Context, name string) (string, error) {
	return q.QueueURLFunc(ctx, name)
}

func (q *Queue) Send(ctx context.Context, queueURL string, body []byte) error {
	q.mu.Lock()
	q.attempts = append(q.attempts, Sent{QueueURL: queueURL, Body: append([]byte(nil), body...)})
	q.mu.Unlock()
	return q.SendFunc(ctx, queueURL, body)
}

// Attempts returns every send attempt in order.
func (q *Queue) Attempts() []Sent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Sent(nil), q.attempts...)
}

// AttemptsTo returns the send attempts made to one queue URL.
func (q *Queue) AttemptsTo(queueURL string) []Sent {
	var out []Sent
	for _, s := range q.Attempts() {
		if s.QueueURL == queueURL {
			out = append(out, s)
		}
	}
	return out
}

// Receiver fakes cloud.Receiver.
type Receiver struct {
	ReceiveFunc func(ctx context.Context, queueURL string, max int32, waitSeconds int32) ([]cloud.Message, error)
	DeleteFunc  func(ctx context.Context, queueURL, receiptHandle string) error
}

func (r *Receiver) Receive(ctx context.Context, queueURL string, max int32, waitSeconds int32) ([]cloud.Message, error) {
	return r.ReceiveFunc(ctx, queueURL, max, waitSeconds)
}

func (r *Receiver) Delete(ctx context.Context, queueURL, receiptHandle string) error {
	return r.DeleteFunc(ctx, queueURL, receiptHandle)
}
