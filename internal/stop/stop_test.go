package stop

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/shutter/internal/cloud/cloudtest"
	"github.com/yairfalse/shutter/pkg/remediation"
)

const lockQueue = "lock_instance_queue"

func stopDecision() remediation.Decision {
	return remediation.NewDecision("i-1", remediation.ActionStop, remediation.FlagSSH, []string{"sg-1"}, "vpc-1", "us-east-1")
}

func compute(err error) (*cloudtest.Compute, *[]string) {
	var stopped []string
	return &cloudtest.Compute{
		StopInstanceFunc: func(_ context.Context, region, id string) error {
			stopped = append(stopped, region+"/"+id)
			return err
		},
	}, &stopped
}

func TestStop_Success(t *testing.T) {
	c, stopped := compute(nil)
	q := cloudtest.NewQueue()

	err := New(c, q, lockQueue, nil).Stop(context.Background(), stopDecision())

	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1/i-1"}, *stopped)
	assert.Empty(t, q.Attempts())
}

func TestStop_FailureFallsBackToLockQueue(t *testing.T) {
	c, _ := compute(errors.New("IncorrectInstanceState"))
	q := cloudtest.NewQueue()

	err := New(c, q, lockQueue, nil).Stop(context.Background(), stopDecision())

	require.NoError(t, err)
	sent := q.AttemptsTo("https://sqs/" + lockQueue)
	require.Len(t, sent, 1)
	got, err := remediation.DecodeDecision(sent[0].Body)
	require.NoError(t, err)
	assert.Equal(t, stopDecision(), got)
}

func TestStop_BothFail(t *testing.T) {
	c, _ := compute(errors.New("IncorrectInstanceState"))
	q := cloudtest.NewQueue()
	q.SendFunc = func(context.Context, string, []byte) error { return errors.New("throttled") }

	err := New(c, q, lockQueue, nil).Stop(context.Background(), stopDecision())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "IncorrectInstanceState")
	assert.Contains(t, err.Error(), "throttled")
}

func TestStop_LockQueueUnresolved(t *testing.T) {
	c, _ := compute(errors.New("IncorrectInstanceState"))
	q := cloudtest.NewQueue()
	q.QueueURLFunc = func(context.Context, string) (string, error) { return "", errors.New("no such queue") }

	err := New(c, q, lockQueue, nil).Stop(context.Background(), stopDecision())

	require.Error(t, err)
	assert.Empty(t, q.Attempts())
}

func TestStop_RejectsInvalidDecision(t *testing.T) {
	c, stopped := compute(nil)
	q := cloudtest.NewQueue()

	lock := remediation.NewDecision("i-1", remediation.ActionLock, remediation.FlagSSH, []string{"sg-1"}, "vpc-1", "us-east-1")
	err := New(c, q, lockQueue, nil).Stop(context.Background(), lock)
	assert.ErrorIs(t, err, remediation.ErrInvalidDecision)

	noGroups := remediation.NewDecision("i-1", remediation.ActionStop, remediation.FlagSSH, nil, "vpc-1", "us-east-1")
	err = New(c, q, lockQueue, nil).Stop(context.Background(), noGroups)
	assert.ErrorIs(t, err, remediation.ErrInvalidDecision)

	assert.Empty(t, *stopped)
}
