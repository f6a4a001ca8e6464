package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBackoff(t *testing.T) {
	policy := RetryPolicy{
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    3,
	}
	r := NewRetrier(policy)

	assert.Equal(t, 2*time.Second, r.ComputeBackoff(1))
	assert.Equal(t, 4*time.Second, r.ComputeBackoff(2))
	assert.Equal(t, 8*time.Second, r.ComputeBackoff(3))
}

func TestComputeBackoffCapsAtMaximumInterval(t *testing.T) {
	policy := RetryPolicy{
		InitialInterval:    1 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    10,
	}
	r := NewRetrier(policy)

	assert.Equal(t, 10*time.Second, r.ComputeBackoff(8))
}

func TestNextBackOffExhaustsAfterMaximumAttempts(t *testing.T) {
	policy := RetryPolicy{
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Second,
		MaximumAttempts:    3,
	}
	r := NewRetrier(policy)

	require.NotEqual(t, done, r.NextBackOff())
	require.NotEqual(t, done, r.NextBackOff())
	assert.Equal(t, done, r.NextBackOff())
}

func TestIsNonRetryableKind(t *testing.T) {
	policy := RetryPolicy{NonRetryableErrorKinds: []string{"ValidationError"}}
	assert.True(t, policy.IsNonRetryableKind("ValidationError"))
	assert.False(t, policy.IsNonRetryableKind("Transient"))
}
