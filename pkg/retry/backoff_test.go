package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDelay_GrowsExponentiallyAndCaps(t *testing.T) {
	cfg := Config{
		MaxRetries:   10,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 1*time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 16*time.Second, cfg.Delay(5))
	// 2^6 = 64s exceeds the cap.
	assert.Equal(t, 30*time.Second, cfg.Delay(7))
	assert.Equal(t, 30*time.Second, cfg.Delay(20))
}

func TestDelay_JitterStaysWithinBounds(t *testing.T) {
	cfg := Config{
		MaxRetries:    10,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		JitterEnabled: true,
	}

	for i := 0; i < 100; i++ {
		d := cfg.Delay(3) // nominal 4s
		assert.GreaterOrEqual(t, d, time.Duration(float64(4*time.Second)*0.85))
		assert.LessOrEqual(t, d, time.Duration(float64(4*time.Second)*1.15))
	}
}

func TestBackoff_NextAndReset(t *testing.T) {
	b := NewBackoff(Config{
		MaxRetries:   10,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	})

	assert.Equal(t, 1*time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 3, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, 1*time.Second, b.Next())
}

func TestWithBackoff_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := Config{
		MaxRetries:   5,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}

	calls := 0
	err := WithBackoff(context.Background(), cfg, zap.NewNop(), "test_op", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackoff_ExhaustsRetries(t *testing.T) {
	cfg := Config{
		MaxRetries:   3,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}

	sentinel := errors.New("store down")
	calls := 0
	err := WithBackoff(context.Background(), cfg, zap.NewNop(), "test_op", func() error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestWithBackoff_HonorsCancellation(t *testing.T) {
	cfg := Config{
		MaxRetries:   100,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WithBackoff(ctx, cfg, zap.NewNop(), "test_op", func() error {
		return errors.New("always fails")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
