package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("regulatory")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Minute
	var transitions []State
	cfg.OnStateChange = func(_ string, to State) { transitions = append(transitions, to) }

	cb, err := New(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := Do(ctx, cb, func(context.Context) (int, error) { return 0, errDown })
		assert.ErrorIs(t, err, errDown)
	}
	assert.True(t, cb.IsOpen())
	assert.Equal(t, []State{StateOpen}, transitions)
	assert.Equal(t, 1, StateValue(cb.GetState()))

	_, err = Do(ctx, cb, func(context.Context) (int, error) { return 1, nil })
	assert.True(t, IsOpen(err))
	assert.False(t, cb.Health().Healthy)
}

func TestBreaker_IsSuccessfulOverride(t *testing.T) {
	cfg := DefaultConfig("regulatory")
	cfg.FailureThreshold = 1
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errDown) }

	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = Do(context.Background(), cb, func(context.Context) (string, error) { return "", errDown })
	}
	assert.True(t, cb.IsClosed())

	v, err := Do(context.Background(), cb, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
