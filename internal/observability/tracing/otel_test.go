package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	cfg := DefaultConfig("takehome-api")
	assert.False(t, cfg.Enabled)

	p, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}
