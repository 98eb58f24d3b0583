package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "backtrack", "test", DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	cfg := DefaultConfig()
	cfg.Enabled = true
	shutdown, err = Setup(context.Background(), "backtrack", "test", cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{SampleRatio: 1.5}.Validate())
	assert.Error(t, Config{SampleRatio: -0.1}.Validate())
}
