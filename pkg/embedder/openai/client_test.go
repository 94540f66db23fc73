package openai_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheSethRose/tristore/pkg/embedder/openai"
)

func TestNewClient_DefaultModel(t *testing.T) {
	c, err := openai.NewClient(&openai.Config{APIKey: "test-key"})
	require.NoError(t, err)

	assert.Equal(t, 1536, c.Dimensions())
	assert.NoError(t, c.Close())
}

func TestNewClient_KnownModelName(t *testing.T) {
	c, err := openai.NewClient(&openai.Config{
		APIKey: "test-key",
		Model:  "text-embedding-ada-002",
	})
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestNewClient_UnknownModelName(t *testing.T) {
	c, err := openai.NewClient(&openai.Config{
		APIKey: "test-key",
		Model:  "text-embedding-made-up",
	})
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Contains(t, err.Error(), "unsupported embedding model")
}
