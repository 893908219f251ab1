package main

import (
	"testing"

	"dscrape/internal/mentiongraph"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagDefaults(t *testing.T) {
	cmd := newRootCmd()

	limit, err := cmd.Flags().GetInt("limit")
	require.NoError(t, err)
	assert.Equal(t, mentiongraph.DefaultLimit, limit)

	exclude, err := cmd.Flags().GetInt64Slice("exclude")
	require.NoError(t, err)
	assert.Equal(t, mentiongraph.DefaultExclude, exclude)

	out, err := cmd.Flags().GetString("out")
	require.NoError(t, err)
	assert.Equal(t, "mentions.dot", out)
}
