package main

import (
	"bytes"
	"strings"
	"testing"

	"dscrape/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader("correct horse\n"))
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash-password"})

	require.NoError(t, cmd.Execute())

	hash := strings.TrimSpace(out.String())
	assert.True(t, auth.ComparePassword(hash, "correct horse"))
	assert.False(t, auth.ComparePassword(hash, "correct horse\n"))
}
