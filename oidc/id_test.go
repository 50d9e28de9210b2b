package oidc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	t.Parallel()
	t.Run("with-prefix", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := NewID(WithPrefix("st"))
		require.NoError(err)
		assert.True(strings.HasPrefix(got, "st_"))
	})
	t.Run("no-prefix", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := NewID()
		require.NoError(err)
		assert.NotEmpty(got)
		assert.False(strings.Contains(got, "_"))
	})
	t.Run("unique", func(t *testing.T) {
		require := require.New(t)
		a, err := NewID()
		require.NoError(err)
		b, err := NewID()
		require.NoError(err)
		require.NotEqual(a, b)
	})
}
