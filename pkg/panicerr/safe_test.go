package panicerr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafe(t *testing.T) {
	t.Run("passes errors through", func(t *testing.T) {
		want := errors.New("boom")
		err := Safe(func() error { return want })()
		assert.ErrorIs(t, err, want)
	})

	t.Run("recovers panic", func(t *testing.T) {
		err := Safe(func() error { panic("kaboom") })()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kaboom")
	})

	t.Run("nil on success", func(t *testing.T) {
		assert.NoError(t, Safe(func() error { return nil })())
	})
}

func TestSafeResult(t *testing.T) {
	ctx := context.Background()

	res, err := SafeResult(ctx, func(context.Context) (string, error) { return "done", nil })
	require.NoError(t, err)
	assert.Equal(t, "done", res)

	res, err = SafeResult(ctx, func(context.Context) (string, error) { panic("nope") })
	require.Error(t, err)
	assert.Empty(t, res)
	assert.Contains(t, err.Error(), "nope")
}
