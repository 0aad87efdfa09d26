package attachment

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.Put(ctx, "thorax.png", "image/png", strings.NewReader("pixels"))
	require.NoError(t, err)

	obj, err := store.Open(ctx, id)
	require.NoError(t, err)
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	require.NoError(t, obj.Close())

	assert.Equal(t, "pixels", string(data))
	assert.Equal(t, "thorax.png", obj.Filename)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.Equal(t, int64(6), obj.Size)

	require.NoError(t, store.Delete(ctx, id))
	_, err = store.Open(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, id), ErrNotFound)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().Put(ctx, "a", "b", strings.NewReader("c"))
	assert.ErrorIs(t, err, context.Canceled)
}
