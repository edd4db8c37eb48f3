// Package storagetest holds the behaviour every domain.KVStore backend must share.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/persona-chat/internal/domain"
)

// Run exercises a fresh, empty store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) domain.KVStore) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "persona_ai_sessions")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("PutGetOverwrite", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Put(ctx, "persona_ai_sessions", []byte(`[]`)))
		require.NoError(t, s.Put(ctx, "persona_ai_sessions", []byte(`[{"id":"a"}]`)))

		got, err := s.Get(ctx, "persona_ai_sessions")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"id":"a"}]`, string(got))
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Put(ctx, "persona_ai_user", []byte(`{"id":"u"}`)))
		require.NoError(t, s.Delete(ctx, "persona_ai_user"))
		require.NoError(t, s.Delete(ctx, "persona_ai_user"))

		_, err := s.Get(ctx, "persona_ai_user")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Keys", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Put(ctx, "persona_ai_user", []byte(`{}`)))
		require.NoError(t, s.Put(ctx, "persona_ai_sessions", []byte(`[]`)))

		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"persona_ai_sessions", "persona_ai_user"}, keys)
	})
}
