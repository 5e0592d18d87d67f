package profiles

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_PhotoURL(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore(
		Profile{ParticipantID: "user42", PhotoURL: "https://img.example/user42.jpg"},
		Profile{ParticipantID: "nophoto"},
	)

	url, err := store.PhotoURL(ctx, "user42")
	require.NoError(t, err)
	require.Equal(t, "https://img.example/user42.jpg", url)

	_, err = store.PhotoURL(ctx, "nophoto")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.PhotoURL(ctx, "unknown")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutProfile(ctx, Profile{ParticipantID: "nophoto", PhotoURL: "u"}))
	url, err = store.PhotoURL(ctx, "nophoto")
	require.NoError(t, err)
	require.Equal(t, "u", url)
}

func TestInMemoryStore_ReferenceEmbeddingKeyedByPhoto(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	_, ok, err := store.ReferenceEmbedding(ctx, "user42", "a.jpg")
	require.NoError(t, err)
	require.False(t, ok)

	emb := []float32{0.1, 0.2}
	require.NoError(t, store.SaveReferenceEmbedding(ctx, "user42", "a.jpg", emb))
	emb[0] = 9

	got, ok, err := store.ReferenceEmbedding(ctx, "user42", "a.jpg")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{0.1, 0.2}, got)

	_, ok, _ = store.ReferenceEmbedding(ctx, "user42", "b.jpg")
	require.False(t, ok)
}

func TestPendingMigrationsSorted(t *testing.T) {
	files, err := pendingMigrations(map[string]bool{})
	require.NoError(t, err)
	require.Equal(t, []string{"001_profiles.sql", "002_reference_embeddings.sql"}, files)

	files, err = pendingMigrations(map[string]bool{"001_profiles.sql": true})
	require.NoError(t, err)
	require.Equal(t, []string{"002_reference_embeddings.sql"}, files)
}
