package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoxStore(t *testing.T) *boxVectorStore {
	t.Helper()
	store := newBoxVectorStore()
	require.NoError(t, store.CreateCollection(context.Background(), "test", 3))
	return store
}

func testRecords() []VectorRecord {
	return []VectorRecord{
		{ID: "a", Text: "the sky is blue", Metadata: map[string]any{"userId": "u1", "topic": "sky"}, Embedding: []float32{1, 0, 0}},
		{ID: "b", Text: "grass is green", Metadata: map[string]any{"userId": "u1", "topic": "grass"}, Embedding: []float32{0, 1, 0}},
		{ID: "c", Text: "roses are red", Metadata: map[string]any{"userId": "u2", "topic": "roses"}, Embedding: []float32{0, 0, 1}},
	}
}

func TestBoxVectorStore_CollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newBoxVectorStore()

	exists, err := store.CollectionExists(ctx, "test")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.CreateCollection(ctx, "test", 3))
	exists, err = store.CollectionExists(ctx, "test")
	require.NoError(t, err)
	assert.True(t, exists)

	// Creating again is a no-op.
	require.NoError(t, store.CreateCollection(ctx, "test", 3))

	require.NoError(t, store.DeleteCollection(ctx, "test"))
	exists, err = store.CollectionExists(ctx, "test")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBoxVectorStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestBoxStore(t)
	require.NoError(t, store.Upsert(ctx, "test", testRecords()))

	record, err := store.GetByID(ctx, "test", "a")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "the sky is blue", record.Text)
	assert.Equal(t, "u1", record.Metadata["userId"])

	missing, err := store.GetByID(ctx, "test", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBoxVectorStore_SearchByVector(t *testing.T) {
	ctx := context.Background()
	store := newTestBoxStore(t)
	require.NoError(t, store.Upsert(ctx, "test", testRecords()))

	hits, err := store.SearchByVector(ctx, "test", []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 0.001)

	// Tenant filter excludes the other user's record entirely.
	hits, err = store.SearchByVector(ctx, "test", []float32{0, 0, 1}, 3, Filter{"userId": "u1"})
	require.NoError(t, err)
	for _, hit := range hits {
		assert.Equal(t, "u1", hit.Metadata["userId"])
	}
}

func TestBoxVectorStore_SearchEmptyCollection(t *testing.T) {
	ctx := context.Background()
	store := newTestBoxStore(t)

	hits, err := store.SearchByVector(ctx, "test", []float32{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBoxVectorStore_DeleteAndFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestBoxStore(t)
	require.NoError(t, store.Upsert(ctx, "test", testRecords()))

	require.NoError(t, store.Delete(ctx, "test", []string{"a"}))
	record, err := store.GetByID(ctx, "test", "a")
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, store.DeleteByFilter(ctx, "test", Filter{"userId": "u1"}))
	remaining, err := store.List(ctx, "test", nil, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "c", remaining[0].ID)
}

func TestBoxVectorStore_List(t *testing.T) {
	ctx := context.Background()
	store := newTestBoxStore(t)
	require.NoError(t, store.Upsert(ctx, "test", testRecords()))

	all, err := store.List(ctx, "test", nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := store.List(ctx, "test", Filter{"userId": "u1"}, 0)
	require.NoError(t, err)
	assert.Len(t, scoped, 2)

	limited, err := store.List(ctx, "test", nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestNewVectorStoreFactory(t *testing.T) {
	store, err := NewVectorStore("boxvector", Config{})
	require.NoError(t, err)
	assert.NotNil(t, store)

	_, err = NewVectorStore("hologram", Config{})
	assert.Error(t, err)
}
