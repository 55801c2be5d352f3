package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aahilsayed062/repopilot/internal/core"
)

func addRows(t *testing.T, col *Collection) {
	t.Helper()
	err := col.Add(
		[]string{"a", "b", "c"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}},
		[]string{"doc a", "doc b", "doc c"},
		[]map[string]any{
			{"file_path": "a.py", "chunk_type": "code"},
			{"file_path": "b.md", "chunk_type": "doc"},
			{"file_path": "c.py", "chunk_type": "code"},
		},
	)
	require.NoError(t, err)
}

func TestQueryRanksByCosineDistance(t *testing.T) {
	client := NewEphemeralClient()
	col, err := client.CreateCollection("rank_test")
	require.NoError(t, err)
	addRows(t, col)

	results, err := col.Query([]float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestQueryMetadataFilter(t *testing.T) {
	client := NewEphemeralClient()
	col, err := client.CreateCollection("filter_test")
	require.NoError(t, err)
	addRows(t, col)

	results, err := col.Query([]float32{1, 0, 0}, 10, map[string]any{"chunk_type": "doc"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestAddOverwritesExistingIDs(t *testing.T) {
	client := NewEphemeralClient()
	col, err := client.CreateCollection("upsert_test")
	require.NoError(t, err)
	addRows(t, col)

	err = col.Add([]string{"a"}, [][]float32{{0, 0, 1}}, []string{"replaced"}, []map[string]any{{}})
	require.NoError(t, err)
	assert.Equal(t, 3, col.Count())

	results, err := col.Query([]float32{0, 0, 1}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "replaced", results[0].Document)
}

func TestGetMissingCollection(t *testing.T) {
	client := NewEphemeralClient()
	_, err := client.GetCollection("never_created")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPersistentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	client, err := NewPersistentClient(dir)
	require.NoError(t, err)

	col, err := client.CreateCollection("persist_test")
	require.NoError(t, err)
	addRows(t, col)

	// A fresh client for the same root is the cached instance; drop the
	// in-memory state to force a disk load.
	client.mu.Lock()
	delete(client.collections, "persist_test")
	client.mu.Unlock()

	reloaded, err := client.GetCollection("persist_test")
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Count())

	results, err := reloaded.Query([]float32{0, 1, 0}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", results[0].ID)
	assert.Equal(t, "b.md", results[0].Metadata["file_path"])
}

func TestDeleteCollection(t *testing.T) {
	dir := t.TempDir()
	client, err := NewPersistentClient(dir)
	require.NoError(t, err)

	_, err = client.CreateCollection("doomed")
	require.NoError(t, err)
	require.NoError(t, client.DeleteCollection("doomed"))

	_, err = client.GetCollection("doomed")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCosineDistanceEdgeCases(t *testing.T) {
	assert.Equal(t, float64(2), cosineDistance([]float32{1}, []float32{1, 2}))
	assert.Equal(t, float64(2), cosineDistance([]float32{0, 0}, []float32{1, 0}))
	assert.InDelta(t, 0, cosineDistance([]float32{1, 1}, []float32{2, 2}), 1e-9)
	assert.InDelta(t, 2, cosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}
