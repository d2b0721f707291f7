package broker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *FileBroker {
	t.Helper()
	b, err := NewFileBroker(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestFileBroker_AddGet(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Add(TargetRequest, "k1", "v1"))
	require.NoError(t, b.Add(TargetRequest, "k2", "v2"))

	v, err := b.Get(TargetRequest, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	_, err = b.Get(TargetRequest, "missing")
	assert.Equal(t, ErrNotFound, err)

	// Reads on a target that was never written behave as empty.
	_, err = b.Get("never-written", "k")
	assert.Equal(t, ErrNotFound, err)
}

func TestFileBroker_DuplicateKeysFirstMatchWins(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Add(TargetRequest, "k", "first"))
	require.NoError(t, b.Add(TargetRequest, "k", "second"))

	v, err := b.Get(TargetRequest, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	require.NoError(t, b.Remove(TargetRequest, "k"))
	v, err = b.Get(TargetRequest, "k")
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestFileBroker_PopFIFO(t *testing.T) {
	b := newTestBroker(t)

	keys := []string{"a", "b", "c"}
	for _, k := range keys {
		require.NoError(t, b.Add(TargetRequest, k, "val-"+k))
	}

	for _, k := range keys {
		item, err := b.Pop(TargetRequest)
		require.NoError(t, err)
		assert.Equal(t, k, item.Key)
		assert.Equal(t, "val-"+k, item.Value)
	}

	_, err := b.Pop(TargetRequest)
	assert.Equal(t, ErrNotFound, err)
}

func TestFileBroker_Update(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Add(TargetProcess, "k", "old"))
	require.NoError(t, b.Update(TargetProcess, "k", "new"))

	v, err := b.Get(TargetProcess, "k")
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	// Updating an absent key is a no-op.
	require.NoError(t, b.Update(TargetProcess, "missing", "x"))
	ok, err := b.IsItem(TargetProcess, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileBroker_RemoveAbsentIsNoop(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Remove(TargetRequest, "nothing"))
}

func TestFileBroker_GetKeysAndItems(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.Add(TargetResponse, "x", "1"))
	require.NoError(t, b.Add(TargetResponse, "y", "2"))
	require.NoError(t, b.Add(TargetResponse, "x", "3"))

	keys, err := b.GetKeys(TargetResponse)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "x"}, keys)

	items, err := b.GetAllItems(TargetResponse)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, Item{Key: "x", Value: "1"}, items[0])
	assert.Equal(t, Item{Key: "y", Value: "2"}, items[1])
	assert.Equal(t, Item{Key: "x", Value: "3"}, items[2])
}

func TestFileBroker_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	b, err := NewFileBroker(dir)
	require.NoError(t, err)
	require.NoError(t, b.Add(TargetRequest, "k", "v"))

	reopened, err := NewFileBroker(dir)
	require.NoError(t, err)
	v, err := reopened.Get(TargetRequest, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestFileBroker_CorruptLinesSkipped(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBroker(dir)
	require.NoError(t, err)

	content := "{\"good\": \"1\"}\nnot json at all\n{\"also_good\": \"2\"}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, TargetRequest+".txt"), []byte(content), 0o644))

	keys, err := b.GetKeys(TargetRequest)
	require.NoError(t, err)
	assert.Equal(t, []string{"good", "also_good"}, keys)
}

func TestFileBroker_ValuesWithDelimiters(t *testing.T) {
	b := newTestBroker(t)

	value := `{"serialized":"request"}<&>{"data":{"13234584":18}}`
	require.NoError(t, b.Add(TargetResponse, "hash", value))

	got, err := b.Get(TargetResponse, "hash")
	require.NoError(t, err)
	assert.Equal(t, value, got)
}
