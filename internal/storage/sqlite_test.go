package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteKV(t *testing.T) *SQLiteKV {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	kv, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() }) //nolint:errcheck
	return kv
}

func TestSQLiteKV_SetAndGet(t *testing.T) {
	kv := newTestSQLiteKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "offline_actions", `[{"type":"sos"}]`))

	v, ok, err := kv.Get(ctx, "offline_actions")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"type":"sos"}]`, v)
}

func TestSQLiteKV_Missing(t *testing.T) {
	kv := newTestSQLiteKV(t)

	v, ok, err := kv.Get(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestSQLiteKV_Overwrite(t *testing.T) {
	kv := newTestSQLiteKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "last_zone", "zone-1"))
	require.NoError(t, kv.Set(ctx, "last_zone", "zone-2"))

	v, ok, err := kv.Get(ctx, "last_zone")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "zone-2", v)
}

func TestSQLiteKV_EmptyValueIsPresent(t *testing.T) {
	kv := newTestSQLiteKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "checkpoint", ""))

	v, ok, err := kv.Get(ctx, "checkpoint")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, v)
}

func TestSQLiteKV_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	kv, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "offline_actions", "[]"))
	require.NoError(t, kv.Close())

	kv2, err := NewSQLite(dbPath)
	require.NoError(t, err)
	defer kv2.Close() //nolint:errcheck

	v, ok, err := kv2.Get(ctx, "offline_actions")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "[]", v)
}
