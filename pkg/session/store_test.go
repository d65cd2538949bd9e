package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(correspondent string) Key {
	return Key{TenantID: "tenant-1", InstanceID: "inst-1", CorrespondentID: correspondent}
}

func TestSQLiteSaveLoad(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	key := testKey("5511999998888")

	_, err = store.Load(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	record := NewRecord(key, "MAIN_MENU")
	record.CapturedData["name"] = "Ana"
	record.Flags.AwaitingHuman = true
	require.NoError(t, store.Save(ctx, record))

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "MAIN_MENU", loaded.State)
	assert.Equal(t, "Ana", loaded.CapturedData["name"])
	assert.True(t, loaded.Flags.AwaitingHuman)
}

// A save completed before close is visible after reopening the same file.
func TestSQLiteDurabilityAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()
	key := testKey("c1")

	store, err := OpenSQLite(dbPath)
	require.NoError(t, err)

	record := NewRecord(key, "ENROLLMENT_START")
	record.CapturedData["identity_number"] = "52998224725"
	record.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Save(ctx, record))
	require.NoError(t, store.Close())

	// Simulated restart: fresh handle on the same file.
	reopened, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, record.State, loaded.State)
	assert.Equal(t, record.CapturedData["identity_number"], loaded.CapturedData["identity_number"])
	assert.True(t, record.UpdatedAt.Equal(loaded.UpdatedAt))
}

// Concurrent saves to the same key never produce a torn record: the final
// state equals one of the inputs.
func TestSQLiteConcurrentSavesSameKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	key := testKey("c1")

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			record := NewRecord(key, fmt.Sprintf("STATE_%d", n))
			record.CapturedData["marker"] = fmt.Sprintf("writer-%d", n)
			_ = store.Save(ctx, record)
		}(i)
	}
	wg.Wait()

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)

	// State and marker must come from the same writer.
	var n int
	_, err = fmt.Sscanf(loaded.State, "STATE_%d", &n)
	require.NoError(t, err, "state %q should match a writer", loaded.State)
	assert.Equal(t, fmt.Sprintf("writer-%d", n), loaded.CapturedData["marker"],
		"captured data must belong to the same writer as the state")
}

func TestSQLiteCorruptRecord(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	key := testKey("c1")
	require.NoError(t, store.Save(ctx, NewRecord(key, "MAIN_MENU")))

	// Corrupt the captured data column behind the store's back.
	_, err = store.db.ExecContext(ctx, `
		UPDATE sessions SET data_json = '{not json'
		WHERE correspondent_id = ?
	`, key.CorrespondentID)
	require.NoError(t, err)

	_, err = store.Load(ctx, key)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSQLiteListByInstance(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		record := NewRecord(testKey(fmt.Sprintf("c%d", i)), "MAIN_MENU")
		record.UpdatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Save(ctx, record))
	}
	// Different instance should not appear.
	other := NewRecord(Key{TenantID: "tenant-1", InstanceID: "inst-2", CorrespondentID: "cx"}, "WELCOME")
	require.NoError(t, store.Save(ctx, other))

	records, err := store.ListByInstance(ctx, "tenant-1", "inst-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "c2", records[0].Key.CorrespondentID, "newest first")
}

func TestSQLiteInstanceStatus(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.SaveInstanceStatus(ctx, &InstanceStatus{
		InstanceID: "inst-1", TenantID: "tenant-1", Status: "connected", LastSeenAt: &now,
	}))
	require.NoError(t, store.SaveInstanceStatus(ctx, &InstanceStatus{
		InstanceID: "inst-2", TenantID: "tenant-1", Status: "disconnected",
	}))

	affected, err := store.MarkStaleInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testKey("c1")

	_, err := store.Load(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	record := NewRecord(key, "WELCOME")
	require.NoError(t, store.Save(ctx, record))

	// Mutating the saved record must not affect the stored copy.
	record.State = "MAIN_MENU"
	record.CapturedData["x"] = 1

	loaded, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "WELCOME", loaded.State)
	assert.NotContains(t, loaded.CapturedData, "x")
}

func TestKeyValidate(t *testing.T) {
	valid := testKey("c1")
	assert.NoError(t, valid.Validate())

	for _, key := range []Key{
		{InstanceID: "i", CorrespondentID: "c"},
		{TenantID: "t", CorrespondentID: "c"},
		{TenantID: "t", InstanceID: "i"},
	} {
		if err := key.Validate(); err == nil {
			t.Errorf("Expected validation error for key %v", key)
		}
	}

	var errNil error = valid.Validate()
	assert.False(t, errors.Is(errNil, ErrNotFound))
}
