package convo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatpilot/pkg/session"
)

func newTestEngine(t *testing.T) (*Engine, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	provider := &StaticProvider{Default: testConfig()}
	engine, err := NewEngine(store, provider)
	require.NoError(t, err)
	return engine, store
}

func TestEngineCreatesSessionOnFirstContact(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	key := testKey()

	replies, err := engine.HandleInbound(ctx, key, "hello")
	require.NoError(t, err)
	require.Len(t, replies, 2)

	record, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateMainMenu.String(), record.State)
}

func TestEnginePersistsAcrossTurns(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	key := testKey()

	_, err := engine.HandleInbound(ctx, key, "hi")
	require.NoError(t, err)
	_, err = engine.HandleInbound(ctx, key, "3")
	require.NoError(t, err)
	_, err = engine.HandleInbound(ctx, key, "Ana Souza")
	require.NoError(t, err)

	record, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateEnrollmentStart.String(), record.State)
	assert.Equal(t, "Ana Souza", record.CapturedData[KeyFullName])
}

func TestEngineCorruptStateIsFatalForConversation(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	key := testKey()

	record := session.NewRecord(key, "GARBAGE_STATE")
	require.NoError(t, store.Save(ctx, record))

	replies, err := engine.HandleInbound(ctx, key, "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrCorrupt))
	assert.Empty(t, replies)

	// The corrupt record is left as-is for repair, never overwritten.
	stored, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "GARBAGE_STATE", stored.State)
}

func TestEngineOperatorClose(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	key := testKey()

	_, err := engine.HandleInbound(ctx, key, "hi")
	require.NoError(t, err)
	_, err = engine.HandleInbound(ctx, key, "6")
	require.NoError(t, err)

	record, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, record.Flags.AwaitingHuman)

	require.NoError(t, engine.OperatorClose(ctx, key))

	record, err = store.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, record.Flags.AwaitingHuman)
	assert.Equal(t, StateMainMenu.String(), record.State)

	assert.Error(t, engine.OperatorClose(ctx, session.Key{
		TenantID: "acme", InstanceID: "inst-1", CorrespondentID: "nobody",
	}))
}

func TestEngineEnrichContact(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, engine.EnrichContact(ctx, key, "Ana", "https://cdn.example/ana.jpg"))

	record, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateWelcome.String(), record.State)
	assert.Equal(t, "Ana", record.CapturedData[KeyContactName])
	assert.Equal(t, "https://cdn.example/ana.jpg", record.CapturedData[KeyContactProfile])

	// Enrichment before first contact does not swallow the greeting.
	replies, err := engine.HandleInbound(ctx, key, "oi")
	require.NoError(t, err)
	assert.Len(t, replies, 2)
}

func TestEnginePerTenantTemplates(t *testing.T) {
	store := session.NewMemoryStore()
	provider := &StaticProvider{Configs: map[string]*TenantConfig{
		"acme": {
			OrgName:   "Acme School",
			Templates: map[string]string{TplWelcome: "Bem-vindo ao {{.OrgName}}!"},
		},
	}}
	engine, err := NewEngine(store, provider)
	require.NoError(t, err)

	replies, err := engine.HandleInbound(context.Background(), testKey(), "oi")
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "Bem-vindo ao Acme School!", replies[0])
}
