package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ConfigStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestPurpose: Validates that an empty database reports no stored config.
// Scope: Unit Test
// Expected: Load returns agentconfig.ErrNoConfig.
// Test Case ID: SQL-01
func TestConfigStore_LoadEmpty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, agentconfig.ErrNoConfig)
}

// TestPurpose: Validates that the document round-trips with its version and that writes are version-checked.
// Scope: Unit Test
// Expected: A save against the stored version succeeds; a save against a stale version fails with ErrConflict.
// Test Case ID: SQL-02
func TestConfigStore_SaveVersionCheck(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v1 := &agentconfig.GatewayConfig{
		Version:   1,
		Agents:    []agentconfig.AgentEntry{{ID: "main", Workspace: "/ws/main"}},
		Bindings:  []agentconfig.Binding{},
		AllowFrom: []string{},
	}
	require.NoError(t, s.Save(ctx, v1, 0))

	// a second seed must not clobber the first
	assert.ErrorIs(t, s.Save(ctx, v1, 0), agentconfig.ErrConflict)

	v2 := v1.Clone()
	v2.Version = 2
	v2.Agents = append(v2.Agents, agentconfig.AgentEntry{ID: "client-T1", Workspace: "/ws/client-T1"})
	require.NoError(t, s.Save(ctx, v2, 1))

	stale := v1.Clone()
	stale.Version = 2
	assert.ErrorIs(t, s.Save(ctx, stale, 1), agentconfig.ErrConflict)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	_, ok := got.Agent("client-T1")
	assert.True(t, ok)

	old, err := s.History(ctx, 1)
	require.NoError(t, err)
	_, ok = old.Agent("client-T1")
	assert.False(t, ok)
}

// TestPurpose: Validates that the store backs agentconfig.Store across restarts.
// Scope: Unit Test
// Expected: A merge committed through one Store is visible after reopening the database.
// Test Case ID: SQL-03
func TestConfigStore_BacksAgentConfigStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gateway.db")
	admin := agentconfig.AgentEntry{ID: "main", Workspace: "/ws/main"}

	s1, err := New(path)
	require.NoError(t, err)
	store, err := agentconfig.NewStore(ctx, s1, admin)
	require.NoError(t, err)
	_, err = store.MergePatch(ctx, agentconfig.Patch{
		Agents:    []agentconfig.AgentEntry{{ID: "client-T1", Workspace: "/ws/client-T1"}},
		Bindings:  []agentconfig.Binding{{Identity: "U1", AgentID: "client-T1"}},
		AllowFrom: []string{"U1"},
	})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()
	reopened, err := agentconfig.NewStore(ctx, s2, admin)
	require.NoError(t, err)

	cfg := reopened.Read()
	assert.Equal(t, int64(2), cfg.Version)
	assert.True(t, cfg.Allowed("U1"))
}
