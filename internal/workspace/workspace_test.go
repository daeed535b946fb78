package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

// TestPurpose: Validates that re-delivering the same signal yields the same files.
// Scope: Unit Test
// Expected: Both deliveries succeed and the contents equal a single delivery.
// Test Case ID: WSP-01
func TestProvisioner_Idempotent(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(root)
	sig := Signal{
		TenantID:  "T1",
		AgentID:   "client-T1",
		Workspace: Path(root, "client-T1"),
		Files:     map[string]string{"SOUL.md": "soul", "notes/today.md": "hi"},
	}

	dir, err := p.Provision(context.Background(), sig)
	require.NoError(t, err)
	_, err = p.Provision(context.Background(), sig)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "client-T1", "workspace"), dir)
	assert.Equal(t, "soul", readFile(t, filepath.Join(dir, "SOUL.md")))
	assert.Equal(t, "hi", readFile(t, filepath.Join(dir, "notes", "today.md")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.True(t, p.Exists("client-T1"))
}

// TestPurpose: Validates that file names cannot escape the workspace.
// Scope: Unit Test
// Security: Path traversal (CWE-22)
// Expected: Each malicious name fails with ErrPathTraversal and nothing is written.
// Test Case ID: WSP-02
func TestProvisioner_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(root)

	for _, name := range []string{"../../etc/passwd", "/abs/SOUL.md", "", "a/../../b"} {
		t.Run(name, func(t *testing.T) {
			_, err := p.Provision(context.Background(), Signal{
				AgentID: "client-T1",
				Files:   map[string]string{"SOUL.md": "ok", name: "x"},
			})
			assert.ErrorIs(t, err, ErrPathTraversal)
		})
	}
	assert.False(t, p.Exists("client-T1"))
}

// TestPurpose: Validates that the target directory is derived from the agent id only.
// Scope: Unit Test
// Security: Caller-supplied paths are not trusted
// Expected: A mismatched workspace path or a malformed agent id is refused.
// Test Case ID: WSP-03
func TestProvisioner_DerivedPathOnly(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(root)

	_, err := p.Provision(context.Background(), Signal{AgentID: "client-T1", Workspace: "/tmp/elsewhere"})
	assert.ErrorIs(t, err, ErrWorkspaceMismatch)

	_, err = p.Provision(context.Background(), Signal{AgentID: "../client-T2"})
	assert.ErrorIs(t, err, ErrInvalidAgentID)
}

// TestPurpose: Validates explicit workspace cleanup.
// Scope: Unit Test
// Expected: Cleanup removes the agent tree; a second cleanup reports ErrNotFound.
// Test Case ID: WSP-04
func TestProvisioner_Cleanup(t *testing.T) {
	ctx := context.Background()
	p := NewProvisioner(t.TempDir())
	_, err := p.Provision(ctx, Signal{AgentID: "client-T1", Files: map[string]string{"SOUL.md": "x"}})
	require.NoError(t, err)

	require.NoError(t, p.Cleanup(ctx, "client-T1"))
	assert.False(t, p.Exists("client-T1"))
	assert.ErrorIs(t, p.Cleanup(ctx, "client-T1"), ErrNotFound)
}

// TestPurpose: Validates workspace file rendering.
// Scope: Unit Test
// Expected: SOUL.md names the business, API base and credential; API.md is included only when a doc exists.
// Test Case ID: WSP-05
func TestFileSet_Render(t *testing.T) {
	files, err := FileSet{BusinessName: "Rosa Flowers", ShopAPIURL: "https://shop.example/api", Credential: "tok"}.Render()
	require.NoError(t, err)
	assert.Contains(t, files[SoulFile], "**Rosa Flowers**")
	assert.Contains(t, files[SoulFile], "`https://shop.example/api`")
	assert.Contains(t, files[SoulFile], "`tok`")
	assert.NotContains(t, files[SoulFile], APIFile)
	assert.NotContains(t, files, APIFile)

	files, err = FileSet{BusinessName: "Rosa", APIDoc: "# Orders"}.Render()
	require.NoError(t, err)
	assert.Equal(t, "# Orders", files[APIFile])
	assert.Contains(t, files[SoulFile], APIFile)
}

// TestPurpose: Validates front matter removal from skill documents.
// Scope: Unit Test
// Expected: The leading block is stripped; documents without one are unchanged.
// Test Case ID: WSP-06
func TestStripFrontMatter(t *testing.T) {
	assert.Equal(t, "# API\nbody", StripFrontMatter("---\nname: flyapp\n---\n# API\nbody"))
	assert.Equal(t, "# API", StripFrontMatter("# API"))
	assert.Equal(t, "---\nunterminated", StripFrontMatter("---\nunterminated"))

	path := filepath.Join(t.TempDir(), "SKILL.md")
	require.NoError(t, os.WriteFile(path, []byte("---\nx: y\n---\n\nDoc"), 0o600))
	doc, err := LoadSkillDoc(path)
	require.NoError(t, err)
	assert.Equal(t, "Doc", doc)
}

type agentSet struct {
	mu  sync.Mutex
	ids map[string]bool

	entered chan struct{}
	release chan struct{}
}

func (a *agentSet) HasAgent(agentID string) bool {
	if a.entered != nil {
		close(a.entered)
		<-a.release
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ids[agentID]
}

func (a *agentSet) remove(agentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ids, agentID)
}

// TestPurpose: Validates that signals for unconfigured agents are rejected.
// Scope: Unit Test
// Security: A removed agent's workspace is not recreated by a late signal
// Expected: A configured agent is provisioned; after removal and cleanup the same signal fails with ErrAgentNotConfigured and nothing is written.
// Test Case ID: WSP-07
func TestProvisioner_RejectsUnconfiguredAgent(t *testing.T) {
	ctx := context.Background()
	agents := &agentSet{ids: map[string]bool{"client-T1": true}}
	p := NewProvisioner(t.TempDir(), WithAgents(agents))
	sig := Signal{AgentID: "client-T1", Files: map[string]string{"SOUL.md": "x"}}

	_, err := p.Provision(ctx, sig)
	require.NoError(t, err)

	agents.remove("client-T1")
	require.NoError(t, p.Cleanup(ctx, "client-T1"))

	_, err = p.Provision(ctx, sig)
	assert.ErrorIs(t, err, ErrAgentNotConfigured)
	assert.False(t, p.Exists("client-T1"))
	_, err = os.Stat(filepath.Join(p.Root(), "client-T1"))
	assert.True(t, os.IsNotExist(err))
}

// TestPurpose: Validates that cleanup waits for an admitted provisioning of the same agent.
// Scope: Concurrency Test
// Security: Files written by an in-flight signal cannot outlive the cleanup
// Expected: Cleanup blocks while the signal holds the agent; once it finishes, cleanup removes the whole tree.
// Test Case ID: WSP-08
func TestProvisioner_CleanupWaitsForProvision(t *testing.T) {
	ctx := context.Background()
	agents := &agentSet{
		ids:     map[string]bool{"client-T1": true},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	p := NewProvisioner(t.TempDir(), WithAgents(agents))

	provisioned := make(chan error, 1)
	go func() {
		_, err := p.Provision(ctx, Signal{AgentID: "client-T1", Files: map[string]string{"SOUL.md": "x"}})
		provisioned <- err
	}()
	<-agents.entered

	cleaned := make(chan error, 1)
	go func() { cleaned <- p.Cleanup(ctx, "client-T1") }()

	select {
	case <-cleaned:
		t.Fatal("cleanup finished while provisioning held the agent")
	case <-time.After(50 * time.Millisecond):
	}

	close(agents.release)
	require.NoError(t, <-provisioned)
	require.NoError(t, <-cleaned)
	assert.False(t, p.Exists("client-T1"))
}
