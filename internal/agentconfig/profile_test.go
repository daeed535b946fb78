package agentconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that the default profile applies when no file is configured.
// Scope: Unit Test
// Expected: Admin agent "main" with a workspace under the root; default skills and capabilities.
// Test Case ID: PRO-01
func TestLoadProfile_Defaults(t *testing.T) {
	p, err := LoadProfile("", "/srv/flyclaw")
	require.NoError(t, err)

	assert.Equal(t, "main", p.Admin.ID)
	assert.Equal(t, filepath.Join("/srv/flyclaw", "main", "workspace"), p.Admin.Workspace)
	assert.Contains(t, p.Skills, "flyapp")
	assert.Contains(t, p.Allow, "orders.*")
	assert.Contains(t, p.Deny, "shell.exec")
}

// TestPurpose: Validates that a YAML profile overrides defaults and environment overrides the file.
// Scope: Unit Test
// Expected: Values from the file are applied; FLYCLAW_MODEL wins over the file's model.
// Test Case ID: PRO-02
func TestLoadProfile_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
admin:
  id: operator
  model: big-model
skills: [flyapp, delivery]
allow: [orders.read]
deny: [delivery.cancel]
model: file-model
skill_doc: /etc/flyclaw/SKILL.md
`), 0o600))
	t.Setenv("FLYCLAW_MODEL", "env-model")

	p, err := LoadProfile(path, dir)
	require.NoError(t, err)

	assert.Equal(t, "operator", p.Admin.ID)
	assert.Equal(t, "big-model", p.Admin.Model)
	assert.Equal(t, []string{"flyapp", "delivery"}, p.Skills)
	assert.Equal(t, []string{"orders.read"}, p.Allow)
	assert.Equal(t, []string{"delivery.cancel"}, p.Deny)
	assert.Equal(t, "env-model", p.Model)
	assert.Equal(t, "/etc/flyclaw/SKILL.md", p.SkillDoc)
}

// TestPurpose: Validates that a missing profile file is reported.
// Scope: Unit Test
// Expected: LoadProfile returns an error.
// Test Case ID: PRO-03
func TestLoadProfile_MissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"), "/srv")
	assert.Error(t, err)
}
