package credential

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/flyclaw/flyclaw/internal/audit"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAudit struct {
	mock.Mock
}

func (m *mockAudit) Log(ctx context.Context, event audit.Event) {
	m.Called(ctx, event)
}

var testSecret = []byte(strings.Repeat("s", 32))

func newTestIssuer(t *testing.T) (*Issuer, *mockAudit) {
	t.Helper()
	al := new(mockAudit)
	al.On("Log", mock.Anything, mock.Anything).Return()
	iss, err := NewIssuer(testSecret, time.Hour, NewMemoryRepository(), al)
	require.NoError(t, err)
	return iss, al
}

// TestPurpose: Validates that issued credentials use UUIDv7 ids and verify with the tenant-derived key.
// Scope: Unit Test
// Security: Credential integrity
// Expected: Verify returns the stored record with the tenant and capabilities.
// Test Case ID: CRD-01
func TestIssuer_IssueAndVerify(t *testing.T) {
	ctx := context.Background()
	iss, al := newTestIssuer(t)

	issued, err := iss.Issue(ctx, "T1", []string{"orders.*"})
	require.NoError(t, err)
	uid, err := uuid.Parse(issued.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), uid.Version())
	assert.NotEmpty(t, issued.Token)

	cred, err := iss.Verify(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "T1", cred.TenantID)
	assert.Equal(t, []string{"orders.*"}, cred.Capabilities)

	al.AssertCalled(t, "Log", ctx, mock.MatchedBy(func(e audit.Event) bool {
		return e.Type == audit.TypeCredentialIssued && e.Resource == issued.ID
	}))
}

// TestPurpose: Validates that revoked credentials no longer verify.
// Scope: Unit Test
// Security: Credential revocation on rollback and deactivation
// Expected: Verify fails with ErrCredentialRevoked; a second revoke is a no-op.
// Test Case ID: CRD-02
func TestIssuer_Revoke(t *testing.T) {
	ctx := context.Background()
	iss, _ := newTestIssuer(t)

	issued, err := iss.Issue(ctx, "T1", nil)
	require.NoError(t, err)
	require.NoError(t, iss.Revoke(ctx, issued.ID))
	require.NoError(t, iss.Revoke(ctx, issued.ID))

	_, err = iss.Verify(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrCredentialRevoked)

	assert.ErrorIs(t, iss.Revoke(ctx, "missing"), ErrCredentialNotFound)
}

// TestPurpose: Validates per-tenant key separation.
// Scope: Unit Test
// Security: A token whose tenant claim is altered must not verify
// Expected: Tampered and foreign-secret tokens fail with ErrInvalidToken.
// Test Case ID: CRD-03
func TestIssuer_Verify_Rejects(t *testing.T) {
	ctx := context.Background()
	iss, _ := newTestIssuer(t)

	issued, err := iss.Issue(ctx, "T1", nil)
	require.NoError(t, err)

	other, err := NewIssuer([]byte(strings.Repeat("x", 32)), time.Hour, NewMemoryRepository(), iss.auditLogger)
	require.NoError(t, err)
	_, err = other.Verify(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	parts := strings.Split(issued.Token, ".")
	require.Len(t, parts, 3)
	_, err = iss.Verify(ctx, parts[0]+"."+parts[1]+".AAAA")
	assert.ErrorIs(t, err, ErrInvalidToken)

	iss.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = iss.Verify(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// TestPurpose: Validates the minimum secret length.
// Scope: Unit Test
// Expected: A short secret is refused.
// Test Case ID: CRD-04
func TestNewIssuer_ShortSecret(t *testing.T) {
	_, err := NewIssuer([]byte("short"), time.Hour, NewMemoryRepository(), new(mockAudit))
	assert.Error(t, err)
}
