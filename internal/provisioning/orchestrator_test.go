package provisioning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flyclaw/flyclaw/internal/agentconfig"
	"github.com/flyclaw/flyclaw/internal/audit"
	"github.com/flyclaw/flyclaw/internal/credential"
	"github.com/flyclaw/flyclaw/internal/gatewayclient"
	"github.com/flyclaw/flyclaw/internal/reconcile"
	"github.com/flyclaw/flyclaw/internal/router"
	"github.com/flyclaw/flyclaw/internal/tenant"
	"github.com/flyclaw/flyclaw/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testProfile = agentconfig.Profile{
	Admin:  agentconfig.AgentEntry{ID: "main", Workspace: "/ws/main/workspace", Allow: []string{"*"}},
	Skills: []string{"flyapp"},
	Allow:  []string{"orders.*", "customers.read"},
	Deny:   []string{"shell.exec"},
	Model:  "m",
}

type flakyRepo struct {
	*tenant.MemoryRepository
	mu        sync.Mutex
	failSaves int // -1 fails forever
}

func (r *flakyRepo) Save(ctx context.Context, t *tenant.Tenant) error {
	r.mu.Lock()
	fail := r.failSaves != 0
	if r.failSaves > 0 {
		r.failSaves--
	}
	r.mu.Unlock()
	if fail {
		return errors.New("database unavailable")
	}
	return r.MemoryRepository.Save(ctx, t)
}

type fakeWorkspaces struct {
	prov *workspace.Provisioner

	mu    sync.Mutex
	hang  int // number of signal calls that hang until their deadline
	calls int

	// When set, the next call that does not hang reports on entered and then
	// waits for gate regardless of its context, like a request already on
	// the wire.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeWorkspaces) SendProvisioningSignal(ctx context.Context, sig workspace.Signal) error {
	f.mu.Lock()
	f.calls++
	hang := f.hang > 0
	if hang {
		f.hang--
	}
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.gate, f.entered = nil, nil
	f.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
		ctx = context.WithoutCancel(ctx)
	}
	_, err := f.prov.Provision(ctx, sig)
	return err
}

func (f *fakeWorkspaces) CleanupWorkspace(ctx context.Context, agentID string) error {
	return f.prov.Cleanup(ctx, agentID)
}

type recordingCreds struct {
	*credential.Issuer
	mu     sync.Mutex
	issued []*credential.Issued
}

func (c *recordingCreds) Issue(ctx context.Context, tenantID string, caps []string) (*credential.Issued, error) {
	iss, err := c.Issuer.Issue(ctx, tenantID, caps)
	if err == nil {
		c.mu.Lock()
		c.issued = append(c.issued, iss)
		c.mu.Unlock()
	}
	return iss, err
}

func (c *recordingCreds) last(t *testing.T) *credential.Issued {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.issued)
	return c.issued[len(c.issued)-1]
}

type harness struct {
	root    string
	store   *agentconfig.Store
	router  *router.Router
	repo    *flakyRepo
	ws      *fakeWorkspaces
	creds   *recordingCreds
	outbox  *MemoryOutbox
	retrier *Retrier
	orch    *Orchestrator
	svc     *tenant.Service
	states  []State
	statesM sync.Mutex
}

func newHarness(t *testing.T, gw func(reconcile.LocalGateway) reconcile.Gateway) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{root: t.TempDir()}

	store, err := agentconfig.NewStore(ctx, agentconfig.NewMemoryPersister(), testProfile.Admin)
	require.NoError(t, err)
	h.store = store
	h.router = router.New(store, nil)
	store.Subscribe(h.router.OnChange)

	var gateway reconcile.Gateway = reconcile.LocalGateway{Store: store}
	if gw != nil {
		gateway = gw(reconcile.LocalGateway{Store: store})
	}
	rec := reconcile.New(gateway, testProfile, h.root, 3, nil)

	auditLogger := audit.NewSlogLogger()
	issuer, err := credential.NewIssuer([]byte(strings.Repeat("k", 32)), time.Hour, credential.NewMemoryRepository(), auditLogger)
	require.NoError(t, err)
	h.creds = &recordingCreds{Issuer: issuer}
	h.repo = &flakyRepo{MemoryRepository: tenant.NewMemoryRepository()}
	h.ws = &fakeWorkspaces{prov: workspace.NewProvisioner(h.root, workspace.WithAgents(store))}
	h.outbox = NewMemoryOutbox()
	h.retrier = NewRetrier(h.ws, h.outbox, RetrierConfig{
		Timeout:         30 * time.Millisecond,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		MaxElapsed:      2 * time.Second,
	})
	t.Cleanup(h.retrier.Close)

	h.orch = NewOrchestrator(h.repo, rec, h.creds, h.ws, h.retrier, auditLogger, nil, Config{
		SignalTimeout:         30 * time.Millisecond,
		RecordMaxAttempts:     3,
		RecordInitialInterval: time.Millisecond,
		ShopAPIURL:            "https://shop.example/api",
		APIDoc:                "# Shop API",
	})
	h.orch.OnTransition = func(ctx context.Context, tenantID string, s State) {
		h.statesM.Lock()
		h.states = append(h.states, s)
		h.statesM.Unlock()
	}
	h.svc = tenant.NewService(h.repo, h.orch, auditLogger)
	h.retrier.OnDelivered(h.svc.ClearWorkspacePending)
	return h
}

func (h *harness) seen() []State {
	h.statesM.Lock()
	defer h.statesM.Unlock()
	return append([]State(nil), h.states...)
}

// TestPurpose: Validates the full activation path and routing of the new tenant.
// Scope: Integration Test (in-process)
// Security: Only the bound identity reaches the tenant agent
// Expected: Record active with credential and workspace path; SOUL.md carries the token; U1 routes to client-T1 and U2 is NotAuthorized.
// Test Case ID: PRV-01
func TestActivate_HappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	got, err := h.svc.Activate(ctx, "T1", "Rosa Flowers", "U1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, got.Status)
	assert.False(t, got.WorkspacePending)
	assert.Equal(t, h.creds.last(t).ID, got.CredentialRef)
	assert.Equal(t, filepath.Join(h.root, "client-T1", "workspace"), got.WorkspacePath)
	assert.Equal(t, []State{StateCredentialIssued, StateConfigPatched, StateWorkspaceSignalSent, StateRecorded}, h.seen())

	stored, err := h.svc.Status(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, stored.Active())

	soul, err := os.ReadFile(filepath.Join(got.WorkspacePath, workspace.SoulFile))
	require.NoError(t, err)
	assert.Contains(t, string(soul), "Rosa Flowers")
	assert.Contains(t, string(soul), h.creds.last(t).Token)

	cfg := h.store.Read()
	assert.NoError(t, agentconfig.Validate(cfg, "main"))
	assert.Equal(t, []agentconfig.Binding{{Identity: "U1", AgentID: "client-T1"}}, cfg.Bindings)
	assert.Equal(t, []string{"U1"}, cfg.AllowFrom)

	agent, err := h.router.Resolve(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "client-T1", agent.ID)
	_, err = h.router.Resolve(ctx, "U2")
	assert.ErrorIs(t, err, router.ErrNotAuthorized)
}

// TestPurpose: Validates deactivation removes routing, revokes the credential and keeps files unless cleanup is asked.
// Scope: Integration Test (in-process)
// Security: Deactivated tenants lose gateway access and API access
// Expected: U1 rejected; record inactive; token no longer verifies; workspace kept, then removed with cleanup.
// Test Case ID: PRV-02
func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	active, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	require.NoError(t, err)
	token := h.creds.last(t).Token

	got, err := h.svc.Deactivate(ctx, "T1", false)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusInactive, got.Status)
	assert.NotNil(t, got.DeactivatedAt)

	cfg := h.store.Read()
	_, ok := cfg.Agent("client-T1")
	assert.False(t, ok)
	assert.Empty(t, cfg.Bindings)
	assert.Empty(t, cfg.AllowFrom)
	_, err = h.router.Resolve(ctx, "U1")
	assert.ErrorIs(t, err, router.ErrNotAuthorized)

	_, err = h.creds.Verify(ctx, token)
	assert.ErrorIs(t, err, credential.ErrCredentialRevoked)

	_, err = os.Stat(active.WorkspacePath)
	assert.NoError(t, err)

	_, err = h.svc.Deactivate(ctx, "T1", true)
	require.NoError(t, err)
	_, err = os.Stat(active.WorkspacePath)
	assert.True(t, os.IsNotExist(err))
}

// TestPurpose: Validates the WorkspacePending path when the signal times out.
// Scope: Integration Test (in-process)
// Expected: Tenant recorded active with WorkspacePending and routable; the background retry delivers the signal and clears the flag.
// Test Case ID: PRV-03
func TestActivate_WorkspaceSignalTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.ws.hang = 2

	got, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	require.NoError(t, err)
	assert.True(t, got.Active())
	assert.True(t, got.WorkspacePending)
	assert.Contains(t, h.seen(), StateWorkspacePending)

	_, ok := h.store.Read().Agent("client-T1")
	assert.True(t, ok)
	_, err = h.router.Resolve(ctx, "U1")
	assert.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := h.svc.Status(ctx, "T1")
		return err == nil && !rec.WorkspacePending
	}, 3*time.Second, 10*time.Millisecond)

	_, err = os.Stat(filepath.Join(got.WorkspacePath, workspace.SoulFile))
	assert.NoError(t, err)
	sigs, _ := h.outbox.List(ctx)
	assert.Empty(t, sigs)
}

// TestPurpose: Validates compensation when the config patch fails.
// Scope: Integration Test (in-process)
// Expected: ErrDuplicateBinding; the issued credential is revoked; no record is written.
// Test Case ID: PRV-04
func TestActivate_PatchFails_RevokesCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	require.NoError(t, err)

	_, err = h.svc.Activate(ctx, "T2", "Other", "U1")
	assert.ErrorIs(t, err, agentconfig.ErrDuplicateBinding)

	_, err = h.creds.Verify(ctx, h.creds.last(t).Token)
	assert.ErrorIs(t, err, credential.ErrCredentialRevoked)
	_, err = h.svc.Status(ctx, "T2")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
	assert.NoError(t, agentconfig.Validate(h.store.Read(), "main"))
}

type mockCreds struct {
	mock.Mock
}

func (m *mockCreds) Issue(ctx context.Context, tenantID string, caps []string) (*credential.Issued, error) {
	args := m.Called(ctx, tenantID, caps)
	out, _ := args.Get(0).(*credential.Issued)
	return out, args.Error(1)
}

func (m *mockCreds) Revoke(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

// TestPurpose: Validates that a credential failure aborts before any gateway call.
// Scope: Unit Test
// Expected: The error surfaces; config version unchanged; no record.
// Test Case ID: PRV-05
func TestActivate_CredentialFails_NoResidue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	creds := new(mockCreds)
	creds.On("Issue", mock.Anything, "T1", mock.Anything).Return(nil, errors.New("kms down"))
	h.orch.creds = creds

	_, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	assert.Error(t, err)
	assert.Equal(t, int64(1), h.store.Read().Version)
	_, err = h.svc.Status(ctx, "T1")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
	creds.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything)
}

// TestPurpose: Validates surfacing of an exhausted record write.
// Scope: Unit Test
// Expected: ErrInconsistent is returned with the intended record; the tenant stays routable.
// Test Case ID: PRV-06
func TestActivate_RecordExhausted_Inconsistent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.repo.failSaves = -1

	got, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	assert.ErrorIs(t, err, tenant.ErrInconsistent)
	require.NotNil(t, got)
	assert.Equal(t, tenant.StatusActive, got.Status)
	assert.Equal(t, StateFailed, h.seen()[len(h.seen())-1])

	_, err = h.router.Resolve(ctx, "U1")
	assert.NoError(t, err)
}

// TestPurpose: Validates that transient record write failures are retried.
// Scope: Unit Test
// Expected: Two failures then success yields an active record.
// Test Case ID: PRV-07
func TestActivate_RecordRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.repo.failSaves = 2

	_, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	require.NoError(t, err)
	rec, err := h.svc.Status(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, rec.Active())
}

// TestPurpose: Validates cancellation before the config patch.
// Scope: Unit Test
// Expected: ErrActivationCancelled; config unchanged; credential revoked.
// Test Case ID: PRV-08
func TestActivate_CancelBeforePatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orch.OnTransition = func(_ context.Context, _ string, s State) {
		if s == StateCredentialIssued {
			cancel()
		}
	}

	_, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	assert.ErrorIs(t, err, tenant.ErrActivationCancelled)
	assert.Equal(t, int64(1), h.store.Read().Version)

	_, err = h.creds.Verify(context.Background(), h.creds.last(t).Token)
	assert.ErrorIs(t, err, credential.ErrCredentialRevoked)
}

// TestPurpose: Validates that cancellation after the config patch does not abandon the tenant.
// Scope: Unit Test
// Expected: Activation completes and the record is written.
// Test Case ID: PRV-09
func TestActivate_CancelAfterPatchIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orch.OnTransition = func(_ context.Context, _ string, s State) {
		if s == StateConfigPatched {
			cancel()
		}
	}

	got, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	require.NoError(t, err)
	assert.True(t, got.Active())
	rec, err := h.svc.Status(context.Background(), "T1")
	require.NoError(t, err)
	assert.True(t, rec.Active())
}

type brokenReplace struct {
	reconcile.LocalGateway
}

func (b brokenReplace) Replace(ctx context.Context, cfg *agentconfig.GatewayConfig) (*agentconfig.GatewayConfig, error) {
	return nil, fmt.Errorf("%w: connection refused", gatewayclient.ErrUnavailable)
}

// TestPurpose: Validates fail-closed deactivation.
// Scope: Unit Test
// Expected: When the replace fails the error surfaces and the tenant stays active and routable.
// Test Case ID: PRV-10
func TestDeactivate_ReplaceFails_StaysActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(l reconcile.LocalGateway) reconcile.Gateway { return brokenReplace{l} })

	_, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	require.NoError(t, err)

	_, err = h.svc.Deactivate(ctx, "T1", false)
	assert.ErrorIs(t, err, gatewayclient.ErrUnavailable)

	rec, err := h.svc.Status(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, rec.Active())
	_, err = h.creds.Verify(ctx, h.creds.last(t).Token)
	assert.NoError(t, err)
}

// TestPurpose: Validates that deactivating a never-activated tenant is a no-op success.
// Scope: Unit Test
// Expected: Inactive result; config version unchanged; nothing stored.
// Test Case ID: PRV-11
func TestDeactivate_NeverActivated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	got, err := h.svc.Deactivate(ctx, "T9", false)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusInactive, got.Status)
	assert.Equal(t, int64(1), h.store.Read().Version)
	_, err = h.svc.Status(ctx, "T9")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

// TestPurpose: Validates that concurrent activations of distinct tenants both land.
// Scope: Concurrency Test
// Expected: Every tenant's agent and binding are present and invariants hold.
// Test Case ID: PRV-12
func TestActivate_ConcurrentTenants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Activate(ctx, fmt.Sprintf("T%d", i), "Shop", fmt.Sprintf("U%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	cfg := h.store.Read()
	require.NoError(t, agentconfig.Validate(cfg, "main"))
	assert.Len(t, cfg.Agents, 9)
	assert.Len(t, cfg.Bindings, 8)
}

// TestPurpose: Validates that signals left in the outbox are redelivered on resume.
// Scope: Unit Test
// Expected: Resume starts one delivery per stored signal; the configured agent's workspace appears; the signal for an agent the gateway no longer serves is dropped; the outbox empties.
// Test Case ID: PRV-13
func TestRetrier_Resume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.store.MergePatch(ctx, agentconfig.Patch{Agents: []agentconfig.AgentEntry{{ID: "client-T5", Workspace: workspace.Path(h.root, "client-T5")}}})
	require.NoError(t, err)
	require.NoError(t, h.outbox.Put(ctx, workspace.Signal{TenantID: "T5", AgentID: "client-T5", Files: map[string]string{"SOUL.md": "x"}}))
	require.NoError(t, h.outbox.Put(ctx, workspace.Signal{TenantID: "T6", AgentID: "client-T6", Files: map[string]string{"SOUL.md": "x"}}))

	n, err := h.retrier.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.retrier.Wait()

	assert.True(t, h.ws.prov.Exists("client-T5"))
	assert.False(t, h.ws.prov.Exists("client-T6"))
	sigs, _ := h.outbox.List(ctx)
	assert.Empty(t, sigs)
}

// TestPurpose: Validates that a deactivation stops pending redelivery.
// Scope: Unit Test
// Expected: After deactivation the outbox is empty and no goroutine remains for the tenant.
// Test Case ID: PRV-14
func TestDeactivate_CancelsPendingSignal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.ws.hang = 1000

	got, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	require.NoError(t, err)
	require.True(t, got.WorkspacePending)

	_, err = h.svc.Deactivate(ctx, "T1", false)
	require.NoError(t, err)

	sigs, _ := h.outbox.List(ctx)
	assert.Empty(t, sigs)
	require.Eventually(t, func() bool { return !h.retrier.Pending("T1") }, time.Second, 5*time.Millisecond)

	rec, err := h.svc.Status(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, rec.WorkspacePending)
	assert.Equal(t, tenant.StatusInactive, rec.Status)
}

// lostReplyGateway applies merges but reports the gateway as unreachable,
// as when the response is lost after the write landed. The first failReads
// reads fail as well.
type lostReplyGateway struct {
	reconcile.LocalGateway
	mu        *sync.Mutex
	failReads *int
}

func newLostReplyGateway(l reconcile.LocalGateway, failReads int) lostReplyGateway {
	return lostReplyGateway{LocalGateway: l, mu: new(sync.Mutex), failReads: &failReads}
}

func (g lostReplyGateway) MergePatch(ctx context.Context, p agentconfig.Patch) (*agentconfig.GatewayConfig, error) {
	if _, err := g.LocalGateway.MergePatch(ctx, p); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: read: connection reset by peer", gatewayclient.ErrUnavailable)
}

func (g lostReplyGateway) Read(ctx context.Context) (*agentconfig.GatewayConfig, error) {
	g.mu.Lock()
	fail := *g.failReads != 0
	if *g.failReads > 0 {
		*g.failReads--
	}
	g.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: connection refused", gatewayclient.ErrUnavailable)
	}
	return g.LocalGateway.Read(ctx)
}

// TestPurpose: Validates activation when the merge lands but its response is lost.
// Scope: Unit Test
// Security: The record and credential match what the gateway routes
// Expected: The read-back finds the projection; activation succeeds; the record is active; U1 routes and the credential verifies.
// Test Case ID: PRV-15
func TestActivate_MergeReplyLost_ProjectionPresent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(l reconcile.LocalGateway) reconcile.Gateway { return newLostReplyGateway(l, 0) })

	got, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	require.NoError(t, err)
	assert.True(t, got.Active())
	assert.Contains(t, h.seen(), StateConfigPatched)

	rec, err := h.svc.Status(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, rec.Active())
	agent, err := h.router.Resolve(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "client-T1", agent.ID)
	_, err = h.creds.Verify(ctx, h.creds.last(t).Token)
	assert.NoError(t, err)
}

// TestPurpose: Validates removal of a projection whose merge outcome could not be confirmed.
// Scope: Unit Test
// Security: No routable agent is left without an active record and credential
// Expected: ErrOutcomeUnknown; the projection is removed; U1 is NotAuthorized; no record; the credential is revoked.
// Test Case ID: PRV-16
func TestActivate_MergeOutcomeUnknown_Compensates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(l reconcile.LocalGateway) reconcile.Gateway { return newLostReplyGateway(l, 1) })

	_, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	assert.ErrorIs(t, err, reconcile.ErrOutcomeUnknown)
	assert.ErrorIs(t, err, gatewayclient.ErrUnavailable)

	cfg := h.store.Read()
	_, ok := cfg.Agent("client-T1")
	assert.False(t, ok)
	assert.Empty(t, cfg.Bindings)
	assert.Empty(t, cfg.AllowFrom)
	_, err = h.router.Resolve(ctx, "U1")
	assert.ErrorIs(t, err, router.ErrNotAuthorized)

	_, err = h.svc.Status(ctx, "T1")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
	_, err = h.creds.Verify(ctx, h.creds.last(t).Token)
	assert.ErrorIs(t, err, credential.ErrCredentialRevoked)
}

// TestPurpose: Validates activation when neither the merge nor its removal can be confirmed.
// Scope: Unit Test
// Security: A possibly routable agent is always backed by a record a later deactivation can act on
// Expected: The tenant is recorded active with its credential; the agent is routable.
// Test Case ID: PRV-17
func TestActivate_MergeOutcomeUnknown_CompensationFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(l reconcile.LocalGateway) reconcile.Gateway { return newLostReplyGateway(l, 2) })

	got, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	require.NoError(t, err)
	assert.True(t, got.Active())

	rec, err := h.svc.Status(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, rec.Active())
	assert.Equal(t, h.creds.last(t).ID, rec.CredentialRef)
	_, err = h.router.Resolve(ctx, "U1")
	assert.NoError(t, err)

	_, err = h.svc.Deactivate(ctx, "T1", false)
	require.NoError(t, err)
	_, err = h.router.Resolve(ctx, "U1")
	assert.ErrorIs(t, err, router.ErrNotAuthorized)
}

// TestPurpose: Validates that a signal already in flight when a tenant is deactivated with cleanup leaves no workspace behind.
// Scope: Concurrency Test
// Security: A deactivated tenant's files, including its credential, do not reappear on the gateway host
// Expected: The late signal is rejected as agent_not_configured; the agent directory is absent; the record is inactive and the outbox empty.
// Test Case ID: PRV-18
func TestDeactivate_CleanupWithSignalInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.ws.hang = 1
	h.ws.gate = make(chan struct{})
	h.ws.entered = make(chan struct{})
	gate, entered := h.ws.gate, h.ws.entered

	got, err := h.svc.Activate(ctx, "T1", "Rosa", "U1")
	require.NoError(t, err)
	require.True(t, got.WorkspacePending)

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("retry attempt never started")
	}

	_, err = h.svc.Deactivate(ctx, "T1", true)
	require.NoError(t, err)

	close(gate)
	h.retrier.Wait()

	_, err = os.Stat(filepath.Join(h.root, "client-T1"))
	assert.True(t, os.IsNotExist(err))
	sigs, _ := h.outbox.List(ctx)
	assert.Empty(t, sigs)
	rec, err := h.svc.Status(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusInactive, rec.Status)
}
