package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"custom-domain-reconciler/internal/config"
	"custom-domain-reconciler/internal/lease"
	"custom-domain-reconciler/internal/models"
	"custom-domain-reconciler/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testTarget = "app.platform.test"

func testConfig() *config.Config {
	return &config.Config{
		DNS: config.DNSConfig{
			Resolvers:          []string{"127.0.0.1:53"},
			QueryTimeout:       time.Second,
			VerificationMethod: "cname",
			VerificationTarget: testTarget,
			TXTRecordPrefix:    "_platform-challenge",
			TXTValuePrefix:     "platform-verification=",
		},
		Policy: config.PolicyConfig{
			MaxDomainsPerTeam:        3,
			VerificationTimeoutHours: 72,
			EnableDomainBlocklist:    true,
			Blocklist:                []string{"blocked.example.org"},
		},
		SSL: config.SSLConfig{
			Provider:          config.SSLProviderEdgeSaaS,
			EnableAutoRenewal: true,
			RenewalDaysBefore: 30,
			ProviderTimeout:   5 * time.Second,
		},
		Cloudflare: config.CloudflareConfig{
			FallbackDomain: testTarget,
		},
		Scheduler: config.SchedulerConfig{
			Interval:     time.Minute,
			Concurrency:  4,
			SoftDeadline: 30 * time.Second,
			LeaseTTL:     time.Minute,
			BatchSize:    100,
		},
	}
}

func newTestRepo(t *testing.T) *repository.DomainRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := repository.NewDomainRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

type resolverAnswer struct {
	values []string
	err    error
}

type fakeResolver struct {
	mu      sync.Mutex
	answers map[string]resolverAnswer
	calls   int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{answers: map[string]resolverAnswer{}}
}

func (f *fakeResolver) set(name, recordType string, values []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[recordType+" "+name] = resolverAnswer{values: values, err: err}
}

func (f *fakeResolver) Resolve(_ context.Context, name, recordType string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	answer, ok := f.answers[recordType+" "+name]
	if !ok {
		return []string{}, nil
	}
	return answer.values, answer.err
}

type fakeProvider struct {
	mu       sync.Mutex
	create   func(d *models.CustomDomain) (*ProvisionResult, error)
	poll     func(ref string) (*ProvisionResult, error)
	renew    func(ref string) (*ProvisionResult, error)
	creates  int
	polls    int
	renewals int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Create(_ context.Context, d *models.CustomDomain) (*ProvisionResult, error) {
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()
	if f.create == nil {
		return &ProvisionResult{ProviderRef: "ref-" + d.Hostname, State: ProvisionPending}, nil
	}
	return f.create(d)
}

func (f *fakeProvider) PollStatus(_ context.Context, ref string) (*ProvisionResult, error) {
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()
	if f.poll == nil {
		return &ProvisionResult{ProviderRef: ref, State: ProvisionPending}, nil
	}
	return f.poll(ref)
}

func (f *fakeProvider) Renew(_ context.Context, ref string) (*ProvisionResult, error) {
	f.mu.Lock()
	f.renewals++
	f.mu.Unlock()
	if f.renew == nil {
		return &ProvisionResult{ProviderRef: ref, State: ProvisionPending}, nil
	}
	return f.renew(ref)
}

type recordingEmitter struct {
	mu          sync.Mutex
	transitions []models.DomainTransition
}

func (e *recordingEmitter) Emit(_ context.Context, transitions []models.DomainTransition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitions = append(e.transitions, transitions...)
}

func (e *recordingEmitter) all() []models.DomainTransition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.DomainTransition(nil), e.transitions...)
}

// harness wires a reconciler against an in-memory database with a movable clock.
type harness struct {
	cfg        *config.Config
	repo       *repository.DomainRepository
	guard      *PolicyGuard
	resolver   *fakeResolver
	provider   *fakeProvider
	locker     *lease.MemoryLocker
	emitter    *recordingEmitter
	reconciler *Reconciler
	clock      time.Time
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		cfg:      cfg,
		repo:     newTestRepo(t),
		resolver: newFakeResolver(),
		provider: &fakeProvider{},
		locker:   lease.NewMemoryLocker(),
		emitter:  &recordingEmitter{},
		clock:    time.Now().UTC(),
	}
	now := func() time.Time { return h.clock }

	h.guard = NewPolicyGuard(cfg, h.repo)
	h.guard.now = now
	verifier := NewDNSVerifier(h.resolver)
	verifier.now = now
	h.reconciler = NewReconciler(cfg, h.repo, h.guard, verifier, h.provider, h.locker, h.emitter)
	h.reconciler.now = now
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) admit(t *testing.T, hostname string) *models.CustomDomain {
	t.Helper()
	d, err := h.guard.Admit(context.Background(), "team-1", hostname, "")
	require.NoError(t, err)
	return d
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *models.CustomDomain {
	t.Helper()
	d, err := h.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return d
}

// force writes state directly, bypassing the reconciler.
func (h *harness) force(t *testing.T, id uuid.UUID, m repository.Mutation) *models.CustomDomain {
	t.Helper()
	d := h.reload(t, id)
	ok, _, err := h.repo.CompareAndSetState(context.Background(), d, m)
	require.NoError(t, err)
	require.True(t, ok)
	return d
}
