package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"custom-domain-reconciler/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepo(t *testing.T) *DomainRepository {
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

	repo := NewDomainRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func newDomain(teamID, hostname string) *models.CustomDomain {
	now := time.Now().UTC()
	return &models.CustomDomain{
		TeamID:                  teamID,
		Hostname:                hostname,
		VerificationMethod:      models.VerificationMethodCNAME,
		VerificationToken:       "0123456789abcdef0123456789abcdef",
		VerificationRecordName:  hostname,
		VerificationRecordValue: "app.platform.test",
		VerificationDeadline:    now.Add(72 * time.Hour),
		Status:                  models.DomainStatusPendingVerification,
		SSLStatus:               models.SSLStatusNotRequested,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
}

func TestInsertIfQuotaAllows(t *testing.T) {
	ctx := context.Background()

	t.Run("enforces quota per team", func(t *testing.T) {
		repo := newTestRepo(t)

		for i := 0; i < 3; i++ {
			require.NoError(t, repo.InsertIfQuotaAllows(ctx, newDomain("t1", fmt.Sprintf("d%d.example.org", i)), 3))
		}

		err := repo.InsertIfQuotaAllows(ctx, newDomain("t1", "d4.example.org"), 3)
		assert.ErrorIs(t, err, ErrQuotaExceeded)

		_, err = repo.GetByHostname(ctx, "d4.example.org")
		assert.ErrorIs(t, err, ErrDomainNotFound, "a refused domain leaves no row")

		assert.NoError(t, repo.InsertIfQuotaAllows(ctx, newDomain("t2", "other.example.org"), 3), "other teams are unaffected")
	})

	t.Run("terminal domains free their slot", func(t *testing.T) {
		repo := newTestRepo(t)

		expired := newDomain("t1", "old.example.org")
		require.NoError(t, repo.InsertIfQuotaAllows(ctx, expired, 1))
		ok, _, err := repo.CompareAndSetState(ctx, expired, Mutation{Status: models.DomainStatusExpired})
		require.NoError(t, err)
		require.True(t, ok)

		assert.NoError(t, repo.InsertIfQuotaAllows(ctx, newDomain("t1", "new.example.org"), 1))
	})

	t.Run("hostnames are globally unique", func(t *testing.T) {
		repo := newTestRepo(t)

		require.NoError(t, repo.InsertIfQuotaAllows(ctx, newDomain("t1", "shop.example.org"), 3))
		err := repo.InsertIfQuotaAllows(ctx, newDomain("t2", "shop.example.org"), 3)
		assert.ErrorIs(t, err, ErrDomainAlreadyExists)
	})

	t.Run("records a created transition", func(t *testing.T) {
		repo := newTestRepo(t)

		d := newDomain("t1", "shop.example.org")
		require.NoError(t, repo.InsertIfQuotaAllows(ctx, d, 3))
		assert.NotEqual(t, uuid.Nil, d.ID)
		assert.Equal(t, int64(1), d.Version)

		transitions, err := repo.GetTransitions(ctx, d.ID, 10)
		require.NoError(t, err)
		require.Len(t, transitions, 1)
		assert.Equal(t, "", transitions[0].From)
		assert.Equal(t, string(models.DomainStatusPendingVerification), transitions[0].To)
	})

	t.Run("concurrent creates never exceed quota", func(t *testing.T) {
		repo := newTestRepo(t)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = repo.InsertIfQuotaAllows(ctx, newDomain("t1", fmt.Sprintf("c%d.example.org", i)), 3)
			}(i)
		}
		wg.Wait()

		count, err := repo.CountNonTerminalByTeam(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})
}

func TestCompareAndSetState(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	d := newDomain("t1", "shop.example.org")
	require.NoError(t, repo.InsertIfQuotaAllows(ctx, d, 3))

	stale := *d

	at := time.Now().UTC()
	ok, transitions, err := repo.CompareAndSetState(ctx, d, Mutation{
		Status:  models.DomainStatusVerified,
		Columns: map[string]interface{}{"verified_at": at},
		Reason:  "dns challenge matched",
		At:      at,
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, transitions, 1)
	assert.Equal(t, models.TransitionFieldStatus, transitions[0].Field)
	assert.Equal(t, "pending_verification", transitions[0].From)
	assert.Equal(t, "verified", transitions[0].To)

	assert.Equal(t, models.DomainStatusVerified, d.Status, "caller copy is refreshed")
	assert.Equal(t, int64(2), d.Version)
	require.NotNil(t, d.VerifiedAt)

	ok, transitions, err = repo.CompareAndSetState(ctx, &stale, Mutation{Status: models.DomainStatusExpired})
	require.NoError(t, err)
	assert.False(t, ok, "a write against an old version is refused")
	assert.Empty(t, transitions)

	current, err := repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainStatusVerified, current.Status)

	ok, transitions, err = repo.CompareAndSetState(ctx, d, Mutation{
		Columns: map[string]interface{}{"status_message": "still fine"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, transitions, "column-only writes are not transitions")
	assert.Equal(t, int64(3), d.Version)
}

func TestFindDue(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Now().UTC()

	late := newDomain("t1", "late.example.org")
	late.VerificationDeadline = now.Add(-time.Hour)
	require.NoError(t, repo.InsertIfQuotaAllows(ctx, late, 10))

	fresh := newDomain("t1", "fresh.example.org")
	require.NoError(t, repo.InsertIfQuotaAllows(ctx, fresh, 10))

	expiring := newDomain("t1", "cert.example.org")
	require.NoError(t, repo.InsertIfQuotaAllows(ctx, expiring, 10))
	soon := now.Add(24 * time.Hour)
	ok, _, err := repo.CompareAndSetState(ctx, expiring, Mutation{
		Status:    models.DomainStatusVerified,
		SSLStatus: models.SSLStatusActive,
		Columns:   map[string]interface{}{"ssl_expires_at": soon},
	})
	require.NoError(t, err)
	require.True(t, ok)

	pending := []models.DomainStatus{models.DomainStatusPendingVerification}

	overdue, err := repo.FindDue(ctx, DueFilter{Statuses: pending, DeadlineBefore: &now})
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "late.example.org", overdue[0].Hostname)

	open, err := repo.FindDue(ctx, DueFilter{Statuses: pending, DeadlineNotBefore: &now})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "fresh.example.org", open[0].Hostname)

	window := now.Add(30 * 24 * time.Hour)
	renew, err := repo.FindDue(ctx, DueFilter{
		SSLStatuses:      []models.SSLStatus{models.SSLStatusActive},
		SSLExpiresBefore: &window,
	})
	require.NoError(t, err)
	require.Len(t, renew, 1)
	assert.Equal(t, "cert.example.org", renew[0].Hostname)

	limited, err := repo.FindDue(ctx, DueFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestGetStatsAndCleanup(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	require.NoError(t, repo.InsertIfQuotaAllows(ctx, newDomain("t1", "a.example.org"), 10))
	require.NoError(t, repo.InsertIfQuotaAllows(ctx, newDomain("t1", "b.example.org"), 10))

	stats, err := repo.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[models.DomainStatusPendingVerification])
	assert.Equal(t, int64(2), stats.BySSLStatus[models.SSLStatusNotRequested])

	deleted, err := repo.CleanupOldTransitions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	deleted, err = repo.CleanupOldTransitions(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	assert.NoError(t, repo.Ping(ctx))
}
