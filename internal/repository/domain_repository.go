package repository

import (
	"context"
	"errors"
	"time"

	"custom-domain-reconciler/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrDomainNotFound      = errors.New("domain not found")
	ErrDomainAlreadyExists = errors.New("domain already exists")
	ErrQuotaExceeded       = errors.New("domain limit exceeded for team")
	ErrStaleVersion        = errors.New("domain was modified concurrently")
)

// DueFilter selects domains a reconciliation step should look at. Zero fields are ignored.
type DueFilter struct {
	Statuses          []models.DomainStatus
	SSLStatuses       []models.SSLStatus
	DeadlineBefore    *time.Time // verification_deadline < t
	DeadlineNotBefore *time.Time // verification_deadline >= t
	SSLExpiresBefore  *time.Time // ssl_expires_at <= t
	Limit             int
}

// Mutation is a guarded update of one domain row. Empty Status/SSLStatus leave the column unchanged.
type Mutation struct {
	Status    models.DomainStatus
	SSLStatus models.SSLStatus
	Columns   map[string]interface{}
	Reason    string
	At        time.Time
}

// DomainRepository handles database operations for custom domains
type DomainRepository struct {
	db *gorm.DB
}

// NewDomainRepository creates a new domain repository
func NewDomainRepository(db *gorm.DB) *DomainRepository {
	return &DomainRepository{db: db}
}

// AutoMigrate creates or updates the tables owned by the registry
func (r *DomainRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.CustomDomain{},
		&models.DomainTransition{},
		&models.TeamQuota{},
	)
}

// InsertIfQuotaAllows inserts domain unless the team already holds maxPerTeam
// non-terminal domains. The team's quota row is locked for the duration so
// concurrent creates for one team are serialized.
func (r *DomainRepository) InsertIfQuotaAllows(ctx context.Context, domain *models.CustomDomain, maxPerTeam int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.TeamQuota{TeamID: domain.TeamID, UpdatedAt: time.Now().UTC()}).Error; err != nil {
			return err
		}

		var quota models.TeamQuota
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("team_id = ?", domain.TeamID).
			First(&quota).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.CustomDomain{}).
			Where("team_id = ? AND status IN ?", domain.TeamID, models.NonTerminalStatuses).
			Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(maxPerTeam) {
			return ErrQuotaExceeded
		}

		var taken int64
		if err := tx.Model(&models.CustomDomain{}).
			Where("hostname = ?", domain.Hostname).
			Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return ErrDomainAlreadyExists
		}

		if err := tx.Create(domain).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDomainAlreadyExists
			}
			return err
		}

		transition := models.DomainTransition{
			DomainID:  domain.ID,
			TeamID:    domain.TeamID,
			Hostname:  domain.Hostname,
			Field:     models.TransitionFieldStatus,
			To:        string(domain.Status),
			Reason:    "created",
			CreatedAt: domain.CreatedAt,
		}
		if err := tx.Create(&transition).Error; err != nil {
			return err
		}

		return tx.Model(&quota).Update("updated_at", time.Now().UTC()).Error
	})
}

// CompareAndSetState applies m to the row only if its version still equals
// domain.Version. On success domain is updated in place and the recorded
// transitions are returned. A false result means another writer got there first.
func (r *DomainRepository) CompareAndSetState(ctx context.Context, domain *models.CustomDomain, m Mutation) (bool, []models.DomainTransition, error) {
	at := m.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updates := map[string]interface{}{}
	for k, v := range m.Columns {
		updates[k] = v
	}
	if m.Status != "" {
		updates["status"] = m.Status
	}
	if m.SSLStatus != "" {
		updates["ssl_status"] = m.SSLStatus
	}
	updates["version"] = domain.Version + 1
	updates["updated_at"] = at

	transitions := transitionsFor(domain, m, at)
	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.CustomDomain{}).
			Where("id = ? AND version = ?", domain.ID, domain.Version).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		applied = true

		for i := range transitions {
			if err := tx.Create(&transitions[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || !applied {
		return false, nil, err
	}

	// Reload so the caller's copy reflects every column just written.
	if err := r.db.WithContext(ctx).Where("id = ?", domain.ID).First(domain).Error; err != nil {
		return true, transitions, err
	}
	return true, transitions, nil
}

func transitionsFor(domain *models.CustomDomain, m Mutation, at time.Time) []models.DomainTransition {
	var out []models.DomainTransition
	if m.Status != "" && m.Status != domain.Status {
		out = append(out, models.DomainTransition{
			DomainID:  domain.ID,
			TeamID:    domain.TeamID,
			Hostname:  domain.Hostname,
			Field:     models.TransitionFieldStatus,
			From:      string(domain.Status),
			To:        string(m.Status),
			Reason:    m.Reason,
			CreatedAt: at,
		})
	}
	if m.SSLStatus != "" && m.SSLStatus != domain.SSLStatus {
		out = append(out, models.DomainTransition{
			DomainID:  domain.ID,
			TeamID:    domain.TeamID,
			Hostname:  domain.Hostname,
			Field:     models.TransitionFieldSSLStatus,
			From:      string(domain.SSLStatus),
			To:        string(m.SSLStatus),
			Reason:    m.Reason,
			CreatedAt: at,
		})
	}
	return out
}

// FindDue returns domains matching f, least recently touched first
func (r *DomainRepository) FindDue(ctx context.Context, f DueFilter) ([]models.CustomDomain, error) {
	query := r.db.WithContext(ctx).Model(&models.CustomDomain{})

	if len(f.Statuses) > 0 {
		query = query.Where("status IN ?", f.Statuses)
	}
	if len(f.SSLStatuses) > 0 {
		query = query.Where("ssl_status IN ?", f.SSLStatuses)
	}
	if f.DeadlineBefore != nil {
		query = query.Where("verification_deadline < ?", *f.DeadlineBefore)
	}
	if f.DeadlineNotBefore != nil {
		query = query.Where("verification_deadline >= ?", *f.DeadlineNotBefore)
	}
	if f.SSLExpiresBefore != nil {
		query = query.Where("ssl_expires_at IS NOT NULL AND ssl_expires_at <= ?", *f.SSLExpiresBefore)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	var domains []models.CustomDomain
	err := query.Order("updated_at ASC").Find(&domains).Error
	return domains, err
}

// GetByID retrieves a domain by ID
func (r *DomainRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CustomDomain, error) {
	var domain models.CustomDomain
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&domain).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDomainNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain, nil
}

// GetByHostname retrieves a domain by its normalized hostname
func (r *DomainRepository) GetByHostname(ctx context.Context, hostname string) (*models.CustomDomain, error) {
	var domain models.CustomDomain
	err := r.db.WithContext(ctx).Where("hostname = ?", hostname).First(&domain).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDomainNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain, nil
}

// ListByTeam retrieves all domains for a team
func (r *DomainRepository) ListByTeam(ctx context.Context, teamID string) ([]models.CustomDomain, error) {
	var domains []models.CustomDomain
	err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("created_at DESC").
		Find(&domains).Error
	return domains, err
}

// CountNonTerminalByTeam counts the domains that hold quota for a team
func (r *DomainRepository) CountNonTerminalByTeam(ctx context.Context, teamID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CustomDomain{}).
		Where("team_id = ? AND status IN ?", teamID, models.NonTerminalStatuses).
		Count(&count).Error
	return count, err
}

// GetTransitions retrieves the most recent transitions for a domain
func (r *DomainRepository) GetTransitions(ctx context.Context, domainID uuid.UUID, limit int) ([]models.DomainTransition, error) {
	var transitions []models.DomainTransition
	query := r.db.WithContext(ctx).
		Where("domain_id = ?", domainID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&transitions).Error
	return transitions, err
}

// CleanupOldTransitions removes transitions older than specified duration
func (r *DomainRepository) CleanupOldTransitions(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan)
	result := r.db.WithContext(ctx).
		Where("created_at < ?", threshold).
		Delete(&models.DomainTransition{})
	return result.RowsAffected, result.Error
}

// GetStats counts domains by status and SSL status
func (r *DomainRepository) GetStats(ctx context.Context) (*models.DomainStatsResponse, error) {
	stats := &models.DomainStatsResponse{
		ByStatus:    map[models.DomainStatus]int64{},
		BySSLStatus: map[models.SSLStatus]int64{},
	}

	var byStatus []struct {
		Status models.DomainStatus
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&models.CustomDomain{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return nil, err
	}
	for _, row := range byStatus {
		stats.ByStatus[row.Status] = row.Count
		stats.Total += row.Count
	}

	var bySSL []struct {
		SSLStatus models.SSLStatus
		Count     int64
	}
	if err := r.db.WithContext(ctx).Model(&models.CustomDomain{}).
		Select("ssl_status, COUNT(*) AS count").
		Group("ssl_status").
		Scan(&bySSL).Error; err != nil {
		return nil, err
	}
	for _, row := range bySSL {
		stats.BySSLStatus[row.SSLStatus] = row.Count
	}

	return stats, nil
}

// Ping checks the database connection
func (r *DomainRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
