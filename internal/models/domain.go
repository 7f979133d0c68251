package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DomainStatus represents the ownership state of a custom domain
type DomainStatus string

const (
	DomainStatusPendingVerification DomainStatus = "pending_verification"
	DomainStatusVerified            DomainStatus = "verified"
	DomainStatusExpired             DomainStatus = "expired"
	DomainStatusFailed              DomainStatus = "failed"
)

// NonTerminalStatuses are the statuses that count against a team's quota.
var NonTerminalStatuses = []DomainStatus{DomainStatusPendingVerification, DomainStatusVerified}

// VerificationMethod represents DNS verification method
type VerificationMethod string

const (
	VerificationMethodCNAME VerificationMethod = "cname"
	VerificationMethodTXT   VerificationMethod = "txt"
)

// Valid reports whether m is one of the supported methods.
func (m VerificationMethod) Valid() bool {
	return m == VerificationMethodCNAME || m == VerificationMethodTXT
}

// RecordType is the DNS record type queried for this method.
func (m VerificationMethod) RecordType() string {
	if m == VerificationMethodTXT {
		return "TXT"
	}
	return "CNAME"
}

// SSLStatus represents SSL certificate status
type SSLStatus string

const (
	SSLStatusNotRequested SSLStatus = "not_requested"
	SSLStatusPending      SSLStatus = "pending"
	SSLStatusProvisioning SSLStatus = "provisioning"
	SSLStatusActive       SSLStatus = "active"
	SSLStatusExpiring     SSLStatus = "expiring"
	SSLStatusFailed       SSLStatus = "failed"
)

// CheckResult is the outcome of a single DNS challenge check.
type CheckResult string

const (
	CheckMatched      CheckResult = "matched"
	CheckMismatched   CheckResult = "mismatched"
	CheckInconclusive CheckResult = "inconclusive"
)

// CustomDomain is one tenant-owned hostname.
type CustomDomain struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TeamID   string    `json:"team_id" gorm:"size:100;not null;index:idx_custom_domains_team_status"`
	Hostname string    `json:"hostname" gorm:"uniqueIndex;not null;size:253"`

	// Verification
	VerificationMethod      VerificationMethod `json:"verification_method" gorm:"size:10;not null"`
	VerificationToken       string             `json:"-" gorm:"size:64;not null"`
	VerificationRecordName  string             `json:"verification_record_name" gorm:"size:255;not null"`
	VerificationRecordValue string             `json:"verification_record_value" gorm:"size:255;not null"`
	VerificationDeadline    time.Time          `json:"verification_deadline" gorm:"not null;index"`
	VerifiedAt              *time.Time         `json:"verified_at"`
	LastCheckedAt           *time.Time         `json:"last_checked_at"`
	LastCheckResult         CheckResult        `json:"last_check_result,omitempty" gorm:"size:20"`

	// SSL/TLS
	SSLStatus    SSLStatus  `json:"ssl_status" gorm:"size:20;not null;index"`
	ProviderRef  *string    `json:"provider_ref" gorm:"size:255"`
	SSLExpiresAt *time.Time `json:"ssl_expires_at"`
	SSLLastError string     `json:"ssl_last_error,omitempty" gorm:"size:500"`

	// Overall Status
	Status        DomainStatus `json:"status" gorm:"size:30;not null;index:idx_custom_domains_team_status"`
	StatusMessage string       `json:"status_message,omitempty" gorm:"size:500"`

	// Version guards optimistic updates; every write bumps it.
	Version int64 `json:"version" gorm:"not null;default:1"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM
func (CustomDomain) TableName() string {
	return "custom_domains"
}

// BeforeCreate hook to generate UUID if not set
func (d *CustomDomain) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Version == 0 {
		d.Version = 1
	}
	return nil
}

// IsVerified returns true if DNS ownership has been proven
func (d *CustomDomain) IsVerified() bool {
	return d.Status == DomainStatusVerified && d.VerifiedAt != nil
}

// CanRetryProvisioning returns true if an explicit re-provision may reset SSL state
func (d *CustomDomain) CanRetryProvisioning() bool {
	return d.Status == DomainStatusVerified && d.SSLStatus == SSLStatusFailed
}

// DeadlinePassed reports whether verification can no longer succeed at now.
func (d *CustomDomain) DeadlinePassed(now time.Time) bool {
	return now.After(d.VerificationDeadline)
}

// DNSRecords returns the records the owner must publish.
func (d *CustomDomain) DNSRecords() []DNSRecord {
	return []DNSRecord{{
		RecordType: d.VerificationMethod.RecordType(),
		Host:       d.VerificationRecordName,
		Value:      d.VerificationRecordValue,
		TTL:        300,
		Purpose:    "verification",
		IsVerified: d.IsVerified(),
	}}
}

// DomainTransition records one state change emitted by the reconciler or API.
type DomainTransition struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	DomainID  uuid.UUID `json:"domain_id" gorm:"type:uuid;not null;index"`
	TeamID    string    `json:"team_id" gorm:"size:100;not null;index"`
	Hostname  string    `json:"hostname" gorm:"size:253;not null"`
	Field     string    `json:"field" gorm:"size:20;not null"` // "status" or "ssl_status"
	From      string    `json:"from" gorm:"column:from_state;size:30"`
	To        string    `json:"to" gorm:"column:to_state;size:30;not null"`
	Reason    string    `json:"reason,omitempty" gorm:"size:500"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

const (
	TransitionFieldStatus    = "status"
	TransitionFieldSSLStatus = "ssl_status"
)

// TableName returns the table name for GORM
func (DomainTransition) TableName() string {
	return "domain_transitions"
}

// BeforeCreate hook to generate UUID if not set
func (t *DomainTransition) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// TeamQuota is the per-team row locked while admitting a new domain.
type TeamQuota struct {
	TeamID    string    `gorm:"primaryKey;size:100"`
	UpdatedAt time.Time
}

// TableName returns the table name for GORM
func (TeamQuota) TableName() string {
	return "team_domain_quotas"
}

// DNSRecord represents a DNS record that needs to be configured
type DNSRecord struct {
	RecordType string `json:"record_type"` // TXT, CNAME
	Host       string `json:"host"`
	Value      string `json:"value"`
	TTL        int    `json:"ttl"`
	Purpose    string `json:"purpose"`
	IsVerified bool   `json:"is_verified"`
}
