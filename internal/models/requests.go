package models

import (
	"time"

	"github.com/google/uuid"
)

// CreateDomainRequest represents a request to bind a new custom hostname
type CreateDomainRequest struct {
	Hostname           string             `json:"hostname" binding:"required"`
	VerificationMethod VerificationMethod `json:"verification_method" binding:"omitempty,oneof=cname txt"`
}

// DomainResponse represents a domain in API responses
type DomainResponse struct {
	ID                   uuid.UUID          `json:"id"`
	TeamID               string             `json:"team_id"`
	Hostname             string             `json:"hostname"`
	Status               DomainStatus       `json:"status"`
	StatusMessage        string             `json:"status_message,omitempty"`
	VerificationMethod   VerificationMethod `json:"verification_method"`
	VerificationDeadline string             `json:"verification_deadline"`
	VerifiedAt           *string            `json:"verified_at,omitempty"`
	LastCheckedAt        *string            `json:"last_checked_at,omitempty"`
	LastCheckResult      CheckResult        `json:"last_check_result,omitempty"`
	SSLStatus            SSLStatus          `json:"ssl_status"`
	SSLExpiresAt         *string            `json:"ssl_expires_at,omitempty"`
	SSLLastError         string             `json:"ssl_last_error,omitempty"`
	DNSRecords           []DNSRecord        `json:"dns_records"`
	CreatedAt            string             `json:"created_at"`
	UpdatedAt            string             `json:"updated_at"`
}

// DomainListResponse represents a team's domains and quota usage
type DomainListResponse struct {
	Domains    []DomainResponse `json:"domains"`
	Total      int              `json:"total"`
	QuotaUsed  int64            `json:"quota_used"`
	MaxAllowed int              `json:"max_allowed"`
	CanAddMore bool             `json:"can_add_more"`
}

// VerifyDomainResponse is returned by a manually triggered DNS check
type VerifyDomainResponse struct {
	Domain  DomainResponse `json:"domain"`
	Result  CheckResult    `json:"result"`
	Message string         `json:"message,omitempty"`
}

// TransitionResponse represents one state change
type TransitionResponse struct {
	Field  string `json:"field"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	At     string `json:"at"`
}

// DomainStatsResponse represents counts by status
type DomainStatsResponse struct {
	ByStatus    map[DomainStatus]int64 `json:"by_status"`
	BySSLStatus map[SSLStatus]int64    `json:"by_ssl_status"`
	Total       int64                  `json:"total"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ToResponse converts a domain to its API representation
func (d *CustomDomain) ToResponse() DomainResponse {
	resp := DomainResponse{
		ID:                   d.ID,
		TeamID:               d.TeamID,
		Hostname:             d.Hostname,
		Status:               d.Status,
		StatusMessage:        d.StatusMessage,
		VerificationMethod:   d.VerificationMethod,
		VerificationDeadline: d.VerificationDeadline.Format(time.RFC3339),
		VerifiedAt:           formatTime(d.VerifiedAt),
		LastCheckedAt:        formatTime(d.LastCheckedAt),
		LastCheckResult:      d.LastCheckResult,
		SSLStatus:            d.SSLStatus,
		SSLExpiresAt:         formatTime(d.SSLExpiresAt),
		SSLLastError:         d.SSLLastError,
		DNSRecords:           d.DNSRecords(),
		CreatedAt:            d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            d.UpdatedAt.Format(time.RFC3339),
	}
	return resp
}

// ToResponse converts a transition to its API representation
func (t *DomainTransition) ToResponse() TransitionResponse {
	return TransitionResponse{
		Field:  t.Field,
		From:   t.From,
		To:     t.To,
		Reason: t.Reason,
		At:     t.CreatedAt.Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
