package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"custom-domain-reconciler/internal/lease"
	"custom-domain-reconciler/internal/models"
	"custom-domain-reconciler/internal/repository"
	"custom-domain-reconciler/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DomainHandlers handles HTTP requests for a team's domains
type DomainHandlers struct {
	domainService *services.DomainService
}

// NewDomainHandlers creates new domain handlers
func NewDomainHandlers(domainService *services.DomainService) *DomainHandlers {
	return &DomainHandlers{
		domainService: domainService,
	}
}

// CreateDomain handles POST /api/v1/teams/:teamId/domains
func (h *DomainHandlers) CreateDomain(c *gin.Context) {
	teamID := c.Param("teamId")

	var req models.CreateDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid request",
			Code:    "INVALID_REQUEST",
			Message: "Please check your request data and try again",
		})
		return
	}

	domain, err := h.domainService.CreateDomain(c.Request.Context(), teamID, &req)
	if err != nil {
		writeError(c, err, "failed to create domain")
		return
	}

	c.JSON(http.StatusCreated, domain)
}

// ListDomains handles GET /api/v1/teams/:teamId/domains
func (h *DomainHandlers) ListDomains(c *gin.Context) {
	resp, err := h.domainService.ListDomains(c.Request.Context(), c.Param("teamId"))
	if err != nil {
		writeError(c, err, "failed to list domains")
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetDomain handles GET /api/v1/teams/:teamId/domains/:id
func (h *DomainHandlers) GetDomain(c *gin.Context) {
	domainID, ok := parseDomainID(c)
	if !ok {
		return
	}

	domain, err := h.domainService.GetDomain(c.Request.Context(), c.Param("teamId"), domainID)
	if err != nil {
		writeError(c, err, "failed to get domain")
		return
	}

	c.JSON(http.StatusOK, domain)
}

// GetDNSRecords handles GET /api/v1/teams/:teamId/domains/:id/dns-records
func (h *DomainHandlers) GetDNSRecords(c *gin.Context) {
	domainID, ok := parseDomainID(c)
	if !ok {
		return
	}

	domain, err := h.domainService.GetDomain(c.Request.Context(), c.Param("teamId"), domainID)
	if err != nil {
		writeError(c, err, "failed to get domain")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"domain":      domain.Hostname,
		"dns_records": domain.DNSRecords,
		"deadline":    domain.VerificationDeadline,
	})
}

// GetTransitions handles GET /api/v1/teams/:teamId/domains/:id/transitions
func (h *DomainHandlers) GetTransitions(c *gin.Context) {
	domainID, ok := parseDomainID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	transitions, err := h.domainService.GetTransitions(c.Request.Context(), c.Param("teamId"), domainID, limit)
	if err != nil {
		writeError(c, err, "failed to get transitions")
		return
	}

	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

// VerifyDomain handles POST /api/v1/teams/:teamId/domains/:id/verify
func (h *DomainHandlers) VerifyDomain(c *gin.Context) {
	domainID, ok := parseDomainID(c)
	if !ok {
		return
	}

	resp, err := h.domainService.VerifyDomain(c.Request.Context(), c.Param("teamId"), domainID)
	if err != nil {
		writeError(c, err, "failed to verify domain")
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RetrySSL handles POST /api/v1/teams/:teamId/domains/:id/ssl/retry
func (h *DomainHandlers) RetrySSL(c *gin.Context) {
	domainID, ok := parseDomainID(c)
	if !ok {
		return
	}

	domain, err := h.domainService.RetrySSL(c.Request.Context(), c.Param("teamId"), domainID)
	if err != nil {
		writeError(c, err, "failed to retry SSL provisioning")
		return
	}

	c.JSON(http.StatusAccepted, domain)
}

func parseDomainID(c *gin.Context) (uuid.UUID, bool) {
	domainID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "invalid domain ID",
			Code:  "INVALID_ID",
		})
		return uuid.Nil, false
	}
	return domainID, true
}

// writeError maps service errors onto HTTP responses
func writeError(c *gin.Context, err error, action string) {
	if ve, ok := services.IsValidationError(err); ok {
		status := http.StatusBadRequest
		switch ve.Code {
		case services.CodeHostnameTaken:
			status = http.StatusConflict
		case services.CodeQuotaExceeded:
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, models.ErrorResponse{
			Error:   "validation failed",
			Code:    ve.Code,
			Message: ve.Message,
		})
		return
	}

	switch {
	case errors.Is(err, repository.ErrDomainNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error: "domain not found",
			Code:  "NOT_FOUND",
		})
	case errors.Is(err, services.ErrNotRetryable):
		c.JSON(http.StatusConflict, models.ErrorResponse{
			Error:   "invalid state",
			Code:    "INVALID_STATE",
			Message: err.Error(),
		})
	case errors.Is(err, lease.ErrHeld), errors.Is(err, repository.ErrStaleVersion):
		c.JSON(http.StatusConflict, models.ErrorResponse{
			Error:   "domain busy",
			Code:    "DOMAIN_BUSY",
			Message: "The domain is being processed, please try again shortly",
		})
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg(action)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error: action,
			Code:  "INTERNAL_ERROR",
		})
	}
}
