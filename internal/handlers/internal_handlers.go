package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"custom-domain-reconciler/internal/events"
	"custom-domain-reconciler/internal/models"
	"custom-domain-reconciler/internal/services"

	"github.com/gin-gonic/gin"
)

// InternalHandlers serves service-to-service and operational endpoints
type InternalHandlers struct {
	domainService *services.DomainService
	broadcaster   *events.Broadcaster
	checks        map[string]func(ctx context.Context) error
}

// NewInternalHandlers creates new internal handlers. checks are run by the
// readiness probe, keyed by dependency name.
func NewInternalHandlers(
	domainService *services.DomainService,
	broadcaster *events.Broadcaster,
	checks map[string]func(ctx context.Context) error,
) *InternalHandlers {
	return &InternalHandlers{
		domainService: domainService,
		broadcaster:   broadcaster,
		checks:        checks,
	}
}

// ResolveDomain handles GET /api/v1/internal/resolve?hostname=
func (h *InternalHandlers) ResolveDomain(c *gin.Context) {
	hostname := c.Query("hostname")
	if hostname == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "hostname parameter is required",
			Code:  "MISSING_HOSTNAME",
		})
		return
	}

	domain, err := h.domainService.ResolveHostname(c.Request.Context(), hostname)
	if err != nil {
		writeError(c, err, "failed to resolve domain")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"hostname":   domain.Hostname,
		"team_id":    domain.TeamID,
		"status":     domain.Status,
		"ssl_status": domain.SSLStatus,
		"routable":   domain.Status == models.DomainStatusVerified && domain.SSLStatus == models.SSLStatusActive,
	})
}

// GetStats handles GET /api/v1/internal/stats
func (h *InternalHandlers) GetStats(c *gin.Context) {
	stats, err := h.domainService.GetStats(c.Request.Context())
	if err != nil {
		writeError(c, err, "failed to get stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// StreamEvents handles GET /api/v1/events as a server-sent event stream of
// transitions, optionally narrowed to one team with ?team_id=
func (h *InternalHandlers) StreamEvents(c *gin.Context) {
	teamID := c.Query("team_id")

	ch, cancel := h.broadcaster.Subscribe(64)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		case t, ok := <-ch:
			if !ok {
				return false
			}
			if teamID == "" || t.TeamID == teamID {
				c.SSEvent("transition", t)
			}
			return true
		}
	})
}

// Health handles GET /health
func (h *InternalHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "custom-domain-reconciler",
	})
}

// Ready handles GET /ready
func (h *InternalHandlers) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
