package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts every endpoint on router
func RegisterRoutes(router *gin.Engine, domainHandlers *DomainHandlers, internalHandlers *InternalHandlers) {
	router.GET("/health", internalHandlers.Health)
	router.GET("/ready", internalHandlers.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		domains := v1.Group("/teams/:teamId/domains")
		{
			domains.POST("", domainHandlers.CreateDomain)
			domains.GET("", domainHandlers.ListDomains)
			domains.GET("/:id", domainHandlers.GetDomain)
			domains.GET("/:id/dns-records", domainHandlers.GetDNSRecords)
			domains.GET("/:id/transitions", domainHandlers.GetTransitions)
			domains.POST("/:id/verify", domainHandlers.VerifyDomain)
			domains.POST("/:id/ssl/retry", domainHandlers.RetrySSL)
		}

		v1.GET("/events", internalHandlers.StreamEvents)

		internal := v1.Group("/internal")
		{
			internal.GET("/resolve", internalHandlers.ResolveDomain)
			internal.GET("/stats", internalHandlers.GetStats)
		}
	}
}
