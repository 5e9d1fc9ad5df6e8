// Package main provides the harvester server entry point.
package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all HTTP routes
func setupRoutes(router *gin.Engine, srv *server, registry *prometheus.Registry) {
	router.GET("/healthz", srv.health)
	router.HEAD("/healthz", srv.health)
	router.GET("/ready", srv.ready)
	router.HEAD("/ready", srv.ready)

	api := router.Group("/api")
	{
		api.POST("/harvest/discovery", srv.startDiscovery)
		api.POST("/harvest/remote", srv.startRemote)
		api.POST("/harvest/semesters/:id", srv.startLocal)
		api.POST("/harvest/stop", srv.stopScraping)
		api.POST("/harvest/pause", srv.pauseScraping)
		api.GET("/harvest/progress", srv.getProgress)
		api.GET("/harvest/remote-semesters", srv.getRemoteSemesters)

		api.GET("/semesters", srv.listSemesters)
		api.GET("/runs", srv.listRuns)
		api.GET("/runs/:id/changes", srv.getRunChanges)
		api.GET("/changes/recent", srv.getRecentChanges)
	}

	router.GET("/metrics",
		metricsAuthMiddleware(srv.cfg.MetricsUsername, srv.cfg.MetricsPassword),
		gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
}
