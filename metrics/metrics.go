package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UpstreamRequests counts calls to the CRM and inference backends by final status.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vox_upstream_requests_total",
		Help: "Total number of outbound requests by target and status code",
	}, []string{"target", "status"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vox_upstream_request_duration_seconds",
		Help:    "Outbound request latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"target"})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vox_token_refresh_total",
		Help: "OAuth token refresh attempts by result",
	}, []string{"result"})

	AgentSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vox_agent_selection_total",
		Help: "Agent selections by feature and resolution tier",
	}, []string{"feature", "tier"})

	// AutopilotSyncs counts secondary autopilot synchronisation steps.
	AutopilotSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vox_autopilot_sync_total",
		Help: "Autopilot secondary sync steps by step and result",
	}, []string{"step", "result"})
)

// Handler exposes the default registry for scraping.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
