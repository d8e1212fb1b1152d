package httpx

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentplane_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentplane_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	deploymentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentplane_deployments_total",
		Help: "Deployments by current status.",
	}, []string{"status"})

	pipelineStagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentplane_pipeline_stages_total",
		Help: "Pipeline stage executions by stage and result.",
	}, []string{"stage", "result"})

	wsSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentplane_ws_subscribers",
		Help: "Currently connected WebSocket subscribers.",
	})

	wsBroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentplane_ws_broadcast_drops_total",
		Help: "Broadcast frames dropped because a subscriber queue was full.",
	})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentplane_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// SetDeploymentGauge records the number of deployments in a given status.
func SetDeploymentGauge(status string, n float64) {
	deploymentsByStatus.WithLabelValues(status).Set(n)
}

// RecordPipelineStage records a pipeline stage outcome.
func RecordPipelineStage(stage string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	pipelineStagesTotal.WithLabelValues(stage, result).Inc()
}

// WSSubscriberConnected / WSSubscriberDisconnected track the subscriber gauge.
func WSSubscriberConnected()    { wsSubscribers.Inc() }
func WSSubscriberDisconnected() { wsSubscribers.Dec() }

// RecordBroadcastDrop counts a frame dropped on a full subscriber queue.
func RecordBroadcastDrop() { wsBroadcastDrops.Inc() }

// RecordWebhookDelivery records a webhook delivery outcome.
func RecordWebhookDelivery(success bool) {
	if success {
		webhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		webhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
