// Package server Prometheus 指标导出
package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proxy-market/internal/shared/eventbus"
	"proxy-market/internal/shared/model"
)

// Metrics API Server 指标集合
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 实例指标
	InstancesTotal     *prometheus.GaugeVec
	ProvisionsTotal    *prometheus.CounterVec
	ProvisionDuration  prometheus.Histogram

	// 计费指标
	BalanceChangesTotal *prometheus.CounterVec
	SuspensionsTotal    prometheus.Counter

	// 节点指标
	NodesOnline prometheus.Gauge
	NodesTotal  prometheus.Gauge

	// WebSocket 指标
	WSConnectionsActive prometheus.Gauge
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		InstancesTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_total",
				Help:      "Total instances by status",
			},
			[]string{"status"},
		),
		ProvisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisions_total",
				Help:      "Total provisioning attempts by outcome",
			},
			[]string{"outcome"},
		),
		ProvisionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provision_duration_seconds",
				Help:      "Provisioning duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		BalanceChangesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_changes_total",
				Help:      "Total balance changes by type",
			},
			[]string{"type", "reason"},
		),
		SuspensionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suspensions_total",
				Help:      "Total system-initiated instance suspensions",
			},
		),
		NodesOnline: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes_online",
				Help:      "Number of online nodes",
			},
		),
		NodesTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes_total",
				Help:      "Total number of registered nodes",
			},
		),
		WSConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connections_active",
				Help:      "Active WebSocket connections",
			},
		),
	}
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath 把路径里的 ID 替换为占位符，控制指标基数
func normalizePath(path string) string {
	for _, resource := range []string{"/api/v1/instances/", "/api/v1/nodes/", "/api/v1/panels/", "/api/v1/users/"} {
		if strings.HasPrefix(path, resource) && len(path) > len(resource) {
			rest := path[len(resource):]
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				return resource + "{id}" + rest[idx:]
			}
			return resource + "{id}"
		}
	}
	return path
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// WSConnectionOpened WebSocket 连接打开
func (m *Metrics) WSConnectionOpened() { m.WSConnectionsActive.Inc() }

// WSConnectionClosed WebSocket 连接关闭
func (m *Metrics) WSConnectionClosed() { m.WSConnectionsActive.Dec() }

// RecordProvision 记录一次开通结果
func (m *Metrics) RecordProvision(outcome string, duration time.Duration) {
	m.ProvisionsTotal.WithLabelValues(outcome).Inc()
	m.ProvisionDuration.Observe(duration.Seconds())
}

// SetNodesCount 设置节点数量
func (m *Metrics) SetNodesCount(online, total int) {
	m.NodesOnline.Set(float64(online))
	m.NodesTotal.Set(float64(total))
}

// SetInstancesByStatus 按状态设置实例数量
func (m *Metrics) SetInstancesByStatus(counts map[string]int) {
	for status, n := range counts {
		m.InstancesTotal.WithLabelValues(status).Set(float64(n))
	}
}

// Observer 旁路观察事件流，统计系统停机次数
func (m *Metrics) Observer() eventbus.Observer {
	return func(ctx context.Context, ev eventbus.Event) {
		switch e := ev.(type) {
		case model.InstanceStatusChangedEvent:
			if e.To == model.InstanceStatusPausedBySystem {
				m.SuspensionsTotal.Inc()
			}
		case *model.InstanceStatusChangedEvent:
			if e.To == model.InstanceStatusPausedBySystem {
				m.SuspensionsTotal.Inc()
			}
		}
	}
}
