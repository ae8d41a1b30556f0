// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 照合エンジンやハンドラー層から利用する。
type MetricsCollector interface {
	RecordSubmission(action string)
	RecordDeltaAdjustment()
	RecordConflictRetry()
	RecordReconcileLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordIdempotentReplay()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	submissions      *prometheus.CounterVec
	deltaAdjustments prometheus.Counter
	conflictRetries  prometheus.Counter
	reconcileLatency prometheus.Histogram
	httpStatus       *prometheus.CounterVec
	idempotentReplay prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "countman_submissions_total",
			Help: "計数登録の合計数（action別: counted / corrected）",
		}, []string{"action"}),
		deltaAdjustments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "countman_delta_adjustments_total",
			Help: "差分調整の合計数",
		}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "countman_conflict_retries_total",
			Help: "書き込み競合によるリトライの合計数",
		}),
		reconcileLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "countman_reconcile_latency_seconds",
			Help:    "計数照合のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "countman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		idempotentReplay: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "countman_idempotent_replays_total",
			Help: "冪等性キーによるリプレイ応答の合計数",
		}),
	}

	reg.MustRegister(
		c.submissions,
		c.deltaAdjustments,
		c.conflictRetries,
		c.reconcileLatency,
		c.httpStatus,
		c.idempotentReplay,
	)

	return c
}

// RecordSubmission は計数登録の結果（counted / corrected）を記録する。
func (c *Collector) RecordSubmission(action string) {
	c.submissions.WithLabelValues(action).Inc()
}

// RecordDeltaAdjustment は差分調整の適用を記録する。
func (c *Collector) RecordDeltaAdjustment() {
	c.deltaAdjustments.Inc()
}

// RecordConflictRetry は書き込み競合によるリトライを記録する。
func (c *Collector) RecordConflictRetry() {
	c.conflictRetries.Inc()
}

// RecordReconcileLatency は計数照合のレイテンシを記録する。
func (c *Collector) RecordReconcileLatency(duration time.Duration) {
	c.reconcileLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordIdempotentReplay は冪等性キーによるリプレイ応答を記録する。
func (c *Collector) RecordIdempotentReplay() {
	c.idempotentReplay.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
