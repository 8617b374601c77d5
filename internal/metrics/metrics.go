// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// トークン消費の結果ラベル。
const (
	ConsumeGranted   = "granted"
	ConsumeExhausted = "exhausted"
	ConsumeError     = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、認証サービス、ワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(provider string, success bool)
	RecordConsume(outcome string)
	RecordRefreshSweep(refreshed, failed int, duration time.Duration)
	RecordRetentionSweep(deleted int64)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins         *prometheus.CounterVec
	consumes       *prometheus.CounterVec
	refreshed      prometheus.Counter
	refreshFailed  prometheus.Counter
	sweepDuration  prometheus.Histogram
	retentionPurge prometheus.Counter
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "itinerarly_logins_total",
			Help: "プロバイダー・結果別のログイン数",
		}, []string{"provider", "result"}),
		consumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "itinerarly_token_consume_total",
			Help: "結果別のトークン消費リクエスト数",
		}, []string{"outcome"}),
		refreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itinerarly_refresh_sweep_refreshed_total",
			Help: "日次スイーパーがリセットしたユーザーの合計数",
		}),
		refreshFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itinerarly_refresh_sweep_failed_total",
			Help: "日次スイーパーでリセットに失敗したユーザーの合計数",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "itinerarly_refresh_sweep_duration_seconds",
			Help:    "日次スイーパー1回の所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		retentionPurge: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itinerarly_retention_deleted_total",
			Help: "保持期間超過で削除されたユーザーの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "itinerarly_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.logins,
		c.consumes,
		c.refreshed,
		c.refreshFailed,
		c.sweepDuration,
		c.retentionPurge,
		c.httpStatus,
	)

	return c
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(provider string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.logins.WithLabelValues(provider, result).Inc()
}

// RecordConsume はトークン消費の結果を記録する。
func (c *Collector) RecordConsume(outcome string) {
	c.consumes.WithLabelValues(outcome).Inc()
}

// RecordRefreshSweep は日次スイーパー1回分の結果を記録する。
func (c *Collector) RecordRefreshSweep(refreshed, failed int, duration time.Duration) {
	c.refreshed.Add(float64(refreshed))
	c.refreshFailed.Add(float64(failed))
	c.sweepDuration.Observe(duration.Seconds())
}

// RecordRetentionSweep は保持期間スイーパーの削除件数を記録する。
func (c *Collector) RecordRetentionSweep(deleted int64) {
	c.retentionPurge.Add(float64(deleted))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLogin(string, bool)                   {}
func (Nop) RecordConsume(string)                       {}
func (Nop) RecordRefreshSweep(int, int, time.Duration) {}
func (Nop) RecordRetentionSweep(int64)                 {}
func (Nop) RecordHTTPStatus(int)                       {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
