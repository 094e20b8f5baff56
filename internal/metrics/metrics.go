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
// ストリーム監視、リモートAPIクライアント、チケットサービスから利用する。
type MetricsCollector interface {
	RecordStreamEvent(kind string)
	RecordReconnectAttempt()
	RecordReconnectAbandoned()
	RecordTicketsUpserted(count int)
	RecordRemoteRequest(endpoint string, statusCode int, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	streamEvents       *prometheus.CounterVec
	reconnectAttempts  prometheus.Counter
	reconnectAbandoned prometheus.Counter
	ticketsUpserted    prometheus.Counter
	remoteRequests     *prometheus.CounterVec
	remoteLatency      *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetdesk_stream_events_total",
			Help: "tweetチャネルに発行したイベントの種別ごとの合計数",
		}, []string{"kind"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tweetdesk_stream_reconnect_attempts_total",
			Help: "ストリーム再接続をスケジュールした合計数",
		}),
		reconnectAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tweetdesk_stream_reconnect_abandoned_total",
			Help: "バックオフ上限超過により再接続を断念した合計数",
		}),
		ticketsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tweetdesk_tickets_upserted_total",
			Help: "ストリームからUPSERTされたチケットの合計数",
		}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tweetdesk_remote_requests_total",
			Help: "リモートAPI呼び出しのエンドポイント・ステータス別の合計数",
		}, []string{"endpoint", "status_code"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tweetdesk_remote_request_latency_seconds",
			Help:    "リモートAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		c.streamEvents,
		c.reconnectAttempts,
		c.reconnectAbandoned,
		c.ticketsUpserted,
		c.remoteRequests,
		c.remoteLatency,
	)

	return c
}

// RecordStreamEvent は発行したイベントを種別ごとに記録する。
func (c *Collector) RecordStreamEvent(kind string) {
	c.streamEvents.WithLabelValues(kind).Inc()
}

// RecordReconnectAttempt は再接続のスケジュールを記録する。
func (c *Collector) RecordReconnectAttempt() {
	c.reconnectAttempts.Inc()
}

// RecordReconnectAbandoned は再接続の断念を記録する。
func (c *Collector) RecordReconnectAbandoned() {
	c.reconnectAbandoned.Inc()
}

// RecordTicketsUpserted はUPSERTされたチケット数を記録する。
func (c *Collector) RecordTicketsUpserted(count int) {
	c.ticketsUpserted.Add(float64(count))
}

// RecordRemoteRequest はリモートAPI呼び出しの結果とレイテンシを記録する。
// statusCodeが0の場合はレスポンスを受け取れなかったことを表す。
func (c *Collector) RecordRemoteRequest(endpoint string, statusCode int, duration time.Duration) {
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	c.remoteRequests.WithLabelValues(endpoint, status).Inc()
	c.remoteLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordStreamEvent(string)                       {}
func (Nop) RecordReconnectAttempt()                        {}
func (Nop) RecordReconnectAbandoned()                      {}
func (Nop) RecordTicketsUpserted(int)                      {}
func (Nop) RecordRemoteRequest(string, int, time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
