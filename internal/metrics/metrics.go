// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// スケジューラとマッピングの更新処理から利用する。
type MetricsCollector interface {
	RecordTick()
	RecordTickSkipped()
	RecordMappingRun(mapping string)
	RecordMappingRetry(mapping string, category string)
	RecordMessagesSent(count int)
	RecordItemsAbsorbed(count int)
	RecordSnapshotBuilt()
	RecordSitesPruned(count int)
	RecordHistoryEvictions(count int)
	RecordUpdateLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ticks            prometheus.Counter
	ticksSkipped     prometheus.Counter
	mappingRuns      prometheus.Counter
	mappingRetries   *prometheus.CounterVec
	messagesSent     prometheus.Counter
	itemsAbsorbed    prometheus.Counter
	snapshotsBuilt   prometheus.Counter
	sitesPruned      prometheus.Counter
	historyEvictions prometheus.Counter
	updateLatency    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_ticks_total",
			Help: "スケジューラのティック数",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_ticks_skipped_total",
			Help: "トランスポート未初期化で飛ばしたティック数",
		}),
		mappingRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_mapping_runs_total",
			Help: "マッピング更新の実行数",
		}),
		mappingRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_mapping_retries_total",
			Help: "再試行が要求されたマッピング更新の数（エラーカテゴリ別）",
		}, []string{"category"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_messages_sent_total",
			Help: "送信したメッセージの合計数",
		}),
		itemsAbsorbed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_items_absorbed_total",
			Help: "スナップショットの項目プールに取り込んだ項目の合計数",
		}),
		snapshotsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_snapshots_built_total",
			Help: "再構築したスナップショットの数",
		}),
		sitesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_sites_pruned_total",
			Help: "保持数超過で削除したスナップショット世代の数",
		}),
		historyEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_history_evictions_total",
			Help: "容量超過で履歴から追い出されたフィンガープリントの数",
		}),
		updateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedrelay_update_latency_seconds",
			Help:    "マッピング更新1回の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.ticks,
		c.ticksSkipped,
		c.mappingRuns,
		c.mappingRetries,
		c.messagesSent,
		c.itemsAbsorbed,
		c.snapshotsBuilt,
		c.sitesPruned,
		c.historyEvictions,
		c.updateLatency,
	)

	return c
}

// RecordTick はティックを記録する。
func (c *Collector) RecordTick() {
	c.ticks.Inc()
}

// RecordTickSkipped は飛ばしたティックを記録する。
func (c *Collector) RecordTickSkipped() {
	c.ticksSkipped.Inc()
}

// RecordMappingRun はマッピング更新の実行を記録する。
func (c *Collector) RecordMappingRun(mapping string) {
	c.mappingRuns.Inc()
}

// RecordMappingRetry は再試行の要求をカテゴリ付きで記録する。
func (c *Collector) RecordMappingRetry(mapping string, category string) {
	c.mappingRetries.WithLabelValues(category).Inc()
}

// RecordMessagesSent は送信メッセージ数を記録する。
func (c *Collector) RecordMessagesSent(count int) {
	c.messagesSent.Add(float64(count))
}

// RecordItemsAbsorbed は取り込んだ項目数を記録する。
func (c *Collector) RecordItemsAbsorbed(count int) {
	c.itemsAbsorbed.Add(float64(count))
}

// RecordSnapshotBuilt はスナップショットの再構築を記録する。
func (c *Collector) RecordSnapshotBuilt() {
	c.snapshotsBuilt.Inc()
}

// RecordSitesPruned は削除した世代数を記録する。
func (c *Collector) RecordSitesPruned(count int) {
	c.sitesPruned.Add(float64(count))
}

// RecordHistoryEvictions は履歴の追い出し数を記録する。
func (c *Collector) RecordHistoryEvictions(count int) {
	c.historyEvictions.Add(float64(count))
}

// RecordUpdateLatency は更新の所要時間を記録する。
func (c *Collector) RecordUpdateLatency(duration time.Duration) {
	c.updateLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
