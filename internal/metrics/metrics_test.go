package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名のメトリクスファミリーを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestCounters_Increment は各カウンタが記録値だけ増加することを検証する。
func TestCounters_Increment(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTick()
	c.RecordTick()
	c.RecordTickSkipped()
	c.RecordMappingRun("m1")
	c.RecordMessagesSent(3)
	c.RecordMessagesSent(2)
	c.RecordItemsAbsorbed(7)
	c.RecordSnapshotBuilt()
	c.RecordSitesPruned(4)
	c.RecordHistoryEvictions(9)

	tests := []struct {
		name string
		want float64
	}{
		{"feedrelay_ticks_total", 2},
		{"feedrelay_ticks_skipped_total", 1},
		{"feedrelay_mapping_runs_total", 1},
		{"feedrelay_messages_sent_total", 5},
		{"feedrelay_items_absorbed_total", 7},
		{"feedrelay_snapshots_built_total", 1},
		{"feedrelay_sites_pruned_total", 4},
		{"feedrelay_history_evictions_total", 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mf := findMetric(t, reg, tt.name)
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

// TestRecordMappingRetry_IncrementsCounterWithLabel は再試行カウンタがカテゴリ別に増加することを検証する。
func TestRecordMappingRetry_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMappingRetry("m1", "fetch")
	c.RecordMappingRetry("m2", "fetch")
	c.RecordMappingRetry("m1", "destination")

	mf := findMetric(t, reg, "feedrelay_mapping_retries_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		label := m.GetLabel()[0].GetValue()
		val := m.GetCounter().GetValue()
		switch label {
		case "fetch":
			if val != 2 {
				t.Errorf("mapping_retries_total{category=fetch} = %v, want 2", val)
			}
		case "destination":
			if val != 1 {
				t.Errorf("mapping_retries_total{category=destination} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label value: %s", label)
		}
	}
}

// TestRecordUpdateLatency_ObservesHistogram は更新時間のヒストグラムに値が記録されることを検証する。
func TestRecordUpdateLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUpdateLatency(100 * time.Millisecond)
	c.RecordUpdateLatency(2 * time.Second)

	h := findMetric(t, reg, "feedrelay_update_latency_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
	}
	// 合計は0.1 + 2.0 = 2.1秒
	if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
		t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTick()
	c.RecordMappingRetry("m", "asset")
	c.RecordUpdateLatency(500 * time.Millisecond)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	for _, metric := range []string{
		"feedrelay_ticks_total",
		"feedrelay_mapping_retries_total",
		"feedrelay_update_latency_seconds",
	} {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorがMetricsCollectorインターフェースを実装することを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordTick()
	c2.RecordTick()
	c2.RecordTick()

	val1 := findMetric(t, reg1, "feedrelay_ticks_total").GetMetric()[0].GetCounter().GetValue()
	val2 := findMetric(t, reg2, "feedrelay_ticks_total").GetMetric()[0].GetCounter().GetValue()

	if val1 != 1 {
		t.Errorf("reg1 ticks = %v, want 1", val1)
	}
	if val2 != 2 {
		t.Errorf("reg2 ticks = %v, want 2", val2)
	}
}
