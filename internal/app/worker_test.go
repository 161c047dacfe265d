package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/hitoshi/feedrelay/internal/config"
)

const workerTestMappings = `mappings:
  - rss:
      url: https://example.com/feed.xml
    chat:
      network: both
      key: releases
    refresh: 15
  - subscription:
      name: nightly
    chat:
      network: public
      key: nightly
    refresh: 30
`

// syncBuffer は並行して書き込まれるログを読むためのバッファ。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testWorkerConfig() *config.Config {
	return &config.Config{
		DataDir:               "/data",
		MappingsFile:          "/data/mappings.yaml",
		MaxConcurrentMappings: 1,
		FetchTimeout:          time.Second,
		FetchMaxSize:          1024,
		WebhookURL:            "http://127.0.0.1:1/hook",
		WebhookRatePerMin:     30,
		AdminPort:             "0",
	}
}

func newTestWorker(t *testing.T, fsys afero.Fs, logs *bytes.Buffer) *worker {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	wk, err := newWorker(testWorkerConfig(), fsys, prometheus.NewRegistry(), logger)
	if err != nil {
		t.Fatalf("newWorker returned error: %v", err)
	}
	return wk
}

// TestNewWorker_WithoutDatabase は購読ストアなしでフィードのマッピングだけが登録されることを検証する。
func TestNewWorker_WithoutDatabase(t *testing.T) {
	fsys := afero.NewMemMapFs()
	afero.WriteFile(fsys, "/data/mappings.yaml", []byte(workerTestMappings), 0o644)

	var logs bytes.Buffer
	wk := newTestWorker(t, fsys, &logs)
	defer wk.close()

	count, err := wk.registry.Reload(wk.loader)
	if err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	// network: both の1件が2つに展開され、購読ソースは拒否される
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if !strings.Contains(logs.String(), "subscription source requires a subscription store") {
		t.Errorf("購読ソースの拒否理由がログに記録されるべき: %s", logs.String())
	}

	w := httptest.NewRecorder()
	wk.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mappings", nil))
	var body struct {
		Mappings []struct {
			Name             string `json:"name"`
			RetryOutstanding bool   `json:"retry_outstanding"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /mappings: %v", err)
	}
	if len(body.Mappings) != 2 {
		t.Fatalf("mappings = %d, want 2", len(body.Mappings))
	}
	for _, m := range body.Mappings {
		if !m.RetryOutstanding {
			t.Errorf("%s: 新しいマッピングは最初のティックで実行されるべき", m.Name)
		}
	}
}

func TestNewWorker_HealthWithoutDatabase(t *testing.T) {
	wk := newTestWorker(t, afero.NewMemMapFs(), &bytes.Buffer{})
	defer wk.close()

	w := httptest.NewRecorder()
	wk.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"database":"disabled"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

// TestWorker_RunStopsOnCancel はキャンセル済みのコンテキストで起動と停止が完了することを検証する。
func TestWorker_RunStopsOnCancel(t *testing.T) {
	fsys := afero.NewMemMapFs()
	wk := newTestWorker(t, fsys, &bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- wk.run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	// 定義ファイルがなければ空の定義で作成される
	if ok, _ := afero.Exists(fsys, "/data/mappings.yaml"); !ok {
		t.Error("mappings.yaml should be created when missing")
	}
	if n := len(wk.registry.Snapshot()); n != 0 {
		t.Errorf("停止後はマッピングが破棄されるべき: %d", n)
	}
	if wk.transport.Initialised() {
		t.Error("停止後はトランスポートが閉じられるべき")
	}
}

// TestWorker_RunContinuesOnUnparseableMappings は解析できない定義ファイルでもマッピングなしで動作を続けることを検証する。
func TestWorker_RunContinuesOnUnparseableMappings(t *testing.T) {
	fsys := afero.NewMemMapFs()
	afero.WriteFile(fsys, "/data/mappings.yaml", []byte("mappings: [\n"), 0o644)
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	wk, err := newWorker(testWorkerConfig(), fsys, prometheus.NewRegistry(), logger)
	if err != nil {
		t.Fatalf("newWorker returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wk.run(ctx) }()

	// 起動後も管理APIが応答し、マッピングは0件
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(logs.String(), "starting with no active mappings") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(logs.String(), "starting with no active mappings") {
		t.Fatal("読み込み失敗がログに記録されるべき")
	}
	w := httptest.NewRecorder()
	wk.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mappings", nil))
	if got := strings.TrimSpace(w.Body.String()); got != `{"mappings":[]}` {
		t.Errorf("/mappings = %s, want empty list", got)
	}

	select {
	case err := <-done:
		t.Fatalf("解析できない定義ファイルで停止してはならない: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}
