package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/middleware"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/worker/relay"
)

// --- モック ---

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

type mockTransportState struct {
	initialised bool
}

func (m *mockTransportState) Initialised() bool { return m.initialised }

type mockRepublisher struct {
	accept bool
	calls  int
}

func (m *mockRepublisher) RequestRepublish() bool {
	m.calls++
	return m.accept
}

type mockRegistry struct {
	reloadFn func(load relay.MappingLoader) (int, error)
	statuses []relay.Status
}

func (m *mockRegistry) Reload(load relay.MappingLoader) (int, error) {
	if m.reloadFn != nil {
		return m.reloadFn(load)
	}
	return 0, nil
}

func (m *mockRegistry) Statuses() []relay.Status { return m.statuses }

type mockSubscriptionLister struct {
	subs []*model.Subscription
	err  error
}

func (m *mockSubscriptionLister) ListSubscribed(ctx context.Context) ([]*model.Subscription, error) {
	return m.subs, m.err
}

func newTestDeps() *RouterDeps {
	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg).RecordTick()

	return &RouterDeps{
		Transport:   &mockTransportState{initialised: true},
		Gatherer:    reg,
		Republisher: &mockRepublisher{accept: true},
		Registry:    &mockRegistry{},
		Loader:      func() ([]*model.MappingConfig, error) { return nil, nil },
		Logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

func serve(t *testing.T, deps *RouterDeps, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	NewRouter(deps).ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return v
}

// --- /health ---

func TestHealth_WithoutDatabase(t *testing.T) {
	w := serve(t, newTestDeps(), http.MethodGet, "/health")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decode[healthResponse](t, w)
	if body.Status != "ok" || body.Database != "disabled" || body.Transport != "ready" {
		t.Errorf("body = %+v", body)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestHealth_DatabaseUnreachable(t *testing.T) {
	deps := newTestDeps()
	deps.HealthChecker = &mockHealthChecker{err: errors.New("connection refused")}

	w := serve(t, deps, http.MethodGet, "/health")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	body := decode[healthResponse](t, w)
	if body.Database != "unreachable" {
		t.Errorf("database = %q, want unreachable", body.Database)
	}
}

// TestHealth_TransportInitialising はトランスポート初期化待ちでも200を返すことを検証する。
func TestHealth_TransportInitialising(t *testing.T) {
	deps := newTestDeps()
	deps.HealthChecker = &mockHealthChecker{}
	deps.Transport = &mockTransportState{initialised: false}

	w := serve(t, deps, http.MethodGet, "/health")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decode[healthResponse](t, w)
	if body.Transport != "initialising" || body.Database != "ok" {
		t.Errorf("body = %+v", body)
	}
}

// --- /metrics ---

func TestMetrics_ServesPrometheusFormat(t *testing.T) {
	w := serve(t, newTestDeps(), http.MethodGet, "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "feedrelay_ticks_total 1") {
		t.Errorf("response body does not contain ticks counter:\n%s", w.Body.String())
	}
}

// --- /republish ---

func TestRepublish_Accepted(t *testing.T) {
	deps := newTestDeps()
	rep := &mockRepublisher{accept: true}
	deps.Republisher = rep

	w := serve(t, deps, http.MethodPost, "/republish")

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if rep.calls != 1 {
		t.Errorf("RequestRepublish calls = %d, want 1", rep.calls)
	}
}

// TestRepublish_ConflictWhileDisabled は次の巡回までの再要求が409になることを検証する。
func TestRepublish_ConflictWhileDisabled(t *testing.T) {
	deps := newTestDeps()
	deps.Republisher = &mockRepublisher{accept: false}

	w := serve(t, deps, http.MethodPost, "/republish")

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	body := decode[middleware.ErrorResponseBody](t, w)
	if body.Code != "REPUBLISH_PENDING" {
		t.Errorf("code = %q, want REPUBLISH_PENDING", body.Code)
	}
}

func TestRepublish_GetNotAllowed(t *testing.T) {
	w := serve(t, newTestDeps(), http.MethodGet, "/republish")

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

// TestRepublish_WithSchedulerLifecycle は実際のSchedulerで1回目のみ受け付けることを検証する。
func TestRepublish_WithSchedulerLifecycle(t *testing.T) {
	deps := newTestDeps()
	logger := deps.Logger
	registry := relay.NewRegistry(&relay.Deps{Logger: logger})
	deps.Republisher = relay.NewScheduler(registry, nil, nil, logger, 1)

	router := NewRouter(deps)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/republish", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/republish", nil))

	if first.Code != http.StatusAccepted {
		t.Errorf("1回目 status = %d, want %d", first.Code, http.StatusAccepted)
	}
	if second.Code != http.StatusConflict {
		t.Errorf("2回目 status = %d, want %d", second.Code, http.StatusConflict)
	}
}

// --- /reload ---

func TestReload_ReturnsCount(t *testing.T) {
	deps := newTestDeps()
	loaderCalled := false
	deps.Loader = func() ([]*model.MappingConfig, error) {
		loaderCalled = true
		return nil, nil
	}
	deps.Registry = &mockRegistry{
		reloadFn: func(load relay.MappingLoader) (int, error) {
			if _, err := load(); err != nil {
				return 0, err
			}
			return 3, nil
		},
	}

	w := serve(t, deps, http.MethodPost, "/reload")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !loaderCalled {
		t.Error("RouterDeps.Loaderがレジストリに渡されるべき")
	}
	if body := decode[reloadResponse](t, w); body.Mappings != 3 {
		t.Errorf("mappings = %d, want 3", body.Mappings)
	}
}

func TestReload_Failure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"解析エラー", errors.New("parse mappings.yaml: yaml: line 3"), "RELOAD_FAILED"},
		{"定義エラー", model.NewConfigError(2, "refresh value of '0' is invalid"), "INVALID_MAPPING"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestDeps()
			deps.Registry = &mockRegistry{
				reloadFn: func(load relay.MappingLoader) (int, error) { return 0, tt.err },
			}

			w := serve(t, deps, http.MethodPost, "/reload")

			if w.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
			}
			body := decode[middleware.ErrorResponseBody](t, w)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if body.Category != model.CategoryConfig {
				t.Errorf("category = %q, want %q", body.Category, model.CategoryConfig)
			}
		})
	}
}

// --- /mappings ---

func TestListMappings_Empty(t *testing.T) {
	w := serve(t, newTestDeps(), http.MethodGet, "/mappings")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"mappings":[]}` {
		t.Errorf("body = %s, want empty list", got)
	}
}

func TestListMappings_ReturnsStatuses(t *testing.T) {
	deps := newTestDeps()
	deps.Registry = &mockRegistry{statuses: []relay.Status{
		{Name: "a", State: "idle", RetryOutstanding: true},
		{Name: "b", State: "updating"},
	}}

	w := serve(t, deps, http.MethodGet, "/mappings")

	body := decode[mappingsResponse](t, w)
	if len(body.Mappings) != 2 {
		t.Fatalf("mappings = %d, want 2", len(body.Mappings))
	}
	if body.Mappings[0].Name != "a" || !body.Mappings[0].RetryOutstanding {
		t.Errorf("mappings[0] = %+v", body.Mappings[0])
	}
}

// --- /subscriptions ---

func TestListSubscriptions_DisabledWithoutStore(t *testing.T) {
	w := serve(t, newTestDeps(), http.MethodGet, "/subscriptions")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	body := decode[middleware.ErrorResponseBody](t, w)
	if body.Code != "SUBSCRIPTIONS_DISABLED" {
		t.Errorf("code = %q, want SUBSCRIPTIONS_DISABLED", body.Code)
	}
}

func TestListSubscriptions_ReturnsSubscribed(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	deps := newTestDeps()
	deps.Subscriptions = &mockSubscriptionLister{subs: []*model.Subscription{
		{ID: "s1", Name: "linux-isos", Subscribed: true, CreatedAt: created},
		{ID: "s2", Name: "podcasts", Subscribed: true, CreatedAt: created},
	}}

	w := serve(t, deps, http.MethodGet, "/subscriptions")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decode[subscriptionsResponse](t, w)
	if len(body.Subscriptions) != 2 {
		t.Fatalf("subscriptions = %d, want 2", len(body.Subscriptions))
	}
	if body.Subscriptions[0].Name != "linux-isos" || !body.Subscriptions[0].CreatedAt.Equal(created) {
		t.Errorf("subscriptions[0] = %+v", body.Subscriptions[0])
	}
}

func TestListSubscriptions_EmptyList(t *testing.T) {
	deps := newTestDeps()
	deps.Subscriptions = &mockSubscriptionLister{}

	w := serve(t, deps, http.MethodGet, "/subscriptions")

	if got := strings.TrimSpace(w.Body.String()); got != `{"subscriptions":[]}` {
		t.Errorf("body = %s, want empty list", got)
	}
}

func TestListSubscriptions_StoreFailure(t *testing.T) {
	deps := newTestDeps()
	deps.Subscriptions = &mockSubscriptionLister{err: errors.New("connection reset")}

	w := serve(t, deps, http.MethodGet, "/subscriptions")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// --- ミドルウェア ---

func TestRouter_RateLimitsControlRoutes(t *testing.T) {
	deps := newTestDeps()
	deps.RateLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:            rate.Limit(0.01),
		Burst:           1,
		CleanupInterval: time.Minute,
	}, deps.Logger)
	defer deps.RateLimiter.Stop()

	router := NewRouter(deps)

	for i, want := range []int{http.StatusAccepted, http.StatusTooManyRequests} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/republish", nil))
		if w.Code != want {
			t.Errorf("request %d: status = %d, want %d", i+1, w.Code, want)
		}
	}

	// 参照系は制限されない
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mappings", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /mappings status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRouter_RecoversFromPanic(t *testing.T) {
	var buf bytes.Buffer
	deps := newTestDeps()
	deps.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
	deps.Registry = &mockRegistry{
		reloadFn: func(load relay.MappingLoader) (int, error) { panic("registry corrupted") },
	}

	w := serve(t, deps, http.MethodPost, "/reload")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("panicがログに記録されるべき: %s", buf.String())
	}
}
