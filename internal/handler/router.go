package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/middleware"
	"github.com/hitoshi/feedrelay/internal/worker/relay"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 稼働確認（HealthCheckerはデータベース未設定時nil）
	HealthChecker HealthChecker
	Transport     TransportState

	// メトリクス
	Gatherer prometheus.Gatherer

	// 中継制御
	Republisher Republisher
	Registry    MappingRegistry
	Loader      relay.MappingLoader

	// 購読一覧（購読ストア未設定時nil）
	Subscriptions SubscriptionLister

	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger
}

// NewRouter は管理APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → SecurityHeadersMiddleware
//
// 状態を変更するPOSTルートには接続元ごとのレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	h := &AdminHandler{
		health:        deps.HealthChecker,
		transport:     deps.Transport,
		republish:     deps.Republisher,
		registry:      deps.Registry,
		loader:        deps.Loader,
		subscriptions: deps.Subscriptions,
		logger:        deps.Logger,
	}

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	r.Get("/mappings", h.ListMappings)
	r.Get("/subscriptions", h.ListSubscriptions)

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Post("/republish", h.Republish)
		r.Post("/reload", h.Reload)
	})

	return r
}
