package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedrelay/internal/middleware"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/worker/relay"
)

// healthCheckTimeout はデータベース疎通確認の上限時間。
const healthCheckTimeout = 2 * time.Second

// HealthChecker はデータベースの疎通を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// TransportState は宛先トランスポートの初期化状態を返す。
type TransportState interface {
	Initialised() bool
}

// Republisher は強制再配信を要求する。relay.Schedulerが実装する。
type Republisher interface {
	RequestRepublish() bool
}

// MappingRegistry はマッピング集合の再読み込みと状態取得を行う。relay.Registryが実装する。
type MappingRegistry interface {
	Reload(load relay.MappingLoader) (int, error)
	Statuses() []relay.Status
}

// SubscriptionLister は購読中の購読一覧を返す。repository.SubscriptionRepositoryが実装する。
type SubscriptionLister interface {
	ListSubscribed(ctx context.Context) ([]*model.Subscription, error)
}

// AdminHandler は管理APIのハンドラー。
type AdminHandler struct {
	health        HealthChecker
	transport     TransportState
	republish     Republisher
	registry      MappingRegistry
	loader        relay.MappingLoader
	subscriptions SubscriptionLister
	logger        *slog.Logger
}

type healthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Transport string `json:"transport"`
}

type republishResponse struct {
	Status string `json:"status"`
}

type reloadResponse struct {
	Mappings int `json:"mappings"`
}

type mappingsResponse struct {
	Mappings []relay.Status `json:"mappings"`
}

type subscriptionResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type subscriptionsResponse struct {
	Subscriptions []subscriptionResponse `json:"subscriptions"`
}

// Health はプロセスの稼働状態を返す。
// データベースが設定されていて疎通できない場合は503を返す。
// トランスポートの初期化待ちは正常扱いとし、状態だけを返す。
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "disabled", Transport: "ready"}

	if h.transport != nil && !h.transport.Initialised() {
		resp.Transport = "initialising"
	}

	status := http.StatusOK
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.health.PingContext(ctx); err != nil {
			h.logger.Error("データベースの疎通確認に失敗しました",
				slog.String("category", model.CategoryPersistence),
				slog.String("error", err.Error()),
			)
			resp.Status = "unavailable"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	writeJSON(w, status, resp)
}

// Republish は次の巡回で全マッピングを強制実行するよう要求する。
// 要求済みで次の巡回が始まっていない場合は409を返す。
func (h *AdminHandler) Republish(w http.ResponseWriter, r *http.Request) {
	if !h.republish.RequestRepublish() {
		middleware.WriteErrorResponse(w, http.StatusConflict, middleware.ErrorResponseBody{
			Code:     "REPUBLISH_PENDING",
			Message:  "再配信は既に要求されています。次の巡回を待ってください。",
			Category: "system",
		})
		return
	}

	h.logger.Info("強制再配信を受け付けました")
	writeJSON(w, http.StatusAccepted, republishResponse{Status: "scheduled"})
}

// Reload はマッピング定義ファイルを読み込み直す。
// 既存のマッピングは読み込み前に破棄されるため、失敗時はマッピングが空になる。
func (h *AdminHandler) Reload(w http.ResponseWriter, r *http.Request) {
	count, err := h.registry.Reload(h.loader)
	if err != nil {
		var cfgErr *model.ConfigError
		code := "RELOAD_FAILED"
		if errors.As(err, &cfgErr) {
			code = "INVALID_MAPPING"
		}
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, middleware.ErrorResponseBody{
			Code:     code,
			Message:  err.Error(),
			Category: model.CategoryConfig,
		})
		return
	}

	writeJSON(w, http.StatusOK, reloadResponse{Mappings: count})
}

// ListMappings は全マッピングの状態を返す。
func (h *AdminHandler) ListMappings(w http.ResponseWriter, r *http.Request) {
	statuses := h.registry.Statuses()
	if statuses == nil {
		statuses = []relay.Status{}
	}
	writeJSON(w, http.StatusOK, mappingsResponse{Mappings: statuses})
}

// ListSubscriptions はマッピングや関連付けに指定できる購読の一覧を返す。
// 購読ストアが構成されていない場合は404を返す。
func (h *AdminHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if h.subscriptions == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, middleware.ErrorResponseBody{
			Code:     "SUBSCRIPTIONS_DISABLED",
			Message:  "購読ストアが構成されていません。",
			Category: model.CategoryConfig,
		})
		return
	}

	subs, err := h.subscriptions.ListSubscribed(r.Context())
	if err != nil {
		h.logger.Error("購読一覧の取得に失敗しました",
			slog.String("category", model.CategoryPersistence),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	resp := subscriptionsResponse{Subscriptions: make([]subscriptionResponse, 0, len(subs))}
	for _, sub := range subs {
		resp.Subscriptions = append(resp.Subscriptions, subscriptionResponse{
			ID:        sub.ID,
			Name:      sub.Name,
			CreatedAt: sub.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
