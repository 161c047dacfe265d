package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/feedrelay/internal/chat"
	"github.com/hitoshi/feedrelay/internal/config"
	"github.com/hitoshi/feedrelay/internal/database"
	"github.com/hitoshi/feedrelay/internal/feed"
	"github.com/hitoshi/feedrelay/internal/handler"
	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/middleware"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/packager"
	"github.com/hitoshi/feedrelay/internal/repository"
	"github.com/hitoshi/feedrelay/internal/security"
	"github.com/hitoshi/feedrelay/internal/snapshot"
	"github.com/hitoshi/feedrelay/internal/worker/cleanup"
	"github.com/hitoshi/feedrelay/internal/worker/relay"
)

const (
	// mappingLoadTimeout は定義読み込み時の購読検索に許す時間。
	mappingLoadTimeout = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
)

// worker は中継ワーカーを構成する部品を保持する。
type worker struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	cleanup   *cleanup.CleanupJob
	transport *chat.WebhookTransport
	registry  *relay.Registry
	scheduler *relay.Scheduler
	limiter   *middleware.RateLimiter
	loader    relay.MappingLoader
	router    http.Handler
}

// newWorker は全依存関係をワイヤリングする。
// DATABASE_URLが設定されている場合のみ購読ストアと関連付けを有効にする。
func newWorker(cfg *config.Config, fsys afero.Fs, reg *prometheus.Registry, logger *slog.Logger) (*worker, error) {
	wk := &worker{cfg: cfg, logger: logger}

	// 1. 購読ストア（任意）
	var (
		subs   repository.SubscriptionRepository
		assocs repository.AssociationRepository
		finder config.SubscriptionFinder
		health handler.HealthChecker
		lister handler.SubscriptionLister
	)
	if cfg.HasDatabase() {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("database connection established")

		subRepo := repository.NewPostgresSubscriptionRepo(db)
		subs, finder, lister = subRepo, subRepo, subRepo
		assocs = repository.NewPostgresAssociationRepo(db)
		health = db
		wk.db = db

		wk.cleanup = cleanup.NewCleanupJob(db, logger)
		wk.cleanup.RetentionDays = cfg.ResultRetentionDays
	} else {
		logger.Info("DATABASE_URL未設定のため購読ソースと関連付けは無効です")
	}

	// 2. 取得系（SSRF対策済みクライアント）
	downloader := security.NewDownloader(security.NewSSRFGuard(), cfg.FetchTimeout, cfg.FetchMaxSize)

	// 3. 宛先トランスポート（運用者が指定した宛先のため通常のクライアントを使う）
	wk.transport = chat.NewWebhookTransport(
		cfg.WebhookURL,
		&http.Client{Timeout: cfg.FetchTimeout},
		cfg.WebhookRatePerMin,
		logger,
	)

	// 4. 集約表示
	sites := snapshot.NewBuilder(
		fsys, downloader, packager.New(fsys, cfg.DataDir),
		security.NewDescriptionSanitizer(), logger,
	)

	// 5. レジストリとスケジューラ
	collector := metrics.NewCollector(reg)
	wk.registry = relay.NewRegistry(&relay.Deps{
		Transport:     wk.transport,
		Feeds:         feed.NewHTTPSupplier(downloader),
		Subscriptions: subs,
		Associations:  assocs,
		Sites:         sites,
		FS:            fsys,
		DataDir:       cfg.DataDir,
		Metrics:       collector,
		Logger:        logger,
	})
	wk.scheduler = relay.NewScheduler(wk.registry, wk.transport, collector, logger, cfg.MaxConcurrentMappings)

	wk.loader = func() ([]*model.MappingConfig, error) {
		ctx, cancel := context.WithTimeout(context.Background(), mappingLoadTimeout)
		defer cancel()
		return config.LoadMappings(ctx, fsys, cfg.MappingsFile, finder, logger)
	}

	// 6. 管理API
	wk.limiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), logger)
	wk.router = handler.NewRouter(&handler.RouterDeps{
		HealthChecker: health,
		Transport:     wk.transport,
		Gatherer:      reg,
		Republisher:   wk.scheduler,
		Registry:      wk.registry,
		Loader:        wk.loader,
		Subscriptions: lister,
		RateLimiter:   wk.limiter,
		Logger:        logger,
	})

	return wk, nil
}

// run はマッピング定義を読み込み、スケジューラと管理APIを起動する。
// 定義ファイルの読み込みに失敗した場合はマッピングなしで起動を続ける。
// ctxがキャンセルされると管理APIを停止し、全マッピングを破棄して戻る。
func (wk *worker) run(ctx context.Context) error {
	defer wk.close()

	// 定義ファイルを解析できなくても停止せず、POST /reload での再読み込みを待つ
	if _, err := wk.registry.Reload(wk.loader); err != nil {
		wk.logger.Warn("starting with no active mappings", slog.String("error", err.Error()))
	}

	server := &http.Server{
		Addr:         ":" + wk.cfg.AdminPort,
		Handler:      wk.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wk.logger.Info("admin server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		wk.scheduler.Start(gctx, relay.DefaultTickInterval)
		return nil
	})

	if wk.cleanup != nil {
		g.Go(func() error {
			wk.cleanup.Start(gctx, cleanup.DefaultInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		wk.logger.Info("shutting down worker...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin server shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// close は保持している資源を解放する。
func (wk *worker) close() {
	wk.registry.Unload()
	wk.transport.Close()
	wk.limiter.Stop()
	if wk.db != nil {
		if err := wk.db.Close(); err != nil {
			wk.logger.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}
}
