// Package relay はマッピングの更新処理をスケジューリングする。
// マッピングの状態遷移、マッピング集合の再読み込み、定期ティックを含む。
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/hitoshi/feedrelay/internal/chat"
	"github.com/hitoshi/feedrelay/internal/encoder"
	"github.com/hitoshi/feedrelay/internal/feed"
	"github.com/hitoshi/feedrelay/internal/history"
	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/repository"
	"github.com/hitoshi/feedrelay/internal/snapshot"
)

// MaxPostsPerRefresh は1回の更新で投稿するメッセージの上限。
// 上限に達した場合は残りを次のティックで処理する。
const MaxPostsPerRefresh = 10

// State はマッピングの更新状態。
type State int

const (
	StateIdle State = iota
	StateUpdating
)

// String は状態名を返す。
func (s State) String() string {
	if s == StateUpdating {
		return "updating"
	}
	return "idle"
}

// SiteBuilder は集約表示のスナップショットを構築する。snapshot.Builderが実装する。
type SiteBuilder interface {
	Absorb(ctx context.Context, store *history.Store, id string, rec *model.ContentRecord) error
	Rebuild(ctx context.Context, store *history.Store, opts snapshot.Options, dest snapshot.Announcer) (*snapshot.Result, error)
}

// Deps はマッピングが共有する依存関係。
// Subscriptions と Associations は購読ストアが構成されていない場合nilでよい。
type Deps struct {
	Transport     chat.Transport
	Feeds         feed.DocumentSupplier
	Subscriptions repository.SubscriptionRepository
	Associations  repository.AssociationRepository
	Sites         SiteBuilder
	FS            afero.Fs
	DataDir       string
	Metrics       metrics.MetricsCollector
	Logger        *slog.Logger
}

// Tick は1回のティックでマッピングに渡される情報。
type Tick struct {
	Minute int
	Force  bool
	// Logger はティックIDを含むロガー。nilの場合はマッピングのロガーを使う。
	Logger *slog.Logger
}

// Status は管理APIに返すマッピングの状態。
type Status struct {
	Name             string     `json:"name"`
	Source           string     `json:"source"`
	Chat             string     `json:"chat"`
	Presentation     string     `json:"presentation"`
	RefreshMinutes   int        `json:"refresh_minutes"`
	State            string     `json:"state"`
	RetryOutstanding bool       `json:"retry_outstanding"`
	Destroyed        bool       `json:"destroyed"`
	LastRun          *time.Time `json:"last_run,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

// Mapping は1つの入力元と宛先チャンネルのバインディング。
// 同じマッピングの更新は同時に1つしか実行されない。
type Mapping struct {
	cfg    *model.MappingConfig
	deps   *Deps
	binder *chat.Binder
	name   string

	mu        sync.Mutex
	state     State
	retry     bool
	destroyed bool
	lastRun   time.Time
	lastErr   string

	// 以下は更新中のゴルーチンだけが触る
	store         *history.Store
	seenEvictions int
}

// NewMapping は設定からマッピングを生成する。
// 最初のティックで必ず実行されるよう、再試行フラグを立てた状態で始まる。
func NewMapping(cfg *model.MappingConfig, deps *Deps) *Mapping {
	return &Mapping{
		cfg:    cfg,
		deps:   deps,
		binder: chat.NewBinder(deps.Transport, cfg, deps.Logger),
		name:   cfg.OverallName(),
		retry:  true,
	}
}

// Config はマッピングの設定を返す。
func (m *Mapping) Config() *model.MappingConfig {
	return m.cfg
}

// Name はマッピングの表示名を返す。
func (m *Mapping) Name() string {
	return m.name
}

// ShouldRun はこの分に更新を実行すべきかを返す。
func (m *Mapping) ShouldRun(minute int, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldRunLocked(minute, force)
}

func (m *Mapping) shouldRunLocked(minute int, force bool) bool {
	if force || m.retry {
		return true
	}
	refresh := m.cfg.RefreshMinutes
	if refresh <= 0 {
		refresh = 1
	}
	return minute%refresh == 0
}

// RetryOutstanding は次のティックで無条件に再実行されるかを返す。
func (m *Mapping) RetryOutstanding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry
}

// Status は現在の状態を返す。
func (m *Mapping) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Name:             m.name,
		Source:           m.cfg.SourceName(),
		Chat:             m.cfg.ChatName(),
		Presentation:     string(m.cfg.Presentation),
		RefreshMinutes:   m.cfg.RefreshMinutes,
		State:            m.state.String(),
		RetryOutstanding: m.retry,
		Destroyed:        m.destroyed,
		LastError:        m.lastErr,
	}
	if !m.lastRun.IsZero() {
		t := m.lastRun
		st.LastRun = &t
	}
	return st
}

// Destroy はマッピングを破棄する。実行中の更新は次の確認地点で中断される。
func (m *Mapping) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.mu.Unlock()

	m.binder.Release()
}

func (m *Mapping) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// begin はidleからupdatingへ遷移する。遷移できない場合は偽を返す。
func (m *Mapping) begin(minute int, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed || m.state == StateUpdating {
		return false
	}
	if !m.shouldRunLocked(minute, force) {
		return false
	}
	m.state = StateUpdating
	m.retry = false
	return true
}

// finish はupdatingからidleへ戻す。
func (m *Mapping) finish(retry bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateIdle
	m.lastRun = time.Now()
	if retry {
		m.retry = true
	}
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
}

// Update は必要であれば1回の更新サイクルを実行する。実行した場合は真を返す。
// 失敗は記録され、次のティックでの再試行に変換される。呼び出し元にエラーは返さない。
func (m *Mapping) Update(ctx context.Context, tick Tick) bool {
	if !m.begin(tick.Minute, tick.Force) {
		return false
	}

	logger := tick.Logger
	if logger == nil {
		logger = m.deps.Logger
	}
	logger = logger.With(slog.String("mapping", m.name))

	start := time.Now()
	m.deps.Metrics.RecordMappingRun(m.name)

	var (
		pending bool
		err     error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("マッピングの更新中にpanicが発生しました", slog.Any("panic", r))
				pending = true
			}
		}()
		pending, err = m.run(ctx, tick.Force, logger)
	}()
	m.persist(logger)

	switch {
	case errors.Is(err, model.ErrMappingDestroyed):
		logger.Info("破棄済みのマッピングの更新を中断しました")
		err = nil
		pending = false
	case err != nil:
		pending = true
		category := errorCategory(err)
		level := slog.LevelError
		if errors.Is(err, model.ErrDestinationUnavailable) {
			level = slog.LevelInfo
		}
		logger.Log(ctx, level, "マッピングの更新に失敗しました。次のティックで再試行します",
			slog.String("category", category),
			slog.String("error", err.Error()),
		)
	}
	if pending {
		m.deps.Metrics.RecordMappingRetry(m.name, retryCategory(err))
	}

	m.deps.Metrics.RecordUpdateLatency(time.Since(start))
	m.finish(pending, err)
	return true
}

// errorCategory はエラーの分類名を返す。
func errorCategory(err error) string {
	if errors.Is(err, model.ErrDestinationUnavailable) {
		return model.CategoryDestination
	}
	var re *model.RelayError
	if errors.As(err, &re) {
		return re.Category
	}
	return model.CategoryFetch
}

func retryCategory(err error) string {
	if err == nil {
		return "pending"
	}
	return errorCategory(err)
}

// run は宛先の解決から履歴の更新までを実行する。
// 戻り値のpendingが真の場合、処理しきれなかった項目が残っている。
func (m *Mapping) run(ctx context.Context, force bool, logger *slog.Logger) (pending bool, err error) {
	if m.isDestroyed() {
		return false, model.ErrMappingDestroyed
	}

	handle, err := m.binder.Resolve(ctx)
	if err != nil {
		if errors.Is(err, model.ErrDestinationUnavailable) {
			return false, err
		}
		return false, model.NewDestinationError("resolve destination", err)
	}

	if m.store == nil {
		m.store = history.Open(m.deps.FS, m.deps.DataDir, history.KeyFor(m.cfg.SourceName(), m.cfg.ChatName()), logger)
		m.seenEvictions = m.store.Evictions()
	}

	c := &cycle{
		mapping: m,
		handle:  handle,
		store:   m.store,
		logger:  logger,
		force:   force,
		doPost:  !m.cfg.NoPost,
	}

	if m.cfg.Kind == model.SourceKindFeed {
		return c.runFeed(ctx)
	}
	return c.runSubscription(ctx)
}

// persist は変更があった場合に履歴を保存する。失敗はログ出力のみ。
func (m *Mapping) persist(logger *slog.Logger) {
	if m.store == nil {
		return
	}
	if ev := m.store.Evictions(); ev > m.seenEvictions {
		m.deps.Metrics.RecordHistoryEvictions(ev - m.seenEvictions)
		m.seenEvictions = ev
	}
	if !m.store.Dirty() {
		return
	}
	if err := m.store.Save(); err != nil {
		logger.Error("履歴の保存に失敗しました",
			slog.String("category", model.CategoryPersistence),
			slog.String("file", m.store.FileName()),
			slog.String("error", err.Error()),
		)
	}
}

// cycle は1回の更新サイクルの作業状態。
type cycle struct {
	mapping *Mapping
	handle  chat.Handle
	store   *history.Store
	logger  *slog.Logger
	force   bool
	doPost  bool

	posted    int
	absorbed  int
	siteDirty bool
	hashes    []string
}

func (c *cycle) cfg() *model.MappingConfig {
	return c.mapping.cfg
}

// filtered はシード数、リーチャー数、日付の条件で除外するかを判定する。
func (c *cycle) filtered(rec *model.ContentRecord) bool {
	cfg := c.cfg()
	if cfg.MinSeeds > 0 && rec.Seeds < int64(cfg.MinSeeds) {
		return true
	}
	if cfg.MinLeechers > 0 && rec.Leechers < int64(cfg.MinLeechers) {
		return true
	}
	// 集約表示では古い項目の取り込みを許可する
	if cfg.IgnoreDates || !cfg.Presentation.IsLink() {
		return false
	}
	latest := c.store.LatestPublish()
	return !rec.PublishedAt.IsZero() && !latest.IsZero() && rec.PublishedAt.Before(latest)
}

// send は記述子を投稿する。投稿抑止時は何もしない。
func (c *cycle) send(ctx context.Context, message string) error {
	if !c.doPost {
		return nil
	}
	if err := c.handle.SendMessage(ctx, message); err != nil {
		return model.NewDestinationError("send message", err)
	}
	c.mapping.deps.Metrics.RecordMessagesSent(1)
	return nil
}

func (c *cycle) sendRaw(ctx context.Context, message []byte) error {
	if !c.doPost {
		return nil
	}
	if err := c.handle.SendRawMessage(ctx, message); err != nil {
		return model.NewDestinationError("send raw message", err)
	}
	c.mapping.deps.Metrics.RecordMessagesSent(1)
	return nil
}

// capped は投稿数を数え、上限に達したかを返す。投稿抑止時は上限を適用しない。
func (c *cycle) capped() bool {
	c.posted++
	return c.doPost && c.posted >= MaxPostsPerRefresh
}

// absorb は集約表示の項目を取り込む。アセットの失敗はその項目だけを見送る。
func (c *cycle) absorb(ctx context.Context, id string, rec *model.ContentRecord) (ok bool, err error) {
	if err := c.mapping.deps.Sites.Absorb(ctx, c.store, id, rec); err != nil {
		var re *model.RelayError
		if errors.As(err, &re) && re.Category == model.CategoryAsset {
			c.logger.Warn("項目のアセットを取得できないため次のサイクルで再試行します",
				slog.String("title", rec.Title),
				slog.String("error", err.Error()),
			)
			return false, nil
		}
		return false, err
	}
	c.absorbed++
	c.siteDirty = true
	return true, nil
}

// runFeed はRSS/Atomフィードを処理する。
func (c *cycle) runFeed(ctx context.Context) (bool, error) {
	cfg := c.cfg()
	doc, err := c.mapping.deps.Feeds.Fetch(ctx, cfg.Source)
	if err != nil {
		return false, model.NewFetchError("fetch feed", err)
	}

	pending := false
	records := feed.NormalizeFeed(doc, cfg.DescLinkPattern)

	for i := range records {
		if c.mapping.isDestroyed() {
			return false, model.ErrMappingDestroyed
		}
		rec := &records[i]
		if c.filtered(rec) {
			continue
		}

		short := *rec
		short.Title = encoder.ShortTitle(rec.Title)
		head, full := encoder.Descriptor(cfg.Network, &short)
		id := history.CollapseWebseeds(head)
		if c.store.HasPublished(id) {
			continue
		}

		if cfg.Presentation.IsLink() {
			if err := c.send(ctx, full); err != nil {
				return pending, err
			}
			c.store.SetPublished(id, rec.PublishedAt)
			c.hashes = append(c.hashes, rec.Hash)
			if c.capped() {
				pending = true
				break
			}
			continue
		}

		ok, err := c.absorb(ctx, id, rec)
		if err != nil {
			return pending, err
		}
		if !ok {
			pending = true
		}
	}

	name := cfg.SiteName
	if name == "" {
		name = doc.Title
	}
	if name == "" {
		name = cfg.Source
	}
	return pending, c.complete(ctx, name)
}

// runSubscription はローカル購読の結果を処理する。
func (c *cycle) runSubscription(ctx context.Context) (bool, error) {
	cfg := c.cfg()
	subs := c.mapping.deps.Subscriptions
	if subs == nil {
		return false, model.NewFetchError("subscription", model.ErrSubscriptionsUnsupported)
	}

	sub, err := subs.FindByName(ctx, cfg.Source)
	if err != nil {
		return false, model.NewFetchError("find subscription", err)
	}
	if sub == nil || !sub.Subscribed {
		c.logger.Warn("購読が見つかりません",
			slog.String("subscription", cfg.Source),
		)
		return false, nil
	}

	results, err := subs.ListResults(ctx, sub.ID)
	if err != nil {
		return false, model.NewFetchError("list results", err)
	}

	raw := cfg.Presentation == model.PresentationLinkRaw
	records := feed.NormalizeSubscription(results, feed.SubscriptionFilter{
		LinkType:      cfg.LinkType,
		PublishUnread: cfg.PublishUnread,
		RawLink:       raw,
	}, c.store)

	pending := false
	for i := range records {
		if c.mapping.isDestroyed() {
			return false, model.ErrMappingDestroyed
		}
		rec := &records[i]
		if c.filtered(rec) {
			continue
		}
		rec.Title = encoder.ShortTitle(rec.Title)

		if !cfg.Presentation.IsLink() {
			rec.Description = ""
			rec.ThumbnailURL = ""
			ok, err := c.absorb(ctx, rec.ID, rec)
			if err != nil {
				return pending, err
			}
			if !ok {
				pending = true
			}
			continue
		}

		if raw {
			link := rec.DownloadURL
			if link == "" {
				link = rec.DetailsURL
			}
			if link == "" {
				continue
			}
			message, err := encoder.RawLink(link)
			if err != nil {
				c.logger.Warn("生リンクを構築できません",
					slog.String("link", link),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := c.sendRaw(ctx, message); err != nil {
				return pending, err
			}
		} else {
			desc := *rec
			if cfg.LinkType == model.LinkTypeDetailsURL || cfg.LinkType == model.LinkTypeDownloadURL {
				desc.Hash = ""
			}
			_, full := encoder.Descriptor(cfg.Network, &desc)
			if err := c.send(ctx, full); err != nil {
				return pending, err
			}
		}

		c.store.SetPublished(rec.ID, rec.PublishedAt)
		if cfg.PublishUnread || raw {
			if err := subs.MarkResultRead(ctx, rec.SubscriptionID, rec.ID); err != nil {
				return pending, model.NewPersistenceError("mark result read", err)
			}
		}
		c.hashes = append(c.hashes, rec.Hash)
		if c.capped() {
			pending = true
			break
		}
	}

	name := cfg.SiteName
	if name == "" {
		name = sub.Name
	}
	return pending, c.complete(ctx, name)
}

// complete はスナップショットの再構築と関連付けの伝播を行う。
func (c *cycle) complete(ctx context.Context, siteName string) error {
	cfg := c.cfg()
	deps := c.mapping.deps

	if cfg.Presentation.IsLink() {
		if c.doPost {
			c.logger.Info("新しい結果を投稿しました", slog.Int("posted", c.posted))
		} else {
			c.logger.Info("新しい結果の投稿を省略しました", slog.Int("skipped", c.posted))
		}
	} else {
		deps.Metrics.RecordItemsAbsorbed(c.absorbed)
		if c.siteDirty || c.force {
			result, err := deps.Sites.Rebuild(ctx, c.store, snapshot.Options{
				Name:        siteName,
				Network:     cfg.Network,
				RetainItems: cfg.RetainItems,
				RetainSites: cfg.RetainSites,
				NoPost:      cfg.NoPost,
			}, c.handle)
			if err != nil {
				return err
			}
			deps.Metrics.RecordSnapshotBuilt()
			deps.Metrics.RecordSitesPruned(result.PrunedSites)
			if !cfg.NoPost {
				deps.Metrics.RecordMessagesSent(1)
			}
			c.hashes = append(c.hashes, result.Hashes...)
		}
	}

	return c.propagate(ctx)
}

// propagate は発見順にハッシュを関連付け先の購読へ登録する。
// 集約表示では再構築結果のハッシュだけを使い、最新の項目が最後に登録される。
func (c *cycle) propagate(ctx context.Context) error {
	cfg := c.cfg()
	if len(cfg.Associations) == 0 || len(c.hashes) == 0 {
		return nil
	}
	deps := c.mapping.deps
	if deps.Subscriptions == nil || deps.Associations == nil {
		return model.NewPersistenceError("associations", model.ErrSubscriptionsUnsupported)
	}

	targets := make([]*model.Subscription, 0, len(cfg.Associations))
	for _, name := range cfg.Associations {
		sub, err := deps.Subscriptions.FindByName(ctx, name)
		if err != nil {
			return model.NewPersistenceError("find association", err)
		}
		if sub == nil {
			c.logger.Warn("関連付け先の購読が見つかりません", slog.String("subscription", name))
			continue
		}
		targets = append(targets, sub)
	}

	for _, h := range c.hashes {
		hash := model.DecodeHash(h)
		if hash == nil {
			continue
		}
		for _, sub := range targets {
			exists, err := deps.Associations.Exists(ctx, sub.ID, hash)
			if err != nil {
				return model.NewPersistenceError("check association", err)
			}
			if exists {
				continue
			}
			if err := deps.Associations.Add(ctx, sub.ID, hash); err != nil {
				return model.NewPersistenceError("add association", err)
			}
			c.logger.Info("項目の関連付けを追加しました",
				slog.String("hash", model.Base32.EncodeToString(hash)),
				slog.String("subscription", sub.Name),
			)
		}
	}
	return nil
}
