package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/feedrelay/internal/chat"
	"github.com/hitoshi/feedrelay/internal/metrics"
)

// DefaultTickInterval はティックの既定間隔。マッピングの更新間隔は分単位で数える。
const DefaultTickInterval = time.Minute

// Scheduler は一定間隔のティックでマッピングの更新を呼び出す。
// 並列数が1の場合、マッピングは登録順に逐次更新される。
type Scheduler struct {
	registry       *Registry
	transport      chat.Transport
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int

	tickMu sync.Mutex
	minute int

	force            atomic.Bool
	republishEnabled atomic.Bool
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合は1を使用する。
func NewScheduler(
	registry *Registry,
	transport chat.Transport,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	s := &Scheduler{
		registry:       registry,
		transport:      transport,
		metrics:        collector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
	s.republishEnabled.Store(true)
	return s
}

// RequestRepublish は次のティックで全マッピングを強制実行させる。
// 前回の要求がまだ消費されていない場合は偽を返す。
func (s *Scheduler) RequestRepublish() bool {
	if !s.republishEnabled.CompareAndSwap(true, false) {
		return false
	}
	s.force.Store(true)
	s.logger.Info("全マッピングの再公開を要求しました")
	return true
}

// RepublishEnabled は再公開の要求を受け付けられるかを返す。
func (s *Scheduler) RepublishEnabled() bool {
	return s.republishEnabled.Load()
}

// Minute はこれまでに実行したティック数を返す。
func (s *Scheduler) Minute() int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.minute
}

// Start はinterval間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("リレースケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("リレースケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は1回のティックを実行する。
// トランスポートが未初期化の場合は何も変更せずに終了し、偽を返す。
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	logger := s.logger.With(slog.String("tick_id", uuid.NewString()))

	if !s.transport.Initialised() {
		logger.Info("宛先トランスポートが未初期化のためティックをスキップします")
		s.metrics.RecordTickSkipped()
		return false
	}

	start := time.Now()
	s.metrics.RecordTick()
	s.minute++
	force := s.force.Load()

	mappings := s.registry.Snapshot()
	tick := Tick{Minute: s.minute, Force: force, Logger: logger}

	var g errgroup.Group
	g.SetLimit(s.maxConcurrency)
	var ran atomic.Int32
	for _, m := range mappings {
		g.Go(func() error {
			if m.Update(ctx, tick) {
				ran.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if force {
		s.force.Store(false)
	}
	s.republishEnabled.Store(true)

	logger.Debug("ティックが完了しました",
		slog.Int("minute", tick.Minute),
		slog.Int("mapping_count", len(mappings)),
		slog.Int("updated", int(ran.Load())),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return true
}
