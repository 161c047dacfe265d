package relay

import (
	"log/slog"
	"sync"

	"github.com/hitoshi/feedrelay/internal/model"
)

// MappingLoader はマッピング定義を読み込む。
type MappingLoader func() ([]*model.MappingConfig, error)

// Registry は有効なマッピングの集合を管理する。
// ティックの取得、再読み込み、アンロードは同じロックで直列化される。
type Registry struct {
	deps *Deps

	mu       sync.Mutex
	mappings []*Mapping
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry(deps *Deps) *Registry {
	return &Registry{deps: deps}
}

// Reload は既存のマッピングをすべて破棄してから定義を読み込み直す。
// 読み込みに失敗した場合、マッピング集合は空のままになる。
func (r *Registry) Reload(load MappingLoader) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.destroyLocked()

	configs, err := load()
	if err != nil {
		r.deps.Logger.Error("マッピング定義の読み込みに失敗しました",
			slog.String("category", model.CategoryConfig),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	mappings := make([]*Mapping, 0, len(configs))
	for _, cfg := range configs {
		m := NewMapping(cfg, r.deps)
		r.deps.Logger.Info("マッピングを登録しました", slog.String("mapping", m.Name()))
		mappings = append(mappings, m)
	}
	r.mappings = mappings

	r.deps.Logger.Info("マッピング定義を読み込みました", slog.Int("count", len(mappings)))
	return len(mappings), nil
}

// Unload はすべてのマッピングを破棄する。
func (r *Registry) Unload() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.destroyLocked()
}

func (r *Registry) destroyLocked() {
	for _, m := range r.mappings {
		m.Destroy()
	}
	r.mappings = nil
}

// Snapshot は現在のマッピング一覧のコピーを返す。
func (r *Registry) Snapshot() []*Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Mapping, len(r.mappings))
	copy(out, r.mappings)
	return out
}

// Statuses は全マッピングの状態を返す。
func (r *Registry) Statuses() []Status {
	mappings := r.Snapshot()
	statuses := make([]Status, 0, len(mappings))
	for _, m := range mappings {
		statuses = append(statuses, m.Status())
	}
	return statuses
}
