package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/feedrelay/internal/model"
)

// Binder は1つのマッピングの宛先チャンネルを解決し、キャッシュする。
type Binder struct {
	transport Transport
	network   model.Network
	key       string
	role      model.Role
	nick      string
	logger    *slog.Logger

	mu     sync.Mutex
	handle Handle
}

// NewBinder はマッピング設定の宛先でBinderを生成する。
func NewBinder(transport Transport, cfg *model.MappingConfig, logger *slog.Logger) *Binder {
	return &Binder{
		transport: transport,
		network:   cfg.Network,
		key:       cfg.Key,
		role:      cfg.Role,
		nick:      cfg.Nick,
		logger:    logger,
	}
}

// Resolve はキャッシュ済みのチャンネルを返す。未バインドまたは破棄済みの場合は解決し直す。
// 役割の判定ができない場合はmodel.ErrDestinationUnavailableを返す。
func (b *Binder) Resolve(ctx context.Context) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle != nil && !b.handle.IsDestroyed() {
		return b.handle, nil
	}
	b.handle = nil

	h, err := b.bind(ctx)
	if err != nil {
		return nil, err
	}

	h.SetFavourite(true)
	h.SetSaveMessages(true)
	if b.nick != "" {
		h.SetSharedNickname(false)
		h.SetInstanceNickname(b.nick)
	}

	b.logger.Info("宛先チャンネルを初期化しました",
		slog.String("network", string(b.network)),
		slog.String("key", b.key),
		slog.String("role", string(b.role)),
		slog.String("url", h.URL()),
	)

	b.handle = h
	return h, nil
}

func (b *Binder) bind(ctx context.Context) (Handle, error) {
	if b.role != model.RoleNormal {
		for _, h := range b.transport.Handles() {
			if !h.IsAvailable() {
				b.logger.Info("役割の解決前にバインド完了を待機します",
					slog.String("pending", h.NetAndKey()),
					slog.String("key", b.key),
				)
				return nil, model.ErrDestinationUnavailable
			}
			// 既存のチャンネルは共有せず、自分用の参照を取得する
			if b.role == model.RoleAdmin && h.IsManagedFor(b.network, b.key) {
				return b.own(h.ManagedSibling(ctx))
			}
			if b.role == model.RoleReadOnly && h.IsReadOnlyFor(b.network, b.key) {
				return b.own(h.ReadOnlySibling(ctx))
			}
		}
	}

	h, err := b.transport.Bind(ctx, b.network, b.key)
	if err != nil {
		return nil, model.NewDestinationError("bind", err)
	}
	if h == nil {
		return nil, model.ErrDestinationUnavailable
	}

	var sibling Handle
	switch b.role {
	case model.RoleAdmin:
		sibling, err = h.ManagedSibling(ctx)
	case model.RoleReadOnly:
		sibling, err = h.ReadOnlySibling(ctx)
	default:
		return h, nil
	}
	h.Destroy()
	if err != nil {
		return nil, model.NewDestinationError("derive sibling", fmt.Errorf("%s: %w", b.role, err))
	}
	return sibling, nil
}

func (b *Binder) own(h Handle, err error) (Handle, error) {
	if err != nil {
		return nil, model.NewDestinationError("derive sibling", fmt.Errorf("%s: %w", b.role, err))
	}
	return h, nil
}

// Current はキャッシュ済みのチャンネルを返す。未解決の場合はnil。
func (b *Binder) Current() Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle
}

// Release はバインド済みのチャンネルを破棄する。
func (b *Binder) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle != nil {
		b.handle.Destroy()
		b.handle = nil
	}
}
