// Package chat は宛先チャンネルのトランスポート契約と、マッピングごとの宛先解決を提供する。
package chat

import (
	"context"

	"github.com/hitoshi/feedrelay/internal/model"
)

// Handle はバインド済みの宛先チャンネル。
type Handle interface {
	NetAndKey() string
	// IsAvailable はバインドが完了し、役割の判定が可能かを返す。
	IsAvailable() bool
	IsDestroyed() bool
	IsManagedFor(network model.Network, key string) bool
	IsReadOnlyFor(network model.Network, key string) bool
	// ManagedSibling は同じキーの管理者用チャンネルを返す。
	ManagedSibling(ctx context.Context) (Handle, error)
	// ReadOnlySibling は同じキーの読み取り専用チャンネルを返す。
	ReadOnlySibling(ctx context.Context) (Handle, error)

	SetFavourite(favourite bool)
	SetSaveMessages(save bool)
	SetSharedNickname(shared bool)
	SetInstanceNickname(nick string)

	SendMessage(ctx context.Context, message string) error
	SendRawMessage(ctx context.Context, message []byte) error
	URL() string
	Destroy()
}

// Transport は宛先チャンネルへの接続を管理する。
type Transport interface {
	// Initialised はトランスポートが利用可能かを返す。偽の間はスケジューラがティックを丸ごと飛ばす。
	Initialised() bool
	// Bind はネットワークとキーでチャンネルにバインドする。
	// まだバインドできない場合はmodel.ErrDestinationUnavailableを返す。
	Bind(ctx context.Context, network model.Network, key string) (Handle, error)
	// Handles はバインド済みのチャンネルを返す。
	Handles() []Handle
}
