// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/feedrelay/internal/model"
)

// SubscriptionRepository は購読と購読結果の永続化インターフェース。
type SubscriptionRepository interface {
	// FindByName は指定名の購読を取得する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.Subscription, error)

	// ListSubscribed は購読中の購読一覧を名前順に返す。
	ListSubscribed(ctx context.Context) ([]*model.Subscription, error)

	// ListResults は購読の結果一覧を返す。順序は保証しない。
	ListResults(ctx context.Context, subscriptionID string) ([]model.SubscriptionResult, error)

	// MarkResultRead は結果を既読にする。既に既読の場合も成功する。
	MarkResultRead(ctx context.Context, subscriptionID, resultID string) error
}

// AssociationRepository は購読とコンテンツハッシュの関連付けの永続化インターフェース。
type AssociationRepository interface {
	// Exists は関連付けが登録済みかを返す。
	Exists(ctx context.Context, subscriptionID string, hash []byte) (bool, error)

	// Add は関連付けを登録する。登録済みの場合は何もしない。
	Add(ctx context.Context, subscriptionID string, hash []byte) error
}
