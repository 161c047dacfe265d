package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresAssociationRepo はPostgreSQLを使用した関連付けリポジトリ。
type PostgresAssociationRepo struct {
	db *sql.DB
}

// NewPostgresAssociationRepo はPostgresAssociationRepoを生成する。
func NewPostgresAssociationRepo(db *sql.DB) *PostgresAssociationRepo {
	return &PostgresAssociationRepo{db: db}
}

// Exists は関連付けが登録済みかを返す。
func (r *PostgresAssociationRepo) Exists(ctx context.Context, subscriptionID string, hash []byte) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscription_associations WHERE subscription_id = $1 AND hash = $2)`,
		subscriptionID, hash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("関連付けの確認に失敗しました: %w", err)
	}
	return exists, nil
}

// Add は関連付けを登録する。ON CONFLICT DO NOTHINGで冪等に動作する。
func (r *PostgresAssociationRepo) Add(ctx context.Context, subscriptionID string, hash []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscription_associations (subscription_id, hash)
		 VALUES ($1, $2)
		 ON CONFLICT (subscription_id, hash) DO NOTHING`,
		subscriptionID, hash,
	)
	if err != nil {
		return fmt.Errorf("関連付けの登録に失敗しました: %w", err)
	}
	return nil
}
