package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feedrelay/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// FindByName は指定名の購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByName(ctx context.Context, name string) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, subscribed, created_at
		 FROM subscriptions WHERE name = $1`,
		name,
	).Scan(&sub.ID, &sub.Name, &sub.Subscribed, &sub.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}

	return sub, nil
}

// ListSubscribed は購読中の購読一覧を名前順に返す。
func (r *PostgresSubscriptionRepo) ListSubscribed(ctx context.Context) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, subscribed, created_at
		 FROM subscriptions WHERE subscribed = true ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub := &model.Subscription{}
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.Subscribed, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("購読行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// ListResults は購読の結果一覧を返す。
func (r *PostgresSubscriptionRepo) ListResults(ctx context.Context, subscriptionID string) ([]model.SubscriptionResult, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, subscription_id, name, hash, size, seeds, leechers, published_at,
		        COALESCE(torrent_link, ''), COALESCE(download_link, ''), COALESCE(details_link, ''), is_read
		 FROM subscription_results WHERE subscription_id = $1`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読結果の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var results []model.SubscriptionResult
	for rows.Next() {
		var res model.SubscriptionResult
		var published sql.NullTime
		if err := rows.Scan(
			&res.ID, &res.SubscriptionID, &res.Name, &res.Hash, &res.Size, &res.Seeds, &res.Leechers, &published,
			&res.TorrentLink, &res.DownloadLink, &res.DetailsLink, &res.Read,
		); err != nil {
			return nil, fmt.Errorf("購読結果行の読み取りに失敗しました: %w", err)
		}
		if published.Valid {
			t := published.Time
			res.PublishedAt = &t
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読結果の走査に失敗しました: %w", err)
	}
	return results, nil
}

// MarkResultRead は結果を既読にする。
func (r *PostgresSubscriptionRepo) MarkResultRead(ctx context.Context, subscriptionID, resultID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscription_results SET is_read = true WHERE subscription_id = $1 AND id = $2`,
		subscriptionID, resultID,
	)
	if err != nil {
		return fmt.Errorf("既読の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("購読結果が見つかりません: %s", resultID)
	}
	return nil
}
