package model

import "time"

// Subscription はローカルで管理される購読。
type Subscription struct {
	ID         string
	Name       string
	Subscribed bool
	CreatedAt  time.Time
}

// SubscriptionResult は購読が収集した1件の結果。
// スコアリング済みで、既読フラグを持つ。
type SubscriptionResult struct {
	ID             string
	SubscriptionID string
	Name           string
	Hash           []byte
	Size           int64
	Seeds          int64
	Leechers       int64
	PublishedAt    *time.Time
	TorrentLink    string
	DownloadLink   string
	DetailsLink    string
	Read           bool
}
