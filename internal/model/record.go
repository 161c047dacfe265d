// Package model はドメインモデルを定義する。
package model

import "time"

// 未知の数値を表す値。サイズ、シード数、リーチャー数に使用する。
const Unknown int64 = -1

// ContentRecord はフィード項目または購読結果から抽出した正規化済みレコード。
// 更新サイクルごとに生成され、永続化されるのはフィンガープリントのみ。
type ContentRecord struct {
	// ID は種別ごとの識別子。購読結果では結果ID、フィードでは空。
	ID string
	// SubscriptionID は購読結果の所属購読ID。フィードでは空。
	SubscriptionID string
	// Read は購読結果の既読フラグ。
	Read bool

	Title        string
	Hash         string // base32またはhex。空は未知
	DownloadURL  string
	DetailsURL   string
	ThumbnailURL string
	Description  string

	Size     int64
	Seeds    int64
	Leechers int64

	// PublishedAt はゼロ値の場合、公開日時不明を表す。
	PublishedAt time.Time
}

// NewContentRecord は数値フィールドを未知で初期化したレコードを返す。
func NewContentRecord(title string) ContentRecord {
	return ContentRecord{
		Title:    title,
		Size:     Unknown,
		Seeds:    Unknown,
		Leechers: Unknown,
	}
}

// PublishMillis は公開日時をUNIXミリ秒で返す。不明の場合は0。
func (r *ContentRecord) PublishMillis() int64 {
	if r.PublishedAt.IsZero() {
		return 0
	}
	return r.PublishedAt.UnixMilli()
}

// HasLocator はハッシュかダウンロード参照のどちらかを持つかを返す。
func (r *ContentRecord) HasLocator() bool {
	return r.Hash != "" || r.DownloadURL != ""
}

// TimeFromMillis はUNIXミリ秒をtime.Timeに変換する。0はゼロ値になる。
func TimeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
