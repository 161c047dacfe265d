package feed

import (
	"slices"
	"strings"

	"github.com/hitoshi/feedrelay/internal/model"
)

// PublishedLookup は購読結果IDが既に処理済みかを返す。history.Storeが実装する。
type PublishedLookup interface {
	HasPublished(id string) bool
}

// SubscriptionFilter は購読結果の正規化方針。
type SubscriptionFilter struct {
	LinkType model.LinkType
	// PublishUnread が真の場合、履歴は参照せず既読フラグのみで除外する。
	PublishUnread bool
	// RawLink が真の場合、処理済みでも未読の結果は再処理する。
	RawLink bool
}

// NormalizeSubscription は購読結果を絞り込み、公開日時の昇順（同時刻は結果IDの昇順）で返す。
// リンク種別の方針で必要な参照を持たない結果は除外する。
func NormalizeSubscription(results []model.SubscriptionResult, filter SubscriptionFilter, published PublishedLookup) []model.ContentRecord {
	records := make([]model.ContentRecord, 0, len(results))

	for i := range results {
		r := &results[i]

		if filter.PublishUnread {
			if r.Read {
				continue
			}
		} else if published != nil && published.HasPublished(r.ID) {
			if !filter.RawLink || r.Read {
				continue
			}
		}

		rec, ok := normalizeResult(r, filter.LinkType)
		if !ok {
			continue
		}
		records = append(records, rec)
	}

	slices.SortFunc(records, func(a, b model.ContentRecord) int {
		if c := compareMillis(a.PublishMillis(), b.PublishMillis()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return records
}

func normalizeResult(r *model.SubscriptionResult, linkType model.LinkType) (model.ContentRecord, bool) {
	rec := model.NewContentRecord(r.Name)
	rec.ID = r.ID
	rec.SubscriptionID = r.SubscriptionID
	rec.Read = r.Read
	rec.Size = r.Size
	rec.Seeds = r.Seeds
	rec.Leechers = r.Leechers

	if r.PublishedAt != nil {
		rec.PublishedAt = *r.PublishedAt
	}
	if len(r.Hash) > 0 {
		rec.Hash = model.Base32.EncodeToString(r.Hash)
	}

	rec.DownloadURL = r.TorrentLink
	if rec.DownloadURL == "" {
		rec.DownloadURL = r.DownloadLink
	}
	rec.DetailsURL = r.DetailsLink

	switch linkType {
	case model.LinkTypeDetailsURL:
		if rec.DetailsURL == "" {
			return rec, false
		}
		rec.DownloadURL = ""
	case model.LinkTypeDownloadURL:
		if rec.DownloadURL == "" {
			return rec, false
		}
	default:
		if !rec.HasLocator() {
			return rec, false
		}
	}
	return rec, true
}
