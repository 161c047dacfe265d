package feed

import (
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/hitoshi/feedrelay/internal/model"
)

const torrentType = "application/x-bittorrent"

// downloadSchemes はダウンロード参照として扱うスキーム。
var downloadSchemes = []string{"magnet:", "bc:", "bctp:", "dht:"}

// NormalizeFeed はフィード項目をContentRecordに正規化し、公開日時の昇順で返す。
// 公開日時が不明な項目は最も古いものとして扱い、同時刻は元の順序を保つ。
// ハッシュとダウンロード参照の両方を持たない項目は除外する。
func NormalizeFeed(doc *Document, descLinkPattern *regexp.Regexp) []model.ContentRecord {
	records := make([]model.ContentRecord, 0, len(doc.Items))
	for _, item := range doc.Items {
		rec, ok := NormalizeItem(item, doc.Atom, descLinkPattern)
		if !ok {
			continue
		}
		records = append(records, rec)
	}

	slices.SortStableFunc(records, func(a, b model.ContentRecord) int {
		return compareMillis(a.PublishMillis(), b.PublishMillis())
	})
	return records
}

// NormalizeItem は1項目の子ノードを走査してレコードを組み立てる。
func NormalizeItem(item *Item, atomDoc bool, descLinkPattern *regexp.Regexp) (model.ContentRecord, bool) {
	rec := model.NewContentRecord(item.Title)
	rec.PublishedAt = item.PublishedAt

	var descLink string

	for _, n := range item.Nodes {
		switch {
		case n.Is("enclosure"):
			if t, _ := n.Attr("type"); !strings.EqualFold(t, torrentType) {
				continue
			}
			if u, ok := n.Attr("url"); ok {
				rec.DownloadURL = strings.TrimSpace(u)
			}
			if l, ok := n.Attr("length"); ok {
				if size, ok := parseCount(l); ok {
					rec.Size = size
				}
			}

		case n.Is("link") || n.Is("guid"):
			classifyLink(&rec, n)

		case n.Is("content") && atomDoc:
			src, ok := n.Attr("src")
			if !ok {
				continue
			}
			t, _ := n.Attr("type")
			isDownload := strings.EqualFold(t, torrentType) || strings.Contains(strings.ToLower(src), ".torrent")
			if isDownload && isWellFormedURL(src) {
				rec.DownloadURL = src
			}

		case n.Is("description"):
			rec.Description = n.Value
			if descLinkPattern != nil {
				descLink = ExtractDescriptionLink(descLinkPattern, n.Value)
			}

		case n.IsFull("vuze:size"):
			if v, ok := parseCount(n.Value); ok {
				rec.Size = v
			}

		case n.IsFull("vuze:seeds") || n.IsFull("torrent:seeds"):
			if v, ok := parseCount(n.Value); ok {
				rec.Seeds = v
			}

		case n.IsFull("vuze:peers") || n.IsFull("torrent:peers"):
			if v, ok := parseCount(n.Value); ok {
				rec.Leechers = v
			}

		case n.IsFull("vuze:downloadurl"):
			rec.DownloadURL = strings.TrimSpace(n.Value)

		case n.IsFull("vuze:assethash"):
			rec.Hash = strings.TrimSpace(n.Value)

		case n.IsFull("torrent:infohash"):
			rec.Hash = model.HexToBase32(strings.TrimSpace(n.Value))

		case n.IsFull("media:thumbnail"):
			if u, ok := n.Attr("url"); ok {
				rec.ThumbnailURL = strings.TrimSpace(u)
			}
		}
	}

	// 説明文中のリンクがあれば優先し、元のダウンロード参照は詳細参照に降格する
	if descLink != "" {
		if rec.DetailsURL == "" && rec.DownloadURL != "" && descLink != rec.DownloadURL {
			rec.DetailsURL = rec.DownloadURL
		}
		rec.DownloadURL = descLink
	}

	if !rec.HasLocator() {
		return rec, false
	}
	return rec, true
}

// classifyLink はlink/guidの値をダウンロード参照か詳細参照に振り分ける。
func classifyLink(rec *model.ContentRecord, n *Node) {
	// Atomの <link type="application/x-bittorrent" href="..."> 形式
	if t, _ := n.Attr("type"); strings.EqualFold(t, torrentType) {
		if href, ok := n.Attr("href"); ok && isWellFormedURL(strings.TrimSpace(href)) {
			rec.DownloadURL = strings.TrimSpace(href)
			return
		}
	}

	value := strings.TrimSpace(n.Value)
	if !isWellFormedURL(value) {
		return
	}
	if IsDownloadLink(value) {
		rec.DownloadURL = value
	} else {
		rec.DetailsURL = value
	}
}

// IsDownloadLink はパッケージファイルの拡張子、またはマグネット系のスキームを持つかを判定する。
func IsDownloadLink(link string) bool {
	lc := strings.ToLower(link)
	if strings.HasSuffix(lc, ".torrent") {
		return true
	}
	for _, scheme := range downloadSchemes {
		if strings.HasPrefix(lc, scheme) {
			return true
		}
	}
	return false
}

// ExtractDescriptionLink は説明文からパターンに一致するリンクを抽出する。
// パターンの1番目のグループ（なければ全体）をエンティティ復号とURLデコードしてから評価する。
// マグネット形式の一致をパッケージファイルへの一致より優先し、同種では最後の一致を使う。
func ExtractDescriptionLink(pattern *regexp.Regexp, description string) string {
	var magnetLink, fileLink string

	for _, m := range pattern.FindAllStringSubmatch(description, -1) {
		raw := m[0]
		if len(m) > 1 {
			raw = m[1]
		}

		link := html.UnescapeString(raw)
		if decoded, err := url.QueryUnescape(link); err == nil {
			link = decoded
		}
		if !isWellFormedURL(link) {
			continue
		}

		lc := strings.ToLower(link)
		switch {
		case strings.HasPrefix(lc, "magnet:"):
			magnetLink = link
		case strings.Contains(lc, ".torrent"):
			fileLink = link
		}
	}

	if magnetLink != "" {
		return magnetLink
	}
	return fileLink
}

// isWellFormedURL はスキームを持つ絶対URLかを判定する。http(s)はホストも必須。
func isWellFormedURL(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.Host != ""
	}
	return len(s) > len(u.Scheme)+1
}

func parseCount(s string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func compareMillis(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
