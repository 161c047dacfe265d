// Package encoder はコンテンツレコードを上限付き長さのマグネット形式記述子に変換する。
// 全ての関数は純粋関数で、I/Oを伴わない。
package encoder

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hitoshi/feedrelay/internal/model"
)

const (
	// MaxMessageSize は記述子全体のバイト数上限。
	MaxMessageSize = 500
	// maxDetailsLen はエンコード後の詳細参照の上限。超える場合は省略する。
	maxDetailsLen = 140

	minTitleLen       = 80
	maxTitleLen       = 180
	truncationPenalty = 3
	ellipsis          = "..."

	// TailMin は表示名プレースホルダ。記述子は必ずこれで終わる。
	TailMin = "[[$dn]]"

	magnetPrefix = "magnet:"
)

// dropOrder は上限超過時にパラメータを削除する順序。
var dropOrder = []string{"_c", "_d", "_l", "_s", "ws", "fl", "tr", "xl", "dn"}

// Encode は値をクエリ文字列用にパーセントエンコードする。
func Encode(s string) string {
	return url.QueryEscape(s)
}

// Decode はパーセントエンコードを復号する。失敗した場合は入力をそのまま返す。
func Decode(s string) string {
	d, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return d
}

// IsMagnet はマグネット形式のURIかを返す。
func IsMagnet(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), magnetPrefix)
}

// EncodeTitle はタイトルをエンコードし、計算された最大長に収まるよう末尾から1文字ずつ削る。
// 最大長は参照のエンコード長から導出し、[80,180]に制限する。
// 初回の削除時に省略記号分の余裕を確保し、切り詰めた場合のみ末尾に省略記号を付ける。
func EncodeTitle(title, downloadURL, detailsURL string) string {
	baggage := 0
	if downloadURL != "" {
		baggage += len(Encode(downloadURL))
	}
	if detailsURL != "" {
		baggage += len(Encode(detailsURL))
	}

	limit := 240 - (3*baggage)/5
	limit = min(max(limit, minTitleLen), maxTitleLen)

	runes := []rune(title)
	truncated := false
	var str string
	for {
		str = Encode(string(runes))
		if len(str) <= limit || len(runes) == 0 {
			break
		}
		runes = runes[:len(runes)-1]
		if !truncated {
			truncated = true
			limit -= truncationPenalty
		}
	}

	if truncated {
		str += ellipsis
	}
	return str
}

// BuildHead は記述子の先頭部分を構築する。
// ダウンロード参照が既にマグネット形式の場合は、ヒントを失わないよう既存パラメータから
// 再構築する。ループバックを指すflパラメータは除去し、trパラメータはチャンネルの
// ネットワーク分類に一致するもの1つ（なければ先頭）に絞る。
// それ以外はハッシュ、タイトル、ダウンロード参照から合成する。
func BuildHead(network model.Network, downloadURL, detailsURL, hash, title string) string {
	if IsMagnet(downloadURL) {
		return rebuildMagnet(network, downloadURL)
	}

	head := "magnet:?xt=urn:btih:" + hash + "&dn=" + EncodeTitle(title, downloadURL, detailsURL)
	if downloadURL != "" && !isLoopbackRef(downloadURL) {
		head += "&fl=" + Encode(downloadURL)
	}
	return head
}

func rebuildMagnet(network model.Network, magnet string) string {
	wantPublic := network == model.NetworkPublic

	var kept []string
	var trackers []*url.URL
	var trackerRaw []string

	for _, bit := range strings.Split(magnet, "&") {
		kv := strings.Split(bit, "=")
		if len(kv) == 2 {
			lhs := strings.ToLower(kv[0])
			rhs := Decode(kv[1])

			switch lhs {
			case "tr":
				if u, err := url.Parse(rhs); err == nil && u.Scheme != "" && u.Host != "" {
					trackers = append(trackers, u)
					trackerRaw = append(trackerRaw, rhs)
					continue
				}
			case "fl":
				if isLoopbackRef(rhs) {
					continue
				}
			}
		}
		kept = append(kept, bit)
	}

	if len(trackers) > 0 {
		selected := trackerRaw[0]
		for i, u := range trackers {
			isPublic := model.ClassifyHost(u.Hostname()) == model.NetworkPublic
			if isPublic == wantPublic {
				selected = trackerRaw[i]
				break
			}
		}
		kept = append(kept, "tr="+Encode(selected))
	}

	return strings.Join(kept, "&")
}

// BuildTail は先頭部分に不足しているパラメータと表示用の末尾を付加する。
// 結果は常にMaxMessageSize以下で、TailMinで終わる。
func BuildTail(head, downloadURL, detailsURL, title string, size int64, publishedAt time.Time, seeds, leechers int64) string {
	magnet := head
	lc := strings.ToLower(head)

	if !strings.Contains(lc, "&dn=") && !strings.Contains(lc, "?dn=") {
		magnet += "&dn=" + EncodeTitle(title, downloadURL, detailsURL)
	}
	if size != model.Unknown && !strings.Contains(lc, "&xl=") {
		magnet += "&xl=" + strconv.FormatInt(size, 10)
	}
	if seeds != model.Unknown {
		magnet += "&_s=" + strconv.FormatInt(seeds, 10)
	}
	if leechers != model.Unknown {
		magnet += "&_l=" + strconv.FormatInt(leechers, 10)
	}

	ms := int64(0)
	if !publishedAt.IsZero() {
		ms = publishedAt.UnixMilli()
	}
	if ms > 0 {
		magnet += "&_d=" + strconv.FormatInt(ms, 10)
	}

	hasDetails := detailsURL != "" && (downloadURL == "" || detailsURL != downloadURL)
	if hasDetails {
		encoded := Encode(detailsURL)
		if len(encoded) > maxDetailsLen {
			hasDetails = false
		} else {
			magnet += "&_c=" + encoded
		}
	}

	magnet = FitBudget(magnet, MaxMessageSize-len(TailMin))
	if hasDetails && !hasParam(magnet, "_c") {
		hasDetails = false
	}

	remaining := MaxMessageSize - len(magnet)

	var info []string
	if size > 0 {
		info = append(info, humanize.IBytes(uint64(size)))
	}
	if ms > 0 {
		info = append(info, time.UnixMilli(ms).UTC().Format("2006/01/02"))
	}
	if hasDetails {
		info = append(info, `"$_c[[details]]"`)
	}

	tail := TailMin
	if len(info) > 0 {
		tail += " (" + strings.Join(info, ", ") + ")"
	}

	if len(tail) < remaining {
		return magnet + tail
	}
	return magnet + TailMin
}

// Descriptor はレコードから先頭部分と完全な記述子を構築する。
// 先頭部分は重複判定のフィンガープリントにも使われる。
func Descriptor(network model.Network, rec *model.ContentRecord) (head, full string) {
	head = BuildHead(network, rec.DownloadURL, rec.DetailsURL, rec.Hash, rec.Title)
	full = BuildTail(head, rec.DownloadURL, rec.DetailsURL, rec.Title, rec.Size, rec.PublishedAt, rec.Seeds, rec.Leechers)
	return head, full
}

// Announcement はスナップショット告知用の記述子を構築する。
func Announcement(network model.Network, hash, title string, size int64, primaryIndex int) string {
	magnet := BuildHead(network, "", "", hash, title)
	magnet += "&xl=" + strconv.FormatInt(size, 10)
	magnet += "&pfi=" + strconv.Itoa(primaryIndex)
	if network != model.NetworkPublic {
		magnet += "&net=I2P"
	}
	return FitBudget(magnet, MaxMessageSize-len(TailMin)) + TailMin
}

// FitBudget は記述子がlimitバイト以下になるまで、決められた順序で任意パラメータを削除する。
// 削除できるパラメータがなくなった場合は、パーセントエスケープを壊さない位置で切り詰める。
func FitBudget(magnet string, limit int) string {
	for len(magnet) > limit {
		removed := false
		for _, key := range dropOrder {
			if next, ok := removeLastParam(magnet, key); ok {
				magnet = next
				removed = true
				break
			}
		}
		if removed {
			continue
		}

		cut := limit
		for cut > 0 && cut > len(magnet)-3 {
			cut--
		}
		for i := 1; i <= 2 && cut-i >= 0; i++ {
			if magnet[cut-i] == '%' {
				cut -= i
				break
			}
		}
		return magnet[:cut]
	}
	return magnet
}

func removeLastParam(magnet, key string) (string, bool) {
	bits := strings.Split(magnet, "&")
	// 先頭要素はスキームとxtを含むため削除対象外
	for i := len(bits) - 1; i >= 1; i-- {
		if strings.EqualFold(paramName(bits[i]), key) {
			bits = append(bits[:i], bits[i+1:]...)
			return strings.Join(bits, "&"), true
		}
	}
	return magnet, false
}

func hasParam(magnet, key string) bool {
	bits := strings.Split(magnet, "&")
	for _, bit := range bits[1:] {
		if strings.EqualFold(paramName(bit), key) {
			return true
		}
	}
	return false
}

func paramName(bit string) string {
	if pos := strings.Index(bit, "="); pos >= 0 {
		return bit[:pos]
	}
	return bit
}

// isLoopbackRef は参照先がループバックアドレスかを返す。
func isLoopbackRef(ref string) bool {
	if strings.Contains(ref, "127.0.0.1") {
		return true
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
