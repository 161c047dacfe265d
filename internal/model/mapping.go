package model

import (
	"fmt"
	"regexp"
)

// SourceKind はマッピングの入力元種別。
type SourceKind string

const (
	// SourceKindFeed はRSS/Atomフィード。
	SourceKindFeed SourceKind = "feed"
	// SourceKindSubscription はローカルの購読結果リスト。
	SourceKindSubscription SourceKind = "subscription"
)

// Presentation はチャンネルへの提示方法。
type Presentation string

const (
	// PresentationLink は項目ごとにマグネット形式の記述子を投稿する。
	PresentationLink Presentation = "link"
	// PresentationLinkRaw はリンクを生メッセージとして投稿する。
	PresentationLinkRaw Presentation = "link_raw"
	// PresentationWebsite は項目を集約したスナップショットサイトを構築する。
	PresentationWebsite Presentation = "website"
)

// IsLink はリンク系の提示方法かを返す。
func (p Presentation) IsLink() bool {
	return p == PresentationLink || p == PresentationLinkRaw
}

// Role は宛先チャンネルでの役割。
type Role string

const (
	RoleNormal   Role = "normal"
	RoleReadOnly Role = "readonly"
	RoleAdmin    Role = "admin"
)

// LinkType は購読結果から使用する参照の種類。
type LinkType string

const (
	// LinkTypeHash はハッシュまたはダウンロード参照を使用する（既定）。
	LinkTypeHash LinkType = "hash"
	// LinkTypeDetailsURL は詳細ページ参照のみを使用する。
	LinkTypeDetailsURL LinkType = "details_url"
	// LinkTypeDownloadURL はダウンロード参照を必須とする。
	LinkTypeDownloadURL LinkType = "download_url"
)

const (
	// DefaultRetainSites はスナップショット世代の既定保持数。
	DefaultRetainSites = 7
	// DefaultRetainItems はスナップショットに含める項目の既定保持数。
	DefaultRetainItems = 2048
)

// MappingConfig は1つのバインディングのイミュータブルな設定。
// 生成後に変更してはならない。
type MappingConfig struct {
	Source          string
	Kind            SourceKind
	DescLinkPattern *regexp.Regexp
	LinkType        LinkType
	IgnoreDates     bool
	PublishUnread   bool
	MinSeeds        int
	MinLeechers     int

	Network Network
	Key     string
	Role    Role
	Nick    string

	Presentation Presentation
	SiteName     string
	RetainSites  int
	RetainItems  int

	// Associations は逆参照先の購読名。
	Associations []string

	RefreshMinutes int
	NoPost         bool
}

// SourceName はログ表示用の入力元名を返す。
func (c *MappingConfig) SourceName() string {
	if c.Kind == SourceKindFeed {
		return "RSS: " + c.Source
	}
	return "Subscription: " + c.Source
}

// ChatName はログ表示用の宛先名を返す。
func (c *MappingConfig) ChatName() string {
	if c.Network == NetworkPublic {
		return "Public: " + c.Key
	}
	return "Anonymous: " + c.Key
}

// OverallName はマッピング全体を表す表示名を返す。
func (c *MappingConfig) OverallName() string {
	return fmt.Sprintf("%s, %s, type=%s, refresh=%d min", c.SourceName(), c.ChatName(), c.Role, c.RefreshMinutes)
}
