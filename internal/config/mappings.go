package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/feedrelay/internal/model"
)

// defaultMappingsDocument は定義ファイルが存在しない場合に作成する内容。
const defaultMappingsDocument = `# フィードと宛先チャンネルの対応を定義する
#
# mappings:
#   - rss:
#       url: https://example.com/feed.xml
#     chat:
#       network: public
#       key: example
#     refresh: 30
mappings: []
`

// reservedKeyPrefixes は宛先キーとして使えない接頭辞。
var reservedKeyPrefixes = []string{"Tag:", "Download:", "General:", "Announce:"}

// SubscriptionFinder は購読を名前で検索する。repository.SubscriptionRepositoryが実装する。
type SubscriptionFinder interface {
	FindByName(ctx context.Context, name string) (*model.Subscription, error)
}

type mappingsFile struct {
	Mappings []mappingDef `yaml:"mappings"`
}

type mappingDef struct {
	RSS          *rssDef          `yaml:"rss"`
	Subscription *subscriptionDef `yaml:"subscription"`
	Chat         *chatDef         `yaml:"chat"`
	Presentation *presentationDef `yaml:"presentation"`
	Associations []string         `yaml:"associations"`
	Refresh      *int             `yaml:"refresh"`
	Flags        string           `yaml:"flags"`
}

type rssDef struct {
	URL           string `yaml:"url"`
	DLLinkPattern string `yaml:"dl_link_pattern"`
}

type subscriptionDef struct {
	Name            string `yaml:"name"`
	LinkType        string `yaml:"link_type"`
	IgnoreDates     bool   `yaml:"ignore_dates"`
	PublishUnread   bool   `yaml:"publish_unread"`
	MinimumSeeds    int    `yaml:"minimum_seeds"`
	MinimumLeechers int    `yaml:"minimum_leechers"`
}

type chatDef struct {
	Network string `yaml:"network"`
	Key     string `yaml:"key"`
	Type    string `yaml:"type"`
	Nick    string `yaml:"nick"`
}

type presentationDef struct {
	Type        string `yaml:"type"`
	Name        string `yaml:"name"`
	RetainSites *int   `yaml:"retain_sites"`
	RetainItems *int   `yaml:"retain_items"`
}

// LoadMappings はマッピング定義ファイルを読み込む。
// ファイルが存在しない場合は空の定義で作成する。
// 不正なマッピングはそのマッピングだけを拒否してログに記録し、他の読み込みは継続する。
// 文書全体を解析できない場合はエラーを返す。
func LoadMappings(ctx context.Context, fsys afero.Fs, path string, subs SubscriptionFinder, logger *slog.Logger) ([]*model.MappingConfig, error) {
	exists, err := afero.Exists(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !exists {
		if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
		if err := afero.WriteFile(fsys, path, []byte(defaultMappingsDocument), 0o644); err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
		logger.Info("マッピング定義ファイルを作成しました", slog.String("file", path))
	}

	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc mappingsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var configs []*model.MappingConfig
	for i := range doc.Mappings {
		index := i + 1
		built, err := doc.Mappings[i].build(ctx, index, subs)
		if err != nil {
			logger.Error("マッピング定義を拒否しました",
				slog.String("category", model.CategoryConfig),
				slog.Int("index", index),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, cfg := range built {
			logger.Info("マッピング定義を読み込みました",
				slog.Int("index", index),
				slog.String("mapping", cfg.OverallName()),
			)
		}
		configs = append(configs, built...)
	}
	return configs, nil
}

// build は1つの定義を検証し、ネットワークごとの設定に展開する。
func (d *mappingDef) build(ctx context.Context, index int, subs SubscriptionFinder) ([]*model.MappingConfig, error) {
	base := model.MappingConfig{
		LinkType:     model.LinkTypeHash,
		Role:         model.RoleNormal,
		Presentation: model.PresentationLink,
		RetainSites:  model.DefaultRetainSites,
		RetainItems:  model.DefaultRetainItems,
	}

	switch {
	case d.RSS != nil && d.Subscription == nil:
		if err := d.RSS.apply(index, &base); err != nil {
			return nil, err
		}
	case d.Subscription != nil && d.RSS == nil:
		if err := d.Subscription.apply(index, &base); err != nil {
			return nil, err
		}
		if subs == nil {
			return nil, model.NewConfigError(index, "subscription source requires a subscription store")
		}
	default:
		return nil, model.NewConfigError(index, "mapping must contain either an rss or a subscription entry")
	}

	if d.Chat == nil {
		return nil, model.NewConfigError(index, "mapping must contain a chat entry")
	}
	networks, err := d.Chat.apply(index, &base)
	if err != nil {
		return nil, err
	}

	if d.Refresh == nil {
		return nil, model.NewConfigError(index, "mapping must contain a refresh entry")
	}
	if *d.Refresh < 1 {
		return nil, model.NewConfigError(index, "refresh value of '%d' is invalid", *d.Refresh)
	}
	base.RefreshMinutes = *d.Refresh

	switch strings.TrimSpace(d.Flags) {
	case "":
	case "nopost":
		base.NoPost = true
	default:
		return nil, model.NewConfigError(index, "flags value of '%s' is invalid", d.Flags)
	}

	if d.Presentation != nil {
		if err := d.Presentation.apply(index, &base); err != nil {
			return nil, err
		}
	}

	if err := resolveAssociations(ctx, index, d.Associations, subs, &base); err != nil {
		return nil, err
	}

	configs := make([]*model.MappingConfig, 0, len(networks))
	for _, network := range networks {
		cfg := base
		cfg.Network = network
		configs = append(configs, &cfg)
	}
	return configs, nil
}

func (r *rssDef) apply(index int, cfg *model.MappingConfig) error {
	raw := strings.TrimSpace(r.URL)
	if raw == "" {
		return model.NewConfigError(index, "rss must contain a url entry")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return model.NewConfigError(index, "url value '%s' is invalid", raw)
	}
	cfg.Source = raw
	cfg.Kind = model.SourceKindFeed

	if p := strings.TrimSpace(r.DLLinkPattern); p != "" {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return model.NewConfigError(index, "dl_link_pattern value '%s' is invalid: %v", p, err)
		}
		cfg.DescLinkPattern = re
	}
	return nil
}

func (s *subscriptionDef) apply(index int, cfg *model.MappingConfig) error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return model.NewConfigError(index, "subscription must contain a name entry")
	}
	cfg.Source = name
	cfg.Kind = model.SourceKindSubscription

	if lt := strings.ToLower(strings.TrimSpace(s.LinkType)); lt != "" {
		switch model.LinkType(lt) {
		case model.LinkTypeHash, model.LinkTypeDetailsURL, model.LinkTypeDownloadURL:
			cfg.LinkType = model.LinkType(lt)
		default:
			return model.NewConfigError(index, "link_type value '%s' is invalid", lt)
		}
	}
	cfg.IgnoreDates = s.IgnoreDates
	cfg.PublishUnread = s.PublishUnread
	cfg.MinSeeds = s.MinimumSeeds
	cfg.MinLeechers = s.MinimumLeechers
	return nil
}

func (c *chatDef) apply(index int, cfg *model.MappingConfig) ([]model.Network, error) {
	var networks []model.Network
	switch strings.ToLower(strings.TrimSpace(c.Network)) {
	case "public":
		networks = []model.Network{model.NetworkPublic}
	case "anonymous":
		networks = []model.Network{model.NetworkAnonymous}
	case "both":
		networks = []model.Network{model.NetworkPublic, model.NetworkAnonymous}
	case "":
		return nil, model.NewConfigError(index, "chat must contain a network and a key entry")
	default:
		return nil, model.NewConfigError(index, "network must be either 'public', 'anonymous' or 'both'")
	}

	key := strings.TrimSpace(c.Key)
	if key == "" {
		return nil, model.NewConfigError(index, "chat must contain a network and a key entry")
	}
	for _, prefix := range reservedKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return nil, model.NewConfigError(index, "invalid key name '%s', select something else", key)
		}
	}
	cfg.Key = key

	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "", "normal":
		cfg.Role = model.RoleNormal
	case "readonly":
		cfg.Role = model.RoleReadOnly
	case "admin":
		cfg.Role = model.RoleAdmin
	default:
		return nil, model.NewConfigError(index, "type value of '%s' is invalid", c.Type)
	}

	cfg.Nick = strings.TrimSpace(c.Nick)
	return networks, nil
}

func (p *presentationDef) apply(index int, cfg *model.MappingConfig) error {
	switch t := strings.TrimSpace(p.Type); t {
	case "":
		return model.NewConfigError(index, "presentation requires a type entry")
	case string(model.PresentationLink), string(model.PresentationLinkRaw), string(model.PresentationWebsite):
		cfg.Presentation = model.Presentation(t)
	default:
		return model.NewConfigError(index, "presentation type value of '%s' is invalid", t)
	}

	cfg.SiteName = strings.TrimSpace(p.Name)
	if p.RetainSites != nil {
		if *p.RetainSites < 1 {
			return model.NewConfigError(index, "presentation retain_sites value of '%d' is invalid", *p.RetainSites)
		}
		cfg.RetainSites = *p.RetainSites
	}
	if p.RetainItems != nil {
		if *p.RetainItems < 1 {
			return model.NewConfigError(index, "presentation retain_items value of '%d' is invalid", *p.RetainItems)
		}
		cfg.RetainItems = *p.RetainItems
	}
	return nil
}

// resolveAssociations は関連付け先の購読がすべて存在することを確認する。
func resolveAssociations(ctx context.Context, index int, names []string, subs SubscriptionFinder, cfg *model.MappingConfig) error {
	if len(names) == 0 {
		return nil
	}
	if subs == nil {
		return model.NewConfigError(index, "associations require a subscription store")
	}

	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			return model.NewConfigError(index, "association name missing")
		}
		sub, err := subs.FindByName(ctx, name)
		if err != nil {
			return errors.Join(model.NewConfigError(index, "association '%s' lookup failed", name), err)
		}
		if sub == nil {
			return model.NewConfigError(index, "subscription '%s' not found", name)
		}
		cfg.Associations = append(cfg.Associations, name)
	}
	return nil
}
