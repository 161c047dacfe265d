// Package snapshot は集約表示のマッピングのために項目プールを蓄積し、
// 直近の項目から静的サイトを再構築してパッケージ化する。
package snapshot

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/hitoshi/feedrelay/internal/encoder"
	"github.com/hitoshi/feedrelay/internal/history"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/packager"
	"github.com/hitoshi/feedrelay/internal/security"
)

const (
	itemFileName  = "item.json"
	indexFileName = "index.html"
	resourcesDir  = "resources"
	torrentExt    = ".torrent"
	defaultThumb  = "jpg"

	// SiteGracePeriod より新しい世代は保持数を超えても削除しない。
	SiteGracePeriod = 24 * time.Hour
)

//go:embed resources
var resources embed.FS

// Downloader はアセットを取得する。
type Downloader interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Packager はスナップショットフォルダをパッケージ化する。
type Packager interface {
	Create(ctx context.Context, dir string) (*packager.Package, error)
	Save(pkg *packager.Package, name string) error
	Register(pkg *packager.Package) error
	List(channel string) ([]*packager.Package, error)
	Remove(pkg *packager.Package) error
	ReadID(name string) ([]byte, error)
}

// Announcer はスナップショットの告知先。
type Announcer interface {
	SendMessage(ctx context.Context, message string) error
	URL() string
}

// Options は1回の再構築の設定。
type Options struct {
	// Name はサイト名。ページとパッケージのタイトルに使う。
	Name        string
	Network     model.Network
	RetainItems int
	RetainSites int
	NoPost      bool
}

// Result は再構築の結果。
type Result struct {
	Package *packager.Package
	Message string
	// Hashes は関連付けに使うハッシュ。最新の項目が最後になる。
	Hashes       []string
	Items        int
	DeletedItems int
	PrunedSites  int
}

// itemDescriptor は項目フォルダに保存する記述子。
type itemDescriptor struct {
	Title       string `json:"title"`
	Time        int64  `json:"time"`
	Description string `json:"description,omitempty"`
	Hash        string `json:"hash,omitempty"`
	DownloadURL string `json:"dl_link,omitempty"`
	DetailsURL  string `json:"cdp_link,omitempty"`
	Size        int64  `json:"size"`
	Seeds       int64  `json:"seeds"`
	Leechers    int64  `json:"leechers"`
	Thumbnail   string `json:"thumb,omitempty"`
	Torrent     string `json:"torrent,omitempty"`
}

// Builder はスナップショットの構築を行う。
// 同じ履歴に対する呼び出しはマッピングの更新ロックで直列化される前提。
type Builder struct {
	fs         afero.Fs
	downloader Downloader
	packager   Packager
	sanitizer  security.DescriptionSanitizer
	logger     *slog.Logger
	now        func() time.Time
}

// NewBuilder は新しいBuilderを生成する。
func NewBuilder(fsys afero.Fs, downloader Downloader, pkgr Packager, sanitizer security.DescriptionSanitizer, logger *slog.Logger) *Builder {
	return &Builder{
		fs:         fsys,
		downloader: downloader,
		packager:   pkgr,
		sanitizer:  sanitizer,
		logger:     logger,
		now:        time.Now,
	}
}

// Absorb は項目のアセットと記述子を項目フォルダに保存し、公開済みとして記録する。
// アセットの取得に失敗した場合は公開済みにせず、次のサイクルで再試行される。
// 記述子のない作りかけの項目フォルダは失敗時に削除する。
func (b *Builder) Absorb(ctx context.Context, store *history.Store, id string, rec *model.ContentRecord) (err error) {
	dir, err := store.ItemDir(id, rec.PublishedAt)
	if err != nil {
		return model.NewPersistenceError("item folder", err)
	}
	descPath := path.Join(dir, itemFileName)
	exists, err := afero.Exists(b.fs, descPath)
	if err != nil {
		return model.NewPersistenceError("item descriptor", err)
	}
	if !exists {
		defer func() {
			if err == nil {
				return
			}
			if rmErr := b.fs.RemoveAll(dir); rmErr != nil {
				b.logger.Warn("項目フォルダの削除に失敗しました",
					slog.String("folder", dir),
					slog.String("error", rmErr.Error()),
				)
			}
		}()
	}
	key := history.EncodeKey(id)
	hash := rec.Hash

	var torrentName string
	if src := packageSource(rec.DownloadURL); src != "" {
		torrentName = key + torrentExt
		target := path.Join(dir, torrentName)
		if err := b.fetchOnce(ctx, src, target); err != nil {
			return model.NewAssetError("package download", err)
		}
		if hash == "" {
			if infoHash, err := b.packager.ReadID(target); err == nil {
				hash = model.Base32.EncodeToString(infoHash)
			} else {
				b.logger.Warn("パッケージファイルからハッシュを読み取れません",
					slog.String("file", target),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	var thumbName string
	if rec.ThumbnailURL != "" {
		thumbName = key + "." + thumbnailExt(rec.ThumbnailURL)
		if err := b.fetchOnce(ctx, rec.ThumbnailURL, path.Join(dir, thumbName)); err != nil {
			return model.NewAssetError("thumbnail download", err)
		}
	}

	if !exists {
		desc := itemDescriptor{
			Title:       rec.Title,
			Time:        rec.PublishMillis(),
			Description: rec.Description,
			Hash:        model.HexToBase32(hash),
			DownloadURL: rec.DownloadURL,
			DetailsURL:  rec.DetailsURL,
			Size:        rec.Size,
			Seeds:       rec.Seeds,
			Leechers:    rec.Leechers,
			Thumbnail:   thumbName,
			Torrent:     torrentName,
		}
		data, err := json.MarshalIndent(desc, "", "  ")
		if err != nil {
			return model.NewPersistenceError("item descriptor", err)
		}
		if err := afero.WriteFile(b.fs, descPath, data, 0o644); err != nil {
			return model.NewPersistenceError("item descriptor", err)
		}
	}

	store.SetPublished(id, rec.PublishedAt)
	return nil
}

// fetchOnce はtargetが存在しない場合だけダウンロードする。
func (b *Builder) fetchOnce(ctx context.Context, url, target string) error {
	exists, err := afero.Exists(b.fs, target)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	data, err := b.downloader.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("%s: %w", url, err)
	}
	return afero.WriteFile(b.fs, target, data, 0o644)
}

// packageSource はダウンロード参照からパッケージファイルの取得元を返す。
// マグネットのflパラメータ、または.torrentで終わるHTTP(S)参照が対象。
func packageSource(downloadURL string) string {
	if downloadURL == "" {
		return ""
	}
	if encoder.IsMagnet(downloadURL) {
		q := downloadURL
		if pos := strings.Index(q, "?"); pos >= 0 {
			q = q[pos+1:]
		}
		for _, arg := range strings.Split(q, "&") {
			name, value, ok := strings.Cut(arg, "=")
			if ok && strings.EqualFold(name, "fl") {
				return encoder.Decode(value)
			}
		}
		return ""
	}
	lower := strings.ToLower(downloadURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return ""
	}
	if p := urlPath(lower); strings.HasSuffix(p, torrentExt) {
		return downloadURL
	}
	return ""
}

// thumbnailExt はサムネイル参照の拡張子を返す。判別できなければjpg。
func thumbnailExt(ref string) string {
	ext := strings.TrimPrefix(path.Ext(urlPath(ref)), ".")
	if ext == "" || len(ext) > 5 {
		return defaultThumb
	}
	for _, c := range ext {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return defaultThumb
		}
	}
	return strings.ToLower(ext)
}

func urlPath(ref string) string {
	if pos := strings.IndexAny(ref, "?#"); pos >= 0 {
		ref = ref[:pos]
	}
	return ref
}

func (b *Builder) readItem(dir string) (*itemDescriptor, error) {
	data, err := afero.ReadFile(b.fs, path.Join(dir, itemFileName))
	if err != nil {
		return nil, err
	}
	var desc itemDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func (b *Builder) copyFile(src, dst string) error {
	data, err := afero.ReadFile(b.fs, src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return afero.WriteFile(b.fs, dst, data, 0o644)
}

func (b *Builder) writeResources(siteDir string) error {
	data, err := resources.ReadFile("resources/style.css")
	if err != nil {
		return err
	}
	dir := path.Join(siteDir, resourcesDir)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return afero.WriteFile(b.fs, path.Join(dir, "style.css"), data, 0o644)
}
