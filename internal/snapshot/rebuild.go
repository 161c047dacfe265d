package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/hitoshi/feedrelay/internal/encoder"
	"github.com/hitoshi/feedrelay/internal/history"
	"github.com/hitoshi/feedrelay/internal/model"
)

var indexTemplate = template.Must(template.ParseFS(resources, "resources/index.html.tmpl"))

type indexPage struct {
	Title   string
	Comment string
	Rows    []indexRow
}

type indexRow struct {
	SortKey     string
	Thumb       string
	Title       string
	Description template.HTML
	Date        string
	SizeKey     string
	SizeText    string
	PeersKey    string
	Peers       string
	Details     template.URL
	Download    template.URL
	Torrent     string
	Play        template.URL
}

// Rebuild は項目プールから新しいスナップショット世代を作成し、パッケージ化して告知する。
// 保持数を超えた古い項目フォルダと、猶予期間を過ぎた古い世代は削除される。
// 記述子を読めない項目フォルダは保持数に数えずに削除する。
func (b *Builder) Rebuild(ctx context.Context, store *history.Store, opts Options, dest Announcer) (*Result, error) {
	now := b.now()
	retainItems := opts.RetainItems
	if retainItems <= 0 {
		retainItems = model.DefaultRetainItems
	}
	retainSites := opts.RetainSites
	if retainSites <= 0 {
		retainSites = model.DefaultRetainSites
	}

	itemsDir, err := store.ItemsDir()
	if err != nil {
		return nil, model.NewPersistenceError("items folder", err)
	}
	folders, err := b.itemFolders(itemsDir)
	if err != nil {
		return nil, model.NewPersistenceError("items folder", err)
	}

	siteDir, err := store.SiteDir(now)
	if err != nil {
		return nil, model.NewPersistenceError("site folder", err)
	}
	result, err := b.buildSite(ctx, store, siteDir, itemsDir, folders, retainItems, opts, dest, now)
	if err != nil {
		b.discardSite(siteDir)
		return nil, err
	}

	if !opts.NoPost {
		if err := dest.SendMessage(ctx, result.Message); err != nil {
			return nil, err
		}
	}

	result.PrunedSites = b.pruneSites(store.Key(), retainSites)

	for i, j := 0, len(result.Hashes)-1; i < j; i, j = i+1, j-1 {
		result.Hashes[i], result.Hashes[j] = result.Hashes[j], result.Hashes[i]
	}
	return result, nil
}

// buildSite はsiteDirに世代を書き出し、パッケージとして登録する。
// エラー時の世代フォルダの後始末は呼び出し側が行う。
func (b *Builder) buildSite(ctx context.Context, store *history.Store, siteDir, itemsDir string, folders []string, retainItems int, opts Options, dest Announcer, now time.Time) (*Result, error) {
	if err := b.writeResources(siteDir); err != nil {
		return nil, model.NewPersistenceError("site resources", err)
	}

	stamp := now.UTC().Format("2006/01/02 15:04:05") + " GMT"
	page := indexPage{
		Title:   opts.Name + " : updated on " + stamp,
		Comment: "See " + dest.URL() + " for updates",
	}
	result := &Result{}

	for _, name := range folders {
		itemDir := path.Join(itemsDir, name)
		if len(page.Rows) >= retainItems {
			b.logger.Info("古い項目を削除しました", slog.String("folder", itemDir))
			b.removeItem(itemDir)
			result.DeletedItems++
			continue
		}

		desc, err := b.readItem(itemDir)
		if err != nil {
			b.logger.Warn("項目記述子を読み込めないため項目フォルダを削除します",
				slog.String("folder", itemDir),
				slog.String("error", err.Error()),
			)
			b.removeItem(itemDir)
			continue
		}
		for _, asset := range []string{desc.Thumbnail, desc.Torrent} {
			if asset == "" {
				continue
			}
			if err := b.copyFile(path.Join(itemDir, asset), path.Join(siteDir, asset)); err != nil {
				return nil, model.NewPersistenceError("site asset", err)
			}
		}
		if desc.Hash == "" && desc.Torrent != "" {
			if id, err := b.packager.ReadID(path.Join(itemDir, desc.Torrent)); err == nil {
				desc.Hash = model.Base32.EncodeToString(id)
			}
		}
		if desc.Hash != "" {
			result.Hashes = append(result.Hashes, desc.Hash)
		}
		page.Rows = append(page.Rows, b.row(len(page.Rows)+1, desc))
	}
	result.Items = len(page.Rows)

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, page); err != nil {
		return nil, fmt.Errorf("インデックスの生成に失敗: %w", err)
	}
	if err := afero.WriteFile(b.fs, path.Join(siteDir, indexFileName), buf.Bytes(), 0o644); err != nil {
		return nil, model.NewPersistenceError("site index", err)
	}

	pkg, err := b.packager.Create(ctx, siteDir)
	if err != nil {
		return nil, fmt.Errorf("パッケージの作成に失敗: %w", err)
	}
	pkg.Title = "WebSite for '" + opts.Name + "': updated on " + stamp
	pkg.Comment = page.Comment
	pkg.SetPrimaryFile(indexFileName)
	pkg.Network = opts.Network
	pkg.Channel = store.Key()
	if err := b.packager.Save(pkg, siteDir+".json"); err != nil {
		return nil, model.NewPersistenceError("package descriptor", err)
	}
	if err := b.packager.Register(pkg); err != nil {
		return nil, model.NewPersistenceError("package registry", err)
	}
	result.Package = pkg
	result.Message = encoder.Announcement(opts.Network, pkg.Hash, pkg.Title, pkg.Size, pkg.PrimaryIndex)
	return result, nil
}

// discardSite は登録されなかった世代のフォルダと記述子ファイルを削除する。
func (b *Builder) discardSite(siteDir string) {
	if err := b.fs.RemoveAll(siteDir); err != nil {
		b.logger.Warn("サイトフォルダの削除に失敗しました",
			slog.String("folder", siteDir),
			slog.String("error", err.Error()),
		)
	}
	if err := b.fs.Remove(siteDir + ".json"); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.logger.Warn("サイト記述子の削除に失敗しました",
			slog.String("file", siteDir+".json"),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Builder) removeItem(itemDir string) {
	if err := b.fs.RemoveAll(itemDir); err != nil {
		b.logger.Warn("項目フォルダの削除に失敗しました",
			slog.String("folder", itemDir),
			slog.String("error", err.Error()),
		)
	}
}

// itemFolders は項目フォルダ名を新しい順に返す。同時刻は名前の降順。
func (b *Builder) itemFolders(itemsDir string) ([]string, error) {
	entries, err := afero.ReadDir(b.fs, itemsDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		ti, tj := history.ItemTime(names[i]), history.ItemTime(names[j])
		if ti != tj {
			return ti > tj
		}
		return names[i] > names[j]
	})
	return names, nil
}

// pruneSites は保持数を超えた古い世代を削除し、削除数を返す。
// 猶予期間内の世代は順位に関係なく残す。
func (b *Builder) pruneSites(channel string, retain int) int {
	pkgs, err := b.packager.List(channel)
	if err != nil {
		b.logger.Warn("パッケージ一覧の取得に失敗しました", slog.String("error", err.Error()))
		return 0
	}
	sort.Slice(pkgs, func(i, j int) bool {
		if !pkgs[i].CreatedAt.Equal(pkgs[j].CreatedAt) {
			return pkgs[i].CreatedAt.After(pkgs[j].CreatedAt)
		}
		return pkgs[i].Name > pkgs[j].Name
	})

	now := b.now()
	pruned := 0
	for i, pkg := range pkgs {
		if i < retain || now.Sub(pkg.CreatedAt) < SiteGracePeriod {
			continue
		}
		b.logger.Info("古いサイト世代を削除しました",
			slog.String("package", pkg.Name),
			slog.String("id", pkg.Hash),
		)
		if err := b.packager.Remove(pkg); err != nil {
			b.logger.Warn("サイト世代の削除に失敗しました",
				slog.String("package", pkg.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		pruned++
	}
	return pruned
}

func (b *Builder) row(rowNum int, desc *itemDescriptor) indexRow {
	r := indexRow{
		SortKey: fmt.Sprintf("%06d", rowNum),
		Thumb:   desc.Thumbnail,
		Title:   desc.Title,
		SizeKey: fmt.Sprintf("%012d", max(desc.Size, 0)),
		Details: linkURL(desc.DetailsURL),
		Torrent: desc.Torrent,
	}
	if desc.Description != "" {
		r.Description = template.HTML(b.sanitizer.Sanitize(desc.Description))
	}
	if desc.Time > 0 {
		r.Date = model.TimeFromMillis(desc.Time).Format("2006/01/02")
	}
	if desc.Size > 0 {
		r.SizeText = humanize.IBytes(uint64(desc.Size))
	}
	seeds, leechers := max(desc.Seeds, 0), max(desc.Leechers, 0)
	r.PeersKey = fmt.Sprintf("%07d", seeds+leechers)
	if desc.Seeds >= 0 || desc.Leechers >= 0 {
		r.Peers = fmt.Sprintf("%d/%d", seeds, leechers)
	}
	if desc.Torrent == "" {
		r.Download = linkURL(desc.DownloadURL)
	}
	switch {
	case desc.Torrent != "":
		r.Play = template.URL("content?vuze_source=" + url.QueryEscape(desc.Torrent))
	case encoder.IsMagnet(desc.DownloadURL):
		r.Play = template.URL("content?vuze_source=" + url.QueryEscape(desc.DownloadURL))
	}
	return r
}

// linkURL はインデックスに載せてよいスキームの参照だけを返す。
func linkURL(ref string) template.URL {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "magnet":
		return template.URL(ref)
	}
	return ""
}
