// Package packager は準備済みフォルダを配布可能なパッケージにまとめる。
// パッケージの識別子はフォルダ内容のSHA-1で、記述子はJSONファイルとして保存される。
package packager

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/hitoshi/feedrelay/internal/model"
)

const (
	registryDirName  = "packages"
	descriptorSuffix = ".json"
	torrentSuffix    = ".torrent"
)

// ErrEmptyFolder はパッケージ化するファイルがないことを示す。
var ErrEmptyFolder = errors.New("folder has no files")

// File はパッケージ内の1ファイル。
type File struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Package はパッケージ記述子。Hashは先頭に置き、ReadIDが途中までの読み込みで取り出せるようにする。
type Package struct {
	Hash         string        `json:"id"`
	Name         string        `json:"name"`
	Dir          string        `json:"dir"`
	Title        string        `json:"title,omitempty"`
	Comment      string        `json:"comment,omitempty"`
	PrimaryFile  string        `json:"primary_file,omitempty"`
	PrimaryIndex int           `json:"primary_index"`
	Size         int64         `json:"size"`
	Files        []File        `json:"files"`
	Network      model.Network `json:"network,omitempty"`
	Channel      string        `json:"channel,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	Descriptor   string        `json:"descriptor,omitempty"`
}

// ID は識別子を20バイトで返す。
func (p *Package) ID() []byte {
	return model.DecodeHash(p.Hash)
}

// SetPrimaryFile は主ファイルを設定する。ファイルが存在しない場合は偽を返し、何も変更しない。
func (p *Package) SetPrimaryFile(name string) bool {
	for i, f := range p.Files {
		if f.Path == name {
			p.PrimaryFile = name
			p.PrimaryIndex = i
			return true
		}
	}
	return false
}

// Restricted はパッケージが公開ネットワークで配布できないかを返す。
func (p *Package) Restricted() bool {
	return p.Network != "" && p.Network != model.NetworkPublic
}

// FSPackager はafero上でパッケージを作成・管理する。
type FSPackager struct {
	fs          afero.Fs
	registryDir string
	now         func() time.Time
}

// New はroot配下にレジストリを持つFSPackagerを生成する。
func New(fsys afero.Fs, root string) *FSPackager {
	return &FSPackager{
		fs:          fsys,
		registryDir: path.Join(root, registryDirName),
		now:         time.Now,
	}
}

// Create はdir配下の全ファイルからパッケージを作成する。
// 識別子は相対パス順に「パス、サイズ、内容」を連結したSHA-1。
func (p *FSPackager) Create(ctx context.Context, dir string) (*Package, error) {
	var files []File
	err := afero.Walk(p.fs, dir, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(name, dir), "/")
		files = append(files, File{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("フォルダの走査に失敗: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrEmptyFolder
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	h := sha1.New()
	var total int64
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		io.WriteString(h, f.Path)
		h.Write([]byte{0})
		io.WriteString(h, strconv.FormatInt(f.Size, 10))
		h.Write([]byte{0})
		if err := p.hashFile(h, path.Join(dir, f.Path)); err != nil {
			return nil, err
		}
		total += f.Size
	}

	return &Package{
		Hash:      model.Base32.EncodeToString(h.Sum(nil)),
		Name:      path.Base(dir),
		Dir:       dir,
		Size:      total,
		Files:     files,
		CreatedAt: p.now().UTC(),
	}, nil
}

func (p *FSPackager) hashFile(w io.Writer, name string) error {
	f, err := p.fs.Open(name)
	if err != nil {
		return fmt.Errorf("ファイルのオープンに失敗: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}
	return nil
}

// Save は記述子をファイルに書き込み、その位置を記録する。
func (p *FSPackager) Save(pkg *Package, name string) error {
	pkg.Descriptor = name
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return fmt.Errorf("記述子のエンコードに失敗: %w", err)
	}
	if err := afero.WriteFile(p.fs, name, data, 0o644); err != nil {
		return fmt.Errorf("記述子の書き込みに失敗: %w", err)
	}
	return nil
}

// Load は記述子ファイルを読み込む。
func (p *FSPackager) Load(name string) (*Package, error) {
	data, err := afero.ReadFile(p.fs, name)
	if err != nil {
		return nil, fmt.Errorf("記述子の読み込みに失敗: %w", err)
	}
	var pkg Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("記述子のデコードに失敗: %w", err)
	}
	return &pkg, nil
}

// ReadID は記述子全体を復号せずに識別子を読み取る。
// .torrentファイルの場合はinfo辞書のハッシュを返す。
func (p *FSPackager) ReadID(name string) ([]byte, error) {
	data, err := afero.ReadFile(p.fs, name)
	if err != nil {
		return nil, fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}
	if strings.HasSuffix(strings.ToLower(name), torrentSuffix) {
		return InfoHash(data)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("記述子の形式が不正: %s", name)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("記述子のデコードに失敗: %w", err)
		}
		if key, _ := tok.(string); key == "id" {
			var id string
			if err := dec.Decode(&id); err != nil {
				return nil, fmt.Errorf("識別子のデコードに失敗: %w", err)
			}
			if b := model.DecodeHash(id); b != nil {
				return b, nil
			}
			return nil, fmt.Errorf("識別子の形式が不正: %q", id)
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("記述子のデコードに失敗: %w", err)
		}
	}
	return nil, fmt.Errorf("識別子が見つからない: %s", name)
}

// Register はパッケージをレジストリに登録する。同じ識別子の登録は上書きされる。
func (p *FSPackager) Register(pkg *Package) error {
	if err := p.fs.MkdirAll(p.registryDir, 0o755); err != nil {
		return fmt.Errorf("レジストリの作成に失敗: %w", err)
	}
	data, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("記述子のエンコードに失敗: %w", err)
	}
	if err := afero.WriteFile(p.fs, p.registryPath(pkg), data, 0o644); err != nil {
		return fmt.Errorf("レジストリへの書き込みに失敗: %w", err)
	}
	return nil
}

// List はチャンネルに属する登録済みパッケージを返す。壊れたエントリは無視する。
func (p *FSPackager) List(channel string) ([]*Package, error) {
	entries, err := afero.ReadDir(p.fs, p.registryDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("レジストリの一覧取得に失敗: %w", err)
	}
	var pkgs []*Package
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), descriptorSuffix) {
			continue
		}
		pkg, err := p.Load(path.Join(p.registryDir, e.Name()))
		if err != nil {
			continue
		}
		if pkg.Channel == channel {
			pkgs = append(pkgs, pkg)
		}
	}
	return pkgs, nil
}

// Remove はパッケージの登録、記述子ファイル、フォルダを削除する。
func (p *FSPackager) Remove(pkg *Package) error {
	var errs []error
	if err := p.fs.Remove(p.registryPath(pkg)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if pkg.Descriptor != "" {
		if err := p.fs.Remove(pkg.Descriptor); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if pkg.Dir != "" {
		if err := p.fs.RemoveAll(pkg.Dir); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("パッケージの削除に失敗: %w", errors.Join(errs...))
	}
	return nil
}

func (p *FSPackager) registryPath(pkg *Package) string {
	return path.Join(p.registryDir, pkg.Hash+descriptorSuffix)
}
