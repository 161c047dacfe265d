// Package history はマッピングごとの永続的な公開履歴を提供する。
// 公開済みフィンガープリントの上限付き挿入順序集合と、
// 最新公開日時のハイウォーターマークを保持する。
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// MaxEntries は保持するフィンガープリントの上限。
const MaxEntries = 10000

const (
	itemsDirName = "items"
	sitesDirName = "sites"
	fileVersion  = 1
)

// fileFormat は履歴ファイルの永続化形式。
type fileFormat struct {
	Version     int      `json:"version"`
	LastPublish int64    `json:"last_publish"`
	IDs         []string `json:"ids"`
}

// Store は1つのマッピングの公開履歴。
// 同時に1つの更新サイクルからのみ使用される前提で、内部ロックを持たない。
type Store struct {
	fs     afero.Fs
	root   string
	key    string
	logger *slog.Logger
	now    func() time.Time

	latestPublish int64 // UNIXミリ秒
	set           *ringSet
	dirty         bool
	evictions     int
}

// KeyFor は入力元名と宛先名から安定した履歴キーを導出する。
func KeyFor(sourceName, chatName string) string {
	return EncodeKey(sourceName + "/" + chatName)
}

// Open は履歴ファイルを読み込む。ファイルが存在しない、または破損している場合は
// 空の履歴として扱う。
func Open(fsys afero.Fs, root, key string, logger *slog.Logger) *Store {
	s := &Store{
		fs:     fsys,
		root:   root,
		key:    key,
		logger: logger,
		now:    time.Now,
		set:    newRingSet(MaxEntries),
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := afero.ReadFile(s.fs, s.filePath())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("履歴ファイルの読み込みに失敗したため空の履歴を使用します",
				slog.String("history", s.key),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		// 書き込み途中でクラッシュしたファイルは初期状態と同じく空として扱う
		s.logger.Warn("履歴ファイルが破損しているため空の履歴を使用します",
			slog.String("history", s.key),
			slog.String("error", err.Error()),
		)
		return
	}

	s.latestPublish = f.LastPublish
	for _, id := range f.IDs {
		b, err := decodeFingerprint(id)
		if err != nil {
			continue
		}
		s.set.add(b)
	}
}

func decodeFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	b, err := base32Decode(s)
	if err != nil {
		return fp, err
	}
	if len(b) != len(fp) {
		return fp, fmt.Errorf("invalid fingerprint length %d", len(b))
	}
	copy(fp[:], b)
	return fp, nil
}

// Key は履歴キーを返す。
func (s *Store) Key() string {
	return s.key
}

// FileName は履歴ファイル名を返す。
func (s *Store) FileName() string {
	return s.key + ".json"
}

func (s *Store) filePath() string {
	return path.Join(s.root, s.FileName())
}

func (s *Store) dir() string {
	return path.Join(s.root, s.key)
}

// LatestPublish は公開日時のハイウォーターマークを返す。未設定の場合はゼロ値。
func (s *Store) LatestPublish() time.Time {
	if s.latestPublish <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.latestPublish).UTC()
}

// HasPublished は識別子が公開済みかを返す。
func (s *Store) HasPublished(id string) bool {
	return s.set.contains(FingerprintOf(id))
}

// SetPublished は識別子を公開済みとして記録し、必要ならハイウォーターマークを引き上げる。
// ハイウォーターマークを下げることはない。
func (s *Store) SetPublished(id string, publishedAt time.Time) {
	_, evicted := s.set.add(FingerprintOf(id))
	if evicted {
		s.evictions++
	}

	if !publishedAt.IsZero() {
		if ms := publishedAt.UnixMilli(); ms > s.latestPublish {
			s.latestPublish = ms
		}
	}
	s.dirty = true
}

// Len は保持しているフィンガープリント数を返す。
func (s *Store) Len() int {
	return s.set.len()
}

// Evictions は読み込み以降に容量超過で追い出された件数を返す。
func (s *Store) Evictions() int {
	return s.evictions
}

// Dirty は読み込み以降に変更があったかを返す。
func (s *Store) Dirty() bool {
	return s.dirty
}

// Save は変更があった場合に履歴ファイル全体を書き直す。
// 変更がない場合は何もしない。
func (s *Store) Save() error {
	if !s.dirty {
		return nil
	}

	f := fileFormat{
		Version:     fileVersion,
		LastPublish: s.latestPublish,
	}
	for _, fp := range s.set.ordered() {
		f.IDs = append(f.IDs, fp.String())
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("履歴のシリアライズに失敗: %w", err)
	}

	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("履歴ディレクトリの作成に失敗: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.filePath(), data, 0o644); err != nil {
		return fmt.Errorf("履歴ファイルの書き込みに失敗: %w", err)
	}

	s.dirty = false
	return nil
}

// ItemsDir は項目フォルダの親ディレクトリを返す（必要なら作成する）。
func (s *Store) ItemsDir() (string, error) {
	dir := path.Join(s.dir(), itemsDirName)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("項目ディレクトリの作成に失敗: %w", err)
	}
	return dir, nil
}

// ItemDir は項目のフォルダを返す（必要なら作成する）。
// フォルダ名は「公開日_識別子キー_公開時刻ミリ秒」で、日付順にソート可能。
// 公開日時が不明な場合、同じ接頭辞のフォルダが1つだけ存在すればそれを再利用し、
// なければ現在時刻を使用する。
func (s *Store) ItemDir(id string, publishedAt time.Time) (string, error) {
	itemsDir, err := s.ItemsDir()
	if err != nil {
		return "", err
	}

	ms := int64(0)
	if !publishedAt.IsZero() {
		ms = publishedAt.UnixMilli()
	}
	prefix := dateStamp(ms) + "_" + EncodeKey(id) + "_"

	if ms == 0 {
		entries, err := afero.ReadDir(s.fs, itemsDir)
		if err != nil {
			return "", fmt.Errorf("項目ディレクトリの一覧取得に失敗: %w", err)
		}
		var matches []string
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), prefix) {
				matches = append(matches, e.Name())
			}
		}
		if len(matches) == 1 {
			return path.Join(itemsDir, matches[0]), nil
		}
		ms = s.now().UnixMilli()
	}

	dir := path.Join(itemsDir, prefix+strconv.FormatInt(ms, 10))
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("項目フォルダの作成に失敗: %w", err)
	}
	return dir, nil
}

// SitesDir はスナップショット世代フォルダの親ディレクトリを返す（必要なら作成する）。
func (s *Store) SitesDir() (string, error) {
	dir := path.Join(s.dir(), sitesDirName)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("サイトディレクトリの作成に失敗: %w", err)
	}
	return dir, nil
}

// SiteDir は指定時刻のスナップショット世代フォルダを作成して返す。
func (s *Store) SiteDir(at time.Time) (string, error) {
	sitesDir, err := s.SitesDir()
	if err != nil {
		return "", err
	}
	ms := at.UnixMilli()
	dir := path.Join(sitesDir, dateStamp(ms)+"_"+s.key+"_"+strconv.FormatInt(ms, 10))
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("サイトフォルダの作成に失敗: %w", err)
	}
	return dir, nil
}

// ItemTime は項目フォルダ名の末尾から公開時刻ミリ秒を取り出す。
func ItemTime(name string) int64 {
	pos := strings.LastIndex(name, "_")
	if pos < 0 {
		return 0
	}
	v, err := strconv.ParseInt(name[pos+1:], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func dateStamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("20060102")
}
