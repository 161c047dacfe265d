// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDestinationUnavailable は宛先チャンネルがまだ利用可能でないことを示す。
	// 次のティックで再試行される。
	ErrDestinationUnavailable = errors.New("destination not available yet")
	// ErrMappingDestroyed はアンロード済みマッピングへの操作を示す。
	ErrMappingDestroyed = errors.New("mapping destroyed")
	// ErrSubscriptionNotFound は指定名の購読が存在しないことを示す。
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrSubscriptionsUnsupported は購読ストアが構成されていないことを示す。
	ErrSubscriptionsUnsupported = errors.New("subscription store not configured")
)

// エラーカテゴリ
const (
	CategoryConfig      = "config"
	CategoryFetch       = "fetch"
	CategoryAsset       = "asset"
	CategoryPersistence = "persistence"
	CategoryDestination = "destination"
)

// RelayError はカテゴリ付きのエラー。ログ出力で原因を分類するために使う。
type RelayError struct {
	Category string
	Op       string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *RelayError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *RelayError) Unwrap() error {
	return e.Err
}

// NewFetchError はフェッチ/パース失敗エラーを生成する。
func NewFetchError(op string, err error) *RelayError {
	return &RelayError{Category: CategoryFetch, Op: op, Err: err}
}

// NewAssetError はアセットダウンロード失敗エラーを生成する。
func NewAssetError(op string, err error) *RelayError {
	return &RelayError{Category: CategoryAsset, Op: op, Err: err}
}

// NewPersistenceError は永続化失敗エラーを生成する。
func NewPersistenceError(op string, err error) *RelayError {
	return &RelayError{Category: CategoryPersistence, Op: op, Err: err}
}

// NewDestinationError は宛先バインド失敗エラーを生成する。
func NewDestinationError(op string, err error) *RelayError {
	return &RelayError{Category: CategoryDestination, Op: op, Err: err}
}

// ConfigError はマッピング定義の検証エラー。
// 該当マッピングのみ拒否され、他のマッピングの読み込みは継続する。
type ConfigError struct {
	Index  int // 1始まりのマッピング番号
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ConfigError) Error() string {
	return fmt.Sprintf("[%s] mapping %d: %s", CategoryConfig, e.Index, e.Reason)
}

// NewConfigError はマッピング定義エラーを生成する。
func NewConfigError(index int, format string, args ...any) *ConfigError {
	return &ConfigError{Index: index, Reason: fmt.Sprintf(format, args...)}
}
