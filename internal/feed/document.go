// Package feed はフィード文書の取得と、フィード項目・購読結果の正規化を提供する。
package feed

import (
	"context"
	"strings"
	"time"
)

// Node はフィード項目の子要素を表す汎用ノード。
// 名前と属性は大文字小文字を区別せずに参照する。
type Node struct {
	// Name は名前空間プレフィックスを除いた要素名。
	Name string
	// FullName はプレフィックス付きの要素名（例: "vuze:size"）。プレフィックスがなければNameと同じ。
	FullName string
	Value    string
	attrs    map[string]string
}

// NewNode はノードを生成する。attrsは名前と値を交互に並べたもので、空の値は無視する。
func NewNode(prefix, name, value string, attrs ...string) *Node {
	n := &Node{Name: name, FullName: name, Value: value}
	if prefix != "" {
		n.FullName = prefix + ":" + name
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.SetAttr(attrs[i], attrs[i+1])
	}
	return n
}

// SetAttr は属性を設定する。空の値は無視する。
func (n *Node) SetAttr(name, value string) {
	if value == "" {
		return
	}
	if n.attrs == nil {
		n.attrs = make(map[string]string)
	}
	n.attrs[strings.ToLower(name)] = value
}

// Attr は属性値を返す。
func (n *Node) Attr(name string) (string, bool) {
	v, ok := n.attrs[strings.ToLower(name)]
	return v, ok
}

// Is はNameが一致するかを大文字小文字を区別せずに判定する。
func (n *Node) Is(name string) bool {
	return strings.EqualFold(n.Name, name)
}

// IsFull はFullNameが一致するかを大文字小文字を区別せずに判定する。
func (n *Node) IsFull(fullName string) bool {
	return strings.EqualFold(n.FullName, fullName)
}

// Item はフィードの1項目。
type Item struct {
	Title string
	// PublishedAt はゼロ値の場合、公開日時不明を表す。
	PublishedAt time.Time
	Nodes       []*Node
}

// Document はパース済みのフィード文書。
type Document struct {
	Title string
	Atom  bool
	Items []*Item
}

// DocumentSupplier はソースアドレスからフィード文書を取得する。
type DocumentSupplier interface {
	Fetch(ctx context.Context, source string) (*Document, error)
}
