package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
)

// Getter はURLの内容を取得する。security.Downloaderが実装する。
type Getter interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// HTTPSupplier はHTTPで取得したRSS/Atom/JSONフィードをgofeedでパースする。
// 取得結果がHTMLの場合は、head内の代替リンクをたどって1回だけ再取得する。
type HTTPSupplier struct {
	getter Getter
}

// NewHTTPSupplier はHTTPSupplierを生成する。
func NewHTTPSupplier(getter Getter) *HTTPSupplier {
	return &HTTPSupplier{getter: getter}
}

// Fetch はsourceのフィード文書を取得してパースする。
func (s *HTTPSupplier) Fetch(ctx context.Context, source string) (*Document, error) {
	body, err := s.getter.Get(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("フィード取得に失敗: %w", err)
	}

	doc, err := Parse(body)
	if err == nil {
		return doc, nil
	}

	if !looksLikeHTML(body) {
		return nil, err
	}
	link := discoverFeedLink(body, source)
	if link == "" || link == source {
		return nil, fmt.Errorf("フィードが見つかりません: %s", source)
	}

	body, err = s.getter.Get(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("フィード取得に失敗: %w", err)
	}
	return Parse(body)
}

// Parse はフィード本文をDocumentに変換する。
func Parse(body []byte) (*Document, error) {
	tr := &atomTranslator{}
	parser := gofeed.NewParser()
	parser.AtomTranslator = tr

	parsed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	doc := &Document{
		Title: parsed.Title,
		Atom:  parsed.FeedType == "atom",
		Items: make([]*Item, 0, len(parsed.Items)),
	}

	for i, it := range parsed.Items {
		if it == nil {
			continue
		}
		var entry *atom.Entry
		if i < len(tr.entries) {
			entry = tr.entries[i]
		}
		doc.Items = append(doc.Items, convertItem(it, entry))
	}
	return doc, nil
}

// atomTranslator は既定の変換に加えて、汎用モデルに残らないリンク型と
// content要素のsrc属性を参照できるよう元のエントリを保持する。
type atomTranslator struct {
	base    gofeed.DefaultAtomTranslator
	entries []*atom.Entry
}

func (t *atomTranslator) Translate(feed interface{}) (*gofeed.Feed, error) {
	af, ok := feed.(*atom.Feed)
	if !ok {
		return nil, errors.New("feed did not match expected type of *atom.Feed")
	}
	t.entries = af.Entries
	return t.base.Translate(af)
}

func convertItem(it *gofeed.Item, entry *atom.Entry) *Item {
	item := &Item{Title: it.Title}

	switch {
	case it.PublishedParsed != nil:
		item.PublishedAt = *it.PublishedParsed
	case it.UpdatedParsed != nil:
		item.PublishedAt = *it.UpdatedParsed
	}

	if entry != nil {
		for _, l := range entry.Links {
			if l == nil {
				continue
			}
			item.Nodes = append(item.Nodes, NewNode("", "link", l.Href,
				"href", l.Href, "type", l.Type, "rel", l.Rel, "length", l.Length))
		}
	} else {
		seen := make(map[string]bool)
		for _, l := range append([]string{it.Link}, it.Links...) {
			if l == "" || seen[l] {
				continue
			}
			seen[l] = true
			item.Nodes = append(item.Nodes, NewNode("", "link", l))
		}
	}

	if it.Description != "" {
		item.Nodes = append(item.Nodes, NewNode("", "description", it.Description))
	}
	if it.GUID != "" {
		item.Nodes = append(item.Nodes, NewNode("", "guid", it.GUID))
	}

	for _, enc := range it.Enclosures {
		if enc == nil {
			continue
		}
		item.Nodes = append(item.Nodes, NewNode("", "enclosure", "",
			"url", enc.URL, "length", enc.Length, "type", enc.Type))
	}

	if entry != nil && entry.Content != nil && entry.Content.Src != "" {
		item.Nodes = append(item.Nodes, NewNode("", "content", entry.Content.Value,
			"src", entry.Content.Src, "type", entry.Content.Type))
	}

	// 拡張要素はマップなので、順序を固定するためプレフィックスと名前でソートする
	prefixes := make([]string, 0, len(it.Extensions))
	for prefix := range it.Extensions {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	for _, prefix := range prefixes {
		byName := it.Extensions[prefix]
		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			for _, e := range byName[name] {
				n := NewNode(prefix, name, e.Value)
				for k, v := range e.Attrs {
					n.SetAttr(k, v)
				}
				item.Nodes = append(item.Nodes, n)
			}
		}
	}

	return item
}
