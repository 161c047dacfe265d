package feed

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// looksLikeHTML は本文の先頭部分がHTML文書かを判定する。
func looksLikeHTML(body []byte) bool {
	n := min(len(body), 4096)
	prefix := strings.ToLower(string(body[:n]))

	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") || strings.Contains(prefix, "<feed") {
		return false
	}
	return strings.Contains(prefix, "<html") || strings.Contains(prefix, "<!doctype html")
}

// discoverFeedLink はHTMLのhead内のrel="alternate"リンクからフィードURLを探す。
// Atomを優先し、同種のものは先に出現したものを選ぶ。見つからなければ空文字列。
func discoverFeedLink(body []byte, baseURL string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}

	var rssLink, atomLink string
	tokenizer := html.NewTokenizer(bytes.NewReader(body))

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return pickFeedLink(atomLink, rssLink)

		case html.EndTagToken:
			if tn, _ := tokenizer.TagName(); string(tn) == "head" {
				return pickFeedLink(atomLink, rssLink)
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			switch string(tn) {
			case "body":
				return pickFeedLink(atomLink, rssLink)
			case "link":
			default:
				continue
			}
			if !hasAttr {
				continue
			}

			var rel, linkType, href string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					linkType = strings.ToLower(string(val))
				case "href":
					href = string(val)
				}
				if !more {
					break
				}
			}
			if rel != "alternate" || href == "" {
				continue
			}

			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			resolved := base.ResolveReference(ref).String()

			switch linkType {
			case "application/atom+xml":
				if atomLink == "" {
					atomLink = resolved
				}
			case "application/rss+xml":
				if rssLink == "" {
					rssLink = resolved
				}
			}
		}
	}
}

func pickFeedLink(atomLink, rssLink string) string {
	if atomLink != "" {
		return atomLink
	}
	return rssLink
}
