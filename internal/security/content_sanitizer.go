package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// DescriptionSanitizer はスナップショットのインデックス文書に埋め込む項目説明をサニタイズする。
type DescriptionSanitizer interface {
	// Sanitize は許可リスト外のタグと全ての属性を除去したHTMLを返す。
	Sanitize(rawHTML string) string
}

type descriptionSanitizer struct {
	policy *bluemonday.Policy
}

// NewDescriptionSanitizer は改行と簡単な書式タグのみを許可するサニタイザーを生成する。
// 許可タグ: br, p, hr, b, i, ol, ul, li
func NewDescriptionSanitizer() *descriptionSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("br", "p", "hr", "b", "i", "ol", "ul", "li")

	return &descriptionSanitizer{policy: p}
}

// Sanitize はbluemondayのポリシーを適用する。ポリシーはスレッドセーフ。
func (s *descriptionSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
