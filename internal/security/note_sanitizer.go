package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// NoteSanitizerService はチケットメモ本文のサニタイズ機能のインターフェース。
type NoteSanitizerService interface {
	// Sanitize はメモ本文から危険なHTMLを除去し、前後の空白を取り除いた結果を返す。
	// 許可タグは strong, em, code, br, a(href) のみ。
	Sanitize(body string) string
}

// noteSanitizer はNoteSanitizerServiceの実装。bluemondayのポリシーはスレッドセーフ。
type noteSanitizer struct {
	policy *bluemonday.Policy
}

// NewNoteSanitizer はNoteSanitizerServiceの新しいインスタンスを生成する。
func NewNoteSanitizer() *noteSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("strong", "em", "code", "br")

	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &noteSanitizer{policy: p}
}

// Sanitize はメモ本文をサニタイズする。
func (s *noteSanitizer) Sanitize(body string) string {
	return strings.TrimSpace(s.policy.Sanitize(body))
}
