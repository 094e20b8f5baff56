package twitter

import (
	"strings"

	"golang.org/x/net/html"
)

// SourceName は投稿のsourceフィールド（HTMLアンカー）から表示名を取り出す。
// 例: `<a href="https://mobile.twitter.com" rel="nofollow">Twitter Web App</a>` → "Twitter Web App"
// HTMLでない値はそのまま（前後の空白を除いて）返す。
func SourceName(source string) string {
	if strings.TrimSpace(source) == "" {
		return ""
	}

	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(source))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}
