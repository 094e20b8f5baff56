package twitter

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// signRequest はOAuth 1.0a (HMAC-SHA1) のAuthorizationヘッダーを付与する。
// paramsにはクエリパラメータとフォームボディのパラメータを合わせて渡す。
func (c *Client) signRequest(req *http.Request, token, tokenSecret string, params url.Values) {
	oauth := map[string]string{
		"oauth_consumer_key":     c.consumerKey,
		"oauth_nonce":            c.nonceFn(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(c.nowFn().Unix(), 10),
		"oauth_token":            token,
		"oauth_version":          "1.0",
	}

	pairs := make([]string, 0, len(oauth)+len(params))
	for k, v := range oauth {
		pairs = append(pairs, rfc3986(k)+"="+rfc3986(v))
	}
	for k, vs := range params {
		for _, v := range vs {
			pairs = append(pairs, rfc3986(k)+"="+rfc3986(v))
		}
	}
	sort.Strings(pairs)

	baseURL := req.URL.Scheme + "://" + req.URL.Host + req.URL.EscapedPath()
	base := strings.ToUpper(req.Method) + "&" + rfc3986(baseURL) + "&" + rfc3986(strings.Join(pairs, "&"))
	signingKey := rfc3986(c.consumerSecret) + "&" + rfc3986(tokenSecret)

	mac := hmac.New(sha1.New, []byte(signingKey))
	_, _ = mac.Write([]byte(base))
	oauth["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	keys := make([]string, 0, len(oauth))
	for k := range oauth {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", rfc3986(k), rfc3986(oauth[k])))
	}
	req.Header.Set("Authorization", "OAuth "+strings.Join(parts, ", "))
}

// rfc3986 はOAuth署名用のパーセントエンコードを行う。
func rfc3986(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	escaped = strings.ReplaceAll(escaped, "*", "%2A")
	return strings.ReplaceAll(escaped, "%7E", "~")
}
