package twitter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/hitoshi/tweetdesk/internal/model"
)

// maxStreamLineBytes は1イベントあたりの最大バイト数。
const maxStreamLineBytes = 1 << 20

// FilterStream はフィルタストリームの接続。改行区切りのJSONイベントを1件ずつ返す。
type FilterStream struct {
	body    io.ReadCloser
	decoded io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
}

// Filter は検索語trackでフィルタストリームに接続する。
// 接続後のイベント読み取りは ctx のキャンセルまたは Close で中断される。
func (c *Client) Filter(ctx context.Context, creds model.TwitterCredentials, track string) (*FilterStream, error) {
	form := url.Values{"track": {track}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", userAgent)
	c.signRequest(req, creds.AccessToken, creds.AccessTokenSecret, form)

	start := time.Now()
	resp, err := c.streamClient.Do(req)
	if err != nil {
		c.metrics.RecordRemoteRequest(EndpointFilter, 0, time.Since(start))
		return nil, &model.RemoteAPIError{Endpoint: EndpointFilter, Err: err}
	}
	c.metrics.RecordRemoteRequest(EndpointFilter, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		c.logger.Error("フィルタストリームへの接続が拒否されました",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &model.RemoteAPIError{
			Endpoint:   EndpointFilter,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(msg))),
		}
	}

	decoded := resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, &model.RemoteAPIError{
				Endpoint:   EndpointFilter,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("gzipストリームの初期化に失敗しました: %w", err),
			}
		}
		decoded = gz
	}

	scanner := bufio.NewScanner(decoded)
	scanner.Buffer(make([]byte, 0, 64<<10), maxStreamLineBytes)

	return &FilterStream{
		body:    resp.Body,
		decoded: decoded,
		scanner: scanner,
	}, nil
}

// Next は次のイベント本文を返す。キープアライブの空行は読み飛ばす。
// ストリームが終了した場合は io.EOF を返す。
func (s *FilterStream) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close は接続を閉じる。複数回呼び出しても安全。
func (s *FilterStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.decoded != s.body {
			_ = s.decoded.Close()
		}
	})
	return err
}
