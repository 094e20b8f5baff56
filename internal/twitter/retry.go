package twitter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RequestResult はHTTPステータスコードに基づくリモートAPI呼び出し結果の分類。
type RequestResult int

const (
	// RequestResultOK は成功（2xx）。
	RequestResultOK RequestResult = iota
	// RequestResultRetry は再試行で回復しうるステータス（429/5xx）。
	RequestResultRetry
	// RequestResultFail は再試行しても回復しないステータス（4xx）。
	RequestResultFail
)

// maxRetryAfter はRetry-Afterヘッダーで指定された待機時間の上限。
const maxRetryAfter = time.Minute

// ClassifyHTTPStatus はHTTPステータスコードを呼び出し結果に分類する。
func ClassifyHTTPStatus(statusCode int) RequestResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return RequestResultOK
	case statusCode == http.StatusTooManyRequests:
		return RequestResultRetry
	case statusCode >= 500:
		return RequestResultRetry
	default:
		return RequestResultFail
	}
}

// CalculateBackoff は試行回数に基づいて指数バックオフ遅延を計算する。
// 初回はbase、以降2倍ずつ増加する。
func CalculateBackoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// retryAfter はRetry-Afterヘッダーの待機時間を返す。解釈できない場合はfallbackを返す。
func retryAfter(h http.Header, now time.Time, fallback time.Duration) time.Duration {
	ra := h.Get("Retry-After")
	if ra == "" {
		return fallback
	}
	wait := fallback
	if secs, err := strconv.Atoi(ra); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(ra); err == nil {
		if d := t.Sub(now); d > 0 {
			wait = d
		}
	}
	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}
	return wait
}

// doWithRetry は冪等なリクエストを429/5xxおよび通信エラー時に再試行する。
// 最後のレスポンスまたはエラーを返す。
func (c *Client) doWithRetry(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		wait := CalculateBackoff(c.baseBackoff, attempt)
		if err == nil {
			if ClassifyHTTPStatus(resp.StatusCode) != RequestResultRetry || attempt == c.maxAttempts-1 {
				return resp, nil
			}
			wait = retryAfter(resp.Header, c.nowFn(), wait)
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt == c.maxAttempts-1 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}
