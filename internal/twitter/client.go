// Package twitter はTwitter REST APIおよびストリーミングAPIのクライアントを提供する。
// ユーザーコンテキストのOAuth 1.0a署名、レート制限、再試行を含む。
package twitter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/tweetdesk/internal/metrics"
	"github.com/hitoshi/tweetdesk/internal/model"
)

const (
	// DefaultBaseURL はREST APIのベースURL。
	DefaultBaseURL = "https://api.twitter.com"
	// DefaultStreamURL はフィルタストリームのエンドポイント。
	DefaultStreamURL = "https://stream.twitter.com/1.1/statuses/filter.json"
	// MaxLookupIDs はstatuses/lookupの1リクエストあたりの最大ID数。
	MaxLookupIDs = 100

	defaultMaxAttempts = 3
	defaultBaseBackoff = 500 * time.Millisecond
	// maxErrorBodyBytes はエラーレスポンスから読み取る本文の上限。
	maxErrorBodyBytes = 4 << 10
	userAgent         = "Tweetdesk/1.0"
)

// エンドポイント名（メトリクスとエラーで使用する）
const (
	EndpointLookup = "statuses/lookup"
	EndpointShow   = "statuses/show"
	EndpointUpdate = "statuses/update"
	EndpointSearch = "search/tweets"
	EndpointFilter = "statuses/filter"
)

// Options はクライアントの設定値。ゼロ値のフィールドは既定値を使用する。
type Options struct {
	BaseURL        string
	StreamURL      string
	ConsumerKey    string
	ConsumerSecret string
	RPS            float64
	Burst          int
	MaxAttempts    int
	BaseBackoff    time.Duration
}

// Client はTwitter APIのクライアント。
// REST呼び出しはhttpClient、ストリーム接続はstreamClient（タイムアウトなし）を使用する。
type Client struct {
	httpClient     *http.Client
	streamClient   *http.Client
	logger         *slog.Logger
	metrics        metrics.MetricsCollector
	baseURL        string
	streamURL      string
	consumerKey    string
	consumerSecret string
	limiter        *rate.Limiter
	maxAttempts    int
	baseBackoff    time.Duration

	nowFn   func() time.Time // テスト用に差し替え可能
	nonceFn func() string    // テスト用に差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient, streamClient *http.Client, logger *slog.Logger, mc metrics.MetricsCollector, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.StreamURL == "" {
		opts.StreamURL = DefaultStreamURL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if mc == nil {
		mc = metrics.Nop{}
	}

	limit := rate.Inf
	burst := opts.Burst
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
		if burst <= 0 {
			burst = 1
		}
	}

	return &Client{
		httpClient:     httpClient,
		streamClient:   streamClient,
		logger:         logger,
		metrics:        mc,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		streamURL:      opts.StreamURL,
		consumerKey:    opts.ConsumerKey,
		consumerSecret: opts.ConsumerSecret,
		limiter:        rate.NewLimiter(limit, burst),
		maxAttempts:    opts.MaxAttempts,
		baseBackoff:    opts.BaseBackoff,
		nowFn:          time.Now,
		nonceFn:        randomNonce,
	}
}

// SearchResult はsearch/tweetsのレスポンス。
type SearchResult struct {
	Statuses       []model.Tweet   `json:"statuses"`
	SearchMetadata json.RawMessage `json:"search_metadata,omitempty"`
}

// Lookup は複数の投稿をIDで一括取得する。
// IDは最大100件まで。存在しない・非公開の投稿は結果に含まれない。
func (c *Client) Lookup(ctx context.Context, creds model.TwitterCredentials, ids []string) ([]model.Tweet, error) {
	if len(ids) == 0 {
		return []model.Tweet{}, nil
	}
	if len(ids) > MaxLookupIDs {
		return nil, fmt.Errorf("IDの数が上限を超えています: %d > %d", len(ids), MaxLookupIDs)
	}

	q := url.Values{}
	q.Set("id", strings.Join(ids, ","))

	var tweets []model.Tweet
	if err := c.getJSON(ctx, creds, EndpointLookup, "/1.1/statuses/lookup.json", q, &tweets); err != nil {
		return nil, err
	}
	if tweets == nil {
		tweets = []model.Tweet{}
	}
	return tweets, nil
}

// Show は単一の投稿を取得する。
func (c *Client) Show(ctx context.Context, creds model.TwitterCredentials, id string) (*model.Tweet, error) {
	var tweet model.Tweet
	path := "/1.1/statuses/show/" + url.PathEscape(id) + ".json"
	if err := c.getJSON(ctx, creds, EndpointShow, path, url.Values{}, &tweet); err != nil {
		return nil, err
	}
	return &tweet, nil
}

// Search は投稿を検索する。paramsはsearch/tweetsのクエリパラメータをそのまま渡す。
func (c *Client) Search(ctx context.Context, creds model.TwitterCredentials, params url.Values) (*SearchResult, error) {
	if params == nil {
		params = url.Values{}
	}
	var result SearchResult
	if err := c.getJSON(ctx, creds, EndpointSearch, "/1.1/search/tweets.json", params, &result); err != nil {
		return nil, err
	}
	if result.Statuses == nil {
		result.Statuses = []model.Tweet{}
	}
	return &result, nil
}

// Update は投稿を送信する。inReplyToが空でない場合はその投稿への返信となる。
// 非冪等なため再試行は行わない。
func (c *Client) Update(ctx context.Context, creds model.TwitterCredentials, status, inReplyTo string) (*model.Tweet, error) {
	form := url.Values{}
	form.Set("status", status)
	if inReplyTo != "" {
		form.Set("in_reply_to_status_id", inReplyTo)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &model.RemoteAPIError{Endpoint: EndpointUpdate, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/1.1/statuses/update.json", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	c.signRequest(req, creds.AccessToken, creds.AccessTokenSecret, form)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	var tweet model.Tweet
	if err := c.handleResponse(EndpointUpdate, start, resp, err, &tweet); err != nil {
		return nil, err
	}
	return &tweet, nil
}

// getJSON は署名付きGETリクエストを再試行付きで送信し、レスポンスをoutにデコードする。
func (c *Client) getJSON(ctx context.Context, creds model.TwitterCredentials, endpoint, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &model.RemoteAPIError{Endpoint: endpoint, Err: err}
	}

	reqURL := c.baseURL + path
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	start := time.Now()
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		c.signRequest(req, creds.AccessToken, creds.AccessTokenSecret, q)
		return req, nil
	})
	return c.handleResponse(endpoint, start, resp, err, out)
}

// handleResponse はレスポンスのステータスを検査し、成功時は本文をoutにデコードする。
// 失敗は *model.RemoteAPIError として返し、いずれの場合もメトリクスを記録する。
func (c *Client) handleResponse(endpoint string, start time.Time, resp *http.Response, doErr error, out any) error {
	if doErr != nil {
		c.metrics.RecordRemoteRequest(endpoint, 0, time.Since(start))
		c.logger.Error("Twitter APIの呼び出しに失敗しました",
			slog.String("endpoint", endpoint),
			slog.String("error", doErr.Error()),
		)
		return &model.RemoteAPIError{Endpoint: endpoint, Err: doErr}
	}
	defer resp.Body.Close()
	c.metrics.RecordRemoteRequest(endpoint, resp.StatusCode, time.Since(start))

	if ClassifyHTTPStatus(resp.StatusCode) != RequestResultOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger.Error("Twitter APIがエラーステータスを返しました",
			slog.String("endpoint", endpoint),
			slog.Int("http_status", resp.StatusCode),
		)
		return &model.RemoteAPIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Error("Twitter APIのレスポンスのパースに失敗しました",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return &model.RemoteAPIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err),
		}
	}
	return nil
}

// randomNonce はOAuth署名用のランダムなnonceを生成する。
func randomNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
