package ticket

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/tweetdesk/internal/model"
	"github.com/hitoshi/tweetdesk/internal/twitter"
)

// TweetLookup はHydratorが使用する投稿一括取得のインターフェース。
// 1回の呼び出しで渡せるIDは twitter.MaxLookupIDs 件まで。
type TweetLookup interface {
	Lookup(ctx context.Context, creds model.TwitterCredentials, ids []string) ([]model.Tweet, error)
}

// Hydrator はキャッシュ済みチケットをリモートAPIの最新の投稿で補完する。
// 入れ子の投稿IDは1回目の応答まで分からないため、最低2回の一括取得を行う。
type Hydrator struct {
	lookup TweetLookup
	merger *Merger
	logger *slog.Logger
}

// NewHydrator は新しいHydratorを生成する。
func NewHydrator(lookup TweetLookup, merger *Merger, logger *slog.Logger) *Hydrator {
	return &Hydrator{
		lookup: lookup,
		merger: merger,
		logger: logger,
	}
}

// Hydrate はチケット列を補完し、チケット情報を重ねた投稿列を返す。
//  1. 全チケットのIDを一括取得する（100件ごとに分割）
//  2. 取得結果をキャッシュに重ね、ツリー全体のIDを深さ優先で収集する
//  3. 収集したIDの先頭100件を再度一括取得する（101件目以降は今回は補完しない）
//  4. 取得できたノードに結果を重ねる（子ノードは手順2のツリーから再構築する）
//  5. Mergerでチケット情報を重ねる
//
// 手順1・3の失敗は *model.RemoteAPIError として返す。呼び出し元はキャッシュにフォールバックする。
func (h *Hydrator) Hydrate(ctx context.Context, creds model.TwitterCredentials, tickets []*model.Ticket) ([]model.Tweet, error) {
	if len(tickets) == 0 {
		return []model.Tweet{}, nil
	}

	ids := make([]string, 0, len(tickets))
	for _, t := range tickets {
		ids = append(ids, t.Twid)
	}

	// 手順1
	first := make(map[string]model.Tweet, len(ids))
	for start := 0; start < len(ids); start += twitter.MaxLookupIDs {
		end := min(start+twitter.MaxLookupIDs, len(ids))
		found, err := h.lookupIDs(ctx, creds, ids[start:end])
		if err != nil {
			return nil, err
		}
		for _, t := range found {
			first[t.IDStr] = t
		}
	}

	// 手順2
	trees := make([]model.Tweet, len(tickets))
	for i, t := range tickets {
		cached := t.AsTweet()
		if live, ok := first[t.Twid]; ok {
			trees[i] = Overlay(cached, live)
		} else {
			trees[i] = cached
		}
	}
	nested := CollectIDs(trees)
	if len(nested) > twitter.MaxLookupIDs {
		h.logger.Debug("入れ子の投稿IDが上限を超えたため一部を補完しません",
			slog.Int("collected", len(nested)),
			slog.Int("dropped", len(nested)-twitter.MaxLookupIDs),
		)
	}

	// 手順3
	found, err := h.lookupIDs(ctx, creds, firstN(nested, twitter.MaxLookupIDs))
	if err != nil {
		return nil, err
	}
	second := make(map[string]model.Tweet, len(found))
	for _, t := range found {
		second[t.IDStr] = t
	}

	// 手順4
	hydrated := mapTrees(trees, func(node model.Tweet) model.Tweet {
		if live, ok := second[node.IDStr]; ok {
			return Overlay(node, live)
		}
		return node
	})

	// 手順5
	return h.merger.Merge(ctx, hydrated)
}

// HydrateOne は単一のチケットを補完する。
func (h *Hydrator) HydrateOne(ctx context.Context, creds model.TwitterCredentials, ticket *model.Ticket) (model.Tweet, error) {
	tweets, err := h.Hydrate(ctx, creds, []*model.Ticket{ticket})
	if err != nil {
		return model.Tweet{}, err
	}
	return tweets[0], nil
}

// lookupIDs は一括取得を行い、失敗を *model.RemoteAPIError に揃える。
func (h *Hydrator) lookupIDs(ctx context.Context, creds model.TwitterCredentials, ids []string) ([]model.Tweet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := h.lookup.Lookup(ctx, creds, ids)
	if err != nil {
		var apiErr *model.RemoteAPIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, &model.RemoteAPIError{Endpoint: twitter.EndpointLookup, Err: err}
	}
	return found, nil
}
