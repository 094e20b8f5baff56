package ticket

import (
	"context"

	"github.com/hitoshi/tweetdesk/internal/model"
)

// TicketFinder はMergerが使用するチケット一括取得のインターフェース。
type TicketFinder interface {
	FindByIDs(ctx context.Context, twids []string) ([]*model.Ticket, error)
}

// Merger は投稿ツリーの各ノードにキャッシュ済みチケットの情報を重ねる。
type Merger struct {
	tickets TicketFinder
}

// NewMerger は新しいMergerを生成する。
func NewMerger(tickets TicketFinder) *Merger {
	return &Merger{tickets: tickets}
}

// Overlay はbaseのコピーにliveの値を持つフィールドを上書きした投稿を返す。
// mozhelp_status / mozhelp_notes / twid はbaseが値を持つ場合baseを優先する。
// 入れ子の子ノードはツリー走査側で設定する。
func Overlay(base, live model.Tweet) model.Tweet {
	out := base

	if live.IDStr != "" {
		out.IDStr = live.IDStr
	}
	if live.Text != "" {
		out.Text = live.Text
	}
	if live.Lang != "" {
		out.Lang = live.Lang
	}
	if live.InReplyToStatusIDStr != "" {
		out.InReplyToStatusIDStr = live.InReplyToStatusIDStr
	}
	if live.InReplyToScreenName != "" {
		out.InReplyToScreenName = live.InReplyToScreenName
	}
	if !live.CreatedAt.IsZero() {
		out.CreatedAt = live.CreatedAt
	}
	if live.Source != "" {
		out.Source = live.Source
	}
	if live.RetweetCount != 0 {
		out.RetweetCount = live.RetweetCount
	}
	if live.FavoriteCount != 0 {
		out.FavoriteCount = live.FavoriteCount
	}
	if live.User != nil {
		u := *live.User
		out.User = &u
	}
	if live.RetweetedStatus != nil {
		out.RetweetedStatus = live.RetweetedStatus
	}
	if live.QuotedStatus != nil {
		out.QuotedStatus = live.QuotedStatus
	}

	if out.Twid == "" {
		out.Twid = live.Twid
	}
	if out.MozhelpStatus == "" {
		out.MozhelpStatus = live.MozhelpStatus
	}
	if out.MozhelpNotes == nil && live.MozhelpNotes != nil {
		out.MozhelpNotes = live.MozhelpNotes
	}
	return out
}

// Merge は投稿列の全ノードにチケット情報を重ねた新しい投稿列を返す。
// チケットの検索は1回のみ行う。ストアに無い投稿には既定のチケット情報
// （NO_ACTION_REQUIRED、メモなし）を重ねる。入力は変更しない。
func (m *Merger) Merge(ctx context.Context, tweets []model.Tweet) ([]model.Tweet, error) {
	if len(tweets) == 0 {
		return []model.Tweet{}, nil
	}

	known := make(map[string]model.Tweet)
	if ids := CollectIDs(tweets); len(ids) > 0 {
		tickets, err := m.tickets.FindByIDs(ctx, ids)
		if err != nil {
			return nil, &model.StorageError{Op: "find_by_ids", Err: err}
		}
		for _, t := range tickets {
			known[t.Twid] = t.AsTweet()
		}
	}

	return mapTrees(tweets, func(node model.Tweet) model.Tweet {
		base, ok := known[node.IDStr]
		if !ok {
			base = model.DefaultTicketTweet()
		}
		return Overlay(base, node)
	}), nil
}

// MergeOne は単一の投稿ツリーにチケット情報を重ねる。
func (m *Merger) MergeOne(ctx context.Context, tweet model.Tweet) (model.Tweet, error) {
	merged, err := m.Merge(ctx, []model.Tweet{tweet})
	if err != nil {
		return model.Tweet{}, err
	}
	return merged[0], nil
}
