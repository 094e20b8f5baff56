// Package ticket はチケットと投稿ツリーの突き合わせ、リモートAPIによる補完、
// チケット操作のユースケースを提供する。
package ticket

import "github.com/hitoshi/tweetdesk/internal/model"

// MaxNestingDepth は走査する入れ子の最大深さ（ルート=0）。
// これより深いノードは変更せずにそのまま引き継ぐ。
const MaxNestingDepth = 2

// CollectIDs は投稿ツリーを深さ優先で走査し、重複を除いたIDを発見順に返す。
// 走査順はルート、リツイート元（とその子）、引用元（とその子）の順。
func CollectIDs(tweets []model.Tweet) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(tweets))

	var visit func(t *model.Tweet, depth int)
	visit = func(t *model.Tweet, depth int) {
		if t == nil || depth > MaxNestingDepth {
			return
		}
		if t.IDStr != "" {
			if _, ok := seen[t.IDStr]; !ok {
				seen[t.IDStr] = struct{}{}
				ids = append(ids, t.IDStr)
			}
		}
		visit(t.RetweetedStatus, depth+1)
		visit(t.QuotedStatus, depth+1)
	}

	for i := range tweets {
		visit(&tweets[i], 0)
	}
	return ids
}

// Nodes はツリーの各ノードを深さ優先で返す。IDが重複するノードは最初のもののみ返す。
// 返すノードは子ノードへのポインタを元のツリーと共有する。
func Nodes(t model.Tweet) []model.Tweet {
	seen := make(map[string]struct{})
	var nodes []model.Tweet

	var visit func(n *model.Tweet, depth int)
	visit = func(n *model.Tweet, depth int) {
		if n == nil || depth > MaxNestingDepth {
			return
		}
		if _, ok := seen[n.IDStr]; !ok {
			seen[n.IDStr] = struct{}{}
			nodes = append(nodes, *n)
		}
		visit(n.RetweetedStatus, depth+1)
		visit(n.QuotedStatus, depth+1)
	}
	visit(&t, 0)
	return nodes
}

// mapTree はツリーの各ノードにfnを適用した新しいツリーを返す。
// 子ノードは元のツリーtから再構築するため、fnが返す子は使われない。
// MaxNestingDepthより深い子は元のポインタをそのまま引き継ぐ。
func mapTree(t model.Tweet, depth int, fn func(model.Tweet) model.Tweet) model.Tweet {
	node := fn(t)
	node.RetweetedStatus = t.RetweetedStatus
	node.QuotedStatus = t.QuotedStatus

	if depth >= MaxNestingDepth {
		return node
	}
	if t.RetweetedStatus != nil {
		child := mapTree(*t.RetweetedStatus, depth+1, fn)
		node.RetweetedStatus = &child
	}
	if t.QuotedStatus != nil {
		child := mapTree(*t.QuotedStatus, depth+1, fn)
		node.QuotedStatus = &child
	}
	return node
}

// mapTrees は複数ツリーにmapTreeを適用する。
func mapTrees(tweets []model.Tweet, fn func(model.Tweet) model.Tweet) []model.Tweet {
	out := make([]model.Tweet, len(tweets))
	for i, t := range tweets {
		out[i] = mapTree(t, 0, fn)
	}
	return out
}

// firstN は先頭からn件までを返す。
func firstN(ids []string, n int) []string {
	if len(ids) <= n {
		return ids
	}
	return ids[:n]
}
