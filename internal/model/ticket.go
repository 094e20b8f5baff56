// Package model はドメインモデルを定義する。
package model

import "time"

// TicketStatus はチケットのワークフロー状態を表す。
type TicketStatus string

const (
	// TicketStatusNew は未対応の新規チケット。
	TicketStatusNew TicketStatus = "NEW"
	// TicketStatusNoActionRequired は対応不要のチケット（リツイート等）。
	TicketStatusNoActionRequired TicketStatus = "NO_ACTION_REQUIRED"
	// TicketStatusInProgress は返信済みで対応中のチケット。
	TicketStatusInProgress TicketStatus = "IN_PROGRESS"
	// TicketStatusComplete は対応完了のチケット。
	TicketStatusComplete TicketStatus = "COMPLETE"
	// TicketStatusSent はこちらから送信した投稿のチケット。
	TicketStatusSent TicketStatus = "SENT"
)

// Valid は定義済みの状態かどうかを返す。
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusNew, TicketStatusNoActionRequired, TicketStatusInProgress,
		TicketStatusComplete, TicketStatusSent:
		return true
	default:
		return false
	}
}

// Ticket は追跡対象の投稿ごとの永続レコード。
// Twid はリモート投稿のID（id_str）と一致し、一意である。
type Ticket struct {
	Twid                 string
	Text                 string
	Lang                 string
	InReplyToStatusIDStr string
	RetweetedStatusIDStr string
	PostedAt             *time.Time
	SourceName           string
	User                 TweetUser
	Status               TicketStatus
	Notes                []Note
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Note はチケットに付与されるボランティアのメモ。
type Note struct {
	ID        string    `json:"_id"`
	Note      string    `json:"note"`
	User      string    `json:"user"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewTicketFromTweet は投稿からキャッシュ用のチケットを生成する。
// 状態は投稿がリツイートならNO_ACTION_REQUIRED、それ以外はNEWとなる。
func NewTicketFromTweet(t Tweet, sourceName string) *Ticket {
	ticket := &Ticket{
		Twid:                 t.IDStr,
		Text:                 t.Text,
		Lang:                 t.Lang,
		InReplyToStatusIDStr: t.InReplyToStatusIDStr,
		SourceName:           sourceName,
		Status:               TicketStatusNew,
		Notes:                []Note{},
	}
	if t.RetweetedStatus != nil {
		ticket.RetweetedStatusIDStr = t.RetweetedStatus.IDStr
		ticket.Status = TicketStatusNoActionRequired
	}
	if !t.CreatedAt.IsZero() {
		postedAt := t.CreatedAt.Time
		ticket.PostedAt = &postedAt
	}
	if t.User != nil {
		ticket.User = *t.User
	}
	return ticket
}

// AsTweet はチケットのキャッシュ内容を結合ビューとして返す。
// 入れ子の投稿はキャッシュしていないため、retweeted_statusはIDのみ保持する。
func (t *Ticket) AsTweet() Tweet {
	tw := Tweet{
		IDStr:                t.Twid,
		Text:                 t.Text,
		Lang:                 t.Lang,
		InReplyToStatusIDStr: t.InReplyToStatusIDStr,
		Twid:                 t.Twid,
		MozhelpStatus:        t.Status,
		MozhelpNotes:         t.Notes,
	}
	if tw.MozhelpNotes == nil {
		tw.MozhelpNotes = []Note{}
	}
	if t.RetweetedStatusIDStr != "" {
		tw.RetweetedStatus = &Tweet{IDStr: t.RetweetedStatusIDStr}
	}
	if t.PostedAt != nil {
		tw.CreatedAt = TwitterTime{Time: *t.PostedAt}
	}
	if !t.User.IsZero() {
		u := t.User
		tw.User = &u
	}
	return tw
}

// DefaultTicketTweet はストアに存在しない投稿に重ねる既定のチケット情報。
func DefaultTicketTweet() Tweet {
	return Tweet{
		MozhelpStatus: TicketStatusNoActionRequired,
		MozhelpNotes:  []Note{},
	}
}

// TicketPage はページネーションされたチケット一覧。
type TicketPage struct {
	Docs   []Tweet `json:"docs"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}
