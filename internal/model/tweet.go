// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// twitterTimeLayout はリモートAPIが返すcreated_atの形式。
// 例: "Mon Jan 02 15:04:05 -0700 2006"
const twitterTimeLayout = time.RubyDate

// TwitterTime はリモートAPIの日時表現をJSONで往復できるtime.Time。
// ゼロ値は「フィールドなし」として扱われる。
type TwitterTime struct {
	time.Time
}

// MarshalJSON はリモートAPIと同じ形式で日時を出力する。
func (t TwitterTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(twitterTimeLayout))
}

// UnmarshalJSON はRubyDate形式とRFC3339形式の両方を受け付ける。
// パースできない値はゼロ値として扱い、エラーにはしない。
func (t *TwitterTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil || s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(twitterTimeLayout, s); err == nil {
		t.Time = parsed
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339, s); err == nil {
		t.Time = parsed
		return nil
	}
	t.Time = time.Time{}
	return nil
}

// TweetUser は投稿者のサマリー。
type TweetUser struct {
	IDStr                string `json:"id_str,omitempty"`
	Name                 string `json:"name,omitempty"`
	ScreenName           string `json:"screen_name,omitempty"`
	ProfileImageURLHTTPS string `json:"profile_image_url_https,omitempty"`
}

// IsZero はユーザー情報が1つも含まれていない場合にtrueを返す。
func (u *TweetUser) IsZero() bool {
	return u == nil || (u.IDStr == "" && u.Name == "" && u.ScreenName == "" && u.ProfileImageURLHTTPS == "")
}

// Tweet はリモートAPIの投稿、またはチケット情報を重ねた結合ビューを表す。
// retweeted_status / quoted_status に入れ子の投稿を持つ木構造になる。
type Tweet struct {
	IDStr                string      `json:"id_str"`
	Text                 string      `json:"text"`
	Lang                 string      `json:"lang,omitempty"`
	InReplyToStatusIDStr string      `json:"in_reply_to_status_id_str,omitempty"`
	InReplyToScreenName  string      `json:"in_reply_to_screen_name,omitempty"`
	CreatedAt            TwitterTime `json:"created_at"`
	Source               string      `json:"source,omitempty"`
	RetweetCount         int         `json:"retweet_count,omitempty"`
	FavoriteCount        int         `json:"favorite_count,omitempty"`
	User                 *TweetUser  `json:"user,omitempty"`
	RetweetedStatus      *Tweet      `json:"retweeted_status,omitempty"`
	QuotedStatus         *Tweet      `json:"quoted_status,omitempty"`

	// チケット由来のフィールド
	Twid          string       `json:"twid,omitempty"`
	MozhelpStatus TicketStatus `json:"mozhelp_status,omitempty"`
	MozhelpNotes  []Note       `json:"mozhelp_notes,omitempty"`
}

// IsPost は構造的に投稿とみなせるか（id_strとtextが空でない）を返す。
func (t *Tweet) IsPost() bool {
	return t != nil && strings.TrimSpace(t.IDStr) != "" && t.Text != ""
}

// IsRetweet は投稿自体がリツイートである場合にtrueを返す。
func (t *Tweet) IsRetweet() bool {
	return t != nil && t.RetweetedStatus != nil
}
