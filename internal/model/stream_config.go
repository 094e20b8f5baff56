// Package model はドメインモデルを定義する。
package model

// StreamConfigName はapp_configテーブルにおけるストリーム設定の行名。
const StreamConfigName = "stream"

// StreamConfig は永続化されたストリーム設定。
// UserID が空の場合、ストリームは開始できない。
type StreamConfig struct {
	SearchTerm string  `json:"search_term"`
	UserID     *string `json:"user_id"`
}

// OwnerID はストリーム所有者のIDを返す。未設定の場合は空文字列を返す。
func (c StreamConfig) OwnerID() string {
	if c.UserID == nil {
		return ""
	}
	return *c.UserID
}

// StreamStatus はストリームの設定と稼働状態を合わせたビュー。
type StreamStatus struct {
	SearchTerm   string  `json:"search_term"`
	UserID       *string `json:"user_id"`
	IsActive     bool    `json:"is_active"`
	State        string  `json:"state"`
	Reconnecting bool    `json:"reconnecting"`
	Backoff      float64 `json:"backoff"`
}
