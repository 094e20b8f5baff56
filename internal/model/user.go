// Package model はドメインモデルを定義する。
package model

import "time"

// User はストリームを所有し、返信を投稿するボランティアユーザーを表す。
type User struct {
	ID         string
	Name       string
	ScreenName string
	Twitter    TwitterCredentials
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TwitterCredentials はユーザーコンテキストのOAuth 1.0aトークン。
type TwitterCredentials struct {
	AccessToken       string
	AccessTokenSecret string
}

// HasTwitterCredentials はリモートAPIを呼び出せる資格情報を持つかどうかを返す。
func (u *User) HasTwitterCredentials() bool {
	return u != nil && u.Twitter.AccessToken != "" && u.Twitter.AccessTokenSecret != ""
}
