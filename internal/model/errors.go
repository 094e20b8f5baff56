// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, ticket, stream, remote, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeTicketNotFound      = "TICKET_NOT_FOUND"
	ErrCodeAlreadyTracking     = "ALREADY_TRACKING"
	ErrCodeInvalidStatus       = "INVALID_STATUS"
	ErrCodeInvalidPatch        = "INVALID_PATCH"
	ErrCodeInvalidNote         = "INVALID_NOTE"
	ErrCodeNoteNotFound        = "NOTE_NOT_FOUND"
	ErrCodeNoteForbidden       = "NOTE_FORBIDDEN"
	ErrCodeStreamConfiguration = "STREAM_CONFIGURATION"
	ErrCodeRemoteAPIFailed     = "REMOTE_API_FAILED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeTwitterNotLinked    = "TWITTER_NOT_LINKED"
	ErrCodeInvalidReply        = "INVALID_REPLY"
	ErrCodeRateLimited         = "RATE_LIMITED"
)

// ConfigurationError はストリーム設定やユーザー資格情報の不備を表す。
type ConfigurationError struct {
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("ストリーム設定が不正です: %s", e.Reason)
}

// ConnectionError はストリーム接続の失敗を表す。
type ConnectionError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ストリーム接続に失敗しました: %v", e.Err)
}

// Unwrap は原因エラーを返す。
func (e *ConnectionError) Unwrap() error { return e.Err }

// StorageError はチケットストアの読み書き失敗を表す。
type StorageError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *StorageError) Error() string {
	return fmt.Sprintf("ストア操作（%s）に失敗しました: %v", e.Op, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *StorageError) Unwrap() error { return e.Err }

// RemoteAPIError はリモートAPI呼び出しの失敗を表す。
// StatusCode はHTTPレスポンスを受け取れなかった場合0となる。
type RemoteAPIError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *RemoteAPIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("リモートAPI %s が失敗しました（status=%d）: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("リモートAPI %s が失敗しました: %v", e.Endpoint, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *RemoteAPIError) Unwrap() error { return e.Err }

// NewTicketNotFoundError はチケット未検出エラーを生成する。
func NewTicketNotFoundError(twid string) *APIError {
	return &APIError{
		Code:     ErrCodeTicketNotFound,
		Message:  fmt.Sprintf("指定されたチケットが見つかりません: %s", twid),
		Category: "ticket",
		Action:   "投稿IDを確認してください。",
	}
}

// NewAlreadyTrackingError は既に追跡中の投稿を再度登録しようとした場合のエラーを生成する。
func NewAlreadyTrackingError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyTracking,
		Message:  "この投稿は既に追跡しています。",
		Category: "ticket",
		Action:   "チケット一覧から該当投稿を確認してください。",
	}
}

// NewInvalidStatusError は無効なチケット状態エラーを生成する。
func NewInvalidStatusError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatus,
		Message:  fmt.Sprintf("無効なチケット状態です: %s", status),
		Category: "validation",
		Action:   "NEW、NO_ACTION_REQUIRED、IN_PROGRESS、COMPLETE、SENT のいずれかを指定してください。",
	}
}

// NewInvalidPatchError は更新できないフィールドが含まれる場合のエラーを生成する。
func NewInvalidPatchError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPatch,
		Message:  fmt.Sprintf("更新内容が不正です: %s", reason),
		Category: "validation",
		Action:   "mozhelp_status のみ更新できます。",
	}
}

// NewInvalidNoteError は空または不正なメモ本文のエラーを生成する。
func NewInvalidNoteError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidNote,
		Message:  "メモの本文が空です。",
		Category: "validation",
		Action:   "メモの本文を入力してください。",
	}
}

// NewNoteNotFoundError はメモ未検出エラーを生成する。
func NewNoteNotFoundError(noteID string) *APIError {
	return &APIError{
		Code:     ErrCodeNoteNotFound,
		Message:  fmt.Sprintf("指定されたメモが見つかりません: %s", noteID),
		Category: "ticket",
		Action:   "メモIDを確認してください。",
	}
}

// NewNoteForbiddenError は他人のメモを変更しようとした場合のエラーを生成する。
func NewNoteForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeNoteForbidden,
		Message:  "このメモを変更する権限がありません。",
		Category: "auth",
		Action:   "自分が作成したメモのみ編集・削除できます。",
	}
}

// NewStreamConfigurationError はストリーム設定不備のエラーを生成する。
func NewStreamConfigurationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeStreamConfiguration,
		Message:  fmt.Sprintf("ストリームを開始できません: %s", reason),
		Category: "stream",
		Action:   "検索語とストリーム所有者のTwitter連携を確認してください。",
	}
}

// NewRemoteAPIFailedError はリモートAPI失敗エラーを生成する。
func NewRemoteAPIFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteAPIFailed,
		Message:  fmt.Sprintf("リモートAPIの呼び出しに失敗しました: %s", reason),
		Category: "remote",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUnauthenticatedError は識別ヘッダーが無い場合のエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "ユーザーを識別できません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewTwitterNotLinkedError はユーザーにTwitter連携の資格情報が無い場合のエラーを生成する。
func NewTwitterNotLinkedError() *APIError {
	return &APIError{
		Code:     ErrCodeTwitterNotLinked,
		Message:  "Twitterアカウントが連携されていません。",
		Category: "auth",
		Action:   "Twitterアカウントを連携してから再度お試しください。",
	}
}

// NewInvalidReplyError は返信本文が空の場合のエラーを生成する。
func NewInvalidReplyError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidReply,
		Message:  "返信の本文が空です。",
		Category: "validation",
		Action:   "返信の本文を入力してください。",
	}
}

// NewRateLimitedError はレート制限を超過した場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}
