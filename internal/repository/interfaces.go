// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/tweetdesk/internal/model"
)

// ErrTicketNotFound は更新対象のチケットが存在しない場合に返される。
var ErrTicketNotFound = errors.New("ticket not found")

// ErrNoteNotFound は更新対象のメモが存在しない場合に返される。
var ErrNoteNotFound = errors.New("note not found")

// TicketRepository はチケットデータの永続化インターフェース。
// twidはリモート投稿のIDであり、チケットは投稿ごとに高々1件である。
type TicketRepository interface {
	// FindByID は指定twidのチケットをメモ付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, twid string) (*model.Ticket, error)

	// FindByIDs は指定twidのチケットをまとめて取得する。
	// 存在しないtwidは結果に含まれない。順序は保証しない。
	FindByIDs(ctx context.Context, twids []string) ([]*model.Ticket, error)

	// Upsert は投稿のキャッシュを作成または更新する。
	// 既存チケットの場合は表示用フィールドのみ更新し、状態とメモは変更しない。
	// 戻り値のboolは新規作成された場合にtrueとなる。
	Upsert(ctx context.Context, ticket *model.Ticket) (*model.Ticket, bool, error)

	// Create はチケットを新規作成する。既に存在する場合はfalseを返す。
	Create(ctx context.Context, ticket *model.Ticket) (bool, error)

	// Save はチケットの状態と表示用フィールドを保存する。
	// 存在しない場合はErrTicketNotFoundを返す。
	Save(ctx context.Context, ticket *model.Ticket) error

	// List はチケットを投稿日時の降順で返す。総件数も合わせて返す。
	List(ctx context.Context, offset, limit int) ([]*model.Ticket, int, error)

	// ListReplies は指定twidへの返信を、返信の返信も含めて再帰的に取得する。
	ListReplies(ctx context.Context, twid string) ([]*model.Ticket, error)

	// AddNote はメモを末尾に追加する。
	AddNote(ctx context.Context, twid string, note *model.Note) error

	// FindNote は指定メモを取得する。見つからない場合はnilを返す。
	FindNote(ctx context.Context, twid, noteID string) (*model.Note, error)

	// UpdateNote はメモ本文を更新する。存在しない場合はErrNoteNotFoundを返す。
	UpdateNote(ctx context.Context, twid, noteID, body string) error

	// DeleteNote はメモを削除する。存在しない場合はErrNoteNotFoundを返す。
	DeleteNote(ctx context.Context, twid, noteID string) error
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Create はユーザーを作成する。IDが空の場合はデータベースで採番する。
	Create(ctx context.Context, user *model.User) error

	// DeleteByID は指定IDのユーザーを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// ConfigRepository はアプリケーション設定行の永続化インターフェース。
type ConfigRepository interface {
	// GetStreamConfig はストリーム設定を取得する。見つからない場合はnilを返す。
	GetStreamConfig(ctx context.Context) (*model.StreamConfig, error)

	// SaveStreamConfig はストリーム設定を保存する。
	SaveStreamConfig(ctx context.Context, cfg *model.StreamConfig) error

	// EnsureStreamConfig はストリーム設定が無い場合のみseedで作成し、現在の設定を返す。
	EnsureStreamConfig(ctx context.Context, seed *model.StreamConfig) (*model.StreamConfig, error)
}
