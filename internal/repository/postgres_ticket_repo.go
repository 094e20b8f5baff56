package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/tweetdesk/internal/model"
)

const ticketColumns = `twid, text, lang, in_reply_to_status_id_str, retweeted_status_id_str,
	posted_at, source_name, user_id_str, user_name, user_screen_name, user_profile_image_url,
	status, created_at, updated_at`

// PostgresTicketRepo はPostgreSQLを使用したチケットリポジトリ。
type PostgresTicketRepo struct {
	db *sql.DB
}

// NewPostgresTicketRepo はPostgresTicketRepoを生成する。
func NewPostgresTicketRepo(db *sql.DB) *PostgresTicketRepo {
	return &PostgresTicketRepo{db: db}
}

// FindByID は指定twidのチケットをメモ付きで取得する。見つからない場合はnilを返す。
func (r *PostgresTicketRepo) FindByID(ctx context.Context, twid string) (*model.Ticket, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE twid = $1`,
		twid,
	)
	ticket, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チケットの取得に失敗しました: %w", err)
	}

	if err := r.attachNotes(ctx, []*model.Ticket{ticket}); err != nil {
		return nil, err
	}
	return ticket, nil
}

// FindByIDs は指定twidのチケットをまとめて取得する。
func (r *PostgresTicketRepo) FindByIDs(ctx context.Context, twids []string) ([]*model.Ticket, error) {
	if len(twids) == 0 {
		return []*model.Ticket{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE twid = ANY($1)`,
		pq.Array(twids),
	)
	if err != nil {
		return nil, fmt.Errorf("チケットの一括取得に失敗しました: %w", err)
	}
	tickets, err := scanTickets(rows)
	if err != nil {
		return nil, err
	}

	if err := r.attachNotes(ctx, tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

// Upsert は投稿のキャッシュを作成または更新する。
// ON CONFLICT時は表示用フィールドのみ更新するため、状態とメモは保持される。
func (r *PostgresTicketRepo) Upsert(ctx context.Context, ticket *model.Ticket) (*model.Ticket, bool, error) {
	status := ticket.Status
	if status == "" {
		status = model.TicketStatusNew
	}

	saved := *ticket
	var inserted bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO tickets (twid, text, lang, in_reply_to_status_id_str, retweeted_status_id_str,
		                      posted_at, source_name, user_id_str, user_name, user_screen_name,
		                      user_profile_image_url, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		 ON CONFLICT (twid) DO UPDATE SET
		     text = EXCLUDED.text,
		     lang = EXCLUDED.lang,
		     in_reply_to_status_id_str = EXCLUDED.in_reply_to_status_id_str,
		     retweeted_status_id_str = EXCLUDED.retweeted_status_id_str,
		     posted_at = COALESCE(EXCLUDED.posted_at, tickets.posted_at),
		     source_name = EXCLUDED.source_name,
		     user_id_str = EXCLUDED.user_id_str,
		     user_name = EXCLUDED.user_name,
		     user_screen_name = EXCLUDED.user_screen_name,
		     user_profile_image_url = EXCLUDED.user_profile_image_url,
		     updated_at = now()
		 RETURNING status, created_at, updated_at, (xmax = 0) AS inserted`,
		ticket.Twid, ticket.Text, ticket.Lang,
		nullString(ticket.InReplyToStatusIDStr), nullString(ticket.RetweetedStatusIDStr),
		nullTime(ticket.PostedAt), ticket.SourceName,
		ticket.User.IDStr, ticket.User.Name, ticket.User.ScreenName, ticket.User.ProfileImageURLHTTPS,
		string(status),
	).Scan(&saved.Status, &saved.CreatedAt, &saved.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("チケットのUPSERTに失敗しました: %w", err)
	}

	saved.Notes = nil
	return &saved, inserted, nil
}

// Create はチケットを新規作成する。既に存在する場合はfalseを返す。
func (r *PostgresTicketRepo) Create(ctx context.Context, ticket *model.Ticket) (bool, error) {
	status := ticket.Status
	if status == "" {
		status = model.TicketStatusNew
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO tickets (twid, text, lang, in_reply_to_status_id_str, retweeted_status_id_str,
		                      posted_at, source_name, user_id_str, user_name, user_screen_name,
		                      user_profile_image_url, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		 ON CONFLICT (twid) DO NOTHING`,
		ticket.Twid, ticket.Text, ticket.Lang,
		nullString(ticket.InReplyToStatusIDStr), nullString(ticket.RetweetedStatusIDStr),
		nullTime(ticket.PostedAt), ticket.SourceName,
		ticket.User.IDStr, ticket.User.Name, ticket.User.ScreenName, ticket.User.ProfileImageURLHTTPS,
		string(status),
	)
	if err != nil {
		return false, fmt.Errorf("チケットの作成に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// Save はチケットの状態と表示用フィールドを保存する。
func (r *PostgresTicketRepo) Save(ctx context.Context, ticket *model.Ticket) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tickets SET
		     text = $2, lang = $3, in_reply_to_status_id_str = $4, retweeted_status_id_str = $5,
		     posted_at = $6, source_name = $7, user_id_str = $8, user_name = $9,
		     user_screen_name = $10, user_profile_image_url = $11, status = $12, updated_at = now()
		 WHERE twid = $1`,
		ticket.Twid, ticket.Text, ticket.Lang,
		nullString(ticket.InReplyToStatusIDStr), nullString(ticket.RetweetedStatusIDStr),
		nullTime(ticket.PostedAt), ticket.SourceName,
		ticket.User.IDStr, ticket.User.Name, ticket.User.ScreenName, ticket.User.ProfileImageURLHTTPS,
		string(ticket.Status),
	)
	if err != nil {
		return fmt.Errorf("チケットの保存に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTicketNotFound, ticket.Twid)
	}
	return nil
}

// List はチケットを投稿日時の降順で返す。総件数も合わせて返す。
func (r *PostgresTicketRepo) List(ctx context.Context, offset, limit int) ([]*model.Ticket, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM tickets`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("チケット件数の取得に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 ORDER BY posted_at DESC NULLS LAST, twid DESC
		 OFFSET $1 LIMIT $2`,
		offset, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("チケット一覧の取得に失敗しました: %w", err)
	}
	tickets, err := scanTickets(rows)
	if err != nil {
		return nil, 0, err
	}

	if err := r.attachNotes(ctx, tickets); err != nil {
		return nil, 0, err
	}
	return tickets, total, nil
}

// ListReplies は指定twidへの返信を再帰的に取得する。
func (r *PostgresTicketRepo) ListReplies(ctx context.Context, twid string) ([]*model.Ticket, error) {
	rows, err := r.db.QueryContext(ctx,
		`WITH RECURSIVE replies AS (
		     SELECT `+ticketColumns+` FROM tickets WHERE in_reply_to_status_id_str = $1
		     UNION
		     SELECT t.twid, t.text, t.lang, t.in_reply_to_status_id_str, t.retweeted_status_id_str,
		            t.posted_at, t.source_name, t.user_id_str, t.user_name, t.user_screen_name,
		            t.user_profile_image_url, t.status, t.created_at, t.updated_at
		     FROM tickets t JOIN replies r ON t.in_reply_to_status_id_str = r.twid
		 )
		 SELECT `+ticketColumns+` FROM replies ORDER BY posted_at ASC NULLS LAST, twid ASC`,
		twid,
	)
	if err != nil {
		return nil, fmt.Errorf("返信一覧の取得に失敗しました: %w", err)
	}
	tickets, err := scanTickets(rows)
	if err != nil {
		return nil, err
	}

	if err := r.attachNotes(ctx, tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

// AddNote はメモを末尾に追加する。
func (r *PostgresTicketRepo) AddNote(ctx context.Context, twid string, note *model.Note) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO ticket_notes (id, twid, user_id, note, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 RETURNING created_at, updated_at`,
		note.ID, twid, note.User, note.Note,
	).Scan(&note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return fmt.Errorf("メモの追加に失敗しました: %w", err)
	}
	return nil
}

// FindNote は指定メモを取得する。見つからない場合はnilを返す。
func (r *PostgresTicketRepo) FindNote(ctx context.Context, twid, noteID string) (*model.Note, error) {
	note := &model.Note{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, note, created_at, updated_at
		 FROM ticket_notes WHERE twid = $1 AND id = $2`,
		twid, noteID,
	).Scan(&note.ID, &note.User, &note.Note, &note.CreatedAt, &note.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メモの取得に失敗しました: %w", err)
	}
	return note, nil
}

// UpdateNote はメモ本文を更新する。
func (r *PostgresTicketRepo) UpdateNote(ctx context.Context, twid, noteID, body string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE ticket_notes SET note = $3, updated_at = now() WHERE twid = $1 AND id = $2`,
		twid, noteID, body,
	)
	if err != nil {
		return fmt.Errorf("メモの更新に失敗しました: %w", err)
	}
	return requireOneRow(result, noteID)
}

// DeleteNote はメモを削除する。
func (r *PostgresTicketRepo) DeleteNote(ctx context.Context, twid, noteID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM ticket_notes WHERE twid = $1 AND id = $2`,
		twid, noteID,
	)
	if err != nil {
		return fmt.Errorf("メモの削除に失敗しました: %w", err)
	}
	return requireOneRow(result, noteID)
}

// attachNotes はチケットのメモを作成順で読み込む。
func (r *PostgresTicketRepo) attachNotes(ctx context.Context, tickets []*model.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}

	byID := make(map[string]*model.Ticket, len(tickets))
	twids := make([]string, 0, len(tickets))
	for _, t := range tickets {
		t.Notes = []model.Note{}
		byID[t.Twid] = t
		twids = append(twids, t.Twid)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT twid, id, user_id, note, created_at, updated_at
		 FROM ticket_notes WHERE twid = ANY($1)
		 ORDER BY created_at ASC, id ASC`,
		pq.Array(twids),
	)
	if err != nil {
		return fmt.Errorf("メモの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var twid string
		var note model.Note
		if err := rows.Scan(&twid, &note.ID, &note.User, &note.Note, &note.CreatedAt, &note.UpdatedAt); err != nil {
			return fmt.Errorf("メモのスキャンに失敗しました: %w", err)
		}
		if t, ok := byID[twid]; ok {
			t.Notes = append(t.Notes, note)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("メモの走査中にエラーが発生しました: %w", err)
	}
	return nil
}

func scanTicket(row rowScanner) (*model.Ticket, error) {
	t := &model.Ticket{}
	var inReplyTo, retweeted sql.NullString
	var postedAt sql.NullTime
	var status string

	err := row.Scan(
		&t.Twid, &t.Text, &t.Lang, &inReplyTo, &retweeted,
		&postedAt, &t.SourceName, &t.User.IDStr, &t.User.Name, &t.User.ScreenName,
		&t.User.ProfileImageURLHTTPS, &status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.InReplyToStatusIDStr = nullStringValue(inReplyTo)
	t.RetweetedStatusIDStr = nullStringValue(retweeted)
	t.Status = model.TicketStatus(status)
	if postedAt.Valid {
		t.PostedAt = &postedAt.Time
	}
	return t, nil
}

func scanTickets(rows *sql.Rows) ([]*model.Ticket, error) {
	defer rows.Close()

	tickets := []*model.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("チケットのスキャンに失敗しました: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チケットの走査中にエラーが発生しました: %w", err)
	}
	return tickets, nil
}

func requireOneRow(result sql.Result, noteID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNoteNotFound, noteID)
	}
	return nil
}

// compile-time interface check
var _ TicketRepository = (*PostgresTicketRepo)(nil)
