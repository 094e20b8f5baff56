package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tweetdesk/internal/model"
	"github.com/hitoshi/tweetdesk/internal/pubsub"
	"github.com/hitoshi/tweetdesk/internal/repository"
	"github.com/hitoshi/tweetdesk/internal/security"
	"github.com/hitoshi/tweetdesk/internal/twitter"
)

const (
	// DefaultListLimit は一覧取得の既定件数。
	DefaultListLimit = 100
	// MaxListLimit は一覧取得の最大件数。
	MaxListLimit = 100
)

// TwitterAPI はServiceが使用するリモートAPIのインターフェース。
type TwitterAPI interface {
	TweetLookup
	Show(ctx context.Context, creds model.TwitterCredentials, id string) (*model.Tweet, error)
	Update(ctx context.Context, creds model.TwitterCredentials, status, inReplyTo string) (*model.Tweet, error)
	Search(ctx context.Context, creds model.TwitterCredentials, params url.Values) (*twitter.SearchResult, error)
}

// ReplyRequest は返信送信のリクエスト。
type ReplyRequest struct {
	Status        string
	InReplyTo     string
	MozhelpStatus string
}

// SearchResponse は検索結果にチケット情報を重ねたレスポンス。
// 補完に失敗した場合もステータス一覧は返し、Errorに原因を設定する。
type SearchResponse struct {
	Statuses       []model.Tweet   `json:"statuses"`
	SearchMetadata json.RawMessage `json:"search_metadata,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Service はチケット操作のサービス層。
// 追跡登録、一覧・詳細取得、状態更新、メモ操作、返信送信、検索を提供する。
type Service struct {
	tickets        repository.TicketRepository
	users          repository.UserRepository
	api            TwitterAPI
	merger         *Merger
	hydrator       *Hydrator
	publisher      pubsub.Publisher
	sanitizer      security.NoteSanitizerService
	logger         *slog.Logger
	hydrateTimeout time.Duration

	nowFn func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	tickets repository.TicketRepository,
	users repository.UserRepository,
	api TwitterAPI,
	publisher pubsub.Publisher,
	sanitizer security.NoteSanitizerService,
	logger *slog.Logger,
	hydrateTimeout time.Duration,
) *Service {
	merger := NewMerger(tickets)
	return &Service{
		tickets:        tickets,
		users:          users,
		api:            api,
		merger:         merger,
		hydrator:       NewHydrator(api, merger, logger),
		publisher:      publisher,
		sanitizer:      sanitizer,
		logger:         logger,
		hydrateTimeout: hydrateTimeout,
		nowFn:          time.Now,
	}
}

// Merger はサービスが使用するMergerを返す。
func (s *Service) Merger() *Merger {
	return s.merger
}

// Track は投稿を明示的に追跡対象として登録する。
// 既に追跡中の場合は ALREADY_TRACKING エラーを返す。
func (s *Service) Track(ctx context.Context, actorID, twid string, status model.TicketStatus) (*model.Tweet, error) {
	twid = strings.TrimSpace(twid)
	if twid == "" {
		return nil, model.NewTicketNotFoundError(twid)
	}
	if status == "" {
		status = model.TicketStatusNew
	}
	if !status.Valid() {
		return nil, model.NewInvalidStatusError(string(status))
	}

	existing, err := s.tickets.FindByID(ctx, twid)
	if err != nil {
		return nil, fmt.Errorf("チケットの取得に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewAlreadyTrackingError()
	}

	creds, err := s.credentials(ctx, actorID)
	if err != nil {
		return nil, err
	}

	shown, err := s.api.Show(ctx, creds, twid)
	if err != nil {
		return nil, model.NewRemoteAPIFailedError(err.Error())
	}

	t := model.NewTicketFromTweet(*shown, twitter.SourceName(shown.Source))
	t.Twid = twid
	t.Status = status
	created, err := s.tickets.Create(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("チケットの作成に失敗しました: %w", err)
	}
	if !created {
		return nil, model.NewAlreadyTrackingError()
	}

	merged, err := s.merger.MergeOne(ctx, *shown)
	if err != nil {
		s.logger.Warn("追跡登録した投稿のマージに失敗しました",
			slog.String("twid", twid),
			slog.String("error", err.Error()),
		)
		merged = Overlay(t.AsTweet(), *shown)
	}
	s.publisher.Publish(pubsub.KindSave, merged)
	return &merged, nil
}

// Get はチケットを補完済みの投稿として返す。
// 補完に失敗した場合はキャッシュ内容を返す。
func (s *Service) Get(ctx context.Context, actorID, twid string) (*model.Tweet, error) {
	t, err := s.findTicket(ctx, twid)
	if err != nil {
		return nil, err
	}
	tweet := s.hydrateOrCached(ctx, actorID, []*model.Ticket{t})[0]
	return &tweet, nil
}

// List はチケットを投稿日時の降順でページ単位に返す。
// limitは1〜100に丸める（0以下の場合は既定値）。
func (s *Service) List(ctx context.Context, actorID string, offset, limit int) (*model.TicketPage, error) {
	limit = ClampLimit(limit)
	if offset < 0 {
		offset = 0
	}

	tickets, total, err := s.tickets.List(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("チケット一覧の取得に失敗しました: %w", err)
	}

	return &model.TicketPage{
		Docs:   s.hydrateOrCached(ctx, actorID, tickets),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// ClampLimit は一覧取得件数を1〜MaxListLimitに丸める。
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

// Replies は指定チケットへの返信を再帰的に取得する。
func (s *Service) Replies(ctx context.Context, twid string) ([]model.Tweet, error) {
	if _, err := s.findTicket(ctx, twid); err != nil {
		return nil, err
	}

	replies, err := s.tickets.ListReplies(ctx, twid)
	if err != nil {
		return nil, fmt.Errorf("返信の取得に失敗しました: %w", err)
	}

	out := make([]model.Tweet, len(replies))
	for i, r := range replies {
		out[i] = r.AsTweet()
	}
	return out, nil
}

// UpdateStatus はチケットの状態を更新し、saveイベントを発行する。
func (s *Service) UpdateStatus(ctx context.Context, twid string, status model.TicketStatus) error {
	if !status.Valid() {
		return model.NewInvalidStatusError(string(status))
	}

	t, err := s.findTicket(ctx, twid)
	if err != nil {
		return err
	}

	t.Status = status
	if err := s.tickets.Save(ctx, t); err != nil {
		if errors.Is(err, repository.ErrTicketNotFound) {
			return model.NewTicketNotFoundError(twid)
		}
		return fmt.Errorf("チケットの保存に失敗しました: %w", err)
	}

	s.publisher.Publish(pubsub.KindSave, t.AsTweet())
	return nil
}

// ListNotes はチケットのメモを作成順に返す。
func (s *Service) ListNotes(ctx context.Context, twid string) ([]model.Note, error) {
	t, err := s.findTicket(ctx, twid)
	if err != nil {
		return nil, err
	}
	if t.Notes == nil {
		return []model.Note{}, nil
	}
	return t.Notes, nil
}

// AddNote はチケットの末尾にメモを追加し、saveイベントを発行する。
func (s *Service) AddNote(ctx context.Context, actorID, twid, body string) (*model.Note, error) {
	body = s.sanitizer.Sanitize(body)
	if body == "" {
		return nil, model.NewInvalidNoteError()
	}
	if _, err := s.findTicket(ctx, twid); err != nil {
		return nil, err
	}

	now := s.nowFn().UTC()
	note := &model.Note{
		ID:        uuid.NewString(),
		Note:      body,
		User:      actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.tickets.AddNote(ctx, twid, note); err != nil {
		return nil, fmt.Errorf("メモの追加に失敗しました: %w", err)
	}

	s.publishTicket(ctx, twid)
	return note, nil
}

// UpdateNote はメモ本文を更新する。メモの作成者のみ更新できる。
func (s *Service) UpdateNote(ctx context.Context, actorID, twid, noteID, body string) error {
	body = s.sanitizer.Sanitize(body)
	if body == "" {
		return model.NewInvalidNoteError()
	}
	if err := s.authorizeNote(ctx, actorID, twid, noteID); err != nil {
		return err
	}

	if err := s.tickets.UpdateNote(ctx, twid, noteID, body); err != nil {
		if errors.Is(err, repository.ErrNoteNotFound) {
			return model.NewNoteNotFoundError(noteID)
		}
		return fmt.Errorf("メモの更新に失敗しました: %w", err)
	}

	s.publishTicket(ctx, twid)
	return nil
}

// DeleteNote はメモを削除する。メモの作成者のみ削除できる。
func (s *Service) DeleteNote(ctx context.Context, actorID, twid, noteID string) error {
	if err := s.authorizeNote(ctx, actorID, twid, noteID); err != nil {
		return err
	}

	if err := s.tickets.DeleteNote(ctx, twid, noteID); err != nil {
		if errors.Is(err, repository.ErrNoteNotFound) {
			return model.NewNoteNotFoundError(noteID)
		}
		return fmt.Errorf("メモの削除に失敗しました: %w", err)
	}

	s.publishTicket(ctx, twid)
	return nil
}

// Reply は呼び出しユーザーの資格情報で投稿を送信する。
// 送信した投稿はSENTのチケットとして記録し、返信先のチケットがあれば状態を更新する。
// 送信後の記録・更新の失敗はログに残し、送信結果は返す。
func (s *Service) Reply(ctx context.Context, actorID string, req ReplyRequest) (*model.Tweet, error) {
	if strings.TrimSpace(req.Status) == "" {
		return nil, model.NewInvalidReplyError()
	}
	var requested model.TicketStatus
	if req.MozhelpStatus != "" {
		requested = model.TicketStatus(strings.ToUpper(req.MozhelpStatus))
		if !requested.Valid() {
			return nil, model.NewInvalidStatusError(req.MozhelpStatus)
		}
	}

	creds, err := s.credentials(ctx, actorID)
	if err != nil {
		return nil, err
	}

	sent, err := s.api.Update(ctx, creds, req.Status, req.InReplyTo)
	if err != nil {
		return nil, model.NewRemoteAPIFailedError(err.Error())
	}

	s.recordSent(ctx, *sent)
	if req.InReplyTo != "" {
		s.advanceParent(ctx, creds, req.InReplyTo, requested)
	}
	return sent, nil
}

// recordSent は送信した投稿をSENTのチケットとして保存し、saveイベントを発行する。
func (s *Service) recordSent(ctx context.Context, sent model.Tweet) {
	t := model.NewTicketFromTweet(sent, twitter.SourceName(sent.Source))
	t.Status = model.TicketStatusSent
	if _, err := s.tickets.Create(ctx, t); err != nil {
		s.logger.Error("送信した投稿のチケット作成に失敗しました",
			slog.String("twid", sent.IDStr),
			slog.String("error", err.Error()),
		)
		return
	}
	s.publisher.Publish(pubsub.KindSave, Overlay(t.AsTweet(), sent))
}

// advanceParent は返信先チケットの状態を進める。
// 状態の指定があればその状態に、無ければNEW/NO_ACTION_REQUIREDの場合のみIN_PROGRESSにする。
func (s *Service) advanceParent(ctx context.Context, creds model.TwitterCredentials, parentID string, requested model.TicketStatus) {
	parent, err := s.tickets.FindByID(ctx, parentID)
	if err != nil {
		s.logger.Error("返信先チケットの取得に失敗しました",
			slog.String("twid", parentID),
			slog.String("error", err.Error()),
		)
		return
	}
	if parent == nil {
		return
	}

	switch {
	case requested != "":
		parent.Status = requested
	case parent.Status == model.TicketStatusNew || parent.Status == model.TicketStatusNoActionRequired:
		parent.Status = model.TicketStatusInProgress
	}

	if err := s.tickets.Save(ctx, parent); err != nil {
		s.logger.Error("返信先チケットの保存に失敗しました",
			slog.String("twid", parentID),
			slog.String("error", err.Error()),
		)
		return
	}

	hydrated := s.hydrateWithCreds(ctx, creds, []*model.Ticket{parent})
	s.publisher.Publish(pubsub.KindSave, hydrated[0])
}

// Search はリモート検索を行い、既知のチケット情報と最新の投稿内容を重ねて返す。
// マージまたは補完に失敗した場合でも結果は返し、Errorに原因を設定する。
func (s *Service) Search(ctx context.Context, actorID string, params url.Values) (*SearchResponse, error) {
	creds, err := s.credentials(ctx, actorID)
	if err != nil {
		return nil, err
	}

	result, err := s.api.Search(ctx, creds, params)
	if err != nil {
		return nil, model.NewRemoteAPIFailedError(err.Error())
	}
	resp := &SearchResponse{
		Statuses:       result.Statuses,
		SearchMetadata: result.SearchMetadata,
	}
	if len(result.Statuses) == 0 {
		return resp, nil
	}

	// 最新内容の取得とチケット情報のマージは独立しているため並行して行う
	var (
		wg        sync.WaitGroup
		fresh     []model.Tweet
		lookupErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		fresh, lookupErr = s.api.Lookup(ctx, creds, firstN(CollectIDs(result.Statuses), twitter.MaxLookupIDs))
	}()
	merged, mergeErr := s.merger.Merge(ctx, result.Statuses)
	wg.Wait()

	if mergeErr != nil {
		s.logger.Warn("検索結果のマージに失敗しました", slog.String("error", mergeErr.Error()))
		resp.Error = mergeErr.Error()
		return resp, nil
	}
	resp.Statuses = merged

	if lookupErr != nil {
		s.logger.Warn("検索結果の補完に失敗しました", slog.String("error", lookupErr.Error()))
		resp.Error = lookupErr.Error()
		return resp, nil
	}

	byID := make(map[string]model.Tweet, len(fresh))
	for _, t := range fresh {
		byID[t.IDStr] = t
	}
	resp.Statuses = mapTrees(merged, func(node model.Tweet) model.Tweet {
		if live, ok := byID[node.IDStr]; ok {
			return Overlay(node, live)
		}
		return node
	})
	return resp, nil
}

// findTicket はチケットを取得し、存在しない場合は TICKET_NOT_FOUND エラーを返す。
func (s *Service) findTicket(ctx context.Context, twid string) (*model.Ticket, error) {
	t, err := s.tickets.FindByID(ctx, twid)
	if err != nil {
		return nil, fmt.Errorf("チケットの取得に失敗しました: %w", err)
	}
	if t == nil {
		return nil, model.NewTicketNotFoundError(twid)
	}
	return t, nil
}

// authorizeNote はメモの存在と作成者を確認する。
func (s *Service) authorizeNote(ctx context.Context, actorID, twid, noteID string) error {
	note, err := s.tickets.FindNote(ctx, twid, noteID)
	if err != nil {
		return fmt.Errorf("メモの取得に失敗しました: %w", err)
	}
	if note == nil {
		return model.NewNoteNotFoundError(noteID)
	}
	if note.User != actorID {
		return model.NewNoteForbiddenError()
	}
	return nil
}

// credentials は呼び出しユーザーのリモートAPI資格情報を返す。
func (s *Service) credentials(ctx context.Context, actorID string) (model.TwitterCredentials, error) {
	user, err := s.users.FindByID(ctx, actorID)
	if err != nil {
		return model.TwitterCredentials{}, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.TwitterCredentials{}, model.NewUserNotFoundError()
	}
	if !user.HasTwitterCredentials() {
		return model.TwitterCredentials{}, model.NewTwitterNotLinkedError()
	}
	return user.Twitter, nil
}

// hydrateOrCached は呼び出しユーザーの資格情報でチケットを補完する。
// 資格情報が無い場合や補完に失敗した場合はキャッシュ内容を返す。
func (s *Service) hydrateOrCached(ctx context.Context, actorID string, tickets []*model.Ticket) []model.Tweet {
	creds, err := s.credentials(ctx, actorID)
	if err != nil {
		s.logger.Debug("資格情報が無いためキャッシュ内容を返します",
			slog.String("user_id", actorID),
			slog.String("error", err.Error()),
		)
		return cachedTweets(tickets)
	}
	return s.hydrateWithCreds(ctx, creds, tickets)
}

// hydrateWithCreds はチケットを補完し、失敗した場合はキャッシュ内容を返す。
func (s *Service) hydrateWithCreds(ctx context.Context, creds model.TwitterCredentials, tickets []*model.Ticket) []model.Tweet {
	if len(tickets) == 0 {
		return []model.Tweet{}
	}
	if s.hydrateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.hydrateTimeout)
		defer cancel()
	}

	hydrated, err := s.hydrator.Hydrate(ctx, creds, tickets)
	if err != nil {
		s.logger.Warn("チケットの補完に失敗したためキャッシュ内容を返します",
			slog.Int("count", len(tickets)),
			slog.String("error", err.Error()),
		)
		return cachedTweets(tickets)
	}
	return hydrated
}

// publishTicket はチケットを再取得してsaveイベントを発行する。失敗はログに残す。
func (s *Service) publishTicket(ctx context.Context, twid string) {
	t, err := s.tickets.FindByID(ctx, twid)
	if err != nil || t == nil {
		s.logger.Warn("saveイベント用のチケット再取得に失敗しました", slog.String("twid", twid))
		return
	}
	s.publisher.Publish(pubsub.KindSave, t.AsTweet())
}

func cachedTweets(tickets []*model.Ticket) []model.Tweet {
	out := make([]model.Tweet, len(tickets))
	for i, t := range tickets {
		out[i] = t.AsTweet()
	}
	return out
}
