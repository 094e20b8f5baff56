package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tweetdesk/internal/middleware"
	"github.com/hitoshi/tweetdesk/internal/model"
	"github.com/hitoshi/tweetdesk/internal/stream"
	"github.com/hitoshi/tweetdesk/internal/ticket"
)

// --- モック定義 ---

// mockTicketService はTicketServiceInterfaceのモック実装。
type mockTicketService struct {
	trackFn        func(ctx context.Context, actorID, twid string, status model.TicketStatus) (*model.Tweet, error)
	getFn          func(ctx context.Context, actorID, twid string) (*model.Tweet, error)
	listFn         func(ctx context.Context, actorID string, offset, limit int) (*model.TicketPage, error)
	repliesFn      func(ctx context.Context, twid string) ([]model.Tweet, error)
	updateStatusFn func(ctx context.Context, twid string, status model.TicketStatus) error
	listNotesFn    func(ctx context.Context, twid string) ([]model.Note, error)
	addNoteFn      func(ctx context.Context, actorID, twid, body string) (*model.Note, error)
	updateNoteFn   func(ctx context.Context, actorID, twid, noteID, body string) error
	deleteNoteFn   func(ctx context.Context, actorID, twid, noteID string) error
	replyFn        func(ctx context.Context, actorID string, req ticket.ReplyRequest) (*model.Tweet, error)
	searchFn       func(ctx context.Context, actorID string, params url.Values) (*ticket.SearchResponse, error)
}

var errNotMocked = errors.New("not mocked")

func (m *mockTicketService) Track(ctx context.Context, actorID, twid string, status model.TicketStatus) (*model.Tweet, error) {
	if m.trackFn != nil {
		return m.trackFn(ctx, actorID, twid, status)
	}
	return nil, errNotMocked
}

func (m *mockTicketService) Get(ctx context.Context, actorID, twid string) (*model.Tweet, error) {
	if m.getFn != nil {
		return m.getFn(ctx, actorID, twid)
	}
	return nil, errNotMocked
}

func (m *mockTicketService) List(ctx context.Context, actorID string, offset, limit int) (*model.TicketPage, error) {
	if m.listFn != nil {
		return m.listFn(ctx, actorID, offset, limit)
	}
	return nil, errNotMocked
}

func (m *mockTicketService) Replies(ctx context.Context, twid string) ([]model.Tweet, error) {
	if m.repliesFn != nil {
		return m.repliesFn(ctx, twid)
	}
	return nil, errNotMocked
}

func (m *mockTicketService) UpdateStatus(ctx context.Context, twid string, status model.TicketStatus) error {
	if m.updateStatusFn != nil {
		return m.updateStatusFn(ctx, twid, status)
	}
	return errNotMocked
}

func (m *mockTicketService) ListNotes(ctx context.Context, twid string) ([]model.Note, error) {
	if m.listNotesFn != nil {
		return m.listNotesFn(ctx, twid)
	}
	return nil, errNotMocked
}

func (m *mockTicketService) AddNote(ctx context.Context, actorID, twid, body string) (*model.Note, error) {
	if m.addNoteFn != nil {
		return m.addNoteFn(ctx, actorID, twid, body)
	}
	return nil, errNotMocked
}

func (m *mockTicketService) UpdateNote(ctx context.Context, actorID, twid, noteID, body string) error {
	if m.updateNoteFn != nil {
		return m.updateNoteFn(ctx, actorID, twid, noteID, body)
	}
	return errNotMocked
}

func (m *mockTicketService) DeleteNote(ctx context.Context, actorID, twid, noteID string) error {
	if m.deleteNoteFn != nil {
		return m.deleteNoteFn(ctx, actorID, twid, noteID)
	}
	return errNotMocked
}

func (m *mockTicketService) Reply(ctx context.Context, actorID string, req ticket.ReplyRequest) (*model.Tweet, error) {
	if m.replyFn != nil {
		return m.replyFn(ctx, actorID, req)
	}
	return nil, errNotMocked
}

func (m *mockTicketService) Search(ctx context.Context, actorID string, params url.Values) (*ticket.SearchResponse, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, actorID, params)
	}
	return nil, errNotMocked
}

// mockStreamService はStreamServiceInterfaceのモック実装。
type mockStreamService struct {
	statusFn func(ctx context.Context) (*model.StreamStatus, error)
	updateFn func(ctx context.Context, actorID string, patch stream.Patch) (*model.StreamStatus, error)
	stopped  int
}

func (m *mockStreamService) Status(ctx context.Context) (*model.StreamStatus, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx)
	}
	return &model.StreamStatus{State: string(stream.StateStopped)}, nil
}

func (m *mockStreamService) Update(ctx context.Context, actorID string, patch stream.Patch) (*model.StreamStatus, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, actorID, patch)
	}
	return nil, errNotMocked
}

func (m *mockStreamService) Stop() {
	m.stopped++
}

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.err
}

// --- テストヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withChiURLParams はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var result middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}
