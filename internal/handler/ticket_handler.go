package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tweetdesk/internal/model"
	"github.com/hitoshi/tweetdesk/internal/ticket"
)

// TicketServiceInterface はチケットハンドラーが必要とするサービスインターフェース。
type TicketServiceInterface interface {
	Track(ctx context.Context, actorID, twid string, status model.TicketStatus) (*model.Tweet, error)
	Get(ctx context.Context, actorID, twid string) (*model.Tweet, error)
	List(ctx context.Context, actorID string, offset, limit int) (*model.TicketPage, error)
	Replies(ctx context.Context, twid string) ([]model.Tweet, error)
	UpdateStatus(ctx context.Context, twid string, status model.TicketStatus) error
	ListNotes(ctx context.Context, twid string) ([]model.Note, error)
	AddNote(ctx context.Context, actorID, twid, body string) (*model.Note, error)
	UpdateNote(ctx context.Context, actorID, twid, noteID, body string) error
	DeleteNote(ctx context.Context, actorID, twid, noteID string) error
	Reply(ctx context.Context, actorID string, req ticket.ReplyRequest) (*model.Tweet, error)
	Search(ctx context.Context, actorID string, params url.Values) (*ticket.SearchResponse, error)
}

// TicketHandler はチケット操作のHTTPハンドラー。
type TicketHandler struct {
	service TicketServiceInterface
	logger  *slog.Logger
}

// NewTicketHandler はTicketHandlerを生成する。
func NewTicketHandler(service TicketServiceInterface, logger *slog.Logger) *TicketHandler {
	return &TicketHandler{service: service, logger: logger}
}

// trackRequest は追跡登録リクエストのボディ。
type trackRequest struct {
	Twid          string `json:"twid"`
	MozhelpStatus string `json:"mozhelp_status"`
}

// statusRequest は状態更新リクエストのボディ。
type statusRequest struct {
	MozhelpStatus string `json:"mozhelp_status"`
}

// noteRequest はメモ作成・更新リクエストのボディ。
type noteRequest struct {
	Note string `json:"note"`
}

// replyRequest は返信送信リクエストのボディ。
type replyRequest struct {
	Status        string `json:"status"`
	MozhelpStatus string `json:"mozhelp_status"`
}

// List はチケット一覧を返す。
// GET /tweets?offset=&limit=
func (h *TicketHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(w, r)
	if !ok {
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", ticket.DefaultListLimit)

	page, err := h.service.List(r.Context(), userID, offset, limit)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Track は投稿を追跡対象として登録する。
// POST /tweets
func (h *TicketHandler) Track(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(w, r)
	if !ok {
		return
	}
	var req trackRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tweet, err := h.service.Track(r.Context(), userID, req.Twid, parseStatus(req.MozhelpStatus))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tweet)
}

// Get はチケットの結合ビューを返す。
// GET /tweets/{twid}
func (h *TicketHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(w, r)
	if !ok {
		return
	}
	tweet, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "twid"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tweet)
}

// UpdateStatus はチケットの状態を更新する。
// PATCH /tweets/{twid}
func (h *TicketHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MozhelpStatus == "" {
		handleServiceError(w, h.logger, model.NewInvalidPatchError("mozhelp_status が指定されていません"))
		return
	}

	if err := h.service.UpdateStatus(r.Context(), chi.URLParam(r, "twid"), parseStatus(req.MozhelpStatus)); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Replies は返信の一覧を返す。
// GET /tweets/{twid}/replies
func (h *TicketHandler) Replies(w http.ResponseWriter, r *http.Request) {
	replies, err := h.service.Replies(r.Context(), chi.URLParam(r, "twid"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, replies)
}

// ListNotes はメモの一覧を返す。
// GET /tweets/{twid}/notes
func (h *TicketHandler) ListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.service.ListNotes(r.Context(), chi.URLParam(r, "twid"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// AddNote はメモを追加する。
// POST /tweets/{twid}/notes
func (h *TicketHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(w, r)
	if !ok {
		return
	}
	var req noteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	note, err := h.service.AddNote(r.Context(), userID, chi.URLParam(r, "twid"), req.Note)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote はメモ本文を更新する。
// PUT /tweets/{twid}/notes/{noteID}
func (h *TicketHandler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(w, r)
	if !ok {
		return
	}
	var req noteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	err := h.service.UpdateNote(r.Context(), userID, chi.URLParam(r, "twid"), chi.URLParam(r, "noteID"), req.Note)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteNote はメモを削除する。
// DELETE /tweets/{twid}/notes/{noteID}
func (h *TicketHandler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteNote(r.Context(), userID, chi.URLParam(r, "twid"), chi.URLParam(r, "noteID")); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reply は投稿への返信を送信する。
// POST /tweets/{twid}/reply
func (h *TicketHandler) Reply(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(w, r)
	if !ok {
		return
	}
	var req replyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sent, err := h.service.Reply(r.Context(), userID, ticket.ReplyRequest{
		Status:        req.Status,
		InReplyTo:     chi.URLParam(r, "twid"),
		MozhelpStatus: req.MozhelpStatus,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sent)
}

// Search はリモート検索の結果にチケット情報を重ねて返す。
// GET /twitter/search?q=...
func (h *TicketHandler) Search(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(w, r)
	if !ok {
		return
	}
	params := r.URL.Query()
	if strings.TrimSpace(params.Get("q")) == "" {
		handleServiceError(w, h.logger, model.NewInvalidPatchError("検索語 q が指定されていません"))
		return
	}

	result, err := h.service.Search(r.Context(), userID, params)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// parseStatus はリクエストの状態文字列を大文字に正規化する。
func parseStatus(s string) model.TicketStatus {
	return model.TicketStatus(strings.ToUpper(strings.TrimSpace(s)))
}

// queryInt はクエリパラメータを整数として取得する。不正な値の場合はdefを返す。
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
