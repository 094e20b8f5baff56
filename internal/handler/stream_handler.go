package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tweetdesk/internal/model"
	"github.com/hitoshi/tweetdesk/internal/stream"
)

// StreamServiceInterface はストリームハンドラーが必要とするサービスインターフェース。
type StreamServiceInterface interface {
	Status(ctx context.Context) (*model.StreamStatus, error)
	Update(ctx context.Context, actorID string, patch stream.Patch) (*model.StreamStatus, error)
	Stop()
}

// StreamHandler はストリーム制御のHTTPハンドラー。
type StreamHandler struct {
	service StreamServiceInterface
	logger  *slog.Logger
}

// NewStreamHandler はStreamHandlerを生成する。
func NewStreamHandler(service StreamServiceInterface, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{service: service, logger: logger}
}

// streamPatchRequest はストリーム設定の部分更新リクエストのボディ。
// 省略したフィールドは変更しない。
type streamPatchRequest struct {
	SearchTerm *string `json:"search_term"`
	IsActive   *bool   `json:"is_active"`
}

// Get はストリーム設定と稼働状態を返す。
// GET /stream
func (h *StreamHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Status(r.Context())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Patch はストリーム設定を更新し、稼働状態を反映する。
// PATCH /stream
func (h *StreamHandler) Patch(w http.ResponseWriter, r *http.Request) {
	userID, ok := actorID(w, r)
	if !ok {
		return
	}
	var req streamPatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SearchTerm == nil && req.IsActive == nil {
		handleServiceError(w, h.logger, model.NewInvalidPatchError("search_term または is_active を指定してください"))
		return
	}

	st, err := h.service.Update(r.Context(), userID, stream.Patch{
		SearchTerm: req.SearchTerm,
		IsActive:   req.IsActive,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Delete はストリームを停止する。永続化された設定は変更しない。
// DELETE /stream
func (h *StreamHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.service.Stop()
	w.WriteHeader(http.StatusNoContent)
}
