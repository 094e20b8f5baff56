// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tweetdesk/internal/middleware"
	"github.com/hitoshi/tweetdesk/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをJSONとしてデコードする。
// 失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディが不正です。",
			Category: "validation",
			Action:   "JSON形式で送信してください。",
		})
		return false
	}
	return true
}

// actorID はリクエストコンテキストから呼び出しユーザーIDを取得する。
// 取得できない場合は401を書き込みfalseを返す。
func actorID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return "", false
	}
	return userID, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		apiErr     *model.APIError
		cfgErr     *model.ConfigurationError
		remoteErr  *model.RemoteAPIError
		storageErr *model.StorageError
	)
	switch {
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
	case errors.As(err, &cfgErr):
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, model.NewStreamConfigurationError(cfgErr.Reason))
	case errors.As(err, &remoteErr):
		logger.Warn("リモートAPIの呼び出しに失敗しました", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewRemoteAPIFailedError(remoteErr.Error()))
	case errors.As(err, &storageErr):
		logger.Error("ストア操作に失敗しました", slog.String("op", storageErr.Op), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	default:
		logger.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeTicketNotFound, model.ErrCodeNoteNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeAlreadyTracking:
		return http.StatusConflict
	case model.ErrCodeInvalidStatus, model.ErrCodeInvalidPatch, model.ErrCodeInvalidNote, model.ErrCodeInvalidReply:
		return http.StatusBadRequest
	case model.ErrCodeNoteForbidden, model.ErrCodeTwitterNotLinked:
		return http.StatusForbidden
	case model.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeStreamConfiguration:
		return http.StatusUnprocessableEntity
	case model.ErrCodeRemoteAPIFailed:
		return http.StatusBadGateway
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
