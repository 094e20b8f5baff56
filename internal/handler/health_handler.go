package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger はデータベースの疎通確認を行う。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Stream   string `json:"stream,omitempty"`
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	db      Pinger
	streams StreamServiceInterface
	logger  *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。streamsはnilでもよい。
func NewHealthHandler(db Pinger, streams StreamServiceInterface, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, streams: streams, logger: logger}
}

// ServeHTTP はデータベースの疎通とストリームの状態を返す。
// データベースに接続できない場合は503を返す。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok"}
	code := http.StatusOK
	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Error("ヘルスチェックでデータベースに接続できません", slog.String("error", err.Error()))
		resp.Status = "unavailable"
		resp.Database = "unreachable"
		code = http.StatusServiceUnavailable
	}
	if h.streams != nil {
		if st, err := h.streams.Status(ctx); err == nil {
			resp.Stream = st.State
		}
	}
	writeJSON(w, code, resp)
}
