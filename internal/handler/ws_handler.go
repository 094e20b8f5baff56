package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hitoshi/tweetdesk/internal/pubsub"
)

// defaultWriteTimeout はWebSocketへの1メッセージあたりの書き込みタイムアウト。
const defaultWriteTimeout = 10 * time.Second

// EventSubscriber はtweetチャネルの購読を提供する。
type EventSubscriber interface {
	Subscribe() *pubsub.Subscription
}

// TweetSocketHandler はtweetチャネルのイベントをWebSocketで配信するハンドラー。
// クライアントからの受信メッセージは読み捨てる。
type TweetSocketHandler struct {
	hub            EventSubscriber
	logger         *slog.Logger
	originPatterns []string
	writeTimeout   time.Duration
}

// NewTweetSocketHandler はTweetSocketHandlerを生成する。
// originPatternsは同一オリジン以外に接続を許可するオリジンのパターン。
func NewTweetSocketHandler(hub EventSubscriber, logger *slog.Logger, originPatterns []string) *TweetSocketHandler {
	return &TweetSocketHandler{
		hub:            hub,
		logger:         logger,
		originPatterns: originPatterns,
		writeTimeout:   defaultWriteTimeout,
	}
}

// ServeHTTP はWebSocketへのアップグレードを行い、切断されるまでイベントを配信する。
// GET /ws/tweet
func (h *TweetSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("WebSocketのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	sub := h.hub.Subscribe()
	defer sub.Unsubscribe()

	ctx := conn.CloseRead(r.Context())
	h.logger.Info("WebSocketクライアントが接続しました", slog.String("remote_addr", r.RemoteAddr))

	err = h.pump(ctx, conn, sub)
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled), websocket.CloseStatus(err) != -1:
	default:
		h.logger.Warn("WebSocketへの配信を終了しました", slog.String("error", err.Error()))
	}
}

// pump は購読チャネルのイベントを接続に書き込む。
// 購読が閉じられた場合はnilを返す。
func (h *TweetSocketHandler) pump(ctx context.Context, conn *websocket.Conn, sub *pubsub.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
