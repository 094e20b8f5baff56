package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/tweetdesk/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigins string
	RateLimiter        *middleware.RateLimiter

	// 運用エンドポイント
	DB             Pinger
	MetricsHandler http.Handler

	// tweetチャネル
	Hub              EventSubscriber
	WSOriginPatterns []string

	// サービス
	TicketService TicketServiceInterface
	StreamService StreamServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → Identity → RateLimit(General)
//
// /health、/metrics、/ws/tweet は識別ヘッダーを必要としない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	ticketHandler := NewTicketHandler(deps.TicketService, deps.Logger)
	streamHandler := NewStreamHandler(deps.StreamService, deps.Logger)

	// --- 識別不要のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.DB, deps.StreamService, deps.Logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/ws/tweet", NewTweetSocketHandler(deps.Hub, deps.Logger, deps.WSOriginPatterns))

	// --- 識別が必要なルート ---
	// ミドルウェアスタック: Identity → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ストリーム制御
		r.Route("/stream", func(r chi.Router) {
			r.Get("/", streamHandler.Get)
			r.Patch("/", streamHandler.Patch)
			r.Delete("/", streamHandler.Delete)
		})

		// チケット
		r.Route("/tweets", func(r chi.Router) {
			r.Get("/", ticketHandler.List)
			r.Post("/", ticketHandler.Track)

			r.Route("/{twid}", func(r chi.Router) {
				r.Get("/", ticketHandler.Get)
				r.Patch("/", ticketHandler.UpdateStatus)
				r.Get("/replies", ticketHandler.Replies)

				// POST /tweets/{twid}/reply - 返信送信（返信専用レート制限を追加）
				r.With(deps.RateLimiter.ReplyMiddleware()).Post("/reply", ticketHandler.Reply)

				r.Route("/notes", func(r chi.Router) {
					r.Get("/", ticketHandler.ListNotes)
					r.Post("/", ticketHandler.AddNote)
					r.Put("/{noteID}", ticketHandler.UpdateNote)
					r.Delete("/{noteID}", ticketHandler.DeleteNote)
				})
			})
		})

		// リモート検索
		r.Get("/twitter/search", ticketHandler.Search)
	})

	return r
}
