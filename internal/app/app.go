package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tweetdesk/internal/config"
	"github.com/hitoshi/tweetdesk/internal/database"
	"github.com/hitoshi/tweetdesk/internal/handler"
	"github.com/hitoshi/tweetdesk/internal/logger"
	"github.com/hitoshi/tweetdesk/internal/metrics"
	"github.com/hitoshi/tweetdesk/internal/middleware"
	"github.com/hitoshi/tweetdesk/internal/pubsub"
	"github.com/hitoshi/tweetdesk/internal/repository"
	"github.com/hitoshi/tweetdesk/internal/security"
	"github.com/hitoshi/tweetdesk/internal/stream"
	"github.com/hitoshi/tweetdesk/internal/ticket"
	"github.com/hitoshi/tweetdesk/internal/twitter"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// logLevelが空でない場合はLOG_LEVELより優先する。
func Init(w io.Writer, logLevel string) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	log := logger.SetupDefault(w, logger.ParseLevel(logLevel))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if logLevel == "" {
		log = logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	} else {
		cfg.LogLevel = logLevel
	}
	return cfg, log, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	inv, err := ParseArgs(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if inv.Command == CommandHealthcheck {
		port := inv.Port
		if port == "" {
			port = os.Getenv("SERVER_PORT")
		}
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w, inv.LogLevel)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	if inv.SeedFile != "" {
		cfg.StreamSeedFile = inv.SeedFile
	}

	log.Info("starting application",
		slog.String("command", string(inv.Command)),
		slog.String("port", cfg.ServerPort),
		slog.String("log_level", cfg.LogLevel),
	)

	switch inv.Command {
	case CommandMigrate:
		return runMigrate(cfg, log)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, log)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、ストリームを再開してHTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	// 2. リポジトリの初期化
	ticketRepo := repository.NewPostgresTicketRepo(db)
	userRepo := repository.NewPostgresUserRepo(db)
	configRepo := repository.NewPostgresConfigRepo(db)

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollector(registry)

	// 4. リモートAPIクライアント
	restClient, streamClient, err := newRemoteClients(cfg, security.NewOutboundGuard())
	if err != nil {
		return err
	}
	twitterClient := twitter.NewClient(restClient, streamClient, log, mc, twitter.Options{
		BaseURL:        cfg.TwitterAPIBaseURL,
		StreamURL:      cfg.TwitterStreamURL,
		ConsumerKey:    cfg.TwitterConsumerKey,
		ConsumerSecret: cfg.TwitterConsumerSecret,
		RPS:            float64(cfg.TwitterAPIRPS),
		Burst:          cfg.TwitterAPIBurst,
	})

	// 5. ドメインサービスの初期化
	hub := pubsub.NewHub(log, mc, 0)
	ticketService := ticket.NewService(
		ticketRepo, userRepo, twitterClient, hub,
		security.NewNoteSanitizer(), log, cfg.HydrateTimeout,
	)
	supervisor := stream.NewSupervisor(
		userRepo, ticketRepo, ticketService.Merger(),
		stream.NewTwitterDialer(twitterClient), hub, mc, log,
	)
	streamService := stream.NewService(configRepo, supervisor, log)

	// 6. ストリーム設定の初期化と再開
	seed, err := config.LoadSeed(cfg.StreamSeedFile)
	if err != nil {
		return err
	}
	if _, err := streamService.Seed(ctx, seed.Stream.SearchTerm); err != nil {
		return err
	}
	if err := streamService.Resume(ctx); err != nil {
		// 資格情報の不備等ではサーバー自体は起動し、PATCH /streamでの再設定を待つ
		log.Warn("ストリームを再開できませんでした", slog.String("error", err.Error()))
	}

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             log,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        rateLimiter,
		DB:                 db,
		MetricsHandler:     metrics.Handler(registry),
		Hub:                hub,
		WSOriginPatterns:   cfg.WSOriginPatterns,
		TicketService:      ticketService,
		StreamService:      streamService,
	})

	// 8. HTTPサーバーの起動
	// /ws/tweet は長時間接続のためWriteTimeoutを設定しない。書き込みはハンドラー側で期限を設ける。
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		supervisor.Stop(false)
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")
	supervisor.Stop(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// newRemoteClients はREST用とストリーム用のHTTPクライアントを生成する。
// OutboundGuardが有効な場合はエンドポイントを検証し、SSRF対策済みクライアントを返す。
// ストリーム用クライアントは接続を維持するためタイムアウトを持たない。
func newRemoteClients(cfg *config.Config, guard security.OutboundGuardService) (rest, streaming *http.Client, err error) {
	if !cfg.OutboundGuard {
		return &http.Client{Timeout: cfg.TwitterAPITimeout}, &http.Client{}, nil
	}
	for _, endpoint := range []string{cfg.TwitterAPIBaseURL, cfg.TwitterStreamURL} {
		if err := guard.ValidateEndpoint(endpoint); err != nil {
			return nil, nil, fmt.Errorf("リモートAPIのエンドポイントが不正です（%s）: %w", endpoint, err)
		}
	}
	return guard.NewSafeClient(cfg.TwitterAPITimeout), guard.NewSafeClient(0), nil
}

// rateLimiterConfig は設定値（req/min/user）からレート制限設定を構築する。
// 0以下の値は既定値のままとする。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlc := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlc.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlc.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitReply > 0 {
		rlc.ReplyRate = rate.Limit(float64(cfg.RateLimitReply) / 60.0)
		rlc.ReplyBurst = cfg.RateLimitReply
	}
	return rlc
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
