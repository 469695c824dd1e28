// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/fueled-forward-auth/internal/authclient"
	"github.com/yourusername/fueled-forward-auth/internal/authserver"
	"github.com/yourusername/fueled-forward-auth/internal/config"
	"github.com/yourusername/fueled-forward-auth/internal/metrics"
	"github.com/yourusername/fueled-forward-auth/internal/storage"
	"github.com/yourusername/fueled-forward-auth/internal/web"
)

const (
	serviceName    = "fueled-forward-auth"
	serviceVersion = "0.1.0"
)

func main() {
	// 設定の読み込み（DATABASE_URL 未設定などはここで終了）
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode())

	// 追加フィールドのカラムを用意
	db, err := storage.NewPostgres(ctx, cfg.DatabaseURL, cfg.UserTable)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	appMetrics := metrics.New()

	pipeline, err := setupMail(cfg, appMetrics)
	if err != nil {
		log.Fatalf("Failed to set up mail delivery: %v", err)
	}

	opts := authserver.DefaultOptions(cfg)
	opts.Storage = db
	opts.Hooks = emailHooks(pipeline.dispatcher, opts.EmailVerification.ExpiresIn)
	authServer, err := authserver.New(&opts, log.Default())
	if err != nil {
		log.Fatalf("Failed to initialize auth server: %v", err)
	}

	router, err := setupRouter(cfg, authServer, pipeline, appMetrics)
	if err != nil {
		log.Fatalf("Failed to set up routes: %v", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting %s on %s (env: %s)", serviceName, srv.Addr, cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
	pipeline.shutdown(shutdownCtx)
	log.Printf("%s stopped", serviceName)
}

// setupRouter はゲートウェイ・画面・運用エンドポイントを登録したルーターを返します。
func setupRouter(cfg *config.Config, authServer *authserver.Server, pipeline *mailPipeline, appMetrics *metrics.Metrics) (*gin.Engine, error) {
	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	// 送信制限はクライアントIP単位のため、転送ヘッダーは明示したプロキシからのみ信頼する
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}

	router.GET("/health", handleHealth)
	router.GET("/ready", handleReady(authServer, pipeline))
	router.GET("/metrics", gin.WrapH(appMetrics.Handler()))

	// 認証エンジンへのゲートウェイ（全メソッド・全サブパスを転送）
	gateway := appMetrics.InstrumentGateway(authServer.Handler())
	authRoutes := router.Group(authclient.BasePath)
	authRoutes.Use(cors.New(corsConfig(cfg)))
	authRoutes.Any("/*path", gin.WrapH(gateway))

	// 認証エンジンから呼ばれる設定取得とメール送信フック（共有秘密鍵がなければ署名を検証できない）
	if cfg.AuthSecret != "" {
		router.Any(authserver.EnginePrefix+"/*path", gin.WrapH(http.StripPrefix(authserver.EnginePrefix, authServer.EngineHandler())))
	} else {
		log.Printf("WARNING: BETTER_AUTH_SECRET is not set; %s endpoints are disabled and email hooks will not run", authserver.EnginePrefix)
	}

	// 画面
	sessionKey := authserver.DeriveKey(cfg.AuthSecret, authserver.PurposeSessionCookie, 32)
	pages, err := web.NewHandler(web.Config{
		Client:       authclient.New(cfg.PublicAuthURL),
		Profiles:     authServer,
		SessionStore: web.NewSessionStore(sessionKey, cfg.Environment.IsProduction()),
		Metrics:      appMetrics,
		Logger:       log.Default(),
	})
	if err != nil {
		return nil, err
	}
	if err := pages.Register(router); err != nil {
		return nil, err
	}
	return router, nil
}

// corsConfig は本番では信頼済みオリジンのみ、開発では任意のオリジンを許可します。
func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowCredentials = true
	corsCfg.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	corsCfg.AllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
	}
	if cfg.Environment.IsProduction() {
		corsCfg.AllowOrigins = cfg.TrustedOrigins
	} else {
		// 資格情報付きのため "*" ではなくリクエストのオリジンを返す
		corsCfg.AllowOriginFunc = func(string) bool { return true }
	}
	return corsCfg
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// readinessChecker は依存先への疎通確認です。
type readinessChecker interface {
	Ready(ctx context.Context) error
}

// handleReady はデータベースとキューへの疎通を確認します。
func handleReady(auth readinessChecker, pipeline *mailPipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := auth.Ready(ctx); err != nil {
			log.Printf("readiness check failed (database): %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "DATABASE_UNAVAILABLE",
				"message": "database is not reachable",
			})
			return
		}
		if pipeline != nil {
			if err := pipeline.ready(ctx); err != nil {
				log.Printf("readiness check failed (queue): %v", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"code":    "QUEUE_UNAVAILABLE",
					"message": "mail queue is not reachable",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
