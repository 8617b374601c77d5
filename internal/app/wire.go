package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/itinerarly/internal/auth"
	"github.com/hitoshi/itinerarly/internal/config"
	"github.com/hitoshi/itinerarly/internal/database"
	"github.com/hitoshi/itinerarly/internal/handler"
	"github.com/hitoshi/itinerarly/internal/identity"
	"github.com/hitoshi/itinerarly/internal/metrics"
	"github.com/hitoshi/itinerarly/internal/middleware"
	"github.com/hitoshi/itinerarly/internal/model"
	"github.com/hitoshi/itinerarly/internal/quota"
	"github.com/hitoshi/itinerarly/internal/repository"
	"github.com/hitoshi/itinerarly/internal/token"
	"github.com/hitoshi/itinerarly/internal/worker/cleanup"
	"github.com/hitoshi/itinerarly/internal/worker/refresh"
)

// dbPingTimeout は起動時のデータベース疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// openStore はSTORE_DRIVERに応じたユーザーストアを開く。
// 戻り値のclose関数は呼び出し元で必ず呼ぶこと。
func openStore(ctx context.Context, cfg *config.Config) (repository.UserRepository, func() error, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established", slog.String("driver", cfg.StoreDriver))
		return repository.NewPostgresUserRepo(db), db.Close, nil

	case config.StoreDriverSQLite:
		repo, err := repository.NewSQLiteUserRepo(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("sqlite store opened", slog.String("path", cfg.DatabaseURL))
		return repo, repo.Close, nil

	case config.StoreDriverMemory:
		slog.Warn("using in-memory user store; data is lost on restart")
		return repository.NewMemoryUserRepo(), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.StoreDriver)
	}
}

// newIssuer は署名鍵を検証してIssuerを生成する。
// 鍵が使えない場合はリクエストを受け付ける前に起動を中止する。
func newIssuer(cfg *config.Config) (*token.Issuer, error) {
	issuer, err := token.NewIssuer(token.Config{
		Secret: cfg.JWTSecret,
		TTL:    cfg.SessionTTL,
		Issuer: cfg.JWTIssuer,
	})
	if err != nil {
		return nil, fmt.Errorf("session token issuer: %w", err)
	}
	return issuer, nil
}

func newQuotaManager(cfg *config.Config, store quota.Store) *quota.Manager {
	return quota.NewManager(store, quota.Config{
		DailyLimit: cfg.DailyTokenLimit,
		Location:   cfg.QuotaLocation,
	})
}

// newProviders はクライアントIDが設定されているIdPのみを登録する。
func newProviders(cfg *config.Config) auth.Providers {
	providers := auth.Providers{}
	if cfg.GoogleEnabled() {
		providers[model.ProviderGoogle] = auth.NewGoogleOAuthProvider(auth.OAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
	}
	if cfg.GitHubEnabled() {
		providers[model.ProviderGitHub] = auth.NewGitHubOAuthProvider(auth.OAuthConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
		})
	}
	if len(providers) == 0 {
		slog.Warn("no oauth provider configured; login is disabled")
	}
	return providers
}

// newMetrics はプロセス単位のレジストリを生成し、Goランタイムのメトリクスと合わせて登録する。
func newMetrics() (*metrics.Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(reg), reg
}

// server はAPIサーバーの構成要素。
type server struct {
	handler     http.Handler
	rateLimiter *middleware.RateLimiter
	quota       *quota.Manager
	metrics     *metrics.Collector
}

// buildServer はストアとIssuerからAPIサーバーのハンドラーを組み立てる。
func buildServer(cfg *config.Config, store repository.UserRepository, issuer *token.Issuer) *server {
	mc, reg := newMetrics()

	manager := newQuotaManager(cfg, store)
	authService := auth.NewService(identity.NewNormalizer(), store, manager, issuer, mc)
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Metrics:           mc,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		AuthService: authService,
		Providers:   newProviders(cfg),
		AuthConfig: handler.AuthHandlerConfig{
			FrontendURL:   cfg.FrontendURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: int(cfg.SessionTTL.Seconds()),
		},

		QuotaService: manager,
		UserService:  authService,

		HealthChecker:  store,
		MetricsHandler: metrics.Handler(reg),
	})

	return &server{
		handler:     router,
		rateLimiter: rateLimiter,
		quota:       manager,
		metrics:     mc,
	}
}

// startSweepers は日次リセットと保持期間スイーパーをバックグラウンドで起動する。
// 返されたチャネルは両方のスイーパーが停止したときにクローズされる。
func startSweepers(ctx context.Context, cfg *config.Config, store repository.UserRepository, manager *quota.Manager, mc metrics.MetricsCollector) <-chan struct{} {
	logger := slog.Default()

	refreshJob := refresh.NewJob(store, manager, logger, mc)
	scheduler := refresh.NewScheduler(refreshJob, manager.Location(), logger)

	retention := cleanup.NewRetentionJob(store, logger)
	retention.Cutoff = cfg.RetentionCutoff
	retention.Metrics = mc

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		retention.Start(ctx, cfg.RetentionInterval)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}
