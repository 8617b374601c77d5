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

	"github.com/hitoshi/itinerarly/internal/config"
	"github.com/hitoshi/itinerarly/internal/database"
	"github.com/hitoshi/itinerarly/internal/handler"
	"github.com/hitoshi/itinerarly/internal/logger"
	"github.com/hitoshi/itinerarly/internal/metrics"
	"github.com/hitoshi/itinerarly/internal/telemetry"
)

// serviceName はトレースのservice.name属性。
const serviceName = "itinerarly"

// shutdownTimeout はグレースフルシャットダウンの待ち時間の上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. ログレベルの反映
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to configure logger: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	var rollbackSteps int
	if cmd == CommandMigrate {
		if rollbackSteps, err = ParseMigrateArgs(args[1:]); err != nil {
			return err
		}
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg, rollbackSteps)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// 署名鍵とストアを検証し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
// postgres以外のストアはプロセス間で共有できないため、スイーパーも同じプロセスで実行する。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. 署名鍵の検証（鍵がなければリクエストを受け付けない）
	issuer, err := newIssuer(cfg)
	if err != nil {
		return err
	}

	// 2. トレース
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	// 3. ストア
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open user store: %w", err)
	}
	defer closeStore()

	// 4. ルーター
	srv := buildServer(cfg, store, issuer)
	defer srv.rateLimiter.Stop()

	sweepersDone := closedChan()
	if cfg.StoreDriver != config.StoreDriverPostgres {
		sweepersDone = startSweepers(ctx, cfg, store, srv.quota, srv.metrics)
	}

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := serve(ctx, server, "API server"); err != nil {
		return err
	}
	<-sweepersDone
	return nil
}

// runWorker はワーカーモードで起動する。
// 日次リセットと保持期間スイーパーを起動し、/health と /metrics のみを公開する。
// ctxがキャンセルされるとスイーパーの停止を待って終了する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName+"-worker", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open user store: %w", err)
	}
	defer closeStore()

	mc, reg := newMetrics()
	manager := newQuotaManager(cfg, store)

	slog.Info("worker starting",
		slog.String("timezone", manager.Location().String()),
		slog.Int("daily_limit", manager.DailyLimit()),
		slog.Duration("retention_cutoff", cfg.RetentionCutoff),
		slog.Duration("retention_interval", cfg.RetentionInterval),
	)

	sweepersDone := startSweepers(ctx, cfg, store, manager, mc)

	mux := http.NewServeMux()
	mux.Handle("/health", handler.HealthHandler(store))
	mux.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := serve(ctx, server, "worker"); err != nil {
		return err
	}
	<-sweepersDone
	slog.Info("worker stopped gracefully")
	return nil
}

// serve はctxがキャンセルされるまでserverを実行し、グレースフルシャットダウンする。
func serve(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// rollbackStepsが0の場合は未適用マイグレーションを順番に適用し、正の場合はその数だけ巻き戻す。
// sqliteはオープン時にスキーマを適用し、memoryはスキーマを持たないため何もしない。
func runMigrate(cfg *config.Config, rollbackSteps int) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		slog.Info("migrations are only required for postgres; skipping",
			slog.String("store_driver", cfg.StoreDriver),
		)
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if rollbackSteps > 0 {
		if err := database.RollbackMigrations(cfg.DatabaseURL, rollbackSteps); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
		slog.Info("database migrations rolled back", slog.Int("steps", rollbackSteps))
		return nil
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
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

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
