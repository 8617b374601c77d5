// Package cleanup は非アクティブユーザーの自動削除ジョブを提供する。
// 最終ログインが保持期間（デフォルト3日）より前のユーザーを定期的に削除する。
// ユーザーレコードは他のテーブルから参照されないため、関連データの削除は不要。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/itinerarly/internal/metrics"
)

const (
	// DefaultCutoff は最終ログインからの保持期間。
	DefaultCutoff = 72 * time.Hour
	// DefaultInterval は削除ジョブの実行間隔。
	DefaultInterval = 72 * time.Hour
)

// Deleter は最終ログイン日時による一括削除のインターフェース。
type Deleter interface {
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob は保持期間を超過したユーザーの削除ジョブ。
// 冪等であり、削除対象がない場合もエラーにならない。
type RetentionJob struct {
	deleter Deleter
	logger  *slog.Logger
	Metrics metrics.MetricsCollector
	Cutoff  time.Duration // 保持期間（デフォルト: 72h）

	// Now は現在時刻を返す。テスト用にオーバーライド可能。
	Now func() time.Time
}

// NewRetentionJob は新しいRetentionJobを生成する。
func NewRetentionJob(deleter Deleter, logger *slog.Logger) *RetentionJob {
	return &RetentionJob{
		deleter: deleter,
		logger:  logger,
		Metrics: metrics.Nop{},
		Cutoff:  DefaultCutoff,
		Now:     time.Now,
	}
}

// Run は最終ログインがNow()-Cutoffより前のユーザーを削除し、削除件数を返す。
func (j *RetentionJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := j.Now().Add(-j.Cutoff)

	deleted, err := j.deleter.DeleteInactiveBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("非アクティブユーザーの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Time("cutoff", cutoff),
		)
		return 0, fmt.Errorf("非アクティブユーザーの削除に失敗: %w", err)
	}

	j.Metrics.RecordRetentionSweep(deleted)
	j.logger.Info("非アクティブユーザーの削除ジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deleted, nil
}

// Start は起動直後に1回、以降はinterval間隔でジョブを実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *RetentionJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("削除スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("cutoff", j.Cutoff),
	)

	// エラーはRun内でログ出力済み
	_, _ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("削除スケジューラを停止しました")
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}
