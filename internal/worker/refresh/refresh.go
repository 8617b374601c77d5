// Package refresh は全ユーザーの日次トークン残高を先行してリセットするジョブを提供する。
// リクエスト時の遅延リセット（quota.Manager）が正であり、このジョブは
// 日付が変わった直後のリクエストで書き込みが集中しないようにするための最適化。
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/itinerarly/internal/metrics"
	"github.com/hitoshi/itinerarly/internal/model"
)

// DefaultPageSize は1回のページングで取得するユーザー数。
const DefaultPageSize = 500

// Lister はユーザーのexternal_idをページングで列挙する。
type Lister interface {
	ListExternalIDs(ctx context.Context, after string, limit int) ([]string, error)
}

// Refresher はユーザー1件のトークン残高を必要に応じてリセットする。
type Refresher interface {
	RefreshIfStale(ctx context.Context, externalID string) (bool, error)
}

// Summary はジョブ1回分の集計。
type Summary struct {
	Scanned   int // 走査したユーザー数
	Refreshed int // リセットしたユーザー数
	Failed    int // リセットに失敗したユーザー数
}

// Job は全ユーザーのトークン残高リセットジョブ。
// 1ユーザーの失敗は記録して次のユーザーへ進み、ジョブ全体は中断しない。
type Job struct {
	lister    Lister
	refresher Refresher
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	PageSize  int
}

// NewJob は新しいJobを生成する。
// mcがnilの場合はメトリクスを記録しない。
func NewJob(lister Lister, refresher Refresher, logger *slog.Logger, mc metrics.MetricsCollector) *Job {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Job{
		lister:    lister,
		refresher: refresher,
		logger:    logger,
		metrics:   mc,
		PageSize:  DefaultPageSize,
	}
}

// Run は全ユーザーを走査し、前日以前の残高をリセットする。
// コンテキストがキャンセルされた場合はユーザー間で停止し、途中までの集計とctx.Err()を返す。
// 途中までの進捗は次回の実行で引き継がれる（リセット済みのユーザーは書き込まれない）。
func (j *Job) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var summary Summary

	defer func() {
		j.metrics.RecordRefreshSweep(summary.Refreshed, summary.Failed, time.Since(start))
	}()

	after := ""
	for {
		ids, err := j.lister.ListExternalIDs(ctx, after, j.PageSize)
		if err != nil {
			j.logger.Error("ユーザー一覧の取得に失敗しました",
				slog.String("after", after),
				slog.String("error", err.Error()),
			)
			return summary, err
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				j.logStopped(summary, err)
				return summary, err
			}

			summary.Scanned++
			refreshed, err := j.refresher.RefreshIfStale(ctx, id)
			switch {
			case errors.Is(err, model.ErrUserNotFound):
				// 走査中に保持期間スイーパーが削除した
			case err != nil:
				summary.Failed++
				j.logger.Warn("トークン残高のリセットに失敗しました",
					slog.String("external_id", id),
					slog.String("error", err.Error()),
				)
			case refreshed:
				summary.Refreshed++
			}
		}

		if len(ids) < j.PageSize {
			break
		}
		after = ids[len(ids)-1]
	}

	j.logger.Info("日次リセットジョブが完了しました",
		slog.Int("scanned", summary.Scanned),
		slog.Int("refreshed", summary.Refreshed),
		slog.Int("failed", summary.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return summary, nil
}

func (j *Job) logStopped(summary Summary, err error) {
	j.logger.Info("日次リセットジョブを中断しました",
		slog.Int("scanned", summary.Scanned),
		slog.Int("refreshed", summary.Refreshed),
		slog.Int("failed", summary.Failed),
		slog.String("reason", err.Error()),
	)
}
