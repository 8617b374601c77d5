package refresh

import (
	"context"
	"log/slog"
	"time"
)

// Runner は日次で実行するジョブ。
type Runner interface {
	Run(ctx context.Context) (Summary, error)
}

// Scheduler は基準タイムゾーンの毎日0時にジョブを実行する。
type Scheduler struct {
	job    Runner
	loc    *time.Location
	logger *slog.Logger

	// now と after はテスト用にオーバーライド可能。
	now   func() time.Time
	after func(d time.Duration) <-chan time.Time
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(job Runner, loc *time.Location, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		job:    job,
		loc:    loc,
		logger: logger,
		now:    time.Now,
		after:  time.After,
	}
}

// Start は起動直後に1回、以降は毎日0時にジョブを実行する。
// 停止中に日付が変わった場合も起動直後の実行で取りこぼしを補う。
// コンテキストがキャンセルされるまでブロックする。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("日次リセットスケジューラを開始しました",
		slog.String("timezone", s.loc.String()),
	)

	s.runOnce(ctx)

	for {
		next := NextMidnight(s.now(), s.loc)
		s.logger.Debug("次回の日次リセット", slog.Time("at", next))

		select {
		case <-ctx.Done():
			s.logger.Info("日次リセットスケジューラを停止しました")
			return
		case <-s.after(next.Sub(s.now())):
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if _, err := s.job.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("日次リセットジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// NextMidnight はlocのタイムゾーンでtの次の0時を返す。
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
