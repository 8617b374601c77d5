// Package quota はユーザーごとの日次トークン残高を管理する。
//
// 残高の状態（当日分か前日以前か）は保存しない。last_refresh_dateと
// 基準タイムゾーンでの当日の日付を比較して導出する。更新はすべて
// UserRepository.CompareAndSwapQuotaによる楽観的排他で行い、
// 競合した場合は読み取りからやり直す。残高はプロセス内にキャッシュしない。
package quota

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/itinerarly/internal/model"
)

const (
	// DefaultDailyLimit は1日あたりのトークン数の既定値。
	DefaultDailyLimit = 6
	// DefaultTimezone は日付の境界を判定する基準タイムゾーン。
	DefaultTimezone = "Asia/Kolkata"
	// DefaultMaxAttempts はCAS競合時の最大試行回数。
	DefaultMaxAttempts = 8
)

// ErrQuotaContention は最大試行回数までCASが競合し続けた場合のエラー。
// 呼び出し元にはStoreUnavailableErrorとして返る。
var ErrQuotaContention = errors.New("quota update contention")

var tracer = otel.Tracer("github.com/hitoshi/itinerarly/internal/quota")

// Store はQuota Managerが使用する永続化操作。
type Store interface {
	FindByExternalID(ctx context.Context, externalID string) (*model.User, error)
	CompareAndSwapQuota(ctx context.Context, externalID string, expected, next model.Quota) (bool, error)
}

// Config はManagerの設定。ゼロ値の項目には既定値を使用する。
type Config struct {
	DailyLimit  int
	Location    *time.Location
	MaxAttempts int

	// Now は現在時刻を返す。テスト用にオーバーライド可能。
	Now func() time.Time
}

// Manager は日次リフレッシュと消費・残高確認を行う。
type Manager struct {
	store       Store
	limit       int
	loc         *time.Location
	maxAttempts int
	now         func() time.Time
}

// NewManager はManagerを生成する。
func NewManager(store Store, cfg Config) *Manager {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if cfg.Location == nil {
		cfg.Location = DefaultLocation()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:       store,
		limit:       cfg.DailyLimit,
		loc:         cfg.Location,
		maxAttempts: cfg.MaxAttempts,
		now:         cfg.Now,
	}
}

// DefaultLocation はAsia/Kolkataを返す。
// タイムゾーンデータベースが無い環境ではUTC+5:30の固定オフセットで代替する（夏時間なし）。
func DefaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// DailyLimit は1日あたりのトークン数を返す。
func (m *Manager) DailyLimit() int {
	return m.limit
}

// Location は基準タイムゾーンを返す。
func (m *Manager) Location() *time.Location {
	return m.loc
}

// Today は基準タイムゾーンでの当日の日付を返す。
func (m *Manager) Today() model.CivilDate {
	return model.DateOf(m.now(), m.loc)
}

// InitialQuota は新規ユーザーに設定するクォータを返す。
func (m *Manager) InitialQuota() model.Quota {
	return model.Quota{Balance: m.limit, LastRefreshDate: m.Today()}
}

// CheckRemaining は当日の残高を返す。
// 前日以前の残高であれば上限までリセットして保存してから返す。
func (m *Manager) CheckRemaining(ctx context.Context, externalID string) (int, error) {
	ctx, span := m.startSpan(ctx, "quota.CheckRemaining", externalID)
	defer span.End()

	var remaining int
	err := m.retry(ctx, externalID, func(cur model.Quota, today model.CivilDate) (model.Quota, bool) {
		next, stale := m.settle(cur, today)
		remaining = next.Balance
		return next, stale
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return remaining, nil
}

// Consume はトークンを1つ消費する。
// 当日の残高が0の場合はfalseを返す（エラーではない）。戻り値のintは操作後の残高。
func (m *Manager) Consume(ctx context.Context, externalID string) (bool, int, error) {
	ctx, span := m.startSpan(ctx, "quota.Consume", externalID)
	defer span.End()

	var (
		consumed  bool
		remaining int
	)
	err := m.retry(ctx, externalID, func(cur model.Quota, today model.CivilDate) (model.Quota, bool) {
		next, stale := m.settle(cur, today)
		if next.Balance <= 0 {
			// 使い切り。リセットが必要な場合のみ保存する
			consumed, remaining = false, 0
			return next, stale
		}
		next.Balance--
		consumed, remaining = true, next.Balance
		return next, true
	})
	if err != nil {
		span.RecordError(err)
		return false, 0, err
	}
	span.SetAttributes(attribute.Bool("quota.consumed", consumed))
	return consumed, remaining, nil
}

// RefreshIfStale は前日以前の残高であれば上限までリセットする。
// この呼び出しでリセットした場合にtrueを返す。日次スイーパーと共用する。
func (m *Manager) RefreshIfStale(ctx context.Context, externalID string) (bool, error) {
	ctx, span := m.startSpan(ctx, "quota.RefreshIfStale", externalID)
	defer span.End()

	var refreshed bool
	err := m.retry(ctx, externalID, func(cur model.Quota, today model.CivilDate) (model.Quota, bool) {
		next, stale := m.settle(cur, today)
		refreshed = stale
		return next, stale
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return refreshed, nil
}

// settle は当日時点のクォータを返す。
// last_refresh_dateが当日より前（未設定を含む）であれば上限までリセットし、trueを返す。
// 当日以降の日付（インスタンス間の時計のずれ）はリセットしないため、日付は後退しない。
func (m *Manager) settle(cur model.Quota, today model.CivilDate) (model.Quota, bool) {
	if cur.LastRefreshDate.Before(today) {
		return model.Quota{Balance: m.limit, LastRefreshDate: today}, true
	}
	return cur, false
}

// retry は読み取り→判定→CASを、CASが成功するか書き込み不要になるまで繰り返す。
// decideは現在のクォータから次のクォータと書き込みの要否を返す。
func (m *Manager) retry(ctx context.Context, externalID string, decide func(cur model.Quota, today model.CivilDate) (model.Quota, bool)) error {
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		user, err := m.store.FindByExternalID(ctx, externalID)
		if err != nil {
			return asStoreError("find user", err)
		}
		if user == nil {
			return &model.UserNotFoundError{ExternalID: externalID}
		}

		cur := user.Quota()
		next, write := decide(cur, m.Today())
		if !write {
			return nil
		}

		swapped, err := m.store.CompareAndSwapQuota(ctx, externalID, cur, next)
		if err != nil {
			return asStoreError("update quota", err)
		}
		if swapped {
			return nil
		}
		trace.SpanFromContext(ctx).AddEvent("quota.conflict", trace.WithAttributes(attribute.Int("attempt", attempt)))
	}
	return &model.StoreUnavailableError{Op: "update quota", Err: ErrQuotaContention}
}

func (m *Manager) startSpan(ctx context.Context, name, externalID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("user.external_id", externalID)))
}

// asStoreError はリポジトリのエラーをStoreUnavailableErrorに揃える。
func asStoreError(op string, err error) error {
	if errors.Is(err, model.ErrStoreUnavailable) {
		return err
	}
	return &model.StoreUnavailableError{Op: op, Err: err}
}
