package refresh

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/itinerarly/internal/model"
	"github.com/hitoshi/itinerarly/internal/quota"
	"github.com/hitoshi/itinerarly/internal/repository"
)

// --- モック定義 ---

// mockLister はLister のテスト用モック。ids をexternal_id順にページングして返す。
type mockLister struct {
	ids     []string
	listErr error
	calls   int
}

func (m *mockLister) ListExternalIDs(ctx context.Context, after string, limit int) ([]string, error) {
	m.calls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	sorted := append([]string(nil), m.ids...)
	sort.Strings(sorted)
	var page []string
	for _, id := range sorted {
		if id > after && len(page) < limit {
			page = append(page, id)
		}
	}
	return page, nil
}

// mockRefresher はRefresherのテスト用モック。
type mockRefresher struct {
	mu        sync.Mutex
	refreshFn func(ctx context.Context, id string) (bool, error)
	seen      []string
}

func (m *mockRefresher) RefreshIfStale(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	m.seen = append(m.seen, id)
	m.mu.Unlock()
	if m.refreshFn != nil {
		return m.refreshFn(ctx, id)
	}
	return true, nil
}

// mockMetrics はMetricsCollectorのテスト用モック。
type mockMetrics struct {
	refreshed, failed int
	sweeps            int
}

func (m *mockMetrics) RecordLogin(string, bool) {}
func (m *mockMetrics) RecordConsume(string)     {}
func (m *mockMetrics) RecordRefreshSweep(refreshed, failed int, _ time.Duration) {
	m.refreshed += refreshed
	m.failed += failed
	m.sweeps++
}
func (m *mockMetrics) RecordRetentionSweep(int64) {}
func (m *mockMetrics) RecordHTTPStatus(int)       {}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// --- Job ---

func TestJob_Run_RefreshesEveryUserAcrossPages(t *testing.T) {
	var buf bytes.Buffer
	lister := &mockLister{ids: []string{"u5", "u1", "u3", "u2", "u4"}}
	refresher := &mockRefresher{}
	mc := &mockMetrics{}

	job := NewJob(lister, refresher, newTestLogger(&buf), mc)
	job.PageSize = 2

	summary, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	want := Summary{Scanned: 5, Refreshed: 5}
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}
	if got := strings.Join(refresher.seen, ","); got != "u1,u2,u3,u4,u5" {
		t.Errorf("refresh order = %s", got)
	}
	// 2件×2ページ + 1件の最終ページ
	if lister.calls != 3 {
		t.Errorf("ListExternalIDs calls = %d, want 3", lister.calls)
	}
	if mc.sweeps != 1 || mc.refreshed != 5 {
		t.Errorf("metrics = %+v", mc)
	}
}

func TestJob_Run_FailureIsIsolated(t *testing.T) {
	var buf bytes.Buffer
	refresher := &mockRefresher{
		refreshFn: func(_ context.Context, id string) (bool, error) {
			if id == "u2" {
				return false, &model.StoreUnavailableError{Op: "update quota", Err: errors.New("timeout")}
			}
			return id != "u3", nil
		},
	}
	mc := &mockMetrics{}

	job := NewJob(&mockLister{ids: []string{"u1", "u2", "u3", "u4"}}, refresher, newTestLogger(&buf), mc)

	summary, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	want := Summary{Scanned: 4, Refreshed: 2, Failed: 1}
	if summary != want {
		t.Errorf("summary = %+v, want %+v", summary, want)
	}
	if mc.failed != 1 {
		t.Errorf("metrics failed = %d, want 1", mc.failed)
	}
	if !strings.Contains(buf.String(), `"external_id":"u2"`) {
		t.Errorf("失敗したユーザーがログに記録されていない: %s", buf.String())
	}
}

func TestJob_Run_DeletedUserIsNotAFailure(t *testing.T) {
	var buf bytes.Buffer
	refresher := &mockRefresher{
		refreshFn: func(_ context.Context, id string) (bool, error) {
			return false, &model.UserNotFoundError{ExternalID: id}
		},
	}

	summary, err := NewJob(&mockLister{ids: []string{"gone"}}, refresher, newTestLogger(&buf), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if summary.Failed != 0 {
		t.Errorf("Failed = %d, want 0", summary.Failed)
	}
}

func TestJob_Run_ListErrorAborts(t *testing.T) {
	var buf bytes.Buffer
	listErr := errors.New("connection refused")

	_, err := NewJob(&mockLister{listErr: listErr}, &mockRefresher{}, newTestLogger(&buf), nil).Run(context.Background())
	if !errors.Is(err, listErr) {
		t.Fatalf("err = %v, want %v", err, listErr)
	}
}

func TestJob_Run_StopsBetweenUsersOnCancel(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	refresher := &mockRefresher{
		refreshFn: func(_ context.Context, id string) (bool, error) {
			if id == "u2" {
				cancel()
			}
			return true, nil
		},
	}

	summary, err := NewJob(&mockLister{ids: []string{"u1", "u2", "u3", "u4"}}, refresher, newTestLogger(&buf), nil).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if summary.Scanned != 2 {
		t.Errorf("Scanned = %d, want 2", summary.Scanned)
	}
}

// TestJob_Run_WithQuotaManager は実際のQuota Managerと組み合わせ、
// 当日すでに消費したユーザーが二重にリセットされないことを検証する。
func TestJob_Run_WithQuotaManager(t *testing.T) {
	var buf bytes.Buffer
	loc := quota.DefaultLocation()
	now := time.Date(2026, 10, 19, 0, 0, 5, 0, loc)

	repo := repository.NewMemoryUserRepo()
	repo.Put(&model.User{ExternalID: "stale", DailyTokenBalance: 0, LastRefreshDate: "2026-10-18"})
	repo.Put(&model.User{ExternalID: "consumed-today", DailyTokenBalance: 3, LastRefreshDate: "2026-10-19"})

	manager := quota.NewManager(repo, quota.Config{DailyLimit: 6, Location: loc, Now: func() time.Time { return now }})

	summary, err := NewJob(repo, manager, newTestLogger(&buf), nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if summary != (Summary{Scanned: 2, Refreshed: 1}) {
		t.Errorf("summary = %+v", summary)
	}

	stale, _ := repo.FindByExternalID(context.Background(), "stale")
	if stale.DailyTokenBalance != 6 || stale.LastRefreshDate != "2026-10-19" {
		t.Errorf("stale user quota = %+v", stale.Quota())
	}
	consumed, _ := repo.FindByExternalID(context.Background(), "consumed-today")
	if consumed.DailyTokenBalance != 3 {
		t.Errorf("consumed-today balance = %d, want 3", consumed.DailyTokenBalance)
	}
}
