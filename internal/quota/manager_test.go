package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/itinerarly/internal/model"
	"github.com/hitoshi/itinerarly/internal/repository"
)

var kolkata = DefaultLocation()

// 2026-10-19 10:00 IST
var testNow = time.Date(2026, 10, 19, 10, 0, 0, 0, kolkata)

const (
	today     model.CivilDate = "2026-10-19"
	yesterday model.CivilDate = "2026-10-18"
	tomorrow  model.CivilDate = "2026-10-20"
)

// countingStore はCAS呼び出し回数を数えるラッパー。
type countingStore struct {
	Store
	swaps atomic.Int32
}

func (s *countingStore) CompareAndSwapQuota(ctx context.Context, id string, expected, next model.Quota) (bool, error) {
	s.swaps.Add(1)
	return s.Store.CompareAndSwapQuota(ctx, id, expected, next)
}

// mockStore は関数フィールドで振る舞いを差し替えるStore。
type mockStore struct {
	findFn func(ctx context.Context, id string) (*model.User, error)
	casFn  func(ctx context.Context, id string, expected, next model.Quota) (bool, error)
}

func (m *mockStore) FindByExternalID(ctx context.Context, id string) (*model.User, error) {
	return m.findFn(ctx, id)
}

func (m *mockStore) CompareAndSwapQuota(ctx context.Context, id string, expected, next model.Quota) (bool, error) {
	return m.casFn(ctx, id, expected, next)
}

func newTestManager(store Store, now time.Time) *Manager {
	return NewManager(store, Config{
		DailyLimit: 6,
		Location:   kolkata,
		Now:        func() time.Time { return now },
	})
}

func seed(balance int, date model.CivilDate) *repository.MemoryUserRepo {
	repo := repository.NewMemoryUserRepo()
	repo.Put(&model.User{
		ExternalID:        "gh-42",
		Provider:          model.ProviderGitHub,
		Email:             "octocat@github.local",
		DailyTokenBalance: balance,
		LastRefreshDate:   date,
	})
	return repo
}

func storedQuota(t *testing.T, repo *repository.MemoryUserRepo) model.Quota {
	t.Helper()
	u, err := repo.FindByExternalID(context.Background(), "gh-42")
	require.NoError(t, err)
	require.NotNil(t, u)
	return u.Quota()
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(repository.NewMemoryUserRepo(), Config{})

	assert.Equal(t, 6, m.DailyLimit())
	assert.NotNil(t, m.Location())
}

func TestToday_UsesQuotaTimezone(t *testing.T) {
	// 2026-10-18 20:00 UTC は IST では 2026-10-19 01:30
	m := newTestManager(repository.NewMemoryUserRepo(), time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC))
	assert.Equal(t, today, m.Today())
}

func TestInitialQuota(t *testing.T) {
	m := newTestManager(repository.NewMemoryUserRepo(), testNow)
	assert.Equal(t, model.Quota{Balance: 6, LastRefreshDate: today}, m.InitialQuota())
}

func TestCheckRemaining_FreshIsIdempotentWithoutWrite(t *testing.T) {
	store := &countingStore{Store: seed(4, today)}
	m := newTestManager(store, testNow)
	ctx := context.Background()

	first, err := m.CheckRemaining(ctx, "gh-42")
	require.NoError(t, err)
	second, err := m.CheckRemaining(ctx, "gh-42")
	require.NoError(t, err)

	assert.Equal(t, 4, first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(0), store.swaps.Load())
}

func TestCheckRemaining_StaleRefreshesToLimit(t *testing.T) {
	repo := seed(1, yesterday)
	store := &countingStore{Store: repo}
	m := newTestManager(store, testNow)

	remaining, err := m.CheckRemaining(context.Background(), "gh-42")
	require.NoError(t, err)

	assert.Equal(t, 6, remaining)
	assert.Equal(t, model.Quota{Balance: 6, LastRefreshDate: today}, storedQuota(t, repo))
	assert.Equal(t, int32(1), store.swaps.Load())

	// 2回目は当日分なので書き込まない
	_, err = m.CheckRemaining(context.Background(), "gh-42")
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.swaps.Load())
}

func TestCheckRemaining_ZeroDateCountsAsStale(t *testing.T) {
	repo := seed(0, "")
	m := newTestManager(repo, testNow)

	remaining, err := m.CheckRemaining(context.Background(), "gh-42")
	require.NoError(t, err)
	assert.Equal(t, 6, remaining)
}

func TestCheckRemaining_UserNotFound(t *testing.T) {
	m := newTestManager(repository.NewMemoryUserRepo(), testNow)

	_, err := m.CheckRemaining(context.Background(), "missing")

	var unf *model.UserNotFoundError
	require.ErrorAs(t, err, &unf)
	assert.Equal(t, "missing", unf.ExternalID)
	assert.ErrorIs(t, err, model.ErrUserNotFound)
}

func TestConsume_DayBoundary(t *testing.T) {
	repo := seed(2, yesterday)
	m := newTestManager(repo, testNow)

	ok, remaining, err := m.Consume(context.Background(), "gh-42")
	require.NoError(t, err)

	assert.True(t, ok)
	assert.Equal(t, 5, remaining)
	assert.Equal(t, model.Quota{Balance: 5, LastRefreshDate: today}, storedQuota(t, repo))
}

func TestConsume_Exhausted(t *testing.T) {
	store := &countingStore{Store: seed(0, today)}
	m := newTestManager(store, testNow)

	ok, remaining, err := m.Consume(context.Background(), "gh-42")
	require.NoError(t, err)

	assert.False(t, ok)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, int32(0), store.swaps.Load())
}

func TestConsume_MonotonicAndNeverNegative(t *testing.T) {
	repo := seed(6, today)
	m := newTestManager(repo, testNow)
	ctx := context.Background()

	prev := 6
	for i := 0; i < 10; i++ {
		ok, remaining, err := m.Consume(ctx, "gh-42")
		require.NoError(t, err)
		assert.Equal(t, i < 6, ok, "call %d", i)
		assert.LessOrEqual(t, remaining, prev)
		assert.GreaterOrEqual(t, remaining, 0)
		prev = remaining
	}
	assert.Equal(t, model.Quota{Balance: 0, LastRefreshDate: today}, storedQuota(t, repo))
}

func TestConsume_ConcurrentLastToken(t *testing.T) {
	for run := 0; run < 50; run++ {
		repo := seed(1, today)
		m := newTestManager(repo, testNow)

		var (
			wg    sync.WaitGroup
			wins  atomic.Int32
			start = make(chan struct{})
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok, _, err := m.Consume(context.Background(), "gh-42")
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), wins.Load(), "run %d", run)
		require.Equal(t, 0, storedQuota(t, repo).Balance)
	}
}

func TestConsume_ConcurrentNoLostDecrement(t *testing.T) {
	repo := seed(6, yesterday)
	m := newTestManager(repo, testNow)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := m.Consume(context.Background(), "gh-42")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(4), wins.Load())
	assert.Equal(t, model.Quota{Balance: 2, LastRefreshDate: today}, storedQuota(t, repo))
}

func TestConsume_FutureDateIsFresh(t *testing.T) {
	repo := seed(3, tomorrow)
	m := newTestManager(repo, testNow)

	ok, remaining, err := m.Consume(context.Background(), "gh-42")
	require.NoError(t, err)

	assert.True(t, ok)
	assert.Equal(t, 2, remaining)
	assert.Equal(t, tomorrow, storedQuota(t, repo).LastRefreshDate)
}

func TestConsume_StoreErrorFailsClosed(t *testing.T) {
	boom := errors.New("connection refused")
	m := newTestManager(&mockStore{
		findFn: func(context.Context, string) (*model.User, error) { return nil, boom },
	}, testNow)

	ok, remaining, err := m.Consume(context.Background(), "gh-42")

	assert.False(t, ok)
	assert.Equal(t, 0, remaining)
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.ErrorIs(t, err, boom)
}

func TestConsume_CASErrorFailsClosed(t *testing.T) {
	m := newTestManager(&mockStore{
		findFn: func(context.Context, string) (*model.User, error) {
			return &model.User{ExternalID: "gh-42", DailyTokenBalance: 3, LastRefreshDate: today}, nil
		},
		casFn: func(context.Context, string, model.Quota, model.Quota) (bool, error) {
			return false, &model.StoreUnavailableError{Op: "update quota", Err: errors.New("timeout")}
		},
	}, testNow)

	ok, _, err := m.Consume(context.Background(), "gh-42")

	assert.False(t, ok)
	var sue *model.StoreUnavailableError
	require.ErrorAs(t, err, &sue)
	assert.Equal(t, "update quota", sue.Op)
}

func TestConsume_ContentionExhaustsAttempts(t *testing.T) {
	var swaps int
	m := NewManager(&mockStore{
		findFn: func(context.Context, string) (*model.User, error) {
			return &model.User{ExternalID: "gh-42", DailyTokenBalance: 3, LastRefreshDate: today}, nil
		},
		casFn: func(context.Context, string, model.Quota, model.Quota) (bool, error) {
			swaps++
			return false, nil
		},
	}, Config{MaxAttempts: 3, Location: kolkata, Now: func() time.Time { return testNow }})

	ok, _, err := m.Consume(context.Background(), "gh-42")

	assert.False(t, ok)
	assert.Equal(t, 3, swaps)
	assert.ErrorIs(t, err, ErrQuotaContention)
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
}

func TestConsume_RetriesAfterConflict(t *testing.T) {
	stored := model.Quota{Balance: 3, LastRefreshDate: today}
	conflicted := false
	m := newTestManager(&mockStore{
		findFn: func(context.Context, string) (*model.User, error) {
			return &model.User{ExternalID: "gh-42", DailyTokenBalance: stored.Balance, LastRefreshDate: stored.LastRefreshDate}, nil
		},
		casFn: func(_ context.Context, _ string, expected, next model.Quota) (bool, error) {
			if !conflicted {
				// 他のリクエストが先に1つ消費した
				conflicted = true
				stored.Balance = 2
				return false, nil
			}
			if expected != stored {
				return false, nil
			}
			stored = next
			return true, nil
		},
	}, testNow)

	ok, remaining, err := m.Consume(context.Background(), "gh-42")
	require.NoError(t, err)

	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
}

func TestConsume_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := newTestManager(seed(3, today), testNow).Consume(ctx, "gh-42")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRefreshIfStale(t *testing.T) {
	tests := []struct {
		name          string
		balance       int
		date          model.CivilDate
		wantRefreshed bool
		want          model.Quota
	}{
		{"stale", 0, yesterday, true, model.Quota{Balance: 6, LastRefreshDate: today}},
		{"fresh after consumption", 2, today, false, model.Quota{Balance: 2, LastRefreshDate: today}},
		{"future", 1, tomorrow, false, model.Quota{Balance: 1, LastRefreshDate: tomorrow}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := seed(tt.balance, tt.date)
			m := newTestManager(repo, testNow)

			refreshed, err := m.RefreshIfStale(context.Background(), "gh-42")
			require.NoError(t, err)

			assert.Equal(t, tt.wantRefreshed, refreshed)
			assert.Equal(t, tt.want, storedQuota(t, repo))
		})
	}
}

func TestRefreshIfStale_DoesNotUndoSameDayConsumption(t *testing.T) {
	repo := seed(6, yesterday)
	m := newTestManager(repo, testNow)
	ctx := context.Background()

	_, _, err := m.Consume(ctx, "gh-42")
	require.NoError(t, err)

	refreshed, err := m.RefreshIfStale(ctx, "gh-42")
	require.NoError(t, err)

	assert.False(t, refreshed)
	assert.Equal(t, 5, storedQuota(t, repo).Balance)
}
