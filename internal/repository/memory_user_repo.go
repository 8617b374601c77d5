package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/itinerarly/internal/model"
)

// MemoryUserRepo はプロセス内メモリに保持するユーザーリポジトリ。
// テストと単一プロセスでの動作確認用で、再起動するとデータは失われる。
type MemoryUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User // external_id -> user
	now   func() time.Time
}

// NewMemoryUserRepo はMemoryUserRepoを生成する。
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{
		users: make(map[string]*model.User),
		now:   time.Now,
	}
}

// Put はユーザーをそのまま保存する。テストデータの投入に使用する。
func (r *MemoryUserRepo) Put(user *model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := *user
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	r.users[u.ExternalID] = &u
}

// FindByExternalID は指定external_idのユーザーのコピーを返す。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByExternalID(_ context.Context, externalID string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[externalID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// UpsertLogin はログイン時にユーザーを作成または更新する。
func (r *MemoryUserRepo) UpsertLogin(_ context.Context, identity model.Identity, initial model.Quota, loginAt time.Time) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[identity.ExternalID]
	if !ok {
		u = &model.User{
			ID:                uuid.New().String(),
			ExternalID:        identity.ExternalID,
			DailyTokenBalance: initial.Balance,
			LastRefreshDate:   initial.LastRefreshDate,
			CreatedAt:         loginAt,
		}
		r.users[identity.ExternalID] = u
	}
	u.Provider = identity.Provider
	u.Email = identity.Email
	u.DisplayName = identity.DisplayName
	u.Handle = identity.Handle
	u.AvatarURL = identity.AvatarURL
	u.LastLoginAt = loginAt
	u.UpdatedAt = loginAt

	cp := *u
	return &cp, nil
}

// CompareAndSwapQuota は保存済みのクォータがexpectedと一致する場合のみnextで上書きする。
func (r *MemoryUserRepo) CompareAndSwapQuota(_ context.Context, externalID string, expected, next model.Quota) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[externalID]
	if !ok || u.Quota() != expected {
		return false, nil
	}
	u.DailyTokenBalance = next.Balance
	u.LastRefreshDate = next.LastRefreshDate
	u.UpdatedAt = r.now()
	return true, nil
}

// ListExternalIDs はexternal_idの昇順でafterより後のIDを最大limit件返す。
func (r *MemoryUserRepo) ListExternalIDs(_ context.Context, after string, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit >= 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// DeleteInactiveBefore はlast_login_atがcutoffより前のユーザーを削除する。
func (r *MemoryUserRepo) DeleteInactiveBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, u := range r.users {
		if u.LastLoginAt.Before(cutoff) {
			delete(r.users, id)
			n++
		}
	}
	return n, nil
}

// Ping は常に成功する。
func (r *MemoryUserRepo) Ping(context.Context) error {
	return nil
}

// compile-time interface check
var _ UserRepository = (*MemoryUserRepo)(nil)
