// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/itinerarly/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
// クォータ操作の検索キーは常にexternal_idとし、内部IDは使用しない。
// I/O失敗はすべてmodel.StoreUnavailableErrorとして返す。
type UserRepository interface {
	// FindByExternalID は指定external_idのユーザーを取得する。見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID string) (*model.User, error)

	// UpsertLogin はログイン時にユーザーを作成または更新する。
	// 新規作成時のみinitialをクォータとして設定し、既存ユーザーはプロフィール項目と
	// last_login_atのみを上書きする（クォータ列は変更しない）。
	UpsertLogin(ctx context.Context, identity model.Identity, initial model.Quota, loginAt time.Time) (*model.User, error)

	// CompareAndSwapQuota は保存済みのクォータがexpectedと一致する場合のみnextで上書きする。
	// 一致しない場合（他のリクエストが先に更新した場合）はfalseを返す。
	CompareAndSwapQuota(ctx context.Context, externalID string, expected, next model.Quota) (bool, error)

	// ListExternalIDs はexternal_idの昇順でafterより後のIDを最大limit件返す。
	// afterが空の場合は先頭から返す。
	ListExternalIDs(ctx context.Context, after string, limit int) ([]string, error)

	// DeleteInactiveBefore はlast_login_atがcutoffより前のユーザーを削除し、削除件数を返す。
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping は永続化層への疎通を確認する。
	Ping(ctx context.Context) error
}

// storeError はI/O失敗をStoreUnavailableErrorに包む。
func storeError(op string, err error) error {
	return &model.StoreUnavailableError{Op: op, Err: err}
}
