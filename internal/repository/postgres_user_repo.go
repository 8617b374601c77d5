package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/itinerarly/internal/model"
)

// userColumns はusersテーブルから読み出す列。
// last_refresh_dateはタイムゾーン変換を避けるためtextで受け取る。
const userColumns = `id, external_id, provider, email, display_name, handle, avatar_url,
	daily_token_balance, last_refresh_date::text, last_login_at, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByExternalID は指定external_idのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = $1`,
		externalID,
	)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("find user", err)
	}
	return user, nil
}

// UpsertLogin はログイン時にユーザーを作成または更新する。
// external_idのユニーク制約で競合した場合はプロフィール項目のみ更新する。
func (r *PostgresUserRepo) UpsertLogin(ctx context.Context, identity model.Identity, initial model.Quota, loginAt time.Time) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, external_id, provider, email, display_name, handle, avatar_url,
		                    daily_token_balance, last_refresh_date, last_login_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::date, $10, $10, $10)
		 ON CONFLICT (external_id) DO UPDATE SET
		   provider      = EXCLUDED.provider,
		   email         = EXCLUDED.email,
		   display_name  = EXCLUDED.display_name,
		   handle        = EXCLUDED.handle,
		   avatar_url    = EXCLUDED.avatar_url,
		   last_login_at = EXCLUDED.last_login_at,
		   updated_at    = EXCLUDED.updated_at
		 RETURNING `+userColumns,
		uuid.New().String(), identity.ExternalID, string(identity.Provider), identity.Email,
		identity.DisplayName, identity.Handle, identity.AvatarURL,
		initial.Balance, initial.LastRefreshDate.String(), loginAt,
	)
	user, err := scanUser(row)
	if err != nil {
		return nil, storeError("upsert user", err)
	}
	return user, nil
}

// CompareAndSwapQuota は条件付きUPDATEでクォータを更新する。
// 読み取り以降に他のリクエストが更新していた場合は0行更新となりfalseを返す。
func (r *PostgresUserRepo) CompareAndSwapQuota(ctx context.Context, externalID string, expected, next model.Quota) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET daily_token_balance = $2, last_refresh_date = $3::date, updated_at = now()
		 WHERE external_id = $1
		   AND daily_token_balance = $4
		   AND last_refresh_date IS NOT DISTINCT FROM NULLIF($5, '')::date`,
		externalID, next.Balance, next.LastRefreshDate.String(),
		expected.Balance, expected.LastRefreshDate.String(),
	)
	if err != nil {
		return false, storeError("update quota", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, storeError("update quota", fmt.Errorf("failed to get rows affected: %w", err))
	}
	return rowsAffected == 1, nil
}

// ListExternalIDs はexternal_idの昇順でafterより後のIDを最大limit件返す。
func (r *PostgresUserRepo) ListExternalIDs(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT external_id FROM users WHERE external_id > $1 ORDER BY external_id LIMIT $2`,
		after, limit,
	)
	if err != nil {
		return nil, storeError("list users", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeError("list users", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list users", err)
	}
	return ids, nil
}

// DeleteInactiveBefore はlast_login_atがcutoffより前のユーザーを削除する。
func (r *PostgresUserRepo) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE last_login_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, storeError("delete inactive users", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storeError("delete inactive users", fmt.Errorf("failed to get rows affected: %w", err))
	}
	return n, nil
}

// Ping はデータベースへの疎通を確認する。
func (r *PostgresUserRepo) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser はuserColumnsの順で1行を読み取る。
func scanUser(row rowScanner) (*model.User, error) {
	var (
		user        model.User
		provider    string
		refreshDate sql.NullString
	)
	err := row.Scan(
		&user.ID, &user.ExternalID, &provider, &user.Email, &user.DisplayName, &user.Handle, &user.AvatarURL,
		&user.DailyTokenBalance, &refreshDate, &user.LastLoginAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Provider = model.Provider(provider)
	user.LastRefreshDate, err = model.ParseCivilDate(refreshDate.String)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
