package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hitoshi/itinerarly/internal/model"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

const sqliteUserColumns = `id, external_id, provider, email, display_name, handle, avatar_url,
	daily_token_balance, last_refresh_date, last_login_at, created_at, updated_at`

// SQLiteUserRepo はSQLiteを使用したユーザーリポジトリ。
// 単一インスタンス構成やローカル開発で使用する。
// 接続数を1に制限し、書き込みを直列化する。
type SQLiteUserRepo struct {
	db *sql.DB
}

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// sqliteDSN はパスに接続時のプラグマを付与する。
// file:app.db?mode=rwc のように既にクエリを持つ場合は&で連結する。
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + sqlitePragmas
	}
	return path + "?" + sqlitePragmas
}

// NewSQLiteUserRepo はSQLiteデータベースを開き、スキーマを適用する。
func NewSQLiteUserRepo(path string) (*SQLiteUserRepo, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return &SQLiteUserRepo{db: db}, nil
}

// Close はデータベースを閉じる。
func (r *SQLiteUserRepo) Close() error {
	return r.db.Close()
}

// FindByExternalID は指定external_idのユーザーを取得する。見つからない場合はnilを返す。
func (r *SQLiteUserRepo) FindByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE external_id = ?`,
		externalID,
	)
	user, err := scanSQLiteUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("find user", err)
	}
	return user, nil
}

// UpsertLogin はログイン時にユーザーを作成または更新する。
func (r *SQLiteUserRepo) UpsertLogin(ctx context.Context, identity model.Identity, initial model.Quota, loginAt time.Time) (*model.User, error) {
	at := loginAt.UTC().UnixMilli()
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, external_id, provider, email, display_name, handle, avatar_url,
		                    daily_token_balance, last_refresh_date, last_login_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_id) DO UPDATE SET
		   provider      = excluded.provider,
		   email         = excluded.email,
		   display_name  = excluded.display_name,
		   handle        = excluded.handle,
		   avatar_url    = excluded.avatar_url,
		   last_login_at = excluded.last_login_at,
		   updated_at    = excluded.updated_at
		 RETURNING `+sqliteUserColumns,
		uuid.New().String(), identity.ExternalID, string(identity.Provider), identity.Email,
		identity.DisplayName, identity.Handle, identity.AvatarURL,
		initial.Balance, initial.LastRefreshDate.String(), at, at, at,
	)
	user, err := scanSQLiteUser(row)
	if err != nil {
		return nil, storeError("upsert user", err)
	}
	return user, nil
}

// CompareAndSwapQuota は条件付きUPDATEでクォータを更新する。
func (r *SQLiteUserRepo) CompareAndSwapQuota(ctx context.Context, externalID string, expected, next model.Quota) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET daily_token_balance = ?, last_refresh_date = ?, updated_at = ?
		 WHERE external_id = ? AND daily_token_balance = ? AND last_refresh_date = ?`,
		next.Balance, next.LastRefreshDate.String(), time.Now().UTC().UnixMilli(),
		externalID, expected.Balance, expected.LastRefreshDate.String(),
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
func (r *SQLiteUserRepo) ListExternalIDs(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT external_id FROM users WHERE external_id > ? ORDER BY external_id LIMIT ?`,
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
func (r *SQLiteUserRepo) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE last_login_at < ?`,
		cutoff.UTC().UnixMilli(),
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
func (r *SQLiteUserRepo) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

func scanSQLiteUser(row rowScanner) (*model.User, error) {
	var (
		user                             model.User
		provider, refreshDate            string
		lastLoginAt, createdAt, updateAt int64
	)
	err := row.Scan(
		&user.ID, &user.ExternalID, &provider, &user.Email, &user.DisplayName, &user.Handle, &user.AvatarURL,
		&user.DailyTokenBalance, &refreshDate, &lastLoginAt, &createdAt, &updateAt,
	)
	if err != nil {
		return nil, err
	}
	user.Provider = model.Provider(provider)
	user.LastRefreshDate, err = model.ParseCivilDate(refreshDate)
	if err != nil {
		return nil, err
	}
	user.LastLoginAt = time.UnixMilli(lastLoginAt).UTC()
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	user.UpdatedAt = time.UnixMilli(updateAt).UTC()
	return &user, nil
}

// compile-time interface check
var _ UserRepository = (*SQLiteUserRepo)(nil)
