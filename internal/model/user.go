// Package model はドメインモデルを定義する。
package model

import "time"

// Provider はログインに使用された外部IdPを表す。
type Provider string

const (
	// ProviderGoogle はGoogleアカウントによるログイン。
	ProviderGoogle Provider = "google"
	// ProviderGitHub はGitHubアカウントによるログイン。
	ProviderGitHub Provider = "github"
)

// ParseProvider は文字列をProviderに変換する。
// 未対応の値の場合はfalseを返す。
func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderGoogle, ProviderGitHub:
		return Provider(s), true
	default:
		return "", false
	}
}

// Identity はIdPのクレームから正規化されたユーザー識別情報を表す。
// ExternalIDはIdP内で一意な識別子で、クォータ操作の唯一の検索キーとなる。
type Identity struct {
	ExternalID  string
	Provider    Provider
	Email       string
	DisplayName string
	Handle      string
	AvatarURL   string
}

// User はログインプロバイダーに依存しない正規化済みユーザーレコードを表す。
// プロフィール項目はログインのたびに最新のIdPデータで上書きされる。
type User struct {
	ID          string
	ExternalID  string
	Provider    Provider
	Email       string
	DisplayName string
	Handle      string
	AvatarURL   string

	// DailyTokenBalance は当日消費可能なトークン数（0以上）。
	DailyTokenBalance int
	// LastRefreshDate は最後にトークン残高をリセットした暦日。
	LastRefreshDate CivilDate

	LastLoginAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Identity はユーザーの識別情報部分を返す。
func (u *User) Identity() Identity {
	return Identity{
		ExternalID:  u.ExternalID,
		Provider:    u.Provider,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Handle:      u.Handle,
		AvatarURL:   u.AvatarURL,
	}
}

// Quota はユーザーのトークン残高と最終リセット日の組を表す。
// CompareAndSwapの比較対象として使用する。
type Quota struct {
	Balance         int
	LastRefreshDate CivilDate
}

// Quota はユーザーの現在のクォータ状態を返す。
func (u *User) Quota() Quota {
	return Quota{
		Balance:         u.DailyTokenBalance,
		LastRefreshDate: u.LastRefreshDate,
	}
}
