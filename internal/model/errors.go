// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, quota, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeDailyLimitExceeded  = "DAILY_LIMIT_EXCEEDED"
	ErrCodeStoreUnavailable    = "STORE_UNAVAILABLE"
	ErrCodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"
	ErrCodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ErrCodeInvalidOAuthState   = "INVALID_OAUTH_STATE"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// ドメインエラーの判定用センチネル。
// 各エラー型はerrors.Isでこれらと一致する。
var (
	ErrUnsupportedProvider = errors.New("unsupported identity provider")
	ErrIncompleteIdentity  = errors.New("incomplete identity")
	ErrSigning             = errors.New("session token signing unavailable")
	ErrInvalidToken        = errors.New("invalid session token")
	ErrUserNotFound        = errors.New("user not found")
	ErrStoreUnavailable    = errors.New("user store unavailable")
)

// UnsupportedProviderError はクレームの形がどのIdPにも一致しない場合のエラー。
type UnsupportedProviderError struct {
	Provider string // 指定されたプロバイダー（未指定の場合は空）
}

func (e *UnsupportedProviderError) Error() string {
	if e.Provider == "" {
		return "unsupported identity provider: claim shape matches no known provider"
	}
	return fmt.Sprintf("unsupported identity provider: %s", e.Provider)
}

func (e *UnsupportedProviderError) Is(target error) bool {
	return target == ErrUnsupportedProvider
}

// IncompleteIdentityError は必須項目（externalId, provider, email）を導出できない場合のエラー。
type IncompleteIdentityError struct {
	Provider Provider
	Field    string
}

func (e *IncompleteIdentityError) Error() string {
	return fmt.Sprintf("incomplete %s identity: missing %s", e.Provider, e.Field)
}

func (e *IncompleteIdentityError) Is(target error) bool {
	return target == ErrIncompleteIdentity
}

// SigningError は署名鍵が未設定、または署名に失敗した場合のエラー。
// 鍵の欠落は起動時の致命的エラーとして扱う。
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session token signing failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session token signing failed: %s", e.Reason)
}

func (e *SigningError) Is(target error) bool {
	return target == ErrSigning
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// TokenFailure はセッショントークン検証失敗の内訳。
// 呼び出し元には区別せず返し、ログとテストでのみ参照する。
type TokenFailure string

const (
	TokenMalformed TokenFailure = "malformed"
	TokenSignature TokenFailure = "signature"
	TokenExpired   TokenFailure = "expired"
)

// InvalidTokenError はセッショントークンが不正・署名不一致・期限切れの場合のエラー。
type InvalidTokenError struct {
	Reason TokenFailure
	Err    error
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid session token (%s)", e.Reason)
}

func (e *InvalidTokenError) Is(target error) bool {
	return target == ErrInvalidToken
}

func (e *InvalidTokenError) Unwrap() error {
	return e.Err
}

// UserNotFoundError はクォータ操作対象のユーザーが存在しない場合のエラー。
type UserNotFoundError struct {
	ExternalID string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user not found: %s", e.ExternalID)
}

func (e *UserNotFoundError) Is(target error) bool {
	return target == ErrUserNotFound
}

// StoreUnavailableError は永続化層のI/O失敗を表す。
// 呼び出し元はいつでもリトライ可能で、黙って握りつぶしてはならない。
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("user store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// NewUnauthenticatedError は未認証エラーを生成する。
// 検証失敗の理由は含めない。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewUnsupportedProviderError は未対応プロバイダー指定時のエラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedProvider,
		Message:  fmt.Sprintf("未対応のログインプロバイダーです: %s", provider),
		Category: "auth",
		Action:   "Google または GitHub でログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewDailyLimitExceededError は当日のトークンを使い切った場合のエラーを生成する。
func NewDailyLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeDailyLimitExceeded,
		Message:  "no tokens remaining, resets next day",
		Category: "quota",
		Action:   "トークンは毎日0時にリセットされます。明日再度お試しください。",
	}
}

// NewStoreUnavailableError は永続化層が利用できない場合のエラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "現在トークン残高を確認できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitExceededError はリクエスト数が上限を超えた場合のエラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInvalidOAuthStateError はOAuthコールバックのstateが一致しない場合のエラーを生成する。
func NewInvalidOAuthStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOAuthState,
		Message:  "ログインリクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "もう一度ログインをお試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
