// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/itinerarly/internal/model"
	"github.com/hitoshi/itinerarly/internal/token"
)

// AuthCookieName はセッショントークンを保持するCookieの名前。
const AuthCookieName = "auth-token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// claimsContextKey はリクエストコンテキストに検証済みクレームを格納するためのキー。
var claimsContextKey = contextKey("claims")

// TokenValidator はセッショントークンの検証に必要なインターフェース。
type TokenValidator interface {
	ValidateToken(ctx context.Context, raw string) (*token.Claims, error)
}

// NewAuthMiddleware はセッショントークンを検証するミドルウェアを返す。
// トークンはAuthorizationヘッダー（Bearer）を優先し、なければCookieから読み取る。
// 検証済みクレームをリクエストコンテキストに注入する。
// 未認証リクエストには失敗理由を含めずに401を返す。
func NewAuthMiddleware(validator TokenValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. リクエストからトークンを取得
			raw := TokenFromRequest(r)
			if raw == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			// 2. 署名と有効期限を検証
			claims, err := validator.ValidateToken(r.Context(), raw)
			if err != nil {
				slog.Debug("unauthenticated request",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
				return
			}

			// 3. クレームをコンテキストに注入
			setRequestExternalID(r.Context(), claims.ExternalID)
			ctx := ContextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenFromRequest はAuthorizationヘッダーのBearerトークン、なければauth-token Cookieの値を返す。
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, raw, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(raw) != "" {
			return strings.TrimSpace(raw)
		}
	}
	if cookie, err := r.Cookie(AuthCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// ClaimsFromContext はリクエストコンテキストから検証済みクレームを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*token.Claims)
	return claims, ok && claims != nil
}

// ExternalIDFromContext はリクエストコンテキストから認証済みユーザーのExternalIDを取得する。
func ExternalIDFromContext(ctx context.Context) (string, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.ExternalID == "" {
		return "", fmt.Errorf("external ID not found in context")
	}
	return claims.ExternalID, nil
}

// ContextWithClaims はコンテキストにクレームを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
