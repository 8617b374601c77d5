// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/itinerarly/internal/auth"
	"github.com/hitoshi/itinerarly/internal/middleware"
	"github.com/hitoshi/itinerarly/internal/model"
	"github.com/hitoshi/itinerarly/internal/token"
)

const (
	// loginSuccessPath はログイン成功後のフロントエンドの遷移先。
	loginSuccessPath = "/start"
	// loginFailurePath はログイン失敗時のフロントエンドの遷移先。
	loginFailurePath = "/auth?error=oauth_failed"

	// authTokenHeader はログイン成功時にトークンを返す追加ヘッダー。
	authTokenHeader = "X-Auth-Token"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Authenticate(ctx context.Context, provider string, claims map[string]any) (*auth.Session, error)
	ValidateToken(ctx context.Context, raw string) (*token.Claims, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	FrontendURL   string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	providers auth.Providers
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, providers auth.Providers, config AuthHandlerConfig) *AuthHandler {
	config.FrontendURL = strings.TrimRight(config.FrontendURL, "/")
	return &AuthHandler{
		service:   service,
		providers: providers,
		config:    config,
	}
}

// Login はOAuthフローを開始する。
// GET /auth/{provider}/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider, ok := h.providers.Lookup(name)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnsupportedProviderError(name))
		return
	}

	state, err := auth.GenerateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	middleware.SetOAuthStateCookie(w, h.stateConfig(), state)

	http.Redirect(w, r, provider.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// stateの検証はOAuthStateMiddlewareで行う。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider, ok := h.providers.Lookup(name)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnsupportedProviderError(name))
		return
	}

	// 1. IdP側でのエラー（同意拒否など）
	if idpErr := r.URL.Query().Get("error"); idpErr != "" {
		slog.Warn("oauth provider returned error",
			slog.String("provider", name),
			slog.String("error", idpErr),
		)
		h.FailRedirect(w, r)
		return
	}

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		slog.Warn("oauth callback without code", slog.String("provider", name))
		h.FailRedirect(w, r)
		return
	}

	// 3. 認可コードをクレームに交換
	claims, err := provider.ExchangeCode(r.Context(), code)
	if err != nil {
		slog.Error("oauth code exchange failed",
			slog.String("provider", name),
			slog.String("error", err.Error()),
		)
		h.FailRedirect(w, r)
		return
	}

	// 4. 認証処理（ユーザー登録・日次リセット・トークン発行）
	session, err := h.service.Authenticate(r.Context(), string(provider.Name()), claims)
	if err != nil {
		slog.Error("authentication failed",
			slog.String("provider", name),
			slog.String("error", err.Error()),
		)
		h.FailRedirect(w, r)
		return
	}

	// 5. セッショントークンをCookieとヘッダーに設定
	h.setAuthCookie(w, session.Token, h.maxAge(session.ExpiresAt))
	w.Header().Set("Authorization", "Bearer "+session.Token)
	w.Header().Set(authTokenHeader, session.Token)

	// 6. フロントエンドにリダイレクト
	http.Redirect(w, r, h.config.FrontendURL+loginSuccessPath, http.StatusFound)
}

// FailRedirect はログイン失敗時にフロントエンドのエラーページへリダイレクトする。
func (h *AuthHandler) FailRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.config.FrontendURL+loginFailurePath, http.StatusFound)
}

// Logout はセッションCookieを削除する。
// トークンはステートレスなため、サーバー側で破棄する状態はない。
// POST /auth/logout, POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.setAuthCookie(w, "", -1)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

// Status はログイン状態を返す。未認証でも200を返す。
// GET /api/v1/auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	raw := middleware.TokenFromRequest(r)
	if raw == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"authenticated": false})
		return
	}
	claims, err := h.service.ValidateToken(r.Context(), raw)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"user": map[string]string{
			"externalId":  claims.ExternalID,
			"provider":    string(claims.Provider),
			"email":       claims.Email,
			"displayName": claims.DisplayName,
		},
	})
}

// Validate は認証ミドルウェアを通過したトークンの情報を返す。
// GET /api/v1/validate
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	body := map[string]interface{}{
		"valid":      true,
		"externalId": claims.ExternalID,
		"provider":   claims.Provider,
	}
	if claims.ExpiresAt != nil {
		body["expiresAt"] = claims.ExpiresAt.Time.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

// maxAge はトークンの有効期限までの秒数を返す。
func (h *AuthHandler) maxAge(expiresAt time.Time) int {
	if expiresAt.IsZero() {
		return h.config.SessionMaxAge
	}
	if secs := int(time.Until(expiresAt).Seconds()); secs > 0 {
		return secs
	}
	return h.config.SessionMaxAge
}

// setAuthCookie はセッショントークンCookieを設定する。maxAgeが負の場合は削除する。
func (h *AuthHandler) setAuthCookie(w http.ResponseWriter, value string, maxAge int) {
	sameSite := http.SameSiteLaxMode
	if h.config.CookieSecure {
		// フロントエンドが別ドメインの場合にもCookieを送信させる
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AuthCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: sameSite,
	})
}

func (h *AuthHandler) stateConfig() middleware.OAuthStateConfig {
	return middleware.OAuthStateConfig{
		CookieSecure: h.config.CookieSecure,
		CookieDomain: h.config.CookieDomain,
	}
}
