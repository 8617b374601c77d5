package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/hitoshi/itinerarly/internal/model"
)

const (
	// oauthStateCookieName はOAuthのstate値を保持するCookieの名前。
	oauthStateCookieName = "oauth_state"

	// oauthStateMaxAge はログイン開始からコールバックまでの猶予（秒）。
	oauthStateMaxAge = 600
)

// OAuthStateConfig はstate Cookieの設定。
type OAuthStateConfig struct {
	CookieSecure bool
	CookieDomain string
}

// SetOAuthStateCookie はログイン開始時にstate値をCookieに保存する。
func SetOAuthStateCookie(w http.ResponseWriter, config OAuthStateConfig, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    state,
		Path:     "/auth",
		Domain:   config.CookieDomain,
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// NewOAuthStateMiddleware はOAuthコールバックのstateパラメータをCookieと照合するミドルウェアを返す。
// 一致しない場合はonFailureを呼び出す（nilの場合は403を返す）。
// 照合後のCookieは成否にかかわらず削除する。
func NewOAuthStateMiddleware(config OAuthStateConfig, onFailure http.Handler) func(next http.Handler) http.Handler {
	if onFailure == nil {
		onFailure = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteErrorResponse(w, http.StatusForbidden, model.NewInvalidOAuthStateError())
		})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(oauthStateCookieName)
			clearOAuthStateCookie(w, config)

			if err != nil || cookie.Value == "" {
				slog.Warn("OAuth state validation failed: missing cookie",
					slog.String("path", r.URL.Path),
				)
				onFailure.ServeHTTP(w, r)
				return
			}

			state := r.URL.Query().Get("state")
			if state == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
				slog.Warn("OAuth state validation failed: state mismatch",
					slog.String("path", r.URL.Path),
				)
				onFailure.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clearOAuthStateCookie はstate Cookieを削除する。
func clearOAuthStateCookie(w http.ResponseWriter, config OAuthStateConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookieName,
		Value:    "",
		Path:     "/auth",
		Domain:   config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
