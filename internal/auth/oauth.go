package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/itinerarly/internal/model"
)

const (
	defaultGoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	defaultGitHubUserInfoURL = "https://api.github.com/user"

	// googleIssuer はGoogleのuserinfoレスポンスに付与するissクレーム。
	// userinfoエンドポイントはissを返さないため、取得元から補完する。
	googleIssuer = "https://accounts.google.com"

	maxUserInfoBytes = 1 << 20
)

// ErrOAuthExchange は認可コードの交換またはユーザー情報の取得に失敗したことを表す。
var ErrOAuthExchange = errors.New("oauth exchange failed")

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// ExchangeCodeはIdPのクレームをそのままの形で返し、判定と正規化はidentityパッケージが行う。
type OAuthProvider interface {
	// Name はプロバイダー名を返す。
	Name() model.Provider
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報のクレームを取得する。
	ExchangeCode(ctx context.Context, code string) (map[string]any, error)
}

// OAuthConfig はOAuthプロバイダーの設定。
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// HTTPClient はトークン交換とユーザー情報取得に使うクライアント（nilの場合はhttp.DefaultClient）。
	HTTPClient *http.Client
}

// Providers はプロバイダー名からOAuthProviderを引く。
// クライアントIDが未設定のプロバイダーは登録しない。
type Providers map[model.Provider]OAuthProvider

// Lookup は名前に対応するプロバイダーを返す。
func (p Providers) Lookup(name string) (OAuthProvider, bool) {
	provider, ok := model.ParseProvider(name)
	if !ok {
		return nil, false
	}
	op, ok := p[provider]
	return op, ok
}

// oauthProvider はx/oauth2によるコード交換とuserinfo取得の共通実装。
type oauthProvider struct {
	name        model.Provider
	cfg         *oauth2.Config
	userInfoURL string
	client      *http.Client
	authParams  []oauth2.AuthCodeOption
	decorate    func(claims map[string]any)
}

// NewGoogleOAuthProvider はGoogle OAuth 2.0プロバイダーを生成する。
// スコープにはopenid, email, profileを含む。
func NewGoogleOAuthProvider(config OAuthConfig) OAuthProvider {
	p := newOAuthProvider(model.ProviderGoogle, config, endpoints.Google, defaultGoogleUserInfoURL,
		[]string{"openid", "email", "profile"})
	p.authParams = []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "select_account")}
	p.decorate = func(claims map[string]any) {
		if _, ok := claims["iss"]; !ok {
			claims["iss"] = googleIssuer
		}
	}
	return p
}

// NewGitHubOAuthProvider はGitHub OAuthプロバイダーを生成する。
// 非公開メールアドレスは取得しないため、スコープはread:userのみ。
func NewGitHubOAuthProvider(config OAuthConfig) OAuthProvider {
	return newOAuthProvider(model.ProviderGitHub, config, endpoints.GitHub, defaultGitHubUserInfoURL,
		[]string{"read:user"})
}

func newOAuthProvider(name model.Provider, config OAuthConfig, endpoint oauth2.Endpoint, userInfoURL string, scopes []string) *oauthProvider {
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	if config.UserInfoURL != "" {
		userInfoURL = config.UserInfoURL
	}
	client := config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &oauthProvider{
		name: name,
		cfg: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		userInfoURL: userInfoURL,
		client:      client,
	}
}

// Name はプロバイダー名を返す。
func (p *oauthProvider) Name() model.Provider {
	return p.name
}

// GetLoginURL はOAuth認証URLを生成する。
func (p *oauthProvider) GetLoginURL(state string) string {
	return p.cfg.AuthCodeURL(state, p.authParams...)
}

// ExchangeCode は認可コードをアクセストークンに交換し、userinfoエンドポイントのJSONをクレームとして返す。
// 数値のIDはjson.Numberのまま保持する。
func (p *oauthProvider) ExchangeCode(ctx context.Context, code string) (map[string]any, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, fmt.Errorf("%w: %s token endpoint returned status %d", ErrOAuthExchange, p.name, re.Response.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s token exchange: %v", ErrOAuthExchange, p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s userinfo request: %v", ErrOAuthExchange, p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s userinfo returned status %d: %s", ErrOAuthExchange, p.name, resp.StatusCode, string(body))
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes))
	dec.UseNumber()
	claims := map[string]any{}
	if err := dec.Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: %s userinfo decode: %v", ErrOAuthExchange, p.name, err)
	}
	if p.decorate != nil {
		p.decorate(claims)
	}
	return claims, nil
}

// GenerateState はCSRF対策用のランダムなstate値を生成する。
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// compile-time interface check
var _ OAuthProvider = (*oauthProvider)(nil)
