// Package identity はIdPごとに形の異なるクレームを正規化済みの識別情報に変換する。
//
// クレームの形の判定はResolveで一度だけ行い、以降はProviderClaimsの
// 具象型（GoogleClaims / GitHubClaims）として扱う。I/Oは行わない。
package identity

import (
	"encoding/json"
	"html"
	"net/url"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/itinerarly/internal/model"
)

// githubFallbackDomain はGitHubのメールアドレスが非公開の場合に使うドメイン。
const githubFallbackDomain = "github.local"

// ProviderClaims はIdPごとのクレームを表すタグ付き共用体。
// 実装はこのパッケージ内のGoogleClaimsとGitHubClaimsに限られる。
type ProviderClaims interface {
	Provider() model.Provider
	identity() (model.Identity, error)
}

// GoogleClaims はGoogleのOpenID Connectクレーム。
type GoogleClaims struct {
	Issuer  string
	Subject string
	Email   string
	Name    string
	Picture string
}

// Provider はProviderClaimsを実装する。
func (c GoogleClaims) Provider() model.Provider { return model.ProviderGoogle }

func (c GoogleClaims) identity() (model.Identity, error) {
	if c.Subject == "" {
		return model.Identity{}, &model.IncompleteIdentityError{Provider: model.ProviderGoogle, Field: "externalId"}
	}
	if c.Email == "" {
		return model.Identity{}, &model.IncompleteIdentityError{Provider: model.ProviderGoogle, Field: "email"}
	}
	return model.Identity{
		ExternalID:  c.Subject,
		Provider:    model.ProviderGoogle,
		Email:       c.Email,
		DisplayName: c.Name,
		Handle:      c.Email,
		AvatarURL:   c.Picture,
	}, nil
}

// GitHubClaims はGitHubの /user レスポンスのクレーム。
type GitHubClaims struct {
	ID        string
	Login     string
	Email     string
	Name      string
	AvatarURL string
}

// Provider はProviderClaimsを実装する。
func (c GitHubClaims) Provider() model.Provider { return model.ProviderGitHub }

func (c GitHubClaims) identity() (model.Identity, error) {
	if c.ID == "" {
		return model.Identity{}, &model.IncompleteIdentityError{Provider: model.ProviderGitHub, Field: "externalId"}
	}
	email := c.Email
	if email == "" {
		if c.Login == "" {
			return model.Identity{}, &model.IncompleteIdentityError{Provider: model.ProviderGitHub, Field: "email"}
		}
		// メールアドレス非公開のユーザー
		email = c.Login + "@" + githubFallbackDomain
	}
	return model.Identity{
		ExternalID:  c.ID,
		Provider:    model.ProviderGitHub,
		Email:       email,
		DisplayName: c.Name,
		Handle:      c.Login,
		AvatarURL:   c.AvatarURL,
	}, nil
}

// Resolve はクレームの形からIdPを判定し、対応するProviderClaimsを返す。
// 判定順: issに"google"を含む → Google、loginが存在する → GitHub。
// hintが空でない場合、判定結果がhintと一致しなければUnsupportedProviderErrorを返す。
func Resolve(hint string, claims map[string]any) (ProviderClaims, error) {
	var resolved ProviderClaims

	switch {
	case strings.Contains(claimString(claims, "iss"), "google"):
		resolved = GoogleClaims{
			Issuer:  claimString(claims, "iss"),
			Subject: claimString(claims, "sub"),
			Email:   claimString(claims, "email"),
			Name:    claimString(claims, "name"),
			Picture: firstClaim(claims, "picture", "avatar_url"),
		}
	case claimString(claims, "login") != "":
		resolved = GitHubClaims{
			ID:        claimString(claims, "id"),
			Login:     claimString(claims, "login"),
			Email:     claimString(claims, "email"),
			Name:      claimString(claims, "name"),
			AvatarURL: firstClaim(claims, "avatar_url", "picture"),
		}
	default:
		return nil, &model.UnsupportedProviderError{Provider: hint}
	}

	if hint != "" && model.Provider(hint) != resolved.Provider() {
		return nil, &model.UnsupportedProviderError{Provider: hint}
	}
	return resolved, nil
}

// Normalizer はProviderClaimsを正規化済みのmodel.Identityに変換する。
// 表示用の項目はIdP由来のため、プレーンテキストにサニタイズする。
type Normalizer struct {
	policy *bluemonday.Policy
}

// NewNormalizer はNormalizerを生成する。
func NewNormalizer() *Normalizer {
	return &Normalizer{policy: bluemonday.StrictPolicy()}
}

// Normalize はクレームを判定・正規化する。
// 未知の形の場合はUnsupportedProviderError、必須項目が欠ける場合はIncompleteIdentityErrorを返す。
func (n *Normalizer) Normalize(hint string, claims map[string]any) (model.Identity, error) {
	resolved, err := Resolve(hint, claims)
	if err != nil {
		return model.Identity{}, err
	}
	return n.FromClaims(resolved)
}

// FromClaims は判定済みのProviderClaimsからmodel.Identityを生成する。
func (n *Normalizer) FromClaims(c ProviderClaims) (model.Identity, error) {
	ident, err := c.identity()
	if err != nil {
		return model.Identity{}, err
	}
	ident.DisplayName = n.plainText(ident.DisplayName)
	ident.AvatarURL = httpURLOrEmpty(ident.AvatarURL)
	return ident, nil
}

// maxSanitizePasses はエンティティの多重エンコードを剥がす回数の上限。
const maxSanitizePasses = 4

// plainText はHTMLタグを除去し、エスケープされた文字を元に戻す。
// 復元した文字列がタグを含まなくなるまでタグ除去と復元を繰り返す。
// 上限回数で収束しない場合は山括弧を取り除く。
func (n *Normalizer) plainText(s string) string {
	if s == "" {
		return ""
	}
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(n.policy.Sanitize(s))
		if next == s {
			return strings.TrimSpace(s)
		}
		s = next
	}
	return strings.TrimSpace(strings.NewReplacer("<", "", ">", "").Replace(s))
}

// httpURLOrEmpty はhttp/httpsの絶対URLのみを通す。
func httpURLOrEmpty(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ""
	}
	return raw
}

// firstClaim は指定キーのうち最初に値が存在するものを返す。
func firstClaim(claims map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := claimString(claims, k); v != "" {
			return v
		}
	}
	return ""
}

// claimString はクレーム値を文字列として取り出す。
// JSONの数値はfloat64として届くため、指数表記にならないよう整形する。
func claimString(claims map[string]any, key string) string {
	v, ok := claims[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
