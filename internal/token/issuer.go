// Package token はステートレスなセッショントークン（JWT）の発行と検証を提供する。
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hitoshi/itinerarly/internal/model"
)

// DefaultTTL はセッショントークンの有効期間。
const DefaultTTL = 24 * time.Hour

var tracer = otel.Tracer("github.com/hitoshi/itinerarly/internal/token")

// signingMethod はセッショントークンの署名方式。
var signingMethod = jwt.SigningMethodHS512

// Claims はセッショントークンに格納するクレーム。
// subにはExternalIDを重複して格納する。
type Claims struct {
	ExternalID  string         `json:"externalId"`
	Provider    model.Provider `json:"provider"`
	Email       string         `json:"email"`
	DisplayName string         `json:"displayName,omitempty"`
	Handle      string         `json:"handle,omitempty"`
	AvatarURL   string         `json:"avatarUrl,omitempty"`
	jwt.RegisteredClaims
}

// Identity はクレームの識別情報部分を返す。
func (c *Claims) Identity() model.Identity {
	return model.Identity{
		ExternalID:  c.ExternalID,
		Provider:    c.Provider,
		Email:       c.Email,
		DisplayName: c.DisplayName,
		Handle:      c.Handle,
		AvatarURL:   c.AvatarURL,
	}
}

// Config はIssuerの設定。
type Config struct {
	Secret string        // 署名鍵（必須）
	TTL    time.Duration // 有効期間（0の場合はDefaultTTL）
	Issuer string        // issクレーム（任意）

	// Now は現在時刻を返す。テスト用にオーバーライド可能。
	Now func() time.Time
}

// Issuer はセッショントークンを発行・検証する。
// 署名鍵は生成時に固定され、実行中に変更されない。
type Issuer struct {
	key    []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

// NewIssuer はIssuerを生成する。
// 署名鍵が空の場合はSigningErrorを返す。起動処理はこのエラーで停止すること。
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, &model.SigningError{Reason: "signing key is not configured"}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(cfg.Now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Issuer{
		key:    []byte(cfg.Secret),
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		now:    cfg.Now,
		parser: jwt.NewParser(opts...),
	}, nil
}

// TTL はトークンの有効期間を返す。
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue は識別情報を格納した署名済みトークンと有効期限を返す。
func (i *Issuer) Issue(ctx context.Context, ident model.Identity) (string, time.Time, error) {
	_, span := tracer.Start(ctx, "token.Issue")
	defer span.End()

	now := i.now().Truncate(time.Second)
	expiresAt := now.Add(i.ttl)

	claims := &Claims{
		ExternalID:  ident.ExternalID,
		Provider:    ident.Provider,
		Email:       ident.Email,
		DisplayName: ident.DisplayName,
		Handle:      ident.Handle,
		AvatarURL:   ident.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.ExternalID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(i.key)
	if err != nil {
		span.RecordError(err)
		return "", time.Time{}, &model.SigningError{Reason: "failed to sign token", Err: err}
	}
	return signed, expiresAt, nil
}

// Validate はトークンを検証しクレームを返す。
// 形式不正・署名不一致・期限切れはいずれもInvalidTokenErrorとして返し、
// 内訳はReasonにのみ記録する。
func (i *Issuer) Validate(ctx context.Context, raw string) (*Claims, error) {
	_, span := tracer.Start(ctx, "token.Validate")
	defer span.End()

	claims := &Claims{}
	_, err := i.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return i.key, nil
	})
	if err != nil {
		reason := classify(err)
		span.SetAttributes(attribute.String("token.failure", string(reason)))
		return nil, &model.InvalidTokenError{Reason: reason, Err: err}
	}
	if claims.ExternalID == "" || claims.ExternalID != claims.Subject {
		span.SetAttributes(attribute.String("token.failure", string(model.TokenMalformed)))
		return nil, &model.InvalidTokenError{
			Reason: model.TokenMalformed,
			Err:    fmt.Errorf("externalId claim does not match subject"),
		}
	}
	return claims, nil
}

// classify はjwtライブラリのエラーを失敗理由に分類する。
func classify(err error) model.TokenFailure {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return model.TokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return model.TokenSignature
	default:
		return model.TokenMalformed
	}
}
