// Package auth はログイン時の認証フロー（正規化、ユーザー登録、日次リセット、トークン発行）と
// OAuthプロバイダーとのコード交換を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hitoshi/itinerarly/internal/metrics"
	"github.com/hitoshi/itinerarly/internal/model"
	"github.com/hitoshi/itinerarly/internal/token"
)

var tracer = otel.Tracer("github.com/hitoshi/itinerarly/internal/auth")

// Normalizer はIdPのクレームを正規化済みの識別情報に変換する。
type Normalizer interface {
	Normalize(hint string, claims map[string]any) (model.Identity, error)
}

// UserStore は認証フローが必要とするユーザーストアの操作。
type UserStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*model.User, error)
	UpsertLogin(ctx context.Context, identity model.Identity, initial model.Quota, loginAt time.Time) (*model.User, error)
}

// QuotaService はログイン時の日次リセットに使うクォータ操作。
type QuotaService interface {
	InitialQuota() model.Quota
	CheckRemaining(ctx context.Context, externalID string) (int, error)
}

// TokenIssuer はセッショントークンの発行と検証を行う。
type TokenIssuer interface {
	Issue(ctx context.Context, ident model.Identity) (string, time.Time, error)
	Validate(ctx context.Context, raw string) (*token.Claims, error)
}

// Session は認証成功時の結果。
type Session struct {
	User            *model.User
	Token           string
	ExpiresAt       time.Time
	RemainingTokens int
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	normalizer Normalizer
	users      UserStore
	quota      QuotaService
	tokens     TokenIssuer
	metrics    metrics.MetricsCollector

	// Now は現在時刻を返す。テスト用にオーバーライド可能。
	Now func() time.Time
}

// NewService はServiceを生成する。mcがnilの場合はメトリクスを記録しない。
func NewService(normalizer Normalizer, users UserStore, quota QuotaService, tokens TokenIssuer, mc metrics.MetricsCollector) *Service {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Service{
		normalizer: normalizer,
		users:      users,
		quota:      quota,
		tokens:     tokens,
		metrics:    mc,
		Now:        time.Now,
	}
}

// Authenticate はIdPのクレームからユーザーを特定し、セッショントークンを発行する。
// 未登録ユーザーの場合は当日分のトークンを満額付与したレコードを作成する。
// 登録済みユーザーはプロフィール項目のみ更新し、日付が変わっていれば残高をリセットする。
// クレームが判定・正規化できない場合はストアを変更しない。
func (s *Service) Authenticate(ctx context.Context, provider string, claims map[string]any) (*Session, error) {
	ctx, span := tracer.Start(ctx, "auth.Authenticate")
	defer span.End()

	session, err := s.authenticate(ctx, provider, claims)
	if err != nil {
		span.RecordError(err)
		s.metrics.RecordLogin(providerLabel(provider), false)
		return nil, err
	}
	span.SetAttributes(attribute.String("external_id", session.User.ExternalID))
	s.metrics.RecordLogin(string(session.User.Provider), true)
	return session, nil
}

func (s *Service) authenticate(ctx context.Context, provider string, claims map[string]any) (*Session, error) {
	// 1. クレームの判定と正規化
	ident, err := s.normalizer.Normalize(provider, claims)
	if err != nil {
		slog.Warn("IdPクレームの正規化に失敗しました",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to normalize identity: %w", err)
	}

	// 2. ユーザーの作成または更新（クォータは新規作成時のみ設定される）
	user, err := s.users.UpsertLogin(ctx, ident, s.quota.InitialQuota(), s.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	// 3. 日付が変わっていれば残高をリセット
	remaining, err := s.quota.CheckRemaining(ctx, ident.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh quota on login: %w", err)
	}
	user.DailyTokenBalance = remaining

	// 4. セッショントークンの発行
	raw, expiresAt, err := s.tokens.Issue(ctx, ident)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	slog.Info("ログインしました",
		slog.String("external_id", ident.ExternalID),
		slog.String("provider", string(ident.Provider)),
		slog.Int("remaining_tokens", remaining),
	)

	return &Session{
		User:            user,
		Token:           raw,
		ExpiresAt:       expiresAt,
		RemainingTokens: remaining,
	}, nil
}

// ValidateToken はセッショントークンを検証し、クレームを返す。
// 失敗理由は呼び出し元に区別せずInvalidTokenErrorとして返す。
func (s *Service) ValidateToken(ctx context.Context, raw string) (*token.Claims, error) {
	claims, err := s.tokens.Validate(ctx, raw)
	if err != nil {
		var ite *model.InvalidTokenError
		if errors.As(err, &ite) {
			slog.Debug("セッショントークンの検証に失敗しました", slog.String("reason", string(ite.Reason)))
		}
		return nil, err
	}
	return claims, nil
}

// CurrentUser は認証済みユーザーのレコードを返す。
// レコードが存在しない場合（保持期間超過による削除など）はUserNotFoundErrorを返す。
func (s *Service) CurrentUser(ctx context.Context, externalID string) (*model.User, error) {
	user, err := s.users.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, &model.UserNotFoundError{ExternalID: externalID}
	}
	return user, nil
}

// providerLabel はメトリクスのラベル値を返す。未指定の場合は"detect"とする。
func providerLabel(provider string) string {
	if provider == "" {
		return "detect"
	}
	return provider
}
