package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/itinerarly/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	CurrentUser(ctx context.Context, externalID string) (*model.User, error)
}

// UserHandler はユーザー情報のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// userProfileResponse はユーザープロフィールのレスポンス。
type userProfileResponse struct {
	ID                string `json:"id"`
	ExternalID        string `json:"externalId"`
	Provider          string `json:"provider"`
	Email             string `json:"email"`
	DisplayName       string `json:"displayName"`
	Handle            string `json:"handle"`
	AvatarURL         string `json:"avatarUrl"`
	DailyTokenBalance int    `json:"dailyTokenBalance"`
	LastRefreshDate   string `json:"lastRefreshDate"`
	LastLoginAt       string `json:"lastLoginAt"`
	CreatedAt         string `json:"createdAt"`
}

// Profile は認証済みユーザーのレコードを返す。
// 保持期間超過で削除済みの場合は404を返す。
// GET /api/v1/user/profile
func (h *UserHandler) Profile(w http.ResponseWriter, r *http.Request) {
	externalID, ok := requireExternalID(w, r)
	if !ok {
		return
	}

	user, err := h.service.CurrentUser(r.Context(), externalID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserProfileResponse(user))
}

// toUserProfileResponse はmodel.UserからAPIレスポンスに変換する。
func toUserProfileResponse(u *model.User) userProfileResponse {
	return userProfileResponse{
		ID:                u.ID,
		ExternalID:        u.ExternalID,
		Provider:          string(u.Provider),
		Email:             u.Email,
		DisplayName:       u.DisplayName,
		Handle:            u.Handle,
		AvatarURL:         u.AvatarURL,
		DailyTokenBalance: u.DailyTokenBalance,
		LastRefreshDate:   u.LastRefreshDate.String(),
		LastLoginAt:       formatTime(u.LastLoginAt),
		CreatedAt:         formatTime(u.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
