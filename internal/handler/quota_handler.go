package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/itinerarly/internal/metrics"
	"github.com/hitoshi/itinerarly/internal/model"
)

// QuotaServiceInterface はトークン残高ハンドラーが必要とするサービスインターフェース。
type QuotaServiceInterface interface {
	CheckRemaining(ctx context.Context, externalID string) (int, error)
	Consume(ctx context.Context, externalID string) (bool, int, error)
}

// QuotaHandler は日次トークン残高のHTTPハンドラー。
type QuotaHandler struct {
	service QuotaServiceInterface
	metrics metrics.MetricsCollector
}

// NewQuotaHandler はQuotaHandlerを生成する。mcがnilの場合はメトリクスを記録しない。
func NewQuotaHandler(service QuotaServiceInterface, mc metrics.MetricsCollector) *QuotaHandler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &QuotaHandler{
		service: service,
		metrics: mc,
	}
}

// remainingResponse はトークン残高のレスポンス。
type remainingResponse struct {
	Success         bool `json:"success"`
	RemainingTokens int  `json:"remainingTokens"`
}

// consumeResponse はトークン消費のレスポンス。
// 拒否された場合はcodeとmessageを含む。
type consumeResponse struct {
	Success         bool   `json:"success"`
	RemainingTokens int    `json:"remainingTokens"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Remaining は当日のトークン残高を返す。日付が変わっていれば残高をリセットしてから返す。
// GET /api/v1/tokens/remaining
func (h *QuotaHandler) Remaining(w http.ResponseWriter, r *http.Request) {
	externalID, ok := requireExternalID(w, r)
	if !ok {
		return
	}

	remaining, err := h.service.CheckRemaining(r.Context(), externalID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, remainingResponse{Success: true, RemainingTokens: remaining})
}

// Consume はトークンを1つ消費する。
// 残高がない場合は403 DAILY_LIMIT_EXCEEDEDを返す。
// ストア障害時は消費を許可せず503を返す。
// POST /api/v1/tokens/consume
func (h *QuotaHandler) Consume(w http.ResponseWriter, r *http.Request) {
	externalID, ok := requireExternalID(w, r)
	if !ok {
		return
	}

	granted, remaining, err := h.service.Consume(r.Context(), externalID)
	if err != nil {
		h.metrics.RecordConsume(metrics.ConsumeError)
		handleServiceError(w, r, err)
		return
	}

	if !granted {
		h.metrics.RecordConsume(metrics.ConsumeExhausted)
		slog.Info("daily token limit reached", slog.String("external_id", externalID))
		apiErr := model.NewDailyLimitExceededError()
		writeJSON(w, http.StatusForbidden, consumeResponse{
			Success:         false,
			RemainingTokens: 0,
			Code:            apiErr.Code,
			Message:         apiErr.Message,
		})
		return
	}

	h.metrics.RecordConsume(metrics.ConsumeGranted)
	writeJSON(w, http.StatusOK, consumeResponse{Success: true, RemainingTokens: remaining})
}
