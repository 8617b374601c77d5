package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/itinerarly/internal/metrics"
	"github.com/hitoshi/itinerarly/internal/model"
	"github.com/hitoshi/itinerarly/internal/quota"
)

// --- モック定義 ---

type mockQuotaService struct {
	checkFn   func(ctx context.Context, externalID string) (int, error)
	consumeFn func(ctx context.Context, externalID string) (bool, int, error)
}

func (m *mockQuotaService) CheckRemaining(ctx context.Context, externalID string) (int, error) {
	if m.checkFn != nil {
		return m.checkFn(ctx, externalID)
	}
	return 6, nil
}

func (m *mockQuotaService) Consume(ctx context.Context, externalID string) (bool, int, error) {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, externalID)
	}
	return true, 5, nil
}

type mockMetrics struct {
	consumes map[string]int
	statuses []int
}

func (m *mockMetrics) RecordLogin(string, bool) {}
func (m *mockMetrics) RecordConsume(outcome string) {
	if m.consumes == nil {
		m.consumes = map[string]int{}
	}
	m.consumes[outcome]++
}
func (m *mockMetrics) RecordRefreshSweep(int, int, time.Duration) {}
func (m *mockMetrics) RecordRetentionSweep(int64)                 {}
func (m *mockMetrics) RecordHTTPStatus(code int)                  { m.statuses = append(m.statuses, code) }

// --- compile-time interface checks ---
var _ QuotaServiceInterface = (*mockQuotaService)(nil)
var _ QuotaServiceInterface = (*quota.Manager)(nil)

var errStoreDown = &model.StoreUnavailableError{Op: "find user", Err: errors.New("connection refused")}

// --- Remaining ---

func TestQuotaHandler_Remaining_Success(t *testing.T) {
	svc := &mockQuotaService{
		checkFn: func(_ context.Context, externalID string) (int, error) {
			if externalID != "42" {
				t.Errorf("externalID = %q, want 42", externalID)
			}
			return 4, nil
		},
	}
	h := NewQuotaHandler(svc, nil)

	w := httptest.NewRecorder()
	h.Remaining(w, withClaims(httptest.NewRequest(http.MethodGet, "/api/v1/tokens/remaining", nil), "42"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body remainingResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if !body.Success || body.RemainingTokens != 4 {
		t.Errorf("body = %+v", body)
	}
}

func TestQuotaHandler_Remaining_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"ユーザーなし", &model.UserNotFoundError{ExternalID: "42"}, http.StatusNotFound, model.ErrCodeUserNotFound},
		{"ストア障害", errStoreDown, http.StatusServiceUnavailable, model.ErrCodeStoreUnavailable},
		{"競合の上限", &model.StoreUnavailableError{Op: "update quota", Err: quota.ErrQuotaContention}, http.StatusServiceUnavailable, model.ErrCodeStoreUnavailable},
		{"想定外のエラー", errors.New("boom"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockQuotaService{
				checkFn: func(context.Context, string) (int, error) { return 0, tt.err },
			}
			h := NewQuotaHandler(svc, nil)

			w := httptest.NewRecorder()
			h.Remaining(w, withClaims(httptest.NewRequest(http.MethodGet, "/api/v1/tokens/remaining", nil), "42"))

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			var body map[string]string
			json.NewDecoder(w.Body).Decode(&body)
			if body["code"] != tt.wantBody {
				t.Errorf("code = %q, want %q", body["code"], tt.wantBody)
			}
		})
	}
}

func TestQuotaHandler_Remaining_NoClaims(t *testing.T) {
	h := NewQuotaHandler(&mockQuotaService{}, nil)

	w := httptest.NewRecorder()
	h.Remaining(w, httptest.NewRequest(http.MethodGet, "/api/v1/tokens/remaining", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- Consume ---

func TestQuotaHandler_Consume_Granted(t *testing.T) {
	mc := &mockMetrics{}
	h := NewQuotaHandler(&mockQuotaService{}, mc)

	w := httptest.NewRecorder()
	h.Consume(w, withClaims(httptest.NewRequest(http.MethodPost, "/api/v1/tokens/consume", nil), "42"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body consumeResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if !body.Success || body.RemainingTokens != 5 {
		t.Errorf("body = %+v", body)
	}
	if mc.consumes[metrics.ConsumeGranted] != 1 {
		t.Errorf("metrics = %v", mc.consumes)
	}
}

func TestQuotaHandler_Consume_Exhausted(t *testing.T) {
	mc := &mockMetrics{}
	svc := &mockQuotaService{
		consumeFn: func(context.Context, string) (bool, int, error) { return false, 0, nil },
	}
	h := NewQuotaHandler(svc, mc)

	w := httptest.NewRecorder()
	h.Consume(w, withClaims(httptest.NewRequest(http.MethodPost, "/api/v1/tokens/consume", nil), "42"))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	want := map[string]interface{}{
		"success":         false,
		"remainingTokens": float64(0),
		"code":            "DAILY_LIMIT_EXCEEDED",
		"message":         "no tokens remaining, resets next day",
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}
	if mc.consumes[metrics.ConsumeExhausted] != 1 {
		t.Errorf("metrics = %v", mc.consumes)
	}
}

func TestQuotaHandler_Consume_StoreFailureDenies(t *testing.T) {
	mc := &mockMetrics{}
	svc := &mockQuotaService{
		consumeFn: func(context.Context, string) (bool, int, error) { return false, 0, errStoreDown },
	}
	h := NewQuotaHandler(svc, mc)

	w := httptest.NewRecorder()
	h.Consume(w, withClaims(httptest.NewRequest(http.MethodPost, "/api/v1/tokens/consume", nil), "42"))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if mc.consumes[metrics.ConsumeError] != 1 {
		t.Errorf("metrics = %v", mc.consumes)
	}
}

func TestQuotaHandler_Consume_UserNotFound(t *testing.T) {
	svc := &mockQuotaService{
		consumeFn: func(_ context.Context, id string) (bool, int, error) {
			return false, 0, &model.UserNotFoundError{ExternalID: id}
		},
	}
	h := NewQuotaHandler(svc, nil)

	w := httptest.NewRecorder()
	h.Consume(w, withClaims(httptest.NewRequest(http.MethodPost, "/api/v1/tokens/consume", nil), "gone"))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
