package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/countman/internal/counting"
	"github.com/hitoshi/countman/internal/model"
	"github.com/hitoshi/countman/internal/repository"
)

// --- モック定義 ---

// mockCountingService はCountingServiceInterfaceのモック実装。
type mockCountingService struct {
	submitFn        func(ctx context.Context, params counting.SubmitParams) (*counting.SubmitResult, error)
	adjustByDeltaFn func(ctx context.Context, params counting.AdjustParams) (*counting.AdjustResult, error)
	correctByIDFn   func(ctx context.Context, params counting.CorrectParams) (*model.Count, error)
	getCountFn      func(ctx context.Context, id string) (*model.Count, error)
	listCountsFn    func(ctx context.Context, filter repository.CountListFilter) ([]model.CountWithArticle, error)
	classifyFn      func(ctx context.Context, params counting.ClassifyParams) (*counting.Classification, error)
}

func (m *mockCountingService) Submit(ctx context.Context, params counting.SubmitParams) (*counting.SubmitResult, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, params)
	}
	return nil, nil
}

func (m *mockCountingService) AdjustByDelta(ctx context.Context, params counting.AdjustParams) (*counting.AdjustResult, error) {
	if m.adjustByDeltaFn != nil {
		return m.adjustByDeltaFn(ctx, params)
	}
	return nil, nil
}

func (m *mockCountingService) CorrectByID(ctx context.Context, params counting.CorrectParams) (*model.Count, error) {
	if m.correctByIDFn != nil {
		return m.correctByIDFn(ctx, params)
	}
	return nil, nil
}

func (m *mockCountingService) GetCount(ctx context.Context, id string) (*model.Count, error) {
	if m.getCountFn != nil {
		return m.getCountFn(ctx, id)
	}
	return &model.Count{ID: id, SessionID: "session-1"}, nil
}

func (m *mockCountingService) ListCounts(ctx context.Context, filter repository.CountListFilter) ([]model.CountWithArticle, error) {
	if m.listCountsFn != nil {
		return m.listCountsFn(ctx, filter)
	}
	return nil, nil
}

func (m *mockCountingService) Classify(ctx context.Context, params counting.ClassifyParams) (*counting.Classification, error) {
	if m.classifyFn != nil {
		return m.classifyFn(ctx, params)
	}
	return &counting.Classification{Action: model.ActionCounted, Round: 1}, nil
}

// mockSessionGuard はSessionGuardInterfaceのモック実装。
type mockSessionGuard struct {
	ensureAcceptsCountsFn func(ctx context.Context, id string) error
	calledWith            []string
}

func (m *mockSessionGuard) EnsureAcceptsCounts(ctx context.Context, id string) error {
	m.calledWith = append(m.calledWith, id)
	if m.ensureAcceptsCountsFn != nil {
		return m.ensureAcceptsCountsFn(ctx, id)
	}
	return nil
}

// mockLastCountService はLastCountServiceInterfaceのモック実装。
type mockLastCountService struct {
	recentForUserFn        func(ctx context.Context, userID string, limit int) ([]model.LastCount, error)
	lastCountedBySessionFn func(ctx context.Context, sessionID string) (map[string]model.LastCount, error)
}

func (m *mockLastCountService) RecentForUser(ctx context.Context, userID string, limit int) ([]model.LastCount, error) {
	if m.recentForUserFn != nil {
		return m.recentForUserFn(ctx, userID, limit)
	}
	return nil, nil
}

func (m *mockLastCountService) LastCountedBySession(ctx context.Context, sessionID string) (map[string]model.LastCount, error) {
	if m.lastCountedBySessionFn != nil {
		return m.lastCountedBySessionFn(ctx, sessionID)
	}
	return nil, nil
}

// --- テストヘルパー ---

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
// 既にルートコンテキストがある場合はパラメータを追記する。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx, ok := r.Context().Value(chi.RouteCtxKey).(*chi.Context)
	if !ok {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func testCount(action model.CountAction) *model.Count {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return &model.Count{
		ID:              "count-1",
		SessionID:       "session-1",
		ArticleID:       "article-1",
		Round:           1,
		QuantityCounted: 12,
		Action:          action,
		CountedByUserID: "user-1",
		CountedAt:       now,
		CreatedAt:       now,
	}
}

// --- POST /api/counts テスト ---

func TestCountHandler_Submit_Created(t *testing.T) {
	guard := &mockSessionGuard{}
	svc := &mockCountingService{
		submitFn: func(ctx context.Context, params counting.SubmitParams) (*counting.SubmitResult, error) {
			if params.SessionID != "session-1" {
				t.Errorf("SessionID = %q, want %q", params.SessionID, "session-1")
			}
			if params.ArticleID != "article-1" {
				t.Errorf("ArticleID = %q, want %q", params.ArticleID, "article-1")
			}
			if params.UserID != "user-1" {
				t.Errorf("UserID = %q, want %q", params.UserID, "user-1")
			}
			if params.Quantity != 12 {
				t.Errorf("Quantity = %g, want 12", params.Quantity)
			}
			return &counting.SubmitResult{
				Count:   testCount(model.ActionCounted),
				Created: true,
				Message: "カウントを記録しました: 数量 12",
			}, nil
		},
	}

	h := NewCountHandler(svc, guard, &mockLastCountService{})

	body, _ := json.Marshal(submitRequest{
		SessionID: "session-1",
		ArticleID: "article-1",
		UserID:    "user-1",
		Quantity:  12,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/counts", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Submit(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	var resp submitResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Created {
		t.Error("created = false, want true")
	}
	if resp.Count.Action != string(model.ActionCounted) {
		t.Errorf("action = %q, want %q", resp.Count.Action, model.ActionCounted)
	}
	if len(guard.calledWith) != 1 || guard.calledWith[0] != "session-1" {
		t.Errorf("session guard calls = %v, want [session-1]", guard.calledWith)
	}
}

// バーコード読み取りによる品目番号指定がサービスへ渡ることを検証
func TestCountHandler_Submit_ByArticleNumber(t *testing.T) {
	svc := &mockCountingService{
		submitFn: func(ctx context.Context, params counting.SubmitParams) (*counting.SubmitResult, error) {
			if params.ArticleID != "" {
				t.Errorf("ArticleID = %q, want empty", params.ArticleID)
			}
			if params.ArticleNumber != "A-1001" {
				t.Errorf("ArticleNumber = %q, want %q", params.ArticleNumber, "A-1001")
			}
			return &counting.SubmitResult{
				Count:   testCount(model.ActionCounted),
				Created: true,
				Message: "カウントを記録しました: 数量 12",
			}, nil
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	body, _ := json.Marshal(submitRequest{
		SessionID:     "session-1",
		ArticleNumber: "A-1001",
		UserID:        "user-1",
		Quantity:      12,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/counts", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Submit(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
}

func TestCountHandler_Submit_Corrected(t *testing.T) {
	prev := 10.0
	count := testCount(model.ActionCorrected)
	count.PreviousQuantity = &prev

	svc := &mockCountingService{
		submitFn: func(ctx context.Context, params counting.SubmitParams) (*counting.SubmitResult, error) {
			return &counting.SubmitResult{
				Count:   count,
				Created: false,
				Message: "カウントを訂正しました: 10 → 12",
			}, nil
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	body, _ := json.Marshal(submitRequest{
		SessionID: "session-1", ArticleID: "article-1", UserID: "user-1", Quantity: 12,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/counts", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Submit(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp submitResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Created {
		t.Error("created = true, want false")
	}
	if resp.Count.PreviousQuantity == nil || *resp.Count.PreviousQuantity != 10 {
		t.Errorf("previous_quantity = %v, want 10", resp.Count.PreviousQuantity)
	}
}

func TestCountHandler_Submit_SessionClosed(t *testing.T) {
	guard := &mockSessionGuard{
		ensureAcceptsCountsFn: func(ctx context.Context, id string) error {
			return model.NewSessionClosedError(id)
		},
	}
	svc := &mockCountingService{
		submitFn: func(ctx context.Context, params counting.SubmitParams) (*counting.SubmitResult, error) {
			t.Error("Submit should not be called for closed session")
			return nil, nil
		},
	}

	h := NewCountHandler(svc, guard, &mockLastCountService{})

	body, _ := json.Marshal(submitRequest{
		SessionID: "session-closed", ArticleID: "article-1", UserID: "user-1", Quantity: 5,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/counts", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.Submit(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != model.ErrCodeSessionClosed {
		t.Errorf("code = %q, want %q", result["code"], model.ErrCodeSessionClosed)
	}
}

func TestCountHandler_Submit_InvalidBody(t *testing.T) {
	h := NewCountHandler(&mockCountingService{}, &mockSessionGuard{}, &mockLastCountService{})

	req := httptest.NewRequest(http.MethodPost, "/api/counts", bytes.NewReader([]byte("{invalid")))
	w := httptest.NewRecorder()

	h.Submit(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != "INVALID_REQUEST_BODY" {
		t.Errorf("code = %q, want %q", result["code"], "INVALID_REQUEST_BODY")
	}
}

func TestCountHandler_Submit_ErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"数量不正", model.NewInvalidQuantityError(0), http.StatusBadRequest, model.ErrCodeInvalidQuantity},
		{"ロール不許可", model.NewRoleNotAllowedError("viewer"), http.StatusForbidden, model.ErrCodeRoleNotAllowed},
		{"品目なし", model.NewArticleNotFoundError("article-x"), http.StatusNotFound, model.ErrCodeArticleNotFound},
		{"ユーザーなし", model.NewUserNotFoundError("user-x"), http.StatusNotFound, model.ErrCodeUserNotFound},
		{"書き込み競合", model.NewWriteConflictError(), http.StatusConflict, model.ErrCodeWriteConflict},
		{"内部エラー", errors.New("db down"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockCountingService{
				submitFn: func(ctx context.Context, params counting.SubmitParams) (*counting.SubmitResult, error) {
					return nil, tt.err
				},
			}
			h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

			body, _ := json.Marshal(submitRequest{
				SessionID: "session-1", ArticleID: "article-1", UserID: "user-1", Quantity: 5,
			})
			req := httptest.NewRequest(http.MethodPost, "/api/counts", bytes.NewReader(body))
			w := httptest.NewRecorder()

			h.Submit(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			result := parseAPIErrorResponse(t, w)
			if result["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", result["code"], tt.wantCode)
			}
		})
	}
}

// --- PATCH /api/counts/:id/quantity テスト ---

func TestCountHandler_AdjustQuantity_Success(t *testing.T) {
	guard := &mockSessionGuard{}
	count := testCount(model.ActionCorrected)
	count.QuantityCounted = 11

	svc := &mockCountingService{
		getCountFn: func(ctx context.Context, id string) (*model.Count, error) {
			return testCount(model.ActionCounted), nil
		},
		adjustByDeltaFn: func(ctx context.Context, params counting.AdjustParams) (*counting.AdjustResult, error) {
			if params.CountID != "count-1" {
				t.Errorf("CountID = %q, want %q", params.CountID, "count-1")
			}
			if params.Delta != -1 {
				t.Errorf("Delta = %g, want -1", params.Delta)
			}
			if params.IdempotencyKey != "key-abc" {
				t.Errorf("IdempotencyKey = %q, want %q", params.IdempotencyKey, "key-abc")
			}
			return &counting.AdjustResult{
				Count:   count,
				Applied: true,
				Message: "数量を調整しました: 12 → 11",
			}, nil
		},
	}

	h := NewCountHandler(svc, guard, &mockLastCountService{})

	body, _ := json.Marshal(adjustRequest{Delta: -1})
	req := httptest.NewRequest(http.MethodPatch, "/api/counts/count-1/quantity", bytes.NewReader(body))
	req.Header.Set(idempotencyKeyHeader, "key-abc")
	req = withChiURLParam(req, "id", "count-1")
	w := httptest.NewRecorder()

	h.AdjustQuantity(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp adjustResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Applied {
		t.Error("applied = false, want true")
	}
	if resp.Count.QuantityCounted != 11 {
		t.Errorf("quantity_counted = %g, want 11", resp.Count.QuantityCounted)
	}
	if len(guard.calledWith) != 1 || guard.calledWith[0] != "session-1" {
		t.Errorf("session guard calls = %v, want [session-1]", guard.calledWith)
	}
}

func TestCountHandler_AdjustQuantity_Replayed(t *testing.T) {
	svc := &mockCountingService{
		adjustByDeltaFn: func(ctx context.Context, params counting.AdjustParams) (*counting.AdjustResult, error) {
			return &counting.AdjustResult{
				Count:    testCount(model.ActionCorrected),
				Applied:  false,
				Replayed: true,
				Message:  "この調整はすでに適用済みです",
			}, nil
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	body, _ := json.Marshal(adjustRequest{Delta: -1})
	req := httptest.NewRequest(http.MethodPatch, "/api/counts/count-1/quantity", bytes.NewReader(body))
	req.Header.Set(idempotencyKeyHeader, "key-abc")
	req = withChiURLParam(req, "id", "count-1")
	w := httptest.NewRecorder()

	h.AdjustQuantity(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp adjustResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Replayed {
		t.Error("replayed = false, want true")
	}
	if resp.Applied {
		t.Error("applied = true, want false")
	}
}

func TestCountHandler_AdjustQuantity_CountNotFound(t *testing.T) {
	svc := &mockCountingService{
		getCountFn: func(ctx context.Context, id string) (*model.Count, error) {
			return nil, model.NewCountNotFoundError(id)
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	body, _ := json.Marshal(adjustRequest{Delta: 1})
	req := httptest.NewRequest(http.MethodPatch, "/api/counts/missing/quantity", bytes.NewReader(body))
	req = withChiURLParam(req, "id", "missing")
	w := httptest.NewRecorder()

	h.AdjustQuantity(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != model.ErrCodeCountNotFound {
		t.Errorf("code = %q, want %q", result["code"], model.ErrCodeCountNotFound)
	}
}

func TestCountHandler_AdjustQuantity_NegativeResult(t *testing.T) {
	svc := &mockCountingService{
		adjustByDeltaFn: func(ctx context.Context, params counting.AdjustParams) (*counting.AdjustResult, error) {
			return nil, model.NewNegativeQuantityError(3, -5)
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	body, _ := json.Marshal(adjustRequest{Delta: -5})
	req := httptest.NewRequest(http.MethodPatch, "/api/counts/count-1/quantity", bytes.NewReader(body))
	req = withChiURLParam(req, "id", "count-1")
	w := httptest.NewRecorder()

	h.AdjustQuantity(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != model.ErrCodeNegativeQuantity {
		t.Errorf("code = %q, want %q", result["code"], model.ErrCodeNegativeQuantity)
	}
}

// --- PUT /api/counts/:id/correct テスト ---

func TestCountHandler_Correct_Success(t *testing.T) {
	prev := 12.0
	count := testCount(model.ActionCorrected)
	count.QuantityCounted = 15
	count.PreviousQuantity = &prev

	svc := &mockCountingService{
		correctByIDFn: func(ctx context.Context, params counting.CorrectParams) (*model.Count, error) {
			if params.CountID != "count-1" {
				t.Errorf("CountID = %q, want %q", params.CountID, "count-1")
			}
			if params.NewQuantity != 15 {
				t.Errorf("NewQuantity = %g, want 15", params.NewQuantity)
			}
			if params.Reason != "棚の再確認" {
				t.Errorf("Reason = %q, want %q", params.Reason, "棚の再確認")
			}
			return count, nil
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	body, _ := json.Marshal(correctRequest{Quantity: 15, Reason: "棚の再確認"})
	req := httptest.NewRequest(http.MethodPut, "/api/counts/count-1/correct", bytes.NewReader(body))
	req = withChiURLParam(req, "id", "count-1")
	w := httptest.NewRecorder()

	h.Correct(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp countResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.QuantityCounted != 15 {
		t.Errorf("quantity_counted = %g, want 15", resp.QuantityCounted)
	}
	if resp.PreviousQuantity == nil || *resp.PreviousQuantity != 12 {
		t.Errorf("previous_quantity = %v, want 12", resp.PreviousQuantity)
	}
}

func TestCountHandler_Correct_InvalidQuantity(t *testing.T) {
	svc := &mockCountingService{
		correctByIDFn: func(ctx context.Context, params counting.CorrectParams) (*model.Count, error) {
			return nil, model.NewInvalidQuantityError(params.NewQuantity)
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	body, _ := json.Marshal(correctRequest{Quantity: -3})
	req := httptest.NewRequest(http.MethodPut, "/api/counts/count-1/correct", bytes.NewReader(body))
	req = withChiURLParam(req, "id", "count-1")
	w := httptest.NewRecorder()

	h.Correct(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- GET /api/counts テスト ---

func TestCountHandler_ListCounts_Filters(t *testing.T) {
	svc := &mockCountingService{
		listCountsFn: func(ctx context.Context, filter repository.CountListFilter) ([]model.CountWithArticle, error) {
			if filter.SessionID != "session-1" {
				t.Errorf("SessionID = %q, want %q", filter.SessionID, "session-1")
			}
			if filter.Round != 2 {
				t.Errorf("Round = %d, want 2", filter.Round)
			}
			if filter.Limit != 10 {
				t.Errorf("Limit = %d, want 10", filter.Limit)
			}
			return []model.CountWithArticle{
				{
					Count:         *testCount(model.ActionCounted),
					ArticleNumber: "ART-001",
				},
			}, nil
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	req := httptest.NewRequest(http.MethodGet, "/api/counts?session_id=session-1&round=2&limit=10", nil)
	w := httptest.NewRecorder()

	h.ListCounts(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Counts []countWithArticleResponse `json:"counts"`
		Total  int                        `json:"total"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("total = %d, want 1", resp.Total)
	}
	if resp.Counts[0].ArticleNumber != "ART-001" {
		t.Errorf("article_number = %q, want %q", resp.Counts[0].ArticleNumber, "ART-001")
	}
}

func TestCountHandler_ListCounts_DefaultLimit(t *testing.T) {
	svc := &mockCountingService{
		listCountsFn: func(ctx context.Context, filter repository.CountListFilter) ([]model.CountWithArticle, error) {
			if filter.Limit != defaultListLimit {
				t.Errorf("Limit = %d, want %d", filter.Limit, defaultListLimit)
			}
			return nil, nil
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	req := httptest.NewRequest(http.MethodGet, "/api/counts", nil)
	w := httptest.NewRecorder()

	h.ListCounts(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCountHandler_ListCounts_InvalidRound(t *testing.T) {
	h := NewCountHandler(&mockCountingService{}, &mockSessionGuard{}, &mockLastCountService{})

	for _, round := range []string{"abc", "0", "-1"} {
		req := httptest.NewRequest(http.MethodGet, "/api/counts?round="+round, nil)
		w := httptest.NewRecorder()

		h.ListCounts(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("round=%q: status = %d, want %d", round, w.Code, http.StatusBadRequest)
		}
	}
}

// --- GET /api/counts/:id テスト ---

func TestCountHandler_GetCount_Success(t *testing.T) {
	svc := &mockCountingService{
		getCountFn: func(ctx context.Context, id string) (*model.Count, error) {
			if id != "count-1" {
				t.Errorf("id = %q, want %q", id, "count-1")
			}
			return testCount(model.ActionCounted), nil
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	req := httptest.NewRequest(http.MethodGet, "/api/counts/count-1", nil)
	req = withChiURLParam(req, "id", "count-1")
	w := httptest.NewRecorder()

	h.GetCount(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp countResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != "count-1" {
		t.Errorf("id = %q, want %q", resp.ID, "count-1")
	}
}

func TestCountHandler_GetCount_NotFound(t *testing.T) {
	svc := &mockCountingService{
		getCountFn: func(ctx context.Context, id string) (*model.Count, error) {
			return nil, model.NewCountNotFoundError(id)
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	req := httptest.NewRequest(http.MethodGet, "/api/counts/missing", nil)
	req = withChiURLParam(req, "id", "missing")
	w := httptest.NewRecorder()

	h.GetCount(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// --- GET /api/counts/classify テスト ---

func TestCountHandler_Classify_FirstCount(t *testing.T) {
	svc := &mockCountingService{
		classifyFn: func(ctx context.Context, params counting.ClassifyParams) (*counting.Classification, error) {
			if params.SessionID != "session-1" || params.ArticleID != "article-1" || params.UserID != "user-1" {
				t.Errorf("unexpected params: %+v", params)
			}
			return &counting.Classification{Action: model.ActionCounted, Round: 2}, nil
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	req := httptest.NewRequest(http.MethodGet,
		"/api/counts/classify?session_id=session-1&article_id=article-1&user_id=user-1", nil)
	w := httptest.NewRecorder()

	h.Classify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp classifyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Action != string(model.ActionCounted) {
		t.Errorf("action = %q, want %q", resp.Action, model.ActionCounted)
	}
	if resp.Round != 2 {
		t.Errorf("round = %d, want 2", resp.Round)
	}
	if resp.Count != nil {
		t.Errorf("count = %+v, want nil", resp.Count)
	}
}

func TestCountHandler_Classify_ExistingCount(t *testing.T) {
	svc := &mockCountingService{
		classifyFn: func(ctx context.Context, params counting.ClassifyParams) (*counting.Classification, error) {
			if params.ArticleNumber != "A-1001" {
				t.Errorf("ArticleNumber = %q, want %q", params.ArticleNumber, "A-1001")
			}
			return &counting.Classification{
				Action:   model.ActionCorrected,
				Round:    1,
				Existing: testCount(model.ActionCounted),
			}, nil
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	req := httptest.NewRequest(http.MethodGet,
		"/api/counts/classify?session_id=session-1&article_number=A-1001&user_id=user-1", nil)
	w := httptest.NewRecorder()

	h.Classify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp classifyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Action != string(model.ActionCorrected) {
		t.Errorf("action = %q, want %q", resp.Action, model.ActionCorrected)
	}
	if resp.Count == nil || resp.Count.ID != "count-1" {
		t.Errorf("count = %+v, want count-1", resp.Count)
	}
}

func TestCountHandler_Classify_MissingIdentifier(t *testing.T) {
	svc := &mockCountingService{
		classifyFn: func(ctx context.Context, params counting.ClassifyParams) (*counting.Classification, error) {
			return nil, model.NewMissingIdentifierError("session_id")
		},
	}

	h := NewCountHandler(svc, &mockSessionGuard{}, &mockLastCountService{})

	req := httptest.NewRequest(http.MethodGet, "/api/counts/classify?user_id=user-1", nil)
	w := httptest.NewRecorder()

	h.Classify(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	resp := parseAPIErrorResponse(t, w)
	if resp["code"] != model.ErrCodeMissingIdentifier {
		t.Errorf("code = %q, want %q", resp["code"], model.ErrCodeMissingIdentifier)
	}
}

// --- 最終カウントビュー テスト ---

func TestCountHandler_RecentForUser(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	svc := &mockLastCountService{
		recentForUserFn: func(ctx context.Context, userID string, limit int) ([]model.LastCount, error) {
			if userID != "user-1" {
				t.Errorf("userID = %q, want %q", userID, "user-1")
			}
			if limit != 5 {
				t.Errorf("limit = %d, want 5", limit)
			}
			return []model.LastCount{
				{
					CountID:       "count-1",
					SessionID:     "session-1",
					ArticleNumber: "ART-001",
					Round:         1,
					UserID:        "user-1",
					Username:      "tanaka",
					CountedAt:     now,
				},
			}, nil
		},
	}

	h := NewCountHandler(&mockCountingService{}, &mockSessionGuard{}, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/counts/last-for-user/user-1?limit=5", nil)
	req = withChiURLParam(req, "userID", "user-1")
	w := httptest.NewRecorder()

	h.RecentForUser(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		LastCounts []lastCountResponse `json:"last_counts"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.LastCounts) != 1 {
		t.Fatalf("last_counts length = %d, want 1", len(resp.LastCounts))
	}
	if resp.LastCounts[0].Username != "tanaka" {
		t.Errorf("username = %q, want %q", resp.LastCounts[0].Username, "tanaka")
	}
}

func TestCountHandler_LastCountedBySession(t *testing.T) {
	svc := &mockLastCountService{
		lastCountedBySessionFn: func(ctx context.Context, sessionID string) (map[string]model.LastCount, error) {
			if sessionID != "session-1" {
				t.Errorf("sessionID = %q, want %q", sessionID, "session-1")
			}
			return map[string]model.LastCount{
				"user-1": {CountID: "count-1", UserID: "user-1", Username: "tanaka"},
				"user-2": {CountID: "count-2", UserID: "user-2", Username: "suzuki"},
			}, nil
		},
	}

	h := NewCountHandler(&mockCountingService{}, &mockSessionGuard{}, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/counts/last-counted/session-1", nil)
	req = withChiURLParam(req, "sessionID", "session-1")
	w := httptest.NewRecorder()

	h.LastCountedBySession(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		LastCountedByUser map[string]lastCountResponse `json:"last_counted_by_user"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.LastCountedByUser) != 2 {
		t.Errorf("last_counted_by_user length = %d, want 2", len(resp.LastCountedByUser))
	}
	if resp.LastCountedByUser["user-2"].Username != "suzuki" {
		t.Errorf("user-2 username = %q, want %q", resp.LastCountedByUser["user-2"].Username, "suzuki")
	}
}

func TestCountHandler_LastCounted_SessionNotFound(t *testing.T) {
	svc := &mockLastCountService{
		lastCountedBySessionFn: func(ctx context.Context, sessionID string) (map[string]model.LastCount, error) {
			return nil, model.NewSessionNotFoundError(sessionID)
		},
	}

	h := NewCountHandler(&mockCountingService{}, &mockSessionGuard{}, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/counts/last-counted/missing", nil)
	req = withChiURLParam(req, "sessionID", "missing")
	w := httptest.NewRecorder()

	h.LastCountedBySession(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
