// Package handler はHTTP APIのハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/countman/internal/counting"
	"github.com/hitoshi/countman/internal/model"
	"github.com/hitoshi/countman/internal/repository"
)

// defaultListLimit はカウント・履歴一覧の1回の取得件数（デフォルト）。
const defaultListLimit = 50

// idempotencyKeyHeader は差分調整の重複適用を防ぐキーを運ぶHTTPヘッダー。
const idempotencyKeyHeader = "Idempotency-Key"

// CountingServiceInterface は計数ハンドラーが必要とするサービスインターフェース。
type CountingServiceInterface interface {
	// Submit は1回の計数を検証・分類して記録する。
	Submit(ctx context.Context, params counting.SubmitParams) (*counting.SubmitResult, error)
	// AdjustByDelta は既存カウントの数量に符号付き差分を適用する。
	AdjustByDelta(ctx context.Context, params counting.AdjustParams) (*counting.AdjustResult, error)
	// CorrectByID はカウントIDを指定した絶対値訂正を適用する。
	CorrectByID(ctx context.Context, params counting.CorrectParams) (*model.Count, error)
	// Classify は次のSubmitが初回計数になるか訂正になるかを照会する。
	Classify(ctx context.Context, params counting.ClassifyParams) (*counting.Classification, error)
	// GetCount は指定IDのカウントを取得する。
	GetCount(ctx context.Context, id string) (*model.Count, error)
	// ListCounts はフィルタ条件に一致するカウントを品目情報付きで返す。
	ListCounts(ctx context.Context, filter repository.CountListFilter) ([]model.CountWithArticle, error)
}

// SessionGuardInterface は計数書き込み前のセッション状態確認インターフェース。
type SessionGuardInterface interface {
	// EnsureAcceptsCounts はセッションが計数を受け付ける状態であることを確認する。
	EnsureAcceptsCounts(ctx context.Context, id string) error
}

// LastCountServiceInterface は最終カウントビューのサービスインターフェース。
type LastCountServiceInterface interface {
	// RecentForUser は指定ユーザーの直近のカウントを新しい順で返す。
	RecentForUser(ctx context.Context, userID string, limit int) ([]model.LastCount, error)
	// LastCountedBySession はセッション内のユーザーごとの最新カウントを返す。
	LastCountedBySession(ctx context.Context, sessionID string) (map[string]model.LastCount, error)
}

// CountHandler は計数管理のHTTPハンドラー。
type CountHandler struct {
	service          CountingServiceInterface
	sessionGuard     SessionGuardInterface
	lastCountService LastCountServiceInterface
}

// NewCountHandler はCountHandlerを生成する。
func NewCountHandler(
	service CountingServiceInterface,
	sessionGuard SessionGuardInterface,
	lastCountService LastCountServiceInterface,
) *CountHandler {
	return &CountHandler{
		service:          service,
		sessionGuard:     sessionGuard,
		lastCountService: lastCountService,
	}
}

// --- リクエスト・レスポンス型 ---

// submitRequest は計数登録リクエストのボディ。
// 品目はarticle_idかarticle_number（バーコード読み取り値）のどちらかで指定する。
type submitRequest struct {
	SessionID     string  `json:"session_id"`
	ArticleID     string  `json:"article_id,omitempty"`
	ArticleNumber string  `json:"article_number,omitempty"`
	UserID        string  `json:"user_id"`
	Quantity      float64 `json:"quantity"`
	Notes         string  `json:"notes,omitempty"`
}

// countResponse はカウントのレスポンス。
type countResponse struct {
	ID               string   `json:"id"`
	SessionID        string   `json:"session_id"`
	ArticleID        string   `json:"article_id"`
	Round            int      `json:"round"`
	QuantityCounted  float64  `json:"quantity_counted"`
	PreviousQuantity *float64 `json:"previous_quantity,omitempty"`
	Action           string   `json:"action"`
	CountedByUserID  string   `json:"counted_by_user_id"`
	Notes            string   `json:"notes,omitempty"`
	CountedAt        string   `json:"counted_at"`
	CreatedAt        string   `json:"created_at"`
}

// submitResponse は計数登録のレスポンス。
type submitResponse struct {
	Message string        `json:"message"`
	Created bool          `json:"created"`
	Count   countResponse `json:"count"`
}

// adjustRequest は差分調整リクエストのボディ。
type adjustRequest struct {
	Delta float64 `json:"delta"`
	Notes string  `json:"notes,omitempty"`
}

// adjustResponse は差分調整のレスポンス。
type adjustResponse struct {
	Message  string        `json:"message"`
	Applied  bool          `json:"applied"`
	Replayed bool          `json:"replayed,omitempty"`
	Count    countResponse `json:"count"`
}

// correctRequest は絶対値訂正リクエストのボディ。
type correctRequest struct {
	Quantity float64 `json:"quantity"`
	Reason   string  `json:"reason,omitempty"`
	Notes    string  `json:"notes,omitempty"`
}

// countWithArticleResponse は品目情報付きカウントのレスポンス。
type countWithArticleResponse struct {
	countResponse
	ArticleNumber      string `json:"article_number"`
	ArticleDescription string `json:"article_description,omitempty"`
	ArticleLocation    string `json:"article_location,omitempty"`
}

// lastCountResponse は最終カウントビューのレスポンス。
type lastCountResponse struct {
	CountID            string  `json:"count_id"`
	SessionID          string  `json:"session_id"`
	SessionName        string  `json:"session_name"`
	ArticleID          string  `json:"article_id"`
	ArticleNumber      string  `json:"article_number"`
	ArticleDescription string  `json:"article_description,omitempty"`
	ArticleLocation    string  `json:"article_location,omitempty"`
	QuantityCounted    float64 `json:"quantity_counted"`
	Round              int     `json:"round"`
	UserID             string  `json:"user_id"`
	Username           string  `json:"username"`
	CountedAt          string  `json:"counted_at"`
}

// Submit は計数を登録する。
// POST /api/counts
func (h *CountHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
		return
	}

	// 締切済みセッションへの計数はエンジンに届く前に拒否する
	if req.SessionID != "" {
		if err := h.sessionGuard.EnsureAcceptsCounts(r.Context(), req.SessionID); err != nil {
			handleServiceError(w, err)
			return
		}
	}

	result, err := h.service.Submit(r.Context(), counting.SubmitParams{
		SessionID:     req.SessionID,
		ArticleID:     req.ArticleID,
		ArticleNumber: req.ArticleNumber,
		UserID:        req.UserID,
		Quantity:      req.Quantity,
		Notes:         req.Notes,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(submitResponse{
		Message: result.Message,
		Created: result.Created,
		Count:   toCountResponse(result.Count),
	})
}

// AdjustQuantity は既存カウントの数量に差分を適用する。
// PATCH /api/counts/:id/quantity
func (h *CountHandler) AdjustQuantity(w http.ResponseWriter, r *http.Request) {
	countID := chi.URLParam(r, "id")

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
		return
	}

	if err := h.ensureCountSessionAcceptsWrites(r.Context(), countID); err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.service.AdjustByDelta(r.Context(), counting.AdjustParams{
		CountID:        countID,
		Delta:          req.Delta,
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(adjustResponse{
		Message:  result.Message,
		Applied:  result.Applied,
		Replayed: result.Replayed,
		Count:    toCountResponse(result.Count),
	})
}

// Correct はカウントの数量を絶対値で訂正する。
// PUT /api/counts/:id/correct
func (h *CountHandler) Correct(w http.ResponseWriter, r *http.Request) {
	countID := chi.URLParam(r, "id")

	var req correctRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
		return
	}

	if err := h.ensureCountSessionAcceptsWrites(r.Context(), countID); err != nil {
		handleServiceError(w, err)
		return
	}

	count, err := h.service.CorrectByID(r.Context(), counting.CorrectParams{
		CountID:     countID,
		NewQuantity: req.Quantity,
		Reason:      req.Reason,
		Notes:       req.Notes,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toCountResponse(count))
}

// GetCount はカウント詳細を取得する。
// GET /api/counts/:id
func (h *CountHandler) GetCount(w http.ResponseWriter, r *http.Request) {
	countID := chi.URLParam(r, "id")

	count, err := h.service.GetCount(r.Context(), countID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toCountResponse(count))
}

// ListCounts はカウント一覧をフィルタ付きで取得する。
// GET /api/counts?session_id=&article_id=&round=&user_id=&limit=&offset=
func (h *CountHandler) ListCounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := repository.CountListFilter{
		SessionID:       q.Get("session_id"),
		ArticleID:       q.Get("article_id"),
		CountedByUserID: q.Get("user_id"),
		Limit:           defaultListLimit,
	}
	if roundStr := q.Get("round"); roundStr != "" {
		round, err := strconv.Atoi(roundStr)
		if err != nil || round < 1 {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_ROUND",
				Message:  "ラウンドは1以上の整数を指定してください。",
				Category: "validation",
				Action:   "roundパラメーターを確認してください。",
			})
			return
		}
		filter.Round = round
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset > 0 {
			filter.Offset = offset
		}
	}

	counts, err := h.service.ListCounts(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]countWithArticleResponse, len(counts))
	for i, c := range counts {
		results[i] = countWithArticleResponse{
			countResponse:      toCountResponse(&c.Count),
			ArticleNumber:      c.ArticleNumber,
			ArticleDescription: c.ArticleDescription,
			ArticleLocation:    c.ArticleLocation,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"counts": results,
		"total":  len(results),
	})
}

// classifyResponse は計数分類の事前照会のレスポンス。
// actionは次の登録が取る分類（counted=初回、corrected=訂正）を示す。
type classifyResponse struct {
	Action string         `json:"action"`
	Round  int            `json:"round"`
	Count  *countResponse `json:"count,omitempty"`
}

// Classify は次の計数登録が初回になるか訂正になるかを照会する。
// GET /api/counts/classify?session_id=&article_id=&article_number=&user_id=
func (h *CountHandler) Classify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	result, err := h.service.Classify(r.Context(), counting.ClassifyParams{
		SessionID:     q.Get("session_id"),
		ArticleID:     q.Get("article_id"),
		ArticleNumber: q.Get("article_number"),
		UserID:        q.Get("user_id"),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := classifyResponse{
		Action: string(result.Action),
		Round:  result.Round,
	}
	if result.Existing != nil {
		count := toCountResponse(result.Existing)
		resp.Count = &count
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// RecentForUser はユーザーの直近のカウント一覧を取得する。
// GET /api/counts/last-for-user/:userID?limit=
func (h *CountHandler) RecentForUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	counts, err := h.lastCountService.RecentForUser(r.Context(), userID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]lastCountResponse, len(counts))
	for i, lc := range counts {
		results[i] = toLastCountResponse(lc)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"last_counts": results,
	})
}

// LastCountedBySession はセッション内のユーザーごとの最新カウントを取得する。
// GET /api/counts/last-counted/:sessionID
func (h *CountHandler) LastCountedBySession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	latest, err := h.lastCountService.LastCountedBySession(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make(map[string]lastCountResponse, len(latest))
	for userID, lc := range latest {
		results[userID] = toLastCountResponse(lc)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"last_counted_by_user": results,
	})
}

// ensureCountSessionAcceptsWrites はカウントの所属セッションが書き込みを受け付けることを確認する。
func (h *CountHandler) ensureCountSessionAcceptsWrites(ctx context.Context, countID string) error {
	count, err := h.service.GetCount(ctx, countID)
	if err != nil {
		return err
	}
	return h.sessionGuard.EnsureAcceptsCounts(ctx, count.SessionID)
}

// --- ヘルパー関数 ---

// toCountResponse はmodel.CountからAPIレスポンスに変換する。
func toCountResponse(count *model.Count) countResponse {
	return countResponse{
		ID:               count.ID,
		SessionID:        count.SessionID,
		ArticleID:        count.ArticleID,
		Round:            count.Round,
		QuantityCounted:  count.QuantityCounted,
		PreviousQuantity: count.PreviousQuantity,
		Action:           string(count.Action),
		CountedByUserID:  count.CountedByUserID,
		Notes:            count.Notes,
		CountedAt:        count.CountedAt.Format(time.RFC3339),
		CreatedAt:        count.CreatedAt.Format(time.RFC3339),
	}
}

// toLastCountResponse はmodel.LastCountからAPIレスポンスに変換する。
func toLastCountResponse(lc model.LastCount) lastCountResponse {
	return lastCountResponse{
		CountID:            lc.CountID,
		SessionID:          lc.SessionID,
		SessionName:        lc.SessionName,
		ArticleID:          lc.ArticleID,
		ArticleNumber:      lc.ArticleNumber,
		ArticleDescription: lc.ArticleDescription,
		ArticleLocation:    lc.ArticleLocation,
		QuantityCounted:    lc.QuantityCounted,
		Round:              lc.Round,
		UserID:             lc.UserID,
		Username:           lc.Username,
		CountedAt:          lc.CountedAt.Format(time.RFC3339),
	}
}

// invalidRequestBodyError はJSONボディの解析失敗エラーを生成する。
func invalidRequestBodyError() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST_BODY",
		Message:  "リクエストボディを解析できません。",
		Category: "validation",
		Action:   "JSONフォーマットを確認してください。",
	}
}

// apiErrorResponse はAPIエラーレスポンスの統一フォーマット。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidQuantity, model.ErrCodeNegativeQuantity,
		model.ErrCodeMissingIdentifier, model.ErrCodeInvalidDelta:
		return http.StatusBadRequest
	case model.ErrCodeRoleNotAllowed:
		return http.StatusForbidden
	case model.ErrCodeSessionNotFound, model.ErrCodeArticleNotFound,
		model.ErrCodeUserNotFound, model.ErrCodeCountNotFound:
		return http.StatusNotFound
	case model.ErrCodeSessionClosed, model.ErrCodeWriteConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
