package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/countman/internal/history"
	"github.com/hitoshi/countman/internal/model"
	"github.com/hitoshi/countman/internal/repository"
)

// HistoryServiceInterface は履歴ハンドラーが必要とするサービスインターフェース。
type HistoryServiceInterface interface {
	// GetArticleHistory は品目のセッション内計数履歴をラウンド別に返す。
	GetArticleHistory(ctx context.Context, sessionID, articleID string) (*history.ArticleHistory, error)
	// List はフィルタ条件に一致する履歴を詳細情報付きで返す。
	List(ctx context.Context, filter repository.HistoryListFilter) ([]model.HistoryEntryWithDetails, error)
}

// HistoryHandler は計数履歴のHTTPハンドラー。
type HistoryHandler struct {
	service HistoryServiceInterface
}

// NewHistoryHandler はHistoryHandlerを生成する。
func NewHistoryHandler(service HistoryServiceInterface) *HistoryHandler {
	return &HistoryHandler{service: service}
}

// historyEntryResponse は履歴エントリーのレスポンス。
type historyEntryResponse struct {
	ID               string   `json:"id"`
	CountID          string   `json:"count_id"`
	SessionID        string   `json:"session_id"`
	ArticleID        string   `json:"article_id"`
	Round            int      `json:"round"`
	QuantityCounted  float64  `json:"quantity_counted"`
	PreviousQuantity *float64 `json:"previous_quantity,omitempty"`
	Action           string   `json:"action"`
	CorrectionReason string   `json:"correction_reason,omitempty"`
	CountedByUserID  string   `json:"counted_by_user_id"`
	Notes            string   `json:"notes,omitempty"`
	CountedAt        string   `json:"counted_at"`
}

// roundTimelineResponse はラウンド別の履歴レスポンス。
type roundTimelineResponse struct {
	Round   int                    `json:"round"`
	Entries []historyEntryResponse `json:"entries"`
}

// articleHistoryResponse は品目履歴のレスポンス。
type articleHistoryResponse struct {
	SessionID string                  `json:"session_id"`
	ArticleID string                  `json:"article_id"`
	Rounds    []roundTimelineResponse `json:"rounds"`
	Total     int                     `json:"total"`
}

// historyDetailResponse は詳細情報付き履歴エントリーのレスポンス。
type historyDetailResponse struct {
	historyEntryResponse
	ArticleNumber      string `json:"article_number"`
	ArticleDescription string `json:"article_description,omitempty"`
	Username           string `json:"username"`
	UserFullName       string `json:"user_full_name,omitempty"`
	SessionName        string `json:"session_name"`
}

// GetArticleHistory は品目のセッション内計数履歴を取得する。
// GET /api/history/sessions/:sessionID/articles/:articleID
func (h *HistoryHandler) GetArticleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	articleID := chi.URLParam(r, "articleID")

	result, err := h.service.GetArticleHistory(r.Context(), sessionID, articleID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	rounds := make([]roundTimelineResponse, len(result.Rounds))
	for i, timeline := range result.Rounds {
		entries := make([]historyEntryResponse, len(timeline.Entries))
		for j, entry := range timeline.Entries {
			entries[j] = toHistoryEntryResponse(entry)
		}
		rounds[i] = roundTimelineResponse{
			Round:   timeline.Round,
			Entries: entries,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(articleHistoryResponse{
		SessionID: result.SessionID,
		ArticleID: result.ArticleID,
		Rounds:    rounds,
		Total:     result.Total,
	})
}

// List は計数履歴をフィルタ付きで取得する。
// GET /api/history?session_id=&article_id=&user_id=&round=&action=&limit=&offset=
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := repository.HistoryListFilter{
		SessionID:       q.Get("session_id"),
		ArticleID:       q.Get("article_id"),
		CountedByUserID: q.Get("user_id"),
		Action:          model.CountAction(q.Get("action")),
		Limit:           defaultListLimit,
	}
	if roundStr := q.Get("round"); roundStr != "" {
		if round, err := strconv.Atoi(roundStr); err == nil && round >= 1 {
			filter.Round = round
		}
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

	entries, err := h.service.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]historyDetailResponse, len(entries))
	for i, entry := range entries {
		results[i] = historyDetailResponse{
			historyEntryResponse: toHistoryEntryResponse(entry.HistoryEntry),
			ArticleNumber:        entry.ArticleNumber,
			ArticleDescription:   entry.ArticleDescription,
			Username:             entry.Username,
			UserFullName:         entry.UserFullName,
			SessionName:          entry.SessionName,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"history": results,
		"total":   len(results),
	})
}

// toHistoryEntryResponse はmodel.HistoryEntryからAPIレスポンスに変換する。
func toHistoryEntryResponse(entry model.HistoryEntry) historyEntryResponse {
	return historyEntryResponse{
		ID:               entry.ID,
		CountID:          entry.CountID,
		SessionID:        entry.SessionID,
		ArticleID:        entry.ArticleID,
		Round:            entry.Round,
		QuantityCounted:  entry.QuantityCounted,
		PreviousQuantity: entry.PreviousQuantity,
		Action:           string(entry.Action),
		CorrectionReason: entry.CorrectionReason,
		CountedByUserID:  entry.CountedByUserID,
		Notes:            entry.Notes,
		CountedAt:        entry.CountedAt.Format(time.RFC3339),
	}
}
