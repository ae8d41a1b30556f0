package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/countman/internal/model"
)

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
type SessionServiceInterface interface {
	// Get は指定IDのセッションを取得する。
	Get(ctx context.Context, id string) (*model.Session, error)
	// Statistics はセッション単位の計数集計を返す。
	Statistics(ctx context.Context, id string) (*model.SessionStatistics, error)
}

// SessionHandler は棚卸セッション参照のHTTPハンドラー。
type SessionHandler struct {
	service SessionServiceInterface
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{service: service}
}

// sessionResponse はセッションのレスポンス。
type sessionResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Depot      string `json:"depot,omitempty"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// roundStatResponse はラウンドごとの件数レスポンス。
type roundStatResponse struct {
	Round int `json:"round"`
	Count int `json:"count"`
}

// userStatResponse はユーザーごとの件数レスポンス。
type userStatResponse struct {
	Username string `json:"username"`
	Count    int    `json:"count"`
}

// statisticsResponse はセッション集計のレスポンス。
type statisticsResponse struct {
	SessionID      string              `json:"session_id"`
	SessionName    string              `json:"session_name"`
	Status         string              `json:"status"`
	TotalCounts    int                 `json:"total_counts"`
	UniqueArticles int                 `json:"unique_articles"`
	CountsByRound  []roundStatResponse `json:"counts_by_round"`
	CountsByUser   []userStatResponse  `json:"counts_by_user"`
	StartedAt      string              `json:"started_at"`
	FinishedAt     string              `json:"finished_at,omitempty"`
}

// Get はセッション詳細を取得する。
// GET /api/sessions/:id
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	session, err := h.service.Get(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := sessionResponse{
		ID:        session.ID,
		Name:      session.Name,
		Depot:     session.Depot,
		Status:    string(session.Status),
		StartedAt: session.StartedAt.Format(time.RFC3339),
		Notes:     session.Notes,
	}
	if session.FinishedAt != nil {
		resp.FinishedAt = session.FinishedAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Statistics はセッション単位の計数集計を取得する。
// GET /api/sessions/:id/statistics
func (h *SessionHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	stats, err := h.service.Statistics(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	rounds := make([]roundStatResponse, len(stats.CountsByRound))
	for i, rs := range stats.CountsByRound {
		rounds[i] = roundStatResponse{Round: rs.Round, Count: rs.Count}
	}
	users := make([]userStatResponse, len(stats.CountsByUser))
	for i, us := range stats.CountsByUser {
		users[i] = userStatResponse{Username: us.Username, Count: us.Count}
	}

	resp := statisticsResponse{
		SessionID:      stats.SessionID,
		SessionName:    stats.SessionName,
		Status:         string(stats.Status),
		TotalCounts:    stats.TotalCounts,
		UniqueArticles: stats.UniqueArticles,
		CountsByRound:  rounds,
		CountsByUser:   users,
		StartedAt:      stats.StartedAt.Format(time.RFC3339),
	}
	if stats.FinishedAt != nil {
		resp.FinishedAt = stats.FinishedAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
