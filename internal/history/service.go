// Package history はカウント履歴の参照ロジックを提供する。
package history

import (
	"context"
	"fmt"

	"github.com/hitoshi/countman/internal/model"
	"github.com/hitoshi/countman/internal/repository"
)

// RoundTimeline は1ラウンド分の履歴タイムライン。
// Entriesは新しい書き込みが先頭になる順で並ぶ。
type RoundTimeline struct {
	Round   int
	Entries []model.HistoryEntry
}

// ArticleHistory はセッション内の1品目の履歴をラウンド別に整理したビュー。
type ArticleHistory struct {
	SessionID string
	ArticleID string
	Rounds    []RoundTimeline
	Total     int
}

// Service は履歴参照のサービス層。
// 履歴の書き込みは計数照合のトランザクション内で行われるため、読むだけ。
type Service struct {
	historyRepo repository.HistoryRepository
	sessionRepo repository.SessionRepository
	articleRepo repository.ArticleRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	historyRepo repository.HistoryRepository,
	sessionRepo repository.SessionRepository,
	articleRepo repository.ArticleRepository,
) *Service {
	return &Service{
		historyRepo: historyRepo,
		sessionRepo: sessionRepo,
		articleRepo: articleRepo,
	}
}

// GetArticleHistory はセッション内の1品目の全履歴をラウンド別に返す。
// 各ラウンドの先頭が最新の書き込みで、そのラウンドの現在状態を表す。
func (s *Service) GetArticleHistory(ctx context.Context, sessionID, articleID string) (*ArticleHistory, error) {
	if sessionID == "" {
		return nil, model.NewMissingIdentifierError("session_id")
	}
	if articleID == "" {
		return nil, model.NewMissingIdentifierError("article_id")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションの確認に失敗しました: %w", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError(sessionID)
	}

	article, err := s.articleRepo.FindByID(ctx, articleID)
	if err != nil {
		return nil, fmt.Errorf("品目の確認に失敗しました: %w", err)
	}
	if article == nil {
		return nil, model.NewArticleNotFoundError(articleID)
	}

	entries, err := s.historyRepo.ListByArticle(ctx, sessionID, articleID)
	if err != nil {
		return nil, fmt.Errorf("品目履歴の取得に失敗しました: %w", err)
	}

	result := &ArticleHistory{
		SessionID: sessionID,
		ArticleID: articleID,
		Total:     len(entries),
	}

	// リポジトリはラウンド昇順・ラウンド内新しい順で返すため、
	// ラウンドの切り替わりで区切るだけでよい。
	for _, e := range entries {
		n := len(result.Rounds)
		if n == 0 || result.Rounds[n-1].Round != e.Round {
			result.Rounds = append(result.Rounds, RoundTimeline{Round: e.Round})
			n++
		}
		result.Rounds[n-1].Entries = append(result.Rounds[n-1].Entries, e)
	}

	return result, nil
}

// List はフィルタ条件に一致する履歴を詳細情報付きで返す。
func (s *Service) List(ctx context.Context, filter repository.HistoryListFilter) ([]model.HistoryEntryWithDetails, error) {
	entries, err := s.historyRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("履歴一覧の取得に失敗しました: %w", err)
	}
	return entries, nil
}
