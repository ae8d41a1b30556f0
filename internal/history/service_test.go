package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/countman/internal/model"
	"github.com/hitoshi/countman/internal/repository"
)

// --- モック ---

type mockHistoryRepo struct {
	listByArticleFn func(ctx context.Context, sessionID, articleID string) ([]model.HistoryEntry, error)
	listFn          func(ctx context.Context, filter repository.HistoryListFilter) ([]model.HistoryEntryWithDetails, error)
}

func (m *mockHistoryRepo) ListByArticle(ctx context.Context, sessionID, articleID string) ([]model.HistoryEntry, error) {
	return m.listByArticleFn(ctx, sessionID, articleID)
}
func (m *mockHistoryRepo) List(ctx context.Context, filter repository.HistoryListFilter) ([]model.HistoryEntryWithDetails, error) {
	return m.listFn(ctx, filter)
}

type mockSessionRepo struct {
	findByIDFn func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return m.findByIDFn(ctx, id)
}
func (m *mockSessionRepo) Statistics(ctx context.Context, sessionID string) (*model.SessionStatistics, error) {
	return nil, nil
}

type mockArticleRepo struct {
	findByIDFn func(ctx context.Context, id string) (*model.Article, error)
}

func (m *mockArticleRepo) FindByID(ctx context.Context, id string) (*model.Article, error) {
	return m.findByIDFn(ctx, id)
}
func (m *mockArticleRepo) FindByNumber(ctx context.Context, number string) (*model.Article, error) {
	return nil, nil
}

func newTestService(historyRepo *mockHistoryRepo) *Service {
	return NewService(
		historyRepo,
		&mockSessionRepo{findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, Status: model.SessionStatusOpen}, nil
		}},
		&mockArticleRepo{findByIDFn: func(ctx context.Context, id string) (*model.Article, error) {
			return &model.Article{ID: id, Number: "A-1001"}, nil
		}},
	)
}

func entry(round int, quantity float64, action model.CountAction, countedAt time.Time) model.HistoryEntry {
	return model.HistoryEntry{
		Round:           round,
		QuantityCounted: quantity,
		Action:          action,
		CountedAt:       countedAt,
	}
}

// ラウンド別のタイムラインに整理されることを検証
func TestGetArticleHistory_GroupsByRound(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	repo := &mockHistoryRepo{
		listByArticleFn: func(ctx context.Context, sessionID, articleID string) ([]model.HistoryEntry, error) {
			// リポジトリの順序契約: ラウンド昇順、ラウンド内は新しい順
			return []model.HistoryEntry{
				entry(1, 12, model.ActionCorrected, base.Add(2*time.Minute)),
				entry(1, 10, model.ActionCounted, base),
				entry(2, 11, model.ActionCounted, base.Add(5*time.Minute)),
			}, nil
		},
	}
	svc := newTestService(repo)

	result, err := svc.GetArticleHistory(context.Background(), "session-1", "article-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 3 {
		t.Errorf("Total = %d, want 3", result.Total)
	}
	if len(result.Rounds) != 2 {
		t.Fatalf("rounds = %d, want 2", len(result.Rounds))
	}
	if result.Rounds[0].Round != 1 || len(result.Rounds[0].Entries) != 2 {
		t.Errorf("round 1 entries = %d, want 2", len(result.Rounds[0].Entries))
	}
	// 各ラウンドの先頭はそのラウンドの現在状態
	if result.Rounds[0].Entries[0].QuantityCounted != 12 {
		t.Errorf("round 1 head quantity = %g, want 12", result.Rounds[0].Entries[0].QuantityCounted)
	}
	if result.Rounds[1].Round != 2 || len(result.Rounds[1].Entries) != 1 {
		t.Errorf("round 2 entries = %d, want 1", len(result.Rounds[1].Entries))
	}
}

// 履歴なしの品目が空のタイムラインを返すことを検証
func TestGetArticleHistory_EmptyHistory(t *testing.T) {
	repo := &mockHistoryRepo{
		listByArticleFn: func(ctx context.Context, sessionID, articleID string) ([]model.HistoryEntry, error) {
			return nil, nil
		},
	}
	svc := newTestService(repo)

	result, err := svc.GetArticleHistory(context.Background(), "session-1", "article-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 0 || len(result.Rounds) != 0 {
		t.Errorf("expected empty history, got total=%d rounds=%d", result.Total, len(result.Rounds))
	}
}

// 存在しないセッション・品目がそれぞれのエラーになることを検証
func TestGetArticleHistory_ReferenceDataNotFound(t *testing.T) {
	repo := &mockHistoryRepo{
		listByArticleFn: func(ctx context.Context, sessionID, articleID string) ([]model.HistoryEntry, error) {
			return nil, nil
		},
	}

	t.Run("session not found", func(t *testing.T) {
		svc := NewService(repo,
			&mockSessionRepo{findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
				return nil, nil
			}},
			&mockArticleRepo{findByIDFn: func(ctx context.Context, id string) (*model.Article, error) {
				return &model.Article{ID: id}, nil
			}})
		_, err := svc.GetArticleHistory(context.Background(), "missing", "article-1")
		assertAPIErrorCode(t, err, model.ErrCodeSessionNotFound)
	})

	t.Run("article not found", func(t *testing.T) {
		svc := NewService(repo,
			&mockSessionRepo{findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
				return &model.Session{ID: id}, nil
			}},
			&mockArticleRepo{findByIDFn: func(ctx context.Context, id string) (*model.Article, error) {
				return nil, nil
			}})
		_, err := svc.GetArticleHistory(context.Background(), "session-1", "missing")
		assertAPIErrorCode(t, err, model.ErrCodeArticleNotFound)
	})
}

// 識別子の欠落がMISSING_IDENTIFIERになることを検証
func TestGetArticleHistory_MissingIdentifiers(t *testing.T) {
	svc := newTestService(&mockHistoryRepo{})

	_, err := svc.GetArticleHistory(context.Background(), "", "article-1")
	assertAPIErrorCode(t, err, model.ErrCodeMissingIdentifier)

	_, err = svc.GetArticleHistory(context.Background(), "session-1", "")
	assertAPIErrorCode(t, err, model.ErrCodeMissingIdentifier)
}

// フィルタがそのままリポジトリへ渡ることを検証
func TestList_PassesFilter(t *testing.T) {
	var gotFilter repository.HistoryListFilter
	repo := &mockHistoryRepo{
		listFn: func(ctx context.Context, filter repository.HistoryListFilter) ([]model.HistoryEntryWithDetails, error) {
			gotFilter = filter
			return []model.HistoryEntryWithDetails{}, nil
		},
	}
	svc := newTestService(repo)

	filter := repository.HistoryListFilter{
		SessionID: "session-1",
		Action:    model.ActionCorrected,
		Limit:     50,
	}
	_, err := svc.List(context.Background(), filter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotFilter != filter {
		t.Errorf("filter = %+v, want %+v", gotFilter, filter)
	}
}

func assertAPIErrorCode(t *testing.T, err error, wantCode string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Code != wantCode {
		t.Errorf("error code = %q, want %q", apiErr.Code, wantCode)
	}
}
