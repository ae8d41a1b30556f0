// Package session は棚卸セッションの参照とガードを提供する。
package session

import (
	"context"
	"fmt"

	"github.com/hitoshi/countman/internal/model"
	"github.com/hitoshi/countman/internal/repository"
)

// Service はセッション参照のサービス層。
// セッションの作成・締切は外部コラボレータの責務で、
// このサービスは存在確認・受付状態の判定・集計のみ行う。
type Service struct {
	sessionRepo repository.SessionRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(sessionRepo repository.SessionRepository) *Service {
	return &Service{sessionRepo: sessionRepo}
}

// Get は指定IDのセッションを取得する。
func (s *Service) Get(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		return nil, model.NewMissingIdentifierError("session_id")
	}
	session, err := s.sessionRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError(id)
	}
	return session, nil
}

// EnsureAcceptsCounts はセッションが計数を受け付ける状態であることを確認する。
// 締切済み・確定済みのセッションへの計数登録はここで拒否される。
func (s *Service) EnsureAcceptsCounts(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if session.Status != model.SessionStatusOpen {
		return model.NewSessionClosedError(id)
	}
	return nil
}

// Statistics はセッションの集計結果を返す。
func (s *Service) Statistics(ctx context.Context, id string) (*model.SessionStatistics, error) {
	if id == "" {
		return nil, model.NewMissingIdentifierError("session_id")
	}
	stats, err := s.sessionRepo.Statistics(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("セッション集計の取得に失敗しました: %w", err)
	}
	if stats == nil {
		return nil, model.NewSessionNotFoundError(id)
	}
	return stats, nil
}
