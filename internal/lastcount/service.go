// Package lastcount は「最後に数えた品目」の派生ビューを提供する。
package lastcount

import (
	"context"
	"fmt"
	"sync"

	"github.com/hitoshi/countman/internal/model"
	"github.com/hitoshi/countman/internal/repository"
)

// DefaultLimit は直近カウント一覧の既定の件数。
const DefaultLimit = 3

// Service は最終カウントビューのサービス層。
// ビューはカウントストアからの派生読み取りで、書き込みのたびに
// 照合エンジンからの無効化通知でキャッシュを破棄する。
type Service struct {
	countRepo repository.CountRepository
	userRepo  repository.UserRepository

	mu           sync.RWMutex
	recentByUser map[string][]model.LastCount
	bySession    map[string]map[string]model.LastCount
	// キーごとの世代番号。Invalidateのたびに加算し、
	// 無効化より前に読み出した結果でキャッシュを埋め戻さないようにする。
	recentGen  map[string]uint64
	sessionGen map[string]uint64

	defaultLimit int
}

// NewService はServiceの新しいインスタンスを生成する。
// defaultLimitが0以下の場合はDefaultLimitを使用する。
func NewService(countRepo repository.CountRepository, userRepo repository.UserRepository, defaultLimit int) *Service {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Service{
		countRepo:    countRepo,
		userRepo:     userRepo,
		recentByUser: make(map[string][]model.LastCount),
		bySession:    make(map[string]map[string]model.LastCount),
		recentGen:    make(map[string]uint64),
		sessionGen:   make(map[string]uint64),
		defaultLimit: defaultLimit,
	}
}

// Invalidate はカウント書き込み後に該当ユーザー・セッションのキャッシュを破棄する。
// counting.ViewInvalidatorを実装する。
func (s *Service) Invalidate(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recentByUser, userID)
	delete(s.bySession, sessionID)
	s.recentGen[userID]++
	s.sessionGen[sessionID]++
}

// RecentForUser は指定ユーザーの直近のカウントを全セッション横断・新しい順で返す。
// limitが0以下の場合は既定の件数を使用する。
func (s *Service) RecentForUser(ctx context.Context, userID string, limit int) ([]model.LastCount, error) {
	if userID == "" {
		return nil, model.NewMissingIdentifierError("user_id")
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの確認に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(userID)
	}

	// キャッシュは既定件数の取得だけを対象にする。
	useCache := limit == s.defaultLimit
	var gen uint64
	if useCache {
		s.mu.RLock()
		cached, ok := s.recentByUser[userID]
		gen = s.recentGen[userID]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	counts, err := s.countRepo.ListRecentByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("直近カウントの取得に失敗しました: %w", err)
	}

	if useCache {
		s.mu.Lock()
		// ストア照会中にInvalidateが走った場合は書き込み前の結果なので捨てる。
		if s.recentGen[userID] == gen {
			s.recentByUser[userID] = counts
		}
		s.mu.Unlock()
	}
	return counts, nil
}

// LastCountedBySession はセッション内のユーザーごとの最新カウントを返す。
// 計数中の「誰がどこまで数えたか」の可視化に使う。
func (s *Service) LastCountedBySession(ctx context.Context, sessionID string) (map[string]model.LastCount, error) {
	if sessionID == "" {
		return nil, model.NewMissingIdentifierError("session_id")
	}

	s.mu.RLock()
	cached, ok := s.bySession[sessionID]
	gen := s.sessionGen[sessionID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	latest, err := s.countRepo.LatestBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("セッション内最新カウントの取得に失敗しました: %w", err)
	}

	s.mu.Lock()
	if s.sessionGen[sessionID] == gen {
		s.bySession[sessionID] = latest
	}
	s.mu.Unlock()
	return latest, nil
}
