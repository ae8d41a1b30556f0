package counting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hitoshi/countman/internal/metrics"
	"github.com/hitoshi/countman/internal/model"
	"github.com/hitoshi/countman/internal/repository"
)

// ViewInvalidator はカウント書き込み後に派生ビューへ無効化を通知するインターフェース。
type ViewInvalidator interface {
	Invalidate(userID, sessionID string)
}

// SubmitParams は1回の計数登録の入力。
// ラウンドは指定せず、登録者のロールから解決される。
// 品目はArticleIDかArticleNumber（バーコード読み取り値）のどちらかで指定する。
// 両方指定された場合はArticleIDが優先される。
type SubmitParams struct {
	SessionID     string
	ArticleID     string
	ArticleNumber string
	UserID        string
	Quantity      float64
	Notes         string
}

// SubmitResult は計数登録の結果。
// Createdは初回計数（action=counted）だったかどうか。
type SubmitResult struct {
	Count   *model.Count
	Created bool
	Message string
}

// AdjustParams は既存カウントへの差分調整の入力。
type AdjustParams struct {
	CountID        string
	Delta          float64
	Notes          string
	IdempotencyKey string
}

// AdjustResult は差分調整の結果。
// Appliedは書き込みが発生したか（ゼロ差分・リプレイではfalse）、
// Replayedは冪等性キーにより過去の結果が返されたことを示す。
type AdjustResult struct {
	Count    *model.Count
	Applied  bool
	Replayed bool
	Message  string
}

// CorrectParams はカウントIDを指定した絶対値訂正の入力。
type CorrectParams struct {
	CountID     string
	NewQuantity float64
	Reason      string
	Notes       string
}

// Service は計数照合のサービス層。
// 検証・ラウンド解決・参照データの存在確認を行った上でカウントストアへ
// 書き込みを委譲し、競合時は規定回数までリトライする。
type Service struct {
	countRepo   repository.CountRepository
	sessionRepo repository.SessionRepository
	articleRepo repository.ArticleRepository
	userRepo    repository.UserRepository
	collector   metrics.MetricsCollector
	invalidator ViewInvalidator

	allowNonCounter bool
	maxRetries      int
}

// NewService はServiceの新しいインスタンスを生成する。
// collectorとinvalidatorはnilを許容する（テスト・ワーカー用途）。
func NewService(
	countRepo repository.CountRepository,
	sessionRepo repository.SessionRepository,
	articleRepo repository.ArticleRepository,
	userRepo repository.UserRepository,
	collector metrics.MetricsCollector,
	invalidator ViewInvalidator,
	allowNonCounter bool,
	maxRetries int,
) *Service {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Service{
		countRepo:       countRepo,
		sessionRepo:     sessionRepo,
		articleRepo:     articleRepo,
		userRepo:        userRepo,
		collector:       collector,
		invalidator:     invalidator,
		allowNonCounter: allowNonCounter,
		maxRetries:      maxRetries,
	}
}

// validQuantity は計数として受理できる数量かどうかを返す。
// ゼロは「在庫ゼロ確定」ではなく入力ミスとして扱う。
func validQuantity(q float64) bool {
	return q > 0 && !math.IsNaN(q) && !math.IsInf(q, 0)
}

// Submit は1回の計数を検証・分類して記録する。
// 同一自然キーへの2回目以降の登録は訂正として既存行を更新する。
func (s *Service) Submit(ctx context.Context, params SubmitParams) (*SubmitResult, error) {
	if params.SessionID == "" {
		return nil, model.NewMissingIdentifierError("session_id")
	}
	if params.ArticleID == "" && params.ArticleNumber == "" {
		return nil, model.NewMissingIdentifierError("article_id")
	}
	if params.UserID == "" {
		return nil, model.NewMissingIdentifierError("user_id")
	}
	if !validQuantity(params.Quantity) {
		return nil, model.NewInvalidQuantityError(params.Quantity)
	}

	user, err := s.userRepo.FindByID(ctx, params.UserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの確認に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(params.UserID)
	}

	round, err := s.resolveRound(user)
	if err != nil {
		return nil, err
	}

	session, err := s.sessionRepo.FindByID(ctx, params.SessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションの確認に失敗しました: %w", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError(params.SessionID)
	}

	article, err := s.resolveArticle(ctx, params.ArticleID, params.ArticleNumber)
	if err != nil {
		return nil, err
	}

	sub := repository.Submission{
		Key: model.NaturalKey{
			SessionID: params.SessionID,
			ArticleID: article.ID,
			Round:     round,
			UserID:    params.UserID,
		},
		Quantity: params.Quantity,
		Notes:    params.Notes,
	}

	start := time.Now()
	count, created, err := s.reconcileWithRetry(ctx, sub)
	if err != nil {
		return nil, err
	}
	if s.collector != nil {
		s.collector.RecordReconcileLatency(time.Since(start))
		s.collector.RecordSubmission(string(count.Action))
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(params.UserID, params.SessionID)
	}

	result := &SubmitResult{Count: count, Created: created}
	if created {
		result.Message = fmt.Sprintf("カウントを記録しました: 数量 %g", count.QuantityCounted)
	} else {
		result.Message = fmt.Sprintf("カウントを訂正しました: %g → %g", *count.PreviousQuantity, count.QuantityCounted)
	}
	return result, nil
}

// resolveArticle は品目IDまたは品目番号で品目を解決する。
// バーコード読み取りは品目番号しか得られないため、番号からの解決を許す。
func (s *Service) resolveArticle(ctx context.Context, articleID, articleNumber string) (*model.Article, error) {
	if articleID != "" {
		article, err := s.articleRepo.FindByID(ctx, articleID)
		if err != nil {
			return nil, fmt.Errorf("品目の確認に失敗しました: %w", err)
		}
		if article == nil {
			return nil, model.NewArticleNotFoundError(articleID)
		}
		return article, nil
	}

	article, err := s.articleRepo.FindByNumber(ctx, articleNumber)
	if err != nil {
		return nil, fmt.Errorf("品目番号による検索に失敗しました: %w", err)
	}
	if article == nil {
		return nil, model.NewArticleNotFoundError(articleNumber)
	}
	return article, nil
}

// resolveRound は登録者のロールからラウンド番号を解決する。
// 固定ラウンドを持たないロールは、許可されている場合のみ既定ラウンドへ記録される。
func (s *Service) resolveRound(user *model.User) (int, error) {
	role := ResolveRole(user.Role)
	if role.HasFixedRound() {
		return role.Round, nil
	}
	if !s.allowNonCounter {
		return 0, model.NewRoleNotAllowedError(user.Role)
	}
	return fallbackRound, nil
}

// reconcileWithRetry はカウントストアへの書き込みを競合時にリトライする。
// 並行Submitの挿入レースは次回の分類で既存行として観測され、訂正パスで解消する。
func (s *Service) reconcileWithRetry(ctx context.Context, sub repository.Submission) (*model.Count, bool, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		count, created, err := s.countRepo.Reconcile(ctx, sub)
		if err == nil {
			return count, created, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, false, fmt.Errorf("計数の記録に失敗しました: %w", err)
		}
		if s.collector != nil {
			s.collector.RecordConflictRetry()
		}
	}
	return nil, false, model.NewWriteConflictError()
}

// ClassifyParams は計数分類の事前照会の入力。
// Submitと同様に品目はIDまたは番号で指定し、ラウンドはユーザーのロールから解決される。
type ClassifyParams struct {
	SessionID     string
	ArticleID     string
	ArticleNumber string
	UserID        string
}

// Classification は計数分類の事前照会の結果。
// Actionは次のSubmitが取る分類（counted=初回、corrected=訂正）を示す。
type Classification struct {
	Action   model.CountAction
	Round    int
	Existing *model.Count
}

// Classify は自然キーに現在行が存在するかを照会し、次のSubmitが
// 初回計数になるか訂正になるかを返す。読み取り専用で書き込みは行わない。
// 並行する書き込みとは競合しうるため、結果は参考値として扱うこと。
func (s *Service) Classify(ctx context.Context, params ClassifyParams) (*Classification, error) {
	if params.SessionID == "" {
		return nil, model.NewMissingIdentifierError("session_id")
	}
	if params.ArticleID == "" && params.ArticleNumber == "" {
		return nil, model.NewMissingIdentifierError("article_id")
	}
	if params.UserID == "" {
		return nil, model.NewMissingIdentifierError("user_id")
	}

	user, err := s.userRepo.FindByID(ctx, params.UserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの確認に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(params.UserID)
	}

	round, err := s.resolveRound(user)
	if err != nil {
		return nil, err
	}

	article, err := s.resolveArticle(ctx, params.ArticleID, params.ArticleNumber)
	if err != nil {
		return nil, err
	}

	existing, err := s.countRepo.FindByNaturalKey(ctx, model.NaturalKey{
		SessionID: params.SessionID,
		ArticleID: article.ID,
		Round:     round,
		UserID:    params.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("計数分類の照会に失敗しました: %w", err)
	}

	result := &Classification{Action: model.ActionCounted, Round: round}
	if existing != nil {
		result.Action = model.ActionCorrected
		result.Existing = existing
	}
	return result, nil
}

// AdjustByDelta は既存カウントの数量に符号付き差分を適用する。
// 結果が負になる調整は拒否され、ストアは変更されない。
// ゼロ差分は検証のみ行い、履歴を追記せずに現在のカウントを返す。
func (s *Service) AdjustByDelta(ctx context.Context, params AdjustParams) (*AdjustResult, error) {
	if params.CountID == "" {
		return nil, model.NewMissingIdentifierError("count_id")
	}
	if math.IsNaN(params.Delta) || math.IsInf(params.Delta, 0) {
		return nil, model.NewInvalidDeltaError(params.Delta)
	}

	current, err := s.countRepo.FindByID(ctx, params.CountID)
	if err != nil {
		return nil, fmt.Errorf("カウントの確認に失敗しました: %w", err)
	}
	if current == nil {
		return nil, model.NewCountNotFoundError(params.CountID)
	}

	deltaParams := repository.DeltaParams{
		CountID:        params.CountID,
		Delta:          params.Delta,
		Notes:          params.Notes,
		IdempotencyKey: params.IdempotencyKey,
	}

	var result *repository.DeltaResult
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		result, err = s.countRepo.ApplyDelta(ctx, deltaParams)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrNegativeQuantity) {
			return nil, model.NewNegativeQuantityError(current.QuantityCounted, params.Delta)
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("差分調整に失敗しました: %w", err)
		}
		if s.collector != nil {
			s.collector.RecordConflictRetry()
		}
	}
	if err != nil {
		return nil, model.NewWriteConflictError()
	}
	if result == nil || result.Count == nil {
		// ロック取得までの間に管理操作で削除された場合。
		return nil, model.NewCountNotFoundError(params.CountID)
	}

	adjust := &AdjustResult{
		Count:    result.Count,
		Applied:  result.Applied,
		Replayed: result.Replayed,
	}
	switch {
	case result.Replayed:
		if s.collector != nil {
			s.collector.RecordIdempotentReplay()
		}
		adjust.Message = fmt.Sprintf("適用済みの調整です: 数量 %g", result.Count.QuantityCounted)
	case !result.Applied:
		adjust.Message = fmt.Sprintf("差分ゼロのため変更はありません: 数量 %g", result.Count.QuantityCounted)
	default:
		if s.collector != nil {
			s.collector.RecordDeltaAdjustment()
			s.collector.RecordSubmission(string(model.ActionCorrected))
		}
		if s.invalidator != nil {
			s.invalidator.Invalidate(result.Count.CountedByUserID, result.Count.SessionID)
		}
		adjust.Message = fmt.Sprintf("数量を調整しました: %g → %g", current.QuantityCounted, result.Count.QuantityCounted)
	}
	return adjust, nil
}

// CorrectByID はカウントIDを指定した絶対値訂正を適用する。
// 数量の検証規則はSubmitと同じで、ゼロ以下は受理しない。
// 監査のため訂正理由は必須。
func (s *Service) CorrectByID(ctx context.Context, params CorrectParams) (*model.Count, error) {
	if params.CountID == "" {
		return nil, model.NewMissingIdentifierError("count_id")
	}
	if params.Reason == "" {
		return nil, model.NewMissingIdentifierError("correction_reason")
	}
	if !validQuantity(params.NewQuantity) {
		return nil, model.NewInvalidQuantityError(params.NewQuantity)
	}

	count, err := s.countRepo.CorrectQuantity(ctx, repository.CorrectionParams{
		CountID:     params.CountID,
		NewQuantity: params.NewQuantity,
		Reason:      params.Reason,
		Notes:       params.Notes,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.NewWriteConflictError()
		}
		return nil, fmt.Errorf("カウントの訂正に失敗しました: %w", err)
	}
	if count == nil {
		return nil, model.NewCountNotFoundError(params.CountID)
	}

	if s.collector != nil {
		s.collector.RecordSubmission(string(model.ActionCorrected))
	}
	if s.invalidator != nil {
		s.invalidator.Invalidate(count.CountedByUserID, count.SessionID)
	}
	return count, nil
}

// GetCount は指定IDのカウントを取得する。
func (s *Service) GetCount(ctx context.Context, id string) (*model.Count, error) {
	if id == "" {
		return nil, model.NewMissingIdentifierError("count_id")
	}
	count, err := s.countRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("カウントの取得に失敗しました: %w", err)
	}
	if count == nil {
		return nil, model.NewCountNotFoundError(id)
	}
	return count, nil
}

// ListCounts はフィルタ条件に一致するカウントを品目情報付きで返す。
func (s *Service) ListCounts(ctx context.Context, filter repository.CountListFilter) ([]model.CountWithArticle, error) {
	counts, err := s.countRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("カウント一覧の取得に失敗しました: %w", err)
	}
	return counts, nil
}
