// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/countman/internal/model"
)

// ErrConflict は自然キーに対する並行書き込みの直列化失敗を示す。
// 呼び出し側（照合エンジン）は規定回数までリトライしてよい。
var ErrConflict = errors.New("repository: concurrent write conflict")

// ErrNegativeQuantity は差分適用の結果が負になることを示す。
// ストアは変更されずにロールバックされる。
var ErrNegativeQuantity = errors.New("repository: resulting quantity would be negative")

// Submission は照合エンジンからカウントストアへ渡す1回の計数内容。
type Submission struct {
	Key      model.NaturalKey
	Quantity float64
	Notes    string
}

// DeltaParams は既存カウントへの差分調整の内容。
// IdempotencyKeyが空でない場合、同一キーの再適用は記録済みの結果を返す。
type DeltaParams struct {
	CountID        string
	Delta          float64
	Notes          string
	IdempotencyKey string
}

// DeltaResult は差分調整の結果。
// Appliedは実際に書き込みが発生したかどうか（ゼロ差分・リプレイではfalse）。
// Replayedは冪等性キーにより過去の結果が返されたことを示す。
type DeltaResult struct {
	Count    *model.Count
	Applied  bool
	Replayed bool
}

// CorrectionParams はカウントIDを指定した絶対値訂正の内容。
type CorrectionParams struct {
	CountID     string
	NewQuantity float64
	Reason      string
	Notes       string
}

// CountListFilter はカウント一覧の絞り込み条件。ゼロ値のフィールドは無視される。
type CountListFilter struct {
	SessionID       string
	ArticleID       string
	Round           int
	CountedByUserID string
	Limit           int
	Offset          int
}

// CountRepository はカウント現在状態と履歴の永続化インターフェース。
// 書き込み系メソッドは現在行の更新と履歴追記を単一トランザクションで行う。
type CountRepository interface {
	// FindByID は指定IDのカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Count, error)

	// FindByNaturalKey は自然キーによる完全一致検索を行う。見つからない場合はnilを返す。
	// 訂正分類（新規か訂正か）の読み取り専用の照会手段。
	FindByNaturalKey(ctx context.Context, key model.NaturalKey) (*model.Count, error)

	// Reconcile は自然キーに対する計数を分類して適用する。
	// キーに現在行が存在しなければ挿入（action=counted）、存在すれば訂正更新
	// （previous_quantityに旧値、action=corrected）を行い、必ず履歴を1件追記する。
	// 分類と書き込みは自然キー行のFOR UPDATEロック下で実行され、
	// 挿入レースはUNIQUE制約を経てErrConflictとして返る。
	// 戻り値のboolは新規挿入だったかどうか。
	Reconcile(ctx context.Context, sub Submission) (*model.Count, bool, error)

	// ApplyDelta は既存カウントの数量に符号付き差分を適用する。
	// 行ロック下で読み取り・計算・書き込みを行い、結果が負になる場合は
	// ErrNegativeQuantityを返してストアを変更しない。
	// ゼロ差分は履歴を追記せず短絡する。カウントが存在しない場合は結果nilを返す。
	ApplyDelta(ctx context.Context, params DeltaParams) (*DeltaResult, error)

	// CorrectQuantity はカウントIDを指定した絶対値訂正を適用する。
	// カウントが存在しない場合はnilを返す。
	CorrectQuantity(ctx context.Context, params CorrectionParams) (*model.Count, error)

	// List はフィルタ条件に一致するカウントを品目情報付き・counted_at降順で返す。
	List(ctx context.Context, filter CountListFilter) ([]model.CountWithArticle, error)

	// ListRecentByUser は指定ユーザーの直近のカウントを全セッション横断・新しい順で返す。
	ListRecentByUser(ctx context.Context, userID string, limit int) ([]model.LastCount, error)

	// LatestBySession はセッション内のユーザーごとの最新カウントをユーザーIDをキーに返す。
	LatestBySession(ctx context.Context, sessionID string) (map[string]model.LastCount, error)
}

// HistoryListFilter は履歴一覧の絞り込み条件。ゼロ値のフィールドは無視される。
type HistoryListFilter struct {
	SessionID       string
	ArticleID       string
	CountedByUserID string
	Round           int
	Action          model.CountAction
	Limit           int
	Offset          int
}

// HistoryRepository は履歴ログの読み取り専用インターフェース。
// 履歴の追記はCountRepositoryの書き込みトランザクション内で行われる。
type HistoryRepository interface {
	// ListByArticle はセッション内の1品目の全履歴を返す。
	// 順序はラウンド昇順、ラウンド内は書き込み時刻降順（同時刻は追記順の降順）。
	// 下流はこの順序に依存して「各ラウンドの最新状態」を先頭に表示する。
	ListByArticle(ctx context.Context, sessionID, articleID string) ([]model.HistoryEntry, error)

	// List はフィルタ条件に一致する履歴を詳細情報付き・counted_at降順で返す。
	List(ctx context.Context, filter HistoryListFilter) ([]model.HistoryEntryWithDetails, error)
}

// SessionRepository はセッション参照データの読み取り専用インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// Statistics はセッションの集計結果を返す。セッションが存在しない場合はnilを返す。
	Statistics(ctx context.Context, sessionID string) (*model.SessionStatistics, error)
}

// ArticleRepository は品目参照データの読み取り専用インターフェース。
type ArticleRepository interface {
	// FindByID は指定IDの品目を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Article, error)

	// FindByNumber は品目番号で品目を検索する。見つからない場合はnilを返す。
	FindByNumber(ctx context.Context, number string) (*model.Article, error)
}

// UserRepository はユーザー参照データの読み取り専用インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}
