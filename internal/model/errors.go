// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, counting, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidQuantity   = "INVALID_QUANTITY"
	ErrCodeNegativeQuantity  = "NEGATIVE_QUANTITY"
	ErrCodeMissingIdentifier = "MISSING_IDENTIFIER"
	ErrCodeRoleNotAllowed    = "ROLE_NOT_ALLOWED"
	ErrCodeInvalidDelta      = "INVALID_DELTA"
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrCodeSessionClosed     = "SESSION_CLOSED"
	ErrCodeArticleNotFound   = "ARTICLE_NOT_FOUND"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeCountNotFound     = "COUNT_NOT_FOUND"
	ErrCodeWriteConflict     = "WRITE_CONFLICT"
)

// NewInvalidQuantityError は無効な数量エラーを生成する。
// 計数ワークフローに「在庫ゼロ確定」の意味は存在しないため、0以下は入力ミスとして扱う。
func NewInvalidQuantityError(quantity float64) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQuantity,
		Message:  fmt.Sprintf("数量が不正です: %g。数量は0より大きい値を指定してください。", quantity),
		Category: "validation",
		Action:   "実際に数えた数量を入力し直してください。",
	}
}

// NewNegativeQuantityError は差分適用の結果が負になる場合のエラーを生成する。
func NewNegativeQuantityError(current, delta float64) *APIError {
	return &APIError{
		Code:     ErrCodeNegativeQuantity,
		Message:  fmt.Sprintf("差分適用後の数量が負になります: %g %+g。", current, delta),
		Category: "validation",
		Action:   "現在の数量を確認し、差分を指定し直してください。",
	}
}

// NewMissingIdentifierError は必須識別子の欠落エラーを生成する。
func NewMissingIdentifierError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingIdentifier,
		Message:  fmt.Sprintf("必須の識別子が指定されていません: %s", field),
		Category: "validation",
		Action:   "リクエストに必要な識別子をすべて指定してください。",
	}
}

// NewRoleNotAllowedError は計数ロール以外の計数登録が禁止されている場合のエラーを生成する。
func NewRoleNotAllowedError(role string) *APIError {
	return &APIError{
		Code:     ErrCodeRoleNotAllowed,
		Message:  fmt.Sprintf("ロール %q による計数登録は許可されていません。", role),
		Category: "validation",
		Action:   "計数担当（counter_<n>）のユーザーで登録してください。",
	}
}

// NewInvalidDeltaError は数値として扱えない差分のエラーを生成する。
func NewInvalidDeltaError(delta float64) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDelta,
		Message:  fmt.Sprintf("差分が不正です: %g。", delta),
		Category: "validation",
		Action:   "有限の数値を差分として指定してください。",
	}
}

// NewSessionNotFoundError はセッション未検出エラーを生成する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("指定されたセッションが見つかりません: %s", sessionID),
		Category: "counting",
		Action:   "セッションIDを確認してください。",
	}
}

// NewSessionClosedError は締切済みセッションへの計数登録エラーを生成する。
func NewSessionClosedError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionClosed,
		Message:  fmt.Sprintf("セッションは計数を受け付けていません: %s", sessionID),
		Category: "counting",
		Action:   "開いているセッションを選択してください。",
	}
}

// NewArticleNotFoundError は品目未検出エラーを生成する。
func NewArticleNotFoundError(articleID string) *APIError {
	return &APIError{
		Code:     ErrCodeArticleNotFound,
		Message:  fmt.Sprintf("指定された品目が見つかりません: %s", articleID),
		Category: "counting",
		Action:   "品目IDを確認してください。",
	}
}

// NewUserNotFoundError はユーザー未検出エラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定されたユーザーが見つかりません: %s", userID),
		Category: "counting",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewCountNotFoundError はカウント未検出エラーを生成する。
func NewCountNotFoundError(countID string) *APIError {
	return &APIError{
		Code:     ErrCodeCountNotFound,
		Message:  fmt.Sprintf("指定されたカウントが見つかりません: %s", countID),
		Category: "counting",
		Action:   "カウントIDを確認してください。",
	}
}

// NewWriteConflictError は並行書き込みの直列化失敗エラーを生成する。
// 規定回数のリトライ後も解消しなかった場合にのみ呼び出し側へ返る。
func NewWriteConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeWriteConflict,
		Message:  "同じカウントへの書き込みが競合しました。",
		Category: "counting",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
