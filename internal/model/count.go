// Package model はドメインモデルを定義する。
package model

import "time"

// CountAction はカウントレコードへの書き込み種別を表す。
type CountAction string

const (
	// ActionCounted は自然キーに対する初回の計数を示す。
	ActionCounted CountAction = "counted"
	// ActionCorrected は既存カウントへの2回目以降の書き込み（訂正）を示す。
	ActionCorrected CountAction = "corrected"
)

// NaturalKey はカウントの自然キーを表す。
// 同一キーに対する現在行は常に高々1件であることが計数処理の中心不変条件。
type NaturalKey struct {
	SessionID string
	ArticleID string
	Round     int
	UserID    string
}

// Count は1つの自然キーに対する現在の計数状態を表す。
// 初回書き込みで作成され、訂正・差分調整のたびに同一行が更新される。
// 削除はこのサービスの外側（管理操作）でのみ行われる。
type Count struct {
	ID               string
	SessionID        string
	ArticleID        string
	Round            int
	QuantityCounted  float64
	PreviousQuantity *float64 // 訂正の結果である場合のみ設定。初回計数ではnil。
	Action           CountAction
	CountedByUserID  string
	Notes            string
	CountedAt        time.Time // 最新の書き込み時刻
	CreatedAt        time.Time // 初回書き込み時刻
}

// HistoryEntry はカウントへの1回の書き込みを記録する不変の履歴エントリ。
// 訂正は過去の値を消さず、previous_quantity付きの履歴として積み上がる。
type HistoryEntry struct {
	ID               string
	CountID          string
	SessionID        string
	ArticleID        string
	Round            int
	QuantityCounted  float64
	PreviousQuantity *float64
	Action           CountAction
	CountedByUserID  string
	CorrectionReason string
	Notes            string
	CountedAt        time.Time
}

// CountWithArticle はカウントと記事情報を結合した一覧表示用モデル。
type CountWithArticle struct {
	Count
	ArticleNumber      string
	ArticleDescription string
	ArticleLocation    string
}

// LastCount はユーザーが最後に計数した記事のビュー。
// セッション内の「他の計数者」可視化と、本人の直近カウント一覧に使う。
type LastCount struct {
	CountID            string
	SessionID          string
	SessionName        string
	ArticleID          string
	ArticleNumber      string
	ArticleDescription string
	ArticleLocation    string
	QuantityCounted    float64
	Round              int
	UserID             string
	Username           string
	CountedAt          time.Time
}

// HistoryEntryWithDetails は履歴エントリに記事・ユーザー・セッション情報を付加したモデル。
type HistoryEntryWithDetails struct {
	HistoryEntry
	ArticleNumber      string
	ArticleDescription string
	Username           string
	UserFullName       string
	SessionName        string
}

// RoundCountStat はラウンドごとのカウント件数。
type RoundCountStat struct {
	Round int
	Count int
}

// UserCountStat はユーザーごとのカウント件数。
type UserCountStat struct {
	Username string
	Count    int
}

// SessionStatistics はセッション単位の集計結果を表す。
type SessionStatistics struct {
	SessionID      string
	SessionName    string
	Status         SessionStatus
	TotalCounts    int
	UniqueArticles int
	CountsByRound  []RoundCountStat
	CountsByUser   []UserCountStat
	StartedAt      time.Time
	FinishedAt     *time.Time
}
