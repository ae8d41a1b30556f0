// Package model はドメインモデルを定義する。
package model

import "time"

// SessionStatus は棚卸セッションの状態を表す。
type SessionStatus string

const (
	// SessionStatusOpen は計数を受け付けるセッション状態。
	SessionStatusOpen SessionStatus = "open"
	// SessionStatusClosed は計数を締め切ったセッション状態。
	SessionStatusClosed SessionStatus = "closed"
	// SessionStatusFinalized は確定済みのセッション状態。
	SessionStatusFinalized SessionStatus = "finalized"
)

// Session は1回の棚卸キャンペーンを表す。
// 作成・更新はセッション管理（外部コラボレータ）が行い、
// このサービスはIDと状態を読むだけである。
type Session struct {
	ID              string
	Name            string
	Depot           string
	Status          SessionStatus
	StartedAt       time.Time
	FinishedAt      *time.Time
	CreatedByUserID string
	Notes           string
	CreatedAt       time.Time
}

// Article は在庫品目を表す。
// 品目マスタは外部で管理され、計数中は不変の参照データとして扱う。
type Article struct {
	ID          string
	Number      string // 人間可読な品目番号
	Description string
	Location    string // 保管場所コード
	CreatedAt   time.Time
}

// User は計数者を表す。
// 認証・ユーザー管理は外部コラボレータの責務で、
// このサービスは存在確認とロール文字列の参照のみ行う。
type User struct {
	ID        string
	Username  string
	FullName  string
	Role      string // 例: "counter_1", "counter_2", "admin", "viewer"
	IsActive  bool
	CreatedAt time.Time
}
