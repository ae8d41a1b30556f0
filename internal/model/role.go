// Package model はドメインモデルを定義する。
package model

// RoleKind はロール種別のタグを表す。
type RoleKind string

const (
	// RoleKindCounter は計数担当ロール（counter_<n>）を示す。
	RoleKindCounter RoleKind = "counter"
	// RoleKindAdmin は管理者ロールを示す。
	RoleKindAdmin RoleKind = "admin"
	// RoleKindViewer は閲覧専用ロールを示す。
	RoleKindViewer RoleKind = "viewer"
	// RoleKindUnknown は上記以外（不正な接尾辞を含む）を示す。
	RoleKindUnknown RoleKind = "unknown"
)

// Role はロール文字列を一度だけ解析した結果のタグ付き値。
// ラウンド番号はCounterの場合のみ意味を持つ。
type Role struct {
	Kind  RoleKind
	Round int
}

// HasFixedRound はロールが固定のラウンド番号を持つかどうかを返す。
// 管理者・閲覧者・不明ロールは固定ラウンドを持たない。
func (r Role) HasFixedRound() bool {
	return r.Kind == RoleKindCounter
}
