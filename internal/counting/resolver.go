// Package counting は棚卸カウントの照合エンジンを提供する。
package counting

import (
	"strconv"
	"strings"

	"github.com/hitoshi/countman/internal/model"
)

// counterRolePrefix は計数担当ロールの接頭辞。接尾辞がラウンド番号になる。
const counterRolePrefix = "counter_"

// fallbackRound は固定ラウンドを持たないロールに割り当てる既定のラウンド番号。
const fallbackRound = 1

// ResolveRole はロール文字列を一度だけ解析してタグ付きのRoleに変換する。
// counter_<n>（n >= 1）は固定ラウンドnの計数担当になる。
// admin・viewerはそれぞれのロール種別、それ以外（接尾辞が数値でない、
// n < 1 を含む）はUnknownとして扱い、いずれも固定ラウンドを持たない。
func ResolveRole(role string) model.Role {
	switch role {
	case "admin":
		return model.Role{Kind: model.RoleKindAdmin}
	case "viewer":
		return model.Role{Kind: model.RoleKindViewer}
	}

	if strings.HasPrefix(role, counterRolePrefix) {
		suffix := role[len(counterRolePrefix):]
		n, err := strconv.Atoi(suffix)
		if err == nil && n >= 1 {
			return model.Role{Kind: model.RoleKindCounter, Round: n}
		}
		// 接尾辞が壊れたcounterロールは計数担当として扱わない。
		return model.Role{Kind: model.RoleKindUnknown}
	}

	return model.Role{Kind: model.RoleKindUnknown}
}
