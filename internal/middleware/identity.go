package middleware

import "net/http"

// UserIDHeader は呼び出し元のユーザーIDを運ぶHTTPヘッダー。
// 認証は外部のゲートウェイが担い、このサービスは検証済みのIDを受け取る前提。
const UserIDHeader = "X-User-ID"

// ClientID はレート制限・ログのキーとなる呼び出し元の識別子を返す。
// ユーザーIDヘッダーがない場合はリモートアドレスで代用する。
func ClientID(r *http.Request) string {
	if id := r.Header.Get(UserIDHeader); id != "" {
		return id
	}
	return r.RemoteAddr
}
