package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/countman/internal/metrics"
	"github.com/hitoshi/countman/internal/middleware"
)

// HealthChecker はデータベース死活確認のインターフェース。
// *sql.DB がそのまま満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// ヘルスチェック
	HealthChecker HealthChecker

	// 計数
	CountingService  CountingServiceInterface
	LastCountService LastCountServiceInterface

	// セッション
	SessionService SessionServiceInterface
	SessionGuard   SessionGuardInterface

	// 履歴
	HistoryService HistoryServiceInterface

	// メトリクス
	StatusRecorder middleware.HTTPStatusRecorder
	Gatherer       prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORSMiddleware → LoggingMiddleware → RecoveryMiddleware → MetricsMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// ヘルスチェック（/health）とメトリクス（/metrics）はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// CORS ミドルウェアを最上位に適用（全ルートに効く）
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware())

	countHandler := NewCountHandler(deps.CountingService, deps.SessionGuard, deps.LastCountService)
	historyHandler := NewHistoryHandler(deps.HistoryService)
	sessionHandler := NewSessionHandler(deps.SessionService)

	// --- 運用ルート（レート制限の外） ---

	r.Get("/health", healthCheckHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.SetupMetricsRoute(deps.Gatherer))
	}

	// --- APIルート ---
	// ミドルウェアスタック: Metrics → RateLimit(General)
	r.Group(func(r chi.Router) {
		if deps.StatusRecorder != nil {
			r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
		}
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 計数管理
		r.Route("/api/counts", func(r chi.Router) {
			// POST /api/counts - 計数登録（登録専用レート制限を追加）
			r.With(deps.RateLimiter.SubmitMiddleware()).Post("/", countHandler.Submit)

			r.Get("/", countHandler.ListCounts)

			// 登録前の分類照会（初回か訂正か）
			r.Get("/classify", countHandler.Classify)

			// 最終カウントビュー
			r.Get("/last-for-user/{userID}", countHandler.RecentForUser)
			r.Get("/last-counted/{sessionID}", countHandler.LastCountedBySession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", countHandler.GetCount)
				r.Patch("/quantity", countHandler.AdjustQuantity)
				r.Put("/correct", countHandler.Correct)
			})
		})

		// 計数履歴
		r.Route("/api/history", func(r chi.Router) {
			r.Get("/", historyHandler.List)
			r.Get("/sessions/{sessionID}/articles/{articleID}", historyHandler.GetArticleHistory)
		})

		// セッション参照
		r.Route("/api/sessions/{id}", func(r chi.Router) {
			r.Get("/", sessionHandler.Get)
			r.Get("/statistics", sessionHandler.Statistics)
		})
	})

	return r
}

// healthCheckHandler はサービスとDB接続の死活確認に応答するハンドラーを返す。
// checkerがnilの場合はプロセスの生存のみを報告する。
// GET /health
func healthCheckHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "unhealthy",
					"reason": "database unreachable",
				})
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
