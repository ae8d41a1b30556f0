package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/countman/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッション参照リポジトリ。
// セッションの作成・更新は外部コラボレータの責務で、このリポジトリは読むだけ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	s := &model.Session{}
	var status string
	var finishedAt sql.NullTime
	var createdBy sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, session_name, depot, status, started_at, finished_at, created_by_user_id, notes, created_at
		 FROM inventory_sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &s.Depot, &status, &s.StartedAt, &finishedAt, &createdBy, &s.Notes, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}

	s.Status = model.SessionStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		s.FinishedAt = &t
	}
	s.CreatedByUserID = nullStringValue(createdBy)
	return s, nil
}

// Statistics はセッションの集計結果を返す。セッションが存在しない場合はnilを返す。
// 合計件数・品目数・ラウンド別・ユーザー別の内訳を個別のクエリで集める。
func (r *PostgresSessionRepo) Statistics(ctx context.Context, sessionID string) (*model.SessionStatistics, error) {
	session, err := r.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	stats := &model.SessionStatistics{
		SessionID:   session.ID,
		SessionName: session.Name,
		Status:      session.Status,
		StartedAt:   session.StartedAt,
		FinishedAt:  session.FinishedAt,
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT article_id) FROM counts WHERE session_id = $1`,
		sessionID,
	).Scan(&stats.TotalCounts, &stats.UniqueArticles)
	if err != nil {
		return nil, fmt.Errorf("セッション集計の取得に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT round, COUNT(*) FROM counts WHERE session_id = $1 GROUP BY round ORDER BY round`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("ラウンド別集計の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rc model.RoundCountStat
		if err := rows.Scan(&rc.Round, &rc.Count); err != nil {
			return nil, fmt.Errorf("ラウンド別集計の読み取りに失敗しました: %w", err)
		}
		stats.CountsByRound = append(stats.CountsByRound, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ラウンド別集計の走査に失敗しました: %w", err)
	}

	userRows, err := r.db.QueryContext(ctx,
		`SELECT u.username, COUNT(*)
		 FROM counts c
		 JOIN app_users u ON c.counted_by_user_id = u.id
		 WHERE c.session_id = $1
		 GROUP BY u.username
		 ORDER BY COUNT(*) DESC, u.username`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("ユーザー別集計の取得に失敗しました: %w", err)
	}
	defer userRows.Close()

	for userRows.Next() {
		var uc model.UserCountStat
		if err := userRows.Scan(&uc.Username, &uc.Count); err != nil {
			return nil, fmt.Errorf("ユーザー別集計の読み取りに失敗しました: %w", err)
		}
		stats.CountsByUser = append(stats.CountsByUser, uc)
	}
	if err := userRows.Err(); err != nil {
		return nil, fmt.Errorf("ユーザー別集計の走査に失敗しました: %w", err)
	}

	return stats, nil
}

// PostgresArticleRepo はPostgreSQLを使用した品目参照リポジトリ。
type PostgresArticleRepo struct {
	db *sql.DB
}

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sql.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db}
}

func scanArticle(row rowScanner) (*model.Article, error) {
	a := &model.Article{}
	var createdAt time.Time
	err := row.Scan(&a.ID, &a.Number, &a.Description, &a.Location, &createdAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = createdAt
	return a, nil
}

// FindByID は指定IDの品目を取得する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindByID(ctx context.Context, id string) (*model.Article, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, article_number, description, location_code, created_at
		 FROM articles WHERE id = $1`, id)

	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("品目の取得に失敗しました: %w", err)
	}
	return a, nil
}

// FindByNumber は品目番号で品目を検索する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) FindByNumber(ctx context.Context, number string) (*model.Article, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, article_number, description, location_code, created_at
		 FROM articles WHERE article_number = $1`, number)

	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("品目番号による検索に失敗しました: %w", err)
	}
	return a, nil
}

// PostgresUserRepo はPostgreSQLを使用したユーザー参照リポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}

	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, full_name, role, is_active, created_at
		 FROM app_users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.FullName, &u.Role, &u.IsActive, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}

	return u, nil
}

var (
	_ SessionRepository = (*PostgresSessionRepo)(nil)
	_ ArticleRepository = (*PostgresArticleRepo)(nil)
	_ UserRepository    = (*PostgresUserRepo)(nil)
)
