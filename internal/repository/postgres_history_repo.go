package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/countman/internal/model"
)

// PostgresHistoryRepo はPostgreSQLを使用した履歴リポジトリ。
// 履歴の追記はカウントリポジトリの書き込みトランザクション内で行われるため、
// このリポジトリは読み取り専用である。
type PostgresHistoryRepo struct {
	db *sql.DB
}

// NewPostgresHistoryRepo はPostgresHistoryRepoを生成する。
func NewPostgresHistoryRepo(db *sql.DB) *PostgresHistoryRepo {
	return &PostgresHistoryRepo{db: db}
}

// ListByArticle はセッション内の1品目の全履歴を返す。
// ラウンド昇順、ラウンド内は書き込み時刻降順。同時刻の書き込みはseqで順序を安定させる。
func (r *PostgresHistoryRepo) ListByArticle(ctx context.Context, sessionID, articleID string) ([]model.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, count_id, session_id, article_id, round, quantity_counted, previous_quantity,
		        action, counted_by_user_id, correction_reason, notes, counted_at
		 FROM count_history
		 WHERE session_id = $1 AND article_id = $2
		 ORDER BY round ASC, counted_at DESC, seq DESC`,
		sessionID, articleID,
	)
	if err != nil {
		return nil, fmt.Errorf("品目履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var prev sql.NullFloat64
		var action string

		if err := rows.Scan(
			&e.ID, &e.CountID, &e.SessionID, &e.ArticleID, &e.Round, &e.QuantityCounted, &prev,
			&action, &e.CountedByUserID, &e.CorrectionReason, &e.Notes, &e.CountedAt,
		); err != nil {
			return nil, fmt.Errorf("履歴行の読み取りに失敗しました: %w", err)
		}

		e.PreviousQuantity = nullFloatValue(prev)
		e.Action = model.CountAction(action)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("品目履歴の走査に失敗しました: %w", err)
	}

	return entries, nil
}

// List はフィルタ条件に一致する履歴を詳細情報付き・書き込み時刻降順で返す。
func (r *PostgresHistoryRepo) List(ctx context.Context, filter HistoryListFilter) ([]model.HistoryEntryWithDetails, error) {
	baseQuery := `
		SELECT h.id, h.count_id, h.session_id, h.article_id, h.round, h.quantity_counted,
		       h.previous_quantity, h.action, h.counted_by_user_id, h.correction_reason,
		       h.notes, h.counted_at,
		       a.article_number, a.description, u.username, u.full_name, s.session_name
		FROM count_history h
		JOIN articles a ON h.article_id = a.id
		JOIN app_users u ON h.counted_by_user_id = u.id
		JOIN inventory_sessions s ON h.session_id = s.id
		WHERE 1 = 1`

	args := []interface{}{}
	argIndex := 1

	if filter.SessionID != "" {
		baseQuery += fmt.Sprintf(" AND h.session_id = $%d", argIndex)
		args = append(args, filter.SessionID)
		argIndex++
	}
	if filter.ArticleID != "" {
		baseQuery += fmt.Sprintf(" AND h.article_id = $%d", argIndex)
		args = append(args, filter.ArticleID)
		argIndex++
	}
	if filter.CountedByUserID != "" {
		baseQuery += fmt.Sprintf(" AND h.counted_by_user_id = $%d", argIndex)
		args = append(args, filter.CountedByUserID)
		argIndex++
	}
	if filter.Round > 0 {
		baseQuery += fmt.Sprintf(" AND h.round = $%d", argIndex)
		args = append(args, filter.Round)
		argIndex++
	}
	if filter.Action != "" {
		baseQuery += fmt.Sprintf(" AND h.action = $%d", argIndex)
		args = append(args, string(filter.Action))
		argIndex++
	}

	baseQuery += " ORDER BY h.counted_at DESC, h.seq DESC"

	if filter.Limit > 0 {
		baseQuery += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		argIndex++
	}
	if filter.Offset > 0 {
		baseQuery += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("履歴一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntryWithDetails
	for rows.Next() {
		var e model.HistoryEntryWithDetails
		var prev sql.NullFloat64
		var action string

		if err := rows.Scan(
			&e.ID, &e.CountID, &e.SessionID, &e.ArticleID, &e.Round, &e.QuantityCounted,
			&prev, &action, &e.CountedByUserID, &e.CorrectionReason,
			&e.Notes, &e.CountedAt,
			&e.ArticleNumber, &e.ArticleDescription, &e.Username, &e.UserFullName, &e.SessionName,
		); err != nil {
			return nil, fmt.Errorf("履歴行の読み取りに失敗しました: %w", err)
		}

		e.PreviousQuantity = nullFloatValue(prev)
		e.Action = model.CountAction(action)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("履歴一覧の走査に失敗しました: %w", err)
	}

	return entries, nil
}

var _ HistoryRepository = (*PostgresHistoryRepo)(nil)
