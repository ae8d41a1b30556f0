package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/countman/internal/model"
)

// PostgresCountRepo はPostgreSQLを使用したカウントリポジトリ。
// 自然キーのUNIQUE制約とFOR UPDATE行ロックで現在行の一意性を保証する。
type PostgresCountRepo struct {
	db *sql.DB
}

// NewPostgresCountRepo はPostgresCountRepoを生成する。
func NewPostgresCountRepo(db *sql.DB) *PostgresCountRepo {
	return &PostgresCountRepo{db: db}
}

// countColumns はcountsテーブルのSELECT対象カラム。
const countColumns = `id, session_id, article_id, round, quantity_counted, previous_quantity,
	        action, counted_by_user_id, notes, counted_at, created_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通Scanインターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanCount は1行分のカウントを読み取る。
func scanCount(row rowScanner) (*model.Count, error) {
	c := &model.Count{}
	var prev sql.NullFloat64
	var action string

	err := row.Scan(
		&c.ID, &c.SessionID, &c.ArticleID, &c.Round, &c.QuantityCounted, &prev,
		&action, &c.CountedByUserID, &c.Notes, &c.CountedAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.PreviousQuantity = nullFloatValue(prev)
	c.Action = model.CountAction(action)
	return c, nil
}

// FindByID は指定IDのカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresCountRepo) FindByID(ctx context.Context, id string) (*model.Count, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+countColumns+` FROM counts WHERE id = $1`, id)

	c, err := scanCount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カウントの取得に失敗しました: %w", err)
	}
	return c, nil
}

// FindByNaturalKey は自然キーによる完全一致検索を行う。見つからない場合はnilを返す。
func (r *PostgresCountRepo) FindByNaturalKey(ctx context.Context, key model.NaturalKey) (*model.Count, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+countColumns+` FROM counts
		 WHERE session_id = $1 AND article_id = $2 AND round = $3 AND counted_by_user_id = $4`,
		key.SessionID, key.ArticleID, key.Round, key.UserID)

	c, err := scanCount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("自然キーによるカウントの検索に失敗しました: %w", err)
	}
	return c, nil
}

// findByNaturalKeyForUpdate はトランザクション内で自然キー行をFOR UPDATEロック付きで取得する。
func findByNaturalKeyForUpdate(ctx context.Context, tx *sql.Tx, key model.NaturalKey) (*model.Count, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+countColumns+` FROM counts
		 WHERE session_id = $1 AND article_id = $2 AND round = $3 AND counted_by_user_id = $4
		 FOR UPDATE`,
		key.SessionID, key.ArticleID, key.Round, key.UserID)

	c, err := scanCount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// insertHistory はトランザクション内で履歴を1件追記する。
func insertHistory(ctx context.Context, tx *sql.Tx, h *model.HistoryEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO count_history
		    (id, count_id, session_id, article_id, round, quantity_counted, previous_quantity,
		     action, counted_by_user_id, correction_reason, notes, counted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		h.ID, h.CountID, h.SessionID, h.ArticleID, h.Round, h.QuantityCounted,
		nullFloat(h.PreviousQuantity), string(h.Action), h.CountedByUserID,
		h.CorrectionReason, h.Notes, h.CountedAt,
	)
	return err
}

// Reconcile は自然キーに対する計数を分類して適用する。
// 分類（既存行の有無）と書き込みを同一トランザクション内の行ロック下で実行し、
// 初回計数の挿入レースはUNIQUE制約違反を経てErrConflictとして返す。
func (r *PostgresCountRepo) Reconcile(ctx context.Context, sub Submission) (*model.Count, bool, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	existing, err := findByNaturalKeyForUpdate(ctx, tx, sub.Key)
	if err != nil {
		if isSerializationFailure(err) {
			return nil, false, ErrConflict
		}
		return nil, false, fmt.Errorf("計数の分類に失敗しました: %w", err)
	}

	if existing == nil {
		// 初回計数: 現在行を挿入し、counted履歴を追記する。
		count := &model.Count{
			ID:              uuid.New().String(),
			SessionID:       sub.Key.SessionID,
			ArticleID:       sub.Key.ArticleID,
			Round:           sub.Key.Round,
			QuantityCounted: sub.Quantity,
			Action:          model.ActionCounted,
			CountedByUserID: sub.Key.UserID,
			Notes:           sub.Notes,
			CountedAt:       now,
			CreatedAt:       now,
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO counts
			    (id, session_id, article_id, round, quantity_counted, previous_quantity,
			     action, counted_by_user_id, notes, counted_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, NULL, $6, $7, $8, $9, $10)`,
			count.ID, count.SessionID, count.ArticleID, count.Round, count.QuantityCounted,
			string(count.Action), count.CountedByUserID, count.Notes, count.CountedAt, count.CreatedAt,
		)
		if err != nil {
			// 並行するSubmitが先に同一キーを挿入した場合。呼び出し側がリトライし、
			// 次回の分類で既存行を観測して訂正パスに入る。
			if isSerializationFailure(err) {
				return nil, false, ErrConflict
			}
			return nil, false, fmt.Errorf("カウントの挿入に失敗しました: %w", err)
		}

		history := &model.HistoryEntry{
			ID:              uuid.New().String(),
			CountID:         count.ID,
			SessionID:       count.SessionID,
			ArticleID:       count.ArticleID,
			Round:           count.Round,
			QuantityCounted: count.QuantityCounted,
			Action:          model.ActionCounted,
			CountedByUserID: count.CountedByUserID,
			Notes:           count.Notes,
			CountedAt:       now,
		}
		if err := insertHistory(ctx, tx, history); err != nil {
			return nil, false, fmt.Errorf("履歴の追記に失敗しました: %w", err)
		}

		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				return nil, false, ErrConflict
			}
			return nil, false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
		}
		return count, true, nil
	}

	// 訂正: 旧値をprevious_quantityへ移し、同一行を更新する。
	prev := existing.QuantityCounted
	existing.PreviousQuantity = &prev
	existing.QuantityCounted = sub.Quantity
	existing.Action = model.ActionCorrected
	existing.Notes = sub.Notes
	existing.CountedAt = now

	_, err = tx.ExecContext(ctx,
		`UPDATE counts SET
		    quantity_counted = $2, previous_quantity = $3, action = $4, notes = $5, counted_at = $6
		 WHERE id = $1`,
		existing.ID, existing.QuantityCounted, prev, string(existing.Action), existing.Notes, existing.CountedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("カウントの訂正に失敗しました: %w", err)
	}

	history := &model.HistoryEntry{
		ID:               uuid.New().String(),
		CountID:          existing.ID,
		SessionID:        existing.SessionID,
		ArticleID:        existing.ArticleID,
		Round:            existing.Round,
		QuantityCounted:  existing.QuantityCounted,
		PreviousQuantity: &prev,
		Action:           model.ActionCorrected,
		CountedByUserID:  existing.CountedByUserID,
		CorrectionReason: "同一ユーザーによる再計数",
		Notes:            existing.Notes,
		CountedAt:        now,
	}
	if err := insertHistory(ctx, tx, history); err != nil {
		return nil, false, fmt.Errorf("履歴の追記に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return nil, false, ErrConflict
		}
		return nil, false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return existing, false, nil
}

// findByIDForUpdate はトランザクション内でカウント行をFOR UPDATEロック付きで取得する。
func findByIDForUpdate(ctx context.Context, tx *sql.Tx, id string) (*model.Count, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+countColumns+` FROM counts WHERE id = $1 FOR UPDATE`, id)

	c, err := scanCount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyDelta は既存カウントの数量に符号付き差分を適用する。
// 読み取り・計算・書き込みは行ロック下の単一トランザクションで行われ、
// 他のSubmit/ApplyDeltaとの更新消失（lost update）を防ぐ。
func (r *PostgresCountRepo) ApplyDelta(ctx context.Context, params DeltaParams) (*DeltaResult, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// 冪等性キーが記録済みならリプレイとして過去の結果を返す。
	if params.IdempotencyKey != "" {
		var recordedCountID string
		err := tx.QueryRowContext(ctx,
			`SELECT count_id FROM idempotency_keys WHERE key = $1`,
			params.IdempotencyKey,
		).Scan(&recordedCountID)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("冪等性キーの照会に失敗しました: %w", err)
		}
		if err == nil {
			current, err := findByIDForUpdate(ctx, tx, recordedCountID)
			if err != nil {
				return nil, fmt.Errorf("リプレイ対象カウントの取得に失敗しました: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
			}
			return &DeltaResult{Count: current, Applied: false, Replayed: true}, nil
		}
	}

	current, err := findByIDForUpdate(ctx, tx, params.CountID)
	if err != nil {
		if isSerializationFailure(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("カウントの取得に失敗しました: %w", err)
	}
	if current == nil {
		return nil, nil
	}

	newQuantity := current.QuantityCounted + params.Delta
	if newQuantity < 0 {
		// ロールバックにより部分書き込みは発生しない。
		return nil, ErrNegativeQuantity
	}

	// ゼロ差分は履歴を追記せず、counted_atも更新しない。
	if params.Delta == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
		}
		return &DeltaResult{Count: current, Applied: false}, nil
	}

	prev := current.QuantityCounted
	current.PreviousQuantity = &prev
	current.QuantityCounted = newQuantity
	current.Action = model.ActionCorrected
	if params.Notes != "" {
		current.Notes = params.Notes
	}
	current.CountedAt = now

	_, err = tx.ExecContext(ctx,
		`UPDATE counts SET
		    quantity_counted = $2, previous_quantity = $3, action = $4, notes = $5, counted_at = $6
		 WHERE id = $1`,
		current.ID, current.QuantityCounted, prev, string(current.Action), current.Notes, current.CountedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("差分適用の書き込みに失敗しました: %w", err)
	}

	history := &model.HistoryEntry{
		ID:               uuid.New().String(),
		CountID:          current.ID,
		SessionID:        current.SessionID,
		ArticleID:        current.ArticleID,
		Round:            current.Round,
		QuantityCounted:  current.QuantityCounted,
		PreviousQuantity: &prev,
		Action:           model.ActionCorrected,
		CountedByUserID:  current.CountedByUserID,
		CorrectionReason: fmt.Sprintf("数量を%+gだけ調整", params.Delta),
		Notes:            params.Notes,
		CountedAt:        now,
	}
	if err := insertHistory(ctx, tx, history); err != nil {
		return nil, fmt.Errorf("履歴の追記に失敗しました: %w", err)
	}

	if params.IdempotencyKey != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key, count_id, quantity_after, created_at)
			 VALUES ($1, $2, $3, $4)`,
			params.IdempotencyKey, current.ID, current.QuantityCounted, now,
		)
		if err != nil {
			if isSerializationFailure(err) {
				return nil, ErrConflict
			}
			return nil, fmt.Errorf("冪等性キーの記録に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return &DeltaResult{Count: current, Applied: true}, nil
}

// CorrectQuantity はカウントIDを指定した絶対値訂正を適用する。
// Submitの訂正パスと同じ書き込み規律（行ロック・履歴追記）に従う。
func (r *PostgresCountRepo) CorrectQuantity(ctx context.Context, params CorrectionParams) (*model.Count, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	current, err := findByIDForUpdate(ctx, tx, params.CountID)
	if err != nil {
		if isSerializationFailure(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("カウントの取得に失敗しました: %w", err)
	}
	if current == nil {
		return nil, nil
	}

	prev := current.QuantityCounted
	current.PreviousQuantity = &prev
	current.QuantityCounted = params.NewQuantity
	current.Action = model.ActionCorrected
	current.Notes = params.Notes
	current.CountedAt = now

	_, err = tx.ExecContext(ctx,
		`UPDATE counts SET
		    quantity_counted = $2, previous_quantity = $3, action = $4, notes = $5, counted_at = $6
		 WHERE id = $1`,
		current.ID, current.QuantityCounted, prev, string(current.Action), current.Notes, current.CountedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("カウントの訂正に失敗しました: %w", err)
	}

	history := &model.HistoryEntry{
		ID:               uuid.New().String(),
		CountID:          current.ID,
		SessionID:        current.SessionID,
		ArticleID:        current.ArticleID,
		Round:            current.Round,
		QuantityCounted:  current.QuantityCounted,
		PreviousQuantity: &prev,
		Action:           model.ActionCorrected,
		CountedByUserID:  current.CountedByUserID,
		CorrectionReason: params.Reason,
		Notes:            params.Notes,
		CountedAt:        now,
	}
	if err := insertHistory(ctx, tx, history); err != nil {
		return nil, fmt.Errorf("履歴の追記に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return current, nil
}

// List はフィルタ条件に一致するカウントを品目情報付き・counted_at降順で返す。
func (r *PostgresCountRepo) List(ctx context.Context, filter CountListFilter) ([]model.CountWithArticle, error) {
	baseQuery := `
		SELECT c.id, c.session_id, c.article_id, c.round, c.quantity_counted, c.previous_quantity,
		       c.action, c.counted_by_user_id, c.notes, c.counted_at, c.created_at,
		       a.article_number, a.description, a.location_code
		FROM counts c
		JOIN articles a ON c.article_id = a.id
		WHERE 1 = 1`

	args := []interface{}{}
	argIndex := 1

	if filter.SessionID != "" {
		baseQuery += fmt.Sprintf(" AND c.session_id = $%d", argIndex)
		args = append(args, filter.SessionID)
		argIndex++
	}
	if filter.ArticleID != "" {
		baseQuery += fmt.Sprintf(" AND c.article_id = $%d", argIndex)
		args = append(args, filter.ArticleID)
		argIndex++
	}
	if filter.Round > 0 {
		baseQuery += fmt.Sprintf(" AND c.round = $%d", argIndex)
		args = append(args, filter.Round)
		argIndex++
	}
	if filter.CountedByUserID != "" {
		baseQuery += fmt.Sprintf(" AND c.counted_by_user_id = $%d", argIndex)
		args = append(args, filter.CountedByUserID)
		argIndex++
	}

	baseQuery += " ORDER BY c.counted_at DESC"

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
		return nil, fmt.Errorf("カウント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var counts []model.CountWithArticle
	for rows.Next() {
		var cwa model.CountWithArticle
		var prev sql.NullFloat64
		var action string

		if err := rows.Scan(
			&cwa.ID, &cwa.SessionID, &cwa.ArticleID, &cwa.Round, &cwa.QuantityCounted, &prev,
			&action, &cwa.CountedByUserID, &cwa.Notes, &cwa.CountedAt, &cwa.CreatedAt,
			&cwa.ArticleNumber, &cwa.ArticleDescription, &cwa.ArticleLocation,
		); err != nil {
			return nil, fmt.Errorf("カウント行の読み取りに失敗しました: %w", err)
		}

		cwa.PreviousQuantity = nullFloatValue(prev)
		cwa.Action = model.CountAction(action)
		counts = append(counts, cwa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("カウント一覧の走査に失敗しました: %w", err)
	}

	return counts, nil
}

// lastCountColumns はLastCountビューのSELECT対象カラム。
const lastCountColumns = `c.id, c.session_id, s.session_name, c.article_id,
	       a.article_number, a.description, a.location_code,
	       c.quantity_counted, c.round, c.counted_by_user_id, u.username, c.counted_at`

// scanLastCount は1行分のLastCountを読み取る。
func scanLastCount(row rowScanner) (model.LastCount, error) {
	var lc model.LastCount
	err := row.Scan(
		&lc.CountID, &lc.SessionID, &lc.SessionName, &lc.ArticleID,
		&lc.ArticleNumber, &lc.ArticleDescription, &lc.ArticleLocation,
		&lc.QuantityCounted, &lc.Round, &lc.UserID, &lc.Username, &lc.CountedAt,
	)
	return lc, err
}

// ListRecentByUser は指定ユーザーの直近のカウントを全セッション横断・新しい順で返す。
func (r *PostgresCountRepo) ListRecentByUser(ctx context.Context, userID string, limit int) ([]model.LastCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+lastCountColumns+`
		 FROM counts c
		 JOIN articles a ON c.article_id = a.id
		 JOIN inventory_sessions s ON c.session_id = s.id
		 JOIN app_users u ON c.counted_by_user_id = u.id
		 WHERE c.counted_by_user_id = $1
		 ORDER BY c.counted_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("直近カウントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var result []model.LastCount
	for rows.Next() {
		lc, err := scanLastCount(rows)
		if err != nil {
			return nil, fmt.Errorf("直近カウント行の読み取りに失敗しました: %w", err)
		}
		result = append(result, lc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("直近カウントの走査に失敗しました: %w", err)
	}

	return result, nil
}

// LatestBySession はセッション内のユーザーごとの最新カウントをユーザーIDをキーに返す。
// DISTINCT ONによりユーザーごとに1件、counted_atが最新の行だけを選択する。
func (r *PostgresCountRepo) LatestBySession(ctx context.Context, sessionID string) (map[string]model.LastCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT ON (c.counted_by_user_id) `+lastCountColumns+`
		 FROM counts c
		 JOIN articles a ON c.article_id = a.id
		 JOIN inventory_sessions s ON c.session_id = s.id
		 JOIN app_users u ON c.counted_by_user_id = u.id
		 WHERE c.session_id = $1
		 ORDER BY c.counted_by_user_id, c.counted_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("セッション内最新カウントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	result := make(map[string]model.LastCount)
	for rows.Next() {
		lc, err := scanLastCount(rows)
		if err != nil {
			return nil, fmt.Errorf("セッション内最新カウント行の読み取りに失敗しました: %w", err)
		}
		result[lc.UserID] = lc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("セッション内最新カウントの走査に失敗しました: %w", err)
	}

	return result, nil
}

// compile-time interface check
var _ CountRepository = (*PostgresCountRepo)(nil)
