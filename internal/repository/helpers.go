package repository

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// nullString は空文字列をNULLに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はNULLを空文字列に変換する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullFloat は*float64をsql.NullFloat64に変換する。
func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// nullFloatValue はsql.NullFloat64を*float64に変換する。
func nullFloatValue(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// isSerializationFailure は並行書き込みの直列化失敗に相当するPostgreSQLエラーを判定する。
// 23505: unique_violation（挿入レースでUNIQUE制約に到達した場合）
// 40001: serialization_failure、40P01: deadlock_detected
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "23505", "40001", "40P01":
		return true
	}
	return false
}
