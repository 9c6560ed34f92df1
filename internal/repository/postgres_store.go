package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"aliquot-sync/internal/domain"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore 基于 lib/pq 的 Store 实现
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建 PostgreSQL Store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// 确保实现了接口
var _ Store = (*PostgresStore)(nil)
var _ Tx = (*postgresTx)(nil)

// InTx 在 READ COMMITTED 事务中执行 fn（行锁由 SELECT ... FOR UPDATE 获得）
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// Migrate 执行内置 schema（幂等，CREATE ... IF NOT EXISTS）
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := strings.Split(schemaSQL, ";")
	for i, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || isCommentOnly(stmt) {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storageErr(fmt.Sprintf("migrate statement %d", i+1), err)
		}
	}
	return nil
}

func isCommentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

type postgresTx struct {
	tx *sql.Tx
}

// UpsertLocation 同步 Location 参考数据
func (t *postgresTx) UpsertLocation(ctx context.Context, loc domain.Location) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO locations (location_id, code, name, is_lab, is_clinical_site)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (location_id)
		 DO UPDATE SET code = EXCLUDED.code,
		               name = EXCLUDED.name,
		               is_lab = EXCLUDED.is_lab,
		               is_clinical_site = EXCLUDED.is_clinical_site`,
		loc.ID, loc.Code, loc.Name, loc.IsLab, loc.IsClinicalSite,
	)
	if err != nil {
		return storageErr("upsert location", err)
	}
	return nil
}

// storageErr 把驱动错误包装为 StorageError（保留 pq 错误码）
func storageErr(op string, err error) error {
	se := &domain.StorageError{Message: fmt.Sprintf("%s: %v", op, err), Err: err}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		se.Code = string(pqErr.Code)
	}
	return se
}

// isUniqueViolation 23505 = unique_violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func conditionPtr(ns sql.NullString) *domain.Condition {
	if !ns.Valid {
		return nil
	}
	c := domain.Condition(ns.String)
	return &c
}

func conditionArg(c *domain.Condition) sql.NullString {
	if c == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*c), Valid: true}
}
