package sessionscope

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const setLocalSQL = `SELECT set_config('app.current_tenant', ?, true), set_config('app.current_user', ?, true)`

// Bind returns db for ctx. When ctx carries an open Scope backed by a
// database/sql connection, statements on the result run on that connection.
func Bind(ctx context.Context, db *gorm.DB) *gorm.DB {
	tx := db.WithContext(ctx)
	if s, ok := FromContext(ctx); ok {
		if c := s.SQLConn(); c != nil {
			tx.Statement.ConnPool = c
		}
	}
	return tx
}

// InTx runs fn in a gorm transaction whose tenant and user context is local
// to that transaction. Inside a request scope the transaction runs on the
// scoped connection and must name the scope's tenant.
func InTx(ctx context.Context, db *gorm.DB, tenantID, subjectID string, fn func(tx *gorm.DB) error) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrTenantRequired
	}
	if s, ok := FromContext(ctx); ok && s.TenantID() != tenantID {
		return fmt.Errorf("sessionscope: transaction tenant %q outside scope tenant %q", tenantID, s.TenantID())
	}
	return Bind(ctx, db).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(setLocalSQL, tenantID, strings.TrimSpace(subjectID)).Error; err != nil {
			return &UnavailableError{Op: "set_local", Err: err}
		}
		return fn(tx)
	})
}
