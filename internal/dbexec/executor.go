// Package dbexec provides database query execution abstractions.
package dbexec

import (
	"context"
	"database/sql"
	"sync"
)

// Rows abstracts sql.Rows so resolvers can run against fakes and recorders.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// QueryExecutor is the read surface the resolvers depend on.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
}

// StandardExecutor executes queries directly against a database handle.
type StandardExecutor struct {
	db *sql.DB
}

// NewStandardExecutor creates an executor that runs queries directly against the database.
func NewStandardExecutor(db *sql.DB) *StandardExecutor {
	return &StandardExecutor{db: db}
}

func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.QueryContext(ctx, query, args...)
}

// Statement is one query captured by a RecordingExecutor.
type Statement struct {
	SQL  string
	Args []any
}

// RecordingExecutor captures every statement and returns no rows.
// It backs dry runs where no database is available.
type RecordingExecutor struct {
	mu         sync.Mutex
	statements []Statement
}

// NewRecordingExecutor returns an empty recorder.
func NewRecordingExecutor() *RecordingExecutor {
	return &RecordingExecutor{}
}

func (e *RecordingExecutor) QueryContext(_ context.Context, query string, args ...any) (Rows, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statements = append(e.statements, Statement{SQL: query, Args: append([]any(nil), args...)})
	return emptyRows{}, nil
}

// Statements returns a copy of the captured statements in execution order.
func (e *RecordingExecutor) Statements() []Statement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Statement(nil), e.statements...)
}

type emptyRows struct{}

func (emptyRows) Next() bool        { return false }
func (emptyRows) Scan(...any) error { return sql.ErrNoRows }
func (emptyRows) Err() error        { return nil }
func (emptyRows) Close() error      { return nil }
