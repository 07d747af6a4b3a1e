// Package batch applies heterogeneous persistence operations as one atomic
// unit against PostgreSQL. Either every operation commits or none of their
// effects are observable.
package batch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/minssan9/investand/internal/recovery"
)

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// Operation is one statement in a batch. SQL and Args are collaborator-owned;
// the executor only cares about ordering and atomicity.
type Operation struct {
	Kind  OpKind
	Table string
	SQL   string
	Args  []any
}

type OpResult struct {
	Kind         OpKind `json:"kind"`
	Table        string `json:"table"`
	RowsAffected int64  `json:"rows_affected"`
	Applied      bool   `json:"applied"`
	Error        string `json:"error,omitempty"`
}

type Result struct {
	Success  bool       `json:"success"`
	Duration string     `json:"duration"`
	Ops      []OpResult `json:"operations"`
}

const DefaultTimeout = 30 * time.Second

type Executor struct {
	db *sql.DB
}

func NewExecutor(connectionString string) (*Executor, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Executor{db: db}, nil
}

// NewExecutorWithDB wraps an existing pool, used by tests and shared wiring.
func NewExecutorWithDB(db *sql.DB) *Executor {
	return &Executor{db: db}
}

// Execute applies ops sequentially inside a single transaction. Any statement
// failure or the timeout elapsing rolls back everything already applied. The
// returned error is a PersistenceError so the recovery system treats the
// batch as retriable.
func (e *Executor) Execute(ctx context.Context, ops []Operation, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := Result{Ops: make([]OpResult, 0, len(ops))}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		result.Duration = time.Since(start).String()
		return result, &recovery.PersistenceError{Op: "begin", Err: err}
	}

	for _, op := range ops {
		opResult := OpResult{Kind: op.Kind, Table: op.Table}

		res, err := tx.ExecContext(ctx, op.SQL, op.Args...)
		if err != nil {
			opResult.Error = err.Error()
			result.Ops = append(result.Ops, opResult)
			result.Duration = time.Since(start).String()

			if rbErr := tx.Rollback(); rbErr != nil {
				return result, &recovery.PersistenceError{
					Op:  string(op.Kind) + " " + op.Table,
					Err: fmt.Errorf("%w (rollback also failed: %v)", err, rbErr),
				}
			}

			return result, &recovery.PersistenceError{Op: string(op.Kind) + " " + op.Table, Err: err}
		}

		if rows, err := res.RowsAffected(); err == nil {
			opResult.RowsAffected = rows
		}
		opResult.Applied = true
		result.Ops = append(result.Ops, opResult)
	}

	if err := tx.Commit(); err != nil {
		result.Duration = time.Since(start).String()
		return result, &recovery.PersistenceError{Op: "commit", Err: err}
	}

	result.Success = true
	result.Duration = time.Since(start).String()
	return result, nil
}

// DB exposes the underlying pool for health probes and the validation
// harness.
func (e *Executor) DB() *sql.DB {
	return e.db
}

func (e *Executor) Close() error {
	return e.db.Close()
}
