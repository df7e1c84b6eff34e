package commons

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type contextKey string

const transactionKey contextKey = "transaction"

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type Queryer interface {
	sqlx.ExtContext
	Rebind(query string) string
}

func StartTransaction(ctx context.Context, db *sqlx.DB) (context.Context, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return ctx, fmt.Errorf("failed to begin transaction: %w", err)
	}
	ctx = context.WithValue(ctx, transactionKey, tx)
	return ctx, nil
}

func GetTransaction(ctx context.Context) (*sqlx.Tx, error) {
	tx, ok := ctx.Value(transactionKey).(*sqlx.Tx)
	if !ok {
		return nil, fmt.Errorf("no transaction found in context")
	}
	return tx, nil
}

// Executor returns the transaction stored in ctx, or db when there is none.
func Executor(ctx context.Context, db *sqlx.DB) Queryer {
	if tx, err := GetTransaction(ctx); err == nil {
		return tx
	}
	return db
}

// WithTransaction runs fn inside a transaction carried by the context.
func WithTransaction(ctx context.Context, db *sqlx.DB, fn func(ctx context.Context) error) error {
	txCtx, err := StartTransaction(ctx, db)
	if err != nil {
		return err
	}
	tx, _ := GetTransaction(txCtx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
