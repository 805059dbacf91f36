package service

import "context"

// TransactionManager wraps repository calls in one database transaction.
// fn receives a context carrying the transaction; returning an error rolls
// it back.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
