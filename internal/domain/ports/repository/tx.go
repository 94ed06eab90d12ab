package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

var NoTX interface{}

// TransactionManager runs fn inside a database transaction and hands the
// transaction handle to fn as a Tx.
//
// Repository methods accept that Tx and fall back to the pool when it is nil,
// so the same repository code serves both transactional and plain calls.
// The concrete Tx type is infra-defined (pgx.Tx for Postgres).
//
// USAGE
//
//	tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
//		applied, err := subs.MarkCompleted(ctx, tx, id, receipt, at, nil)
//		...
//		return events.Append(ctx, tx, ev)
//	})
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
