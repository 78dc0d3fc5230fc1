package main

import (
	"context"
	"database/sql"
	"time"

	ledgerservice "bankfisc/internal/ledger/service"
	dErrors "bankfisc/pkg/domain-errors"
	txcontext "bankfisc/pkg/platform/tx"
)

const defaultLedgerTxTimeout = 5 * time.Second

// ledgerPostgresTx runs each ledger operation in one SQL transaction. The
// store locks the client row on read, so the client id is not needed here.
type ledgerPostgresTx struct {
	db      *sql.DB
	store   ledgerservice.Store
	timeout time.Duration
}

func newLedgerPostgresTx(db *sql.DB, store ledgerservice.Store, timeout time.Duration) *ledgerPostgresTx {
	return &ledgerPostgresTx{db: db, store: store, timeout: timeout}
}

func (t *ledgerPostgresTx) RunInTx(ctx context.Context, _ string, fn func(ctx context.Context, store ledgerservice.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultLedgerTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "begin ledger transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx), t.store); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "commit ledger transaction")
	}
	return nil
}
