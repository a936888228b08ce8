package connection

import (
	"context"
	"time"

	dberrors "github.com/taproom/savedb/pkg/errors"
)

// Begin starts a transaction on a connection pinned to a fresh id. When the
// pool is exhausted the caller queues like any other acquisition, and the
// connection it is eventually handed is pinned before Begin returns.
func (p *Pool) Begin(ctx context.Context) (TxID, error) {
	ctx, cancel := p.acquireContext(ctx)
	defer cancel()

	p.mu.Lock()
	id := p.reserveTxIDLocked()
	tc := &TxContext{ID: id, State: TxActive, StartedAt: time.Now()}

	c, err := p.acquireLocked(ctx, tc)
	p.mu.Lock()
	delete(p.reserved, id)
	p.mu.Unlock()
	if err != nil {
		return NoTx, err
	}

	if err := c.begin(ctx); err != nil {
		p.mu.Lock()
		if cur, ok := p.txs[id]; ok && cur == tc {
			delete(p.txs, id)
		}
		c.pinnedTo = NoTx
		_, teardown := p.releaseLocked(c)
		p.mu.Unlock()
		teardown()
		return NoTx, dberrors.NewStatementError("BEGIN", err)
	}

	p.logger.DebugContext(ctx, "transaction started", "tx", id, "conn", c.id)
	return id, nil
}

// reserveTxIDLocked picks an id that is neither registered nor held by
// another Begin still waiting for its connection.
func (p *Pool) reserveTxIDLocked() TxID {
	for {
		id := generateTxID()
		_, registered := p.txs[id]
		_, pending := p.reserved[id]
		if !registered && !pending {
			p.reserved[id] = struct{}{}
			return id
		}
	}
}

// Commit commits the transaction and releases its connection.
func (p *Pool) Commit(ctx context.Context, id TxID) error {
	return p.finish(ctx, id, true)
}

// Rollback rolls back the transaction and releases its connection.
func (p *Pool) Rollback(ctx context.Context, id TxID) error {
	return p.finish(ctx, id, false)
}

// finish ends a transaction. Unknown or already finished ids fail without
// touching pool state. Otherwise the transaction becomes terminal and its
// connection is released even when the final statement fails; a connection
// whose commit or rollback failed is discarded rather than reused.
func (p *Pool) finish(ctx context.Context, id TxID, commit bool) error {
	p.mu.Lock()
	tc, ok := p.txs[id]
	if !ok || tc.State != TxActive {
		p.mu.Unlock()
		return dberrors.NewInvalidTransactionError(id.String())
	}
	if commit {
		tc.State = TxCommitted
	} else {
		tc.State = TxRolledBack
	}
	c := tc.conn
	p.mu.Unlock()

	err := c.end(commit)

	p.mu.Lock()
	if cur, ok := p.txs[id]; ok && cur == tc {
		delete(p.txs, id)
	}
	if c.pinnedTo == id {
		c.pinnedTo = NoTx
	}
	outcome, teardown := p.releaseLocked(c)
	p.mu.Unlock()
	teardown()

	if err != nil {
		code, verb := dberrors.ErrCommitFailed, "commit"
		if !commit {
			code, verb = dberrors.ErrRollbackFailed, "rollback"
		}
		p.logger.ErrorContext(ctx, "transaction "+verb+" failed", "tx", id, "conn", c.id, "error", err)
		return dberrors.Wrap(code, verb+" of transaction "+id.String()+" failed", err)
	}

	p.logger.DebugContext(ctx, "transaction finished", "tx", id, "state", tc.State, "release", outcome)
	return nil
}
