// Package txn provides the unit of work that makes every state transition of
// the engine all-or-nothing.
//
// Components that mutate state register an undo function with OnRollback
// before (or right after) mutating. Run executes a function inside a unit of
// work carried by the context; if the function returns an error every
// registered undo runs in reverse order. Nested Run calls join the outer unit,
// so only the outermost call commits or rolls back.
package txn

import (
	"context"
	"sync"
)

type ctxKey struct{}

// Tx is a rollback journal.
type Tx struct {
	mu   sync.Mutex
	undo []func()
}

// Run executes fn inside a unit of work. When ctx already carries one, fn
// joins it and the outer caller decides the outcome.
func Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(ctxKey{}).(*Tx); ok {
		return fn(ctx)
	}

	tx := &Tx{}
	err := fn(context.WithValue(ctx, ctxKey{}, tx))
	if err != nil {
		tx.rollback()
	}
	return err
}

// OnRollback registers undo with the unit of work carried by ctx. Outside a
// unit of work it is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	tx, ok := ctx.Value(ctxKey{}).(*Tx)
	if !ok {
		return
	}
	tx.mu.Lock()
	tx.undo = append(tx.undo, undo)
	tx.mu.Unlock()
}

// Active reports whether ctx carries a unit of work.
func Active(ctx context.Context) bool {
	_, ok := ctx.Value(ctxKey{}).(*Tx)
	return ok
}

func (t *Tx) rollback() {
	t.mu.Lock()
	undo := t.undo
	t.undo = nil
	t.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}
