// Package transaction stages enqueues so that they become visible only on commit.
package transaction

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/postoffice"
)

// State is the state of a Transaction
type State int

const (
	Active State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Committed:
		return "Committed"
	case RolledBack:
		return "RolledBack"
	default:
		return "Unknown"
	}
}

type operation struct {
	queue postoffice.Queue
	msg   *postoffice.Message
}

// Transaction buffers enlisted enqueues until Commit. Rollback discards them, so
// none of the target queues observes a partial route. It is safe for concurrent use.
type Transaction struct {
	id     string
	logger log.Logger

	mu            sync.Mutex
	state         State
	operations    []operation
	afterRollback []func()
	rollbackCause error
}

// Option configures a Transaction
type Option func(*Transaction)

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(tx *Transaction) {
		tx.logger = logger
	}
}

// New begins a new Active transaction.
func New(opts ...Option) *Transaction {
	tx := &Transaction{
		id:     uuid.NewString(),
		logger: log.DiscardLogger,
		state:  Active,
	}
	for _, opt := range opts {
		opt(tx)
	}
	return tx
}

// ID returns the transaction identifier
func (tx *Transaction) ID() string {
	return tx.id
}

// State returns the current state
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Len returns the number of enlisted enqueues
func (tx *Transaction) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.operations)
}

// Enlist stages an enqueue of msg into queue.
func (tx *Transaction) Enlist(queue postoffice.Queue, msg *postoffice.Message) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return postoffice.ErrTransactionNotActive
	}
	if tx.rollbackCause != nil {
		return postoffice.NewErrTransactionRollback(tx.id, tx.rollbackCause)
	}
	tx.operations = append(tx.operations, operation{queue: queue, msg: msg})
	return nil
}

// AfterRollback registers fn to run when the transaction rolls back
func (tx *Transaction) AfterRollback(fn func()) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.afterRollback = append(tx.afterRollback, fn)
}

// SetRollbackOnly marks the transaction so that Commit rolls back.
// The first cause is kept.
func (tx *Transaction) SetRollbackOnly(cause error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.rollbackCause == nil {
		tx.rollbackCause = cause
	}
}

// Commit enqueues every staged message in enlistment order. A transaction marked
// rollback-only is rolled back instead and Commit returns ErrTransactionRollback.
// Enqueue failures of individual targets are combined into the returned error.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return postoffice.ErrTransactionNotActive
	}
	if tx.rollbackCause != nil {
		cause := tx.rollbackCause
		hooks := tx.finishRollbackLocked()
		tx.mu.Unlock()
		runHooks(hooks)
		return postoffice.NewErrTransactionRollback(tx.id, cause)
	}
	operations := tx.operations
	tx.operations = nil
	tx.afterRollback = nil
	tx.state = Committed
	tx.mu.Unlock()

	var err error
	for _, op := range operations {
		if enqueueErr := op.queue.Enqueue(ctx, op.msg); enqueueErr != nil {
			tx.logger.Errorf("transaction %s failed to enqueue into %s: %v", tx.id, op.queue.Name(), enqueueErr)
			err = multierr.Append(err, enqueueErr)
		}
	}
	return err
}

// Rollback discards every staged enqueue and runs the rollback hooks.
func (tx *Transaction) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return postoffice.ErrTransactionNotActive
	}
	hooks := tx.finishRollbackLocked()
	tx.mu.Unlock()

	runHooks(hooks)
	return nil
}

func (tx *Transaction) finishRollbackLocked() []func() {
	hooks := tx.afterRollback
	tx.operations = nil
	tx.afterRollback = nil
	tx.state = RolledBack
	return hooks
}

func runHooks(hooks []func()) {
	for _, hook := range hooks {
		hook()
	}
}

// Verify that Transaction implements the postoffice.Transaction interface at compile time
var _ postoffice.Transaction = (*Transaction)(nil)
