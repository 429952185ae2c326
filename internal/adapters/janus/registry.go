package janus

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/roomclient/internal/metrics"
)

// Callback receives the final response of a transaction or its error.
// It runs on whichever goroutine resolved the transaction.
type Callback func(msg *Message, err error)

type transaction struct {
	cb       Callback
	deadline time.Time
}

// Registry correlates in-flight requests with their responses.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*transaction
	drained error

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*transaction),
		now:     time.Now,
	}
}

// Register stores a pending transaction that expires after timeout.
func (r *Registry) Register(id string, cb Callback, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drained != nil {
		return r.drained
	}
	if _, ok := r.pending[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, id)
	}
	r.pending[id] = &transaction{cb: cb, deadline: r.now().Add(timeout)}
	metrics.PendingTransactions.Inc()
	return nil
}

// Resolve completes id. Unknown ids are ignored and reported as false.
func (r *Registry) Resolve(id string, msg *Message, err error) bool {
	r.mu.Lock()
	tx, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	metrics.PendingTransactions.Dec()
	if err != nil {
		metrics.TransactionsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.TransactionsTotal.WithLabelValues("ok").Inc()
	}
	tx.cb(msg, err)
	return true
}

// FailAll drains every pending transaction with err. Later registrations
// fail with err and later resolves are no-ops.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	if r.drained == nil {
		r.drained = err
	}
	pending := r.pending
	r.pending = make(map[string]*transaction)
	r.mu.Unlock()

	for _, tx := range pending {
		metrics.PendingTransactions.Dec()
		metrics.TransactionsTotal.WithLabelValues("reset").Inc()
		tx.cb(nil, err)
	}
	return len(pending)
}

// Sweep fails every transaction whose deadline is not after now.
func (r *Registry) Sweep(now time.Time) int {
	var expired []string
	r.mu.Lock()
	for id, tx := range r.pending {
		if !tx.deadline.After(now) {
			expired = append(expired, id)
		}
	}
	txs := make([]*transaction, 0, len(expired))
	for _, id := range expired {
		txs = append(txs, r.pending[id])
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for i, tx := range txs {
		metrics.PendingTransactions.Dec()
		metrics.TransactionsTotal.WithLabelValues("timeout").Inc()
		tx.cb(nil, fmt.Errorf("%w: %s", ErrTimeout, expired[i]))
	}
	return len(txs)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
