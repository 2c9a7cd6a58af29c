package sps

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/spsched/internal/commandlog"
	"github.com/user/spsched/internal/message"
)

// Executor runs a procedure or fragment and produces its result. It is the
// boundary to the execution engine; implementations must be deterministic
// across replicas.
type Executor interface {
	// Procedure runs a single-partition procedure invocation.
	Procedure(ctx context.Context, name string, invocation []byte, readOnly bool) ExecResult
	// Fragment runs one fragment of a multi-partition transaction with its
	// input dependency tables.
	Fragment(ctx context.Context, frag *message.FragmentTask, inputDeps map[int32][]byte) ExecResult
	// Complete commits or rolls back the open multi-partition transaction.
	Complete(ctx context.Context, txnID int64, rollback bool)
}

// ExecResult is the outcome of one execution.
type ExecResult struct {
	Status  byte
	Results []byte
	Hashes  []uint64
}

// Task is a unit of work handed from the scheduler to the site thread.
type Task interface {
	TxnID() int64
	SpHandle() int64
	Run(ctx context.Context)
}

// TaskQueue feeds the site thread. Offer never blocks: the scheduler posts
// while holding the partition lock, and the site thread takes the same lock
// inside deferred work, so a bounded queue would deadlock under load.
type TaskQueue struct {
	mu      sync.Mutex
	pending []Task
	wake    chan struct{}
	log     *slog.Logger
}

// NewTaskQueue returns an empty queue.
func NewTaskQueue(logger *slog.Logger) *TaskQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskQueue{wake: make(chan struct{}, 1), log: logger}
}

// Offer enqueues a task for the site thread.
func (q *TaskQueue) Offer(t Task) {
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the queue depth.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *TaskQueue) take() Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t
}

// Run executes tasks until the context is cancelled. It blocks; run it on
// the dedicated site goroutine.
func (q *TaskQueue) Run(ctx context.Context) {
	q.log.Info("site task loop started")
	for {
		for t := q.take(); t != nil; t = q.take() {
			t.Run(ctx)
		}
		select {
		case <-ctx.Done():
			q.log.Info("site task loop stopped")
			return
		case <-q.wake:
		}
	}
}

// RunOne executes a single queued task, if any. Useful for tests that need
// deterministic interleavings.
func (q *TaskQueue) RunOne(ctx context.Context) bool {
	t := q.take()
	if t == nil {
		return false
	}
	t.Run(ctx)
	return true
}

// awaitDurability blocks on the back-pressure future, if any. The reply for
// a logged write must not leave before its log entry is durable.
func awaitDurability(ctx context.Context, fut *commandlog.Future) {
	if fut == nil {
		return
	}
	select {
	case <-fut.Done():
	case <-ctx.Done():
	}
}

// spProcedureTask executes a single-partition procedure and delivers its
// response back to the local scheduler.
type spProcedureTask struct {
	site *siteContext
	msg  *message.InitiateTask
	fut  *commandlog.Future
}

func (t *spProcedureTask) TxnID() int64    { return t.msg.TxnID }
func (t *spProcedureTask) SpHandle() int64 { return t.msg.SpHandle }

func (t *spProcedureTask) Run(ctx context.Context) {
	res := t.site.exec.Procedure(ctx, t.msg.Procedure, t.msg.Invocation, t.msg.ReadOnly)
	awaitDurability(ctx, t.fut)
	t.site.deliver(&message.InitiateResponse{
		Base:        message.Base{Src: t.site.id},
		InitiatorID: t.msg.InitiatorID,
		TxnID:       t.msg.TxnID,
		SpHandle:    t.msg.SpHandle,
		CIHandle:    t.msg.CIHandle,
		ConnID:      t.msg.ConnID,
		ReadOnly:    t.msg.ReadOnly,
		Status:      res.Status,
		Results:     res.Results,
		Hashes:      res.Hashes,
	})
}

// fragmentTask executes one MP fragment.
type fragmentTask struct {
	site          *siteContext
	txn           *TxnState
	msg           *message.FragmentTask
	inputDeps     map[int32][]byte
	fut           *commandlog.Future
	notBufferable bool
}

func (t *fragmentTask) TxnID() int64    { return t.msg.TxnID }
func (t *fragmentTask) SpHandle() int64 { return t.msg.SpHandle }

func (t *fragmentTask) Run(ctx context.Context) {
	res := t.site.exec.Fragment(ctx, t.msg, t.inputDeps)
	awaitDurability(ctx, t.fut)
	if t.msg.Final && t.txn != nil {
		t.txn.markDone()
	}
	t.site.deliver(&message.FragmentResponse{
		Base:                   message.Base{Src: t.site.id},
		DestinationID:          t.msg.CoordinatorID,
		ExecutorID:             t.site.id,
		TxnID:                  t.msg.TxnID,
		SpHandle:               t.msg.SpHandle,
		Status:                 res.Status,
		Bufferable:             !t.notBufferable,
		HandleByOriginalLeader: t.msg.HandleByOriginalLeader,
		Results:                res.Results,
		Hashes:                 res.Hashes,
	})
}

// completeTxnTask finishes an MP transaction at this site and acks the
// completion.
type completeTxnTask struct {
	site *siteContext
	txn  *TxnState
	msg  *message.CompleteTransaction
}

func (t *completeTxnTask) TxnID() int64    { return t.msg.TxnID }
func (t *completeTxnTask) SpHandle() int64 { return t.msg.SpHandle }

func (t *completeTxnTask) Run(ctx context.Context) {
	t.site.exec.Complete(ctx, t.msg.TxnID, t.msg.RollBack)
	if t.txn != nil && !t.msg.Restart {
		t.txn.markDone()
	}
	t.site.deliver(&message.CompleteTransactionResponse{
		Base:         message.Base{Src: t.site.id},
		SpiID:        t.msg.CoordinatorID,
		TxnID:        t.msg.TxnID,
		SpHandle:     t.msg.SpHandle,
		Restart:      t.msg.Restart,
		AckRequested: t.msg.AckRequested,
	})
}

// dummyTxnTask is the no-op ordered write used to flush the command-log
// pipeline.
type dummyTxnTask struct {
	site *siteContext
	msg  *message.DummyTask
	fut  *commandlog.Future
}

func (t *dummyTxnTask) TxnID() int64    { return t.msg.TxnID }
func (t *dummyTxnTask) SpHandle() int64 { return t.msg.SpHandle }

func (t *dummyTxnTask) Run(ctx context.Context) {
	awaitDurability(ctx, t.fut)
	t.site.deliver(&message.DummyResponse{
		Base:     message.Base{Src: t.site.id},
		SpiID:    t.msg.SpiID,
		TxnID:    t.msg.TxnID,
		SpHandle: t.msg.SpHandle,
	})
}

// funcTask runs a deferred closure on the site thread. The scheduler uses it
// for work that must observe state under the partition lock later, such as
// the suppressible truncation broadcast.
type funcTask struct {
	fn func()
}

func (t *funcTask) TxnID() int64            { return 0 }
func (t *funcTask) SpHandle() int64         { return 0 }
func (t *funcTask) Run(ctx context.Context) { t.fn() }

// siteContext is what tasks need from their site: identity, the execution
// engine, and local delivery back into the scheduler.
type siteContext struct {
	id      message.SiteID
	exec    Executor
	deliver func(message.Message)
}
