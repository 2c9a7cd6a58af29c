// Package commandlog implements the partition command log: an append-only
// durable record of initiated transactions, written by a single writer
// goroutine that batches entries and amortizes the sync cost across callers.
//
// Two modes:
//
//   - async: Append returns a back-pressure Future the execution site can
//     await; the caller offers its task immediately.
//   - sync: Append returns nil and the caller holds the task; once the batch is
//     durable the registered DurabilityListener redelivers every task in it.
package commandlog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Future is a one-shot completion signal attached to a logged entry. It is
// not exception-carrying beyond logging purposes.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future. Subsequent calls are no-ops.
func (f *Future) Complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed on completion.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future completes and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// Entry is one durable command-log record.
type Entry struct {
	SpHandle int64
	UniqueID int64
	Data     []byte
}

// FaultEntry is a viable-replay record: the replica set that can reproduce
// the partition's schedule from SpHandle onward after a leader change.
type FaultEntry struct {
	LeaderID  int64   `json:"leader_id"`
	Replicas  []int64 `json:"replicas"`
	Partition int32   `json:"partition"`
	SpHandle  int64   `json:"sp_handle"`
}

// Pending pairs a logged entry with the caller's task and back-pressure
// future, handed back on the durability callback.
type Pending struct {
	SpHandle int64
	UniqueID int64
	Task     any
	Future   *Future
}

// DurabilityListener is notified on the writer goroutine after each batch is
// durable. It is not thread-safe; implementations re-post to their own event
// loop.
type DurabilityListener interface {
	Durable(completed []Pending)
}

// Store is a durable backend for log and fault entries.
type Store interface {
	AppendEntries(entries []Entry, sync bool) error
	PutFault(f FaultEntry, sync bool) error
	LastFault() (FaultEntry, bool, error)
	// Scan walks entries in sp-handle order until fn returns false.
	Scan(fn func(Entry) bool) error
	Close() error
}

// Options configures a Log.
type Options struct {
	Enabled       bool
	Synchronous   bool
	MaxBatchSize  int
	FlushInterval time.Duration
}

// DefaultOptions returns an enabled async log with batching tuned for a
// single partition writer.
func DefaultOptions() Options {
	return Options{
		Enabled:       true,
		Synchronous:   false,
		MaxBatchSize:  256,
		FlushInterval: 2 * time.Millisecond,
	}
}

type logItem struct {
	entry   Entry
	fault   *FaultEntry
	pending Pending
}

// Log is the partition command log.
type Log struct {
	store Store
	opts  Options
	log   *slog.Logger

	in   chan logItem
	stop chan struct{}
	done chan struct{}

	mu       sync.Mutex
	listener DurabilityListener
	lastUID  int64
}

// New creates a Log over the given store and starts its writer goroutine.
// A nil store or Enabled=false yields a disabled log: Log returns nil
// futures and no durability callbacks fire.
func New(store Store, opts Options, logger *slog.Logger) *Log {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultOptions().MaxBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultOptions().FlushInterval
	}
	if store == nil {
		opts.Enabled = false
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		store: store,
		opts:  opts,
		log:   logger.With("component", "commandlog"),
		in:    make(chan logItem, opts.MaxBatchSize*2),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if opts.Enabled {
		go l.loop()
	} else {
		close(l.done)
	}
	return l
}

func (l *Log) Enabled() bool     { return l.opts.Enabled }
func (l *Log) Synchronous() bool { return l.opts.Enabled && l.opts.Synchronous }

// CanOfferTask reports whether the caller should offer its task immediately.
// False only for synchronous logging, where the durability callback
// redelivers the task.
func (l *Log) CanOfferTask() bool { return !l.Synchronous() }

// RegisterDurabilityListener sets the listener invoked after each durable
// batch.
func (l *Log) RegisterDurabilityListener(dl DurabilityListener) {
	l.mu.Lock()
	l.listener = dl
	l.mu.Unlock()
}

// InitializeLastDurableUniqueID seeds the durable unique-id watermark, used
// when a replica adopts the leader's position on a log fault.
func (l *Log) InitializeLastDurableUniqueID(uid int64) {
	l.mu.Lock()
	if uid > l.lastUID {
		l.lastUID = uid
	}
	l.mu.Unlock()
}

// LastDurableUniqueID returns the highest unique id known durable.
func (l *Log) LastDurableUniqueID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUID
}

// Append logs one entry. In async mode it returns a back-pressure future
// completed when the entry is durable; in sync mode it returns nil and the
// task rides back through the durability listener. Disabled logs return nil.
func (l *Log) Append(data []byte, spHandle, uniqueID int64, task any) *Future {
	if !l.opts.Enabled {
		return nil
	}
	var fut *Future
	if !l.opts.Synchronous {
		fut = NewFuture()
	}
	item := logItem{
		entry:   Entry{SpHandle: spHandle, UniqueID: uniqueID, Data: data},
		pending: Pending{SpHandle: spHandle, UniqueID: uniqueID, Task: task, Future: fut},
	}
	select {
	case l.in <- item:
	case <-l.stop:
		if fut != nil {
			fut.Complete(fmt.Errorf("command log stopped"))
		}
	}
	return fut
}

// AppendFault logs a viable-replay fault entry. The returned future resolves
// when the entry is on disk; nil when logging is disabled.
func (l *Log) AppendFault(f FaultEntry) *Future {
	if !l.opts.Enabled {
		return nil
	}
	fut := NewFuture()
	item := logItem{
		fault:   &f,
		pending: Pending{SpHandle: f.SpHandle, Future: fut},
	}
	select {
	case l.in <- item:
	case <-l.stop:
		fut.Complete(fmt.Errorf("command log stopped"))
	}
	return fut
}

// Close stops the writer after draining queued items.
func (l *Log) Close() error {
	if !l.opts.Enabled {
		if l.store != nil {
			return l.store.Close()
		}
		return nil
	}
	close(l.stop)
	<-l.done
	return l.store.Close()
}

func (l *Log) loop() {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]logItem, 0, l.opts.MaxBatchSize)
	for {
		select {
		case item := <-l.in:
			batch = append(batch, item)
			// Pull whatever else is ready without waiting.
			for len(batch) < l.opts.MaxBatchSize {
				select {
				case more := <-l.in:
					batch = append(batch, more)
				default:
					goto flush
				}
			}
		flush:
			l.flush(batch)
			batch = batch[:0]
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-l.stop:
			// Drain anything already queued, then exit.
			for {
				select {
				case item := <-l.in:
					batch = append(batch, item)
				default:
					if len(batch) > 0 {
						l.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (l *Log) flush(batch []logItem) {
	entries := make([]Entry, 0, len(batch))
	for _, it := range batch {
		if it.fault == nil {
			entries = append(entries, it.entry)
		}
	}
	var err error
	if len(entries) > 0 {
		err = l.store.AppendEntries(entries, true)
	}
	for _, it := range batch {
		if it.fault != nil {
			ferr := l.store.PutFault(*it.fault, true)
			if ferr != nil {
				l.log.Error("fault entry write failed", "sp_handle", it.fault.SpHandle, "error", ferr)
			}
			it.pending.Future.Complete(ferr)
		}
	}
	if err != nil {
		l.log.Error("command log batch write failed", "entries", len(entries), "error", err)
	}

	completed := make([]Pending, 0, len(batch))
	l.mu.Lock()
	for _, it := range batch {
		if it.fault != nil {
			continue
		}
		if it.pending.Future != nil {
			it.pending.Future.Complete(err)
		}
		if err == nil && it.entry.UniqueID > l.lastUID {
			l.lastUID = it.entry.UniqueID
		}
		completed = append(completed, it.pending)
	}
	dl := l.listener
	l.mu.Unlock()

	if err == nil && dl != nil && len(completed) > 0 {
		dl.Durable(completed)
	}
}
