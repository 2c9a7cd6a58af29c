// Package sps implements the single-partition scheduler: the component that
// orders, replicates, and durably logs every transaction touching one
// partition replica, arbitrates replica determinism, and maintains the
// repair-log truncation point.
package sps

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/tidwall/btree"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/spsched/internal/commandlog"
	"github.com/user/spsched/internal/message"
)

// ReadLevel selects the cluster read-consistency mode.
type ReadLevel int

const (
	// FastRead serves reads from any replica without coordination.
	FastRead ReadLevel = iota
	// SafeRead holds read responses on the leader until preceding writes
	// are cluster-committed.
	SafeRead
)

// BalanceLeaderProc is the system procedure that migrates partition
// leadership.
const BalanceLeaderProc = "@BalanceLeader"

// Mailbox sends messages between sites. Delivery is FIFO per source.
type Mailbox interface {
	ID() message.SiteID
	Send(to message.SiteID, m message.Message)
	SendMany(to []message.SiteID, m message.Message)
}

// RepairLog records recent replicated messages so a new leader can rebuild
// replica state. The scheduler hands it every message that received a new
// transaction id; it is owned elsewhere.
type RepairLog interface {
	Deliver(m message.Message)
}

// SnapshotEvent describes a completed snapshot.
type SnapshotEvent struct {
	Truncation bool
	Succeeded  bool
}

// SnapshotInterest is notified when snapshots complete.
type SnapshotInterest interface {
	SnapshotCompleted(ev SnapshotEvent)
}

// SnapshotMonitor registers snapshot-completion interests.
type SnapshotMonitor interface {
	AddInterest(i SnapshotInterest)
}

// CommandLog is the durability oracle the scheduler writes through. It is
// satisfied by *commandlog.Log.
type CommandLog interface {
	Enabled() bool
	Synchronous() bool
	CanOfferTask() bool
	Append(data []byte, spHandle, uniqueID int64, task any) *commandlog.Future
	AppendFault(f commandlog.FaultEntry) *commandlog.Future
	RegisterDurabilityListener(dl commandlog.DurabilityListener)
	InitializeLastDurableUniqueID(uid int64)
}

// CrashFunc terminates this node after an unrecoverable fault. Injectable so
// tests can intercept what is normally process exit.
type CrashFunc func(reason string)

func defaultCrash(reason string) {
	slog.Error("fatal scheduler fault, terminating node", "reason", reason)
	os.Exit(1)
}

// Config assembles a Scheduler.
type Config struct {
	PartitionID     int32
	Mailbox         Mailbox
	Tasks           *TaskQueue
	Executor        Executor
	CommandLog      CommandLog
	SnapshotMonitor SnapshotMonitor
	RepairLog       RepairLog
	ReadLevel       ReadLevel
	Clock           func() int64 // milliseconds; nil uses the wall clock
	Crash           CrashFunc
	Metrics         *Metrics
	Logger          *slog.Logger
	Tracer          trace.Tracer
}

// Scheduler is the partition's message-driven state machine. All state is
// confined to the partition lock; execution work is handed to the site task
// queue and re-enters through Deliver.
type Scheduler struct {
	// mu is the partition lock: all scheduler state below is touched only
	// while holding it.
	mu sync.Mutex

	partition int32
	mailbox   Mailbox
	tasks     *TaskQueue
	site      *siteContext
	cl        CommandLog
	snapMon   SnapshotMonitor
	repairLog RepairLog
	readLevel ReadLevel
	crash     CrashFunc
	metrics   *Metrics
	log       *slog.Logger
	tracer    trace.Tracer

	isLeader bool
	replicas []message.SiteID
	sendTo   []message.SiteID
	masters  map[int32]message.SiteID

	handles   *HandleAllocator
	uniqueIDs *UniqueIDGenerator

	outstanding  map[int64]*TxnState
	counters     map[counterKey]*DuplicateCounter
	counterOrder *btree.BTreeG[counterKey]
	mpPending    map[int64][]Task

	replay        *ReplaySequencer
	replayDone    bool
	bufferedReads *BufferedReadLog

	truncHandle  int64
	lastSentTau  int64
	maxScheduled int64
	checkpoint   int64
}

// New builds a Scheduler. The caller starts the task queue's site loop
// separately.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	crash := cfg.Crash
	if crash == nil {
		crash = defaultCrash
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Scheduler{
		partition: cfg.PartitionID,
		mailbox:   cfg.Mailbox,
		tasks:     cfg.Tasks,
		cl:        cfg.CommandLog,
		snapMon:   cfg.SnapshotMonitor,
		repairLog: cfg.RepairLog,
		readLevel: cfg.ReadLevel,
		crash:     crash,
		metrics:   metrics,
		tracer:    cfg.Tracer,
		log: logger.With("component", "sps",
			"partition", cfg.PartitionID, "site", cfg.Mailbox.ID().String()),

		handles:   NewHandleAllocator(cfg.PartitionID),
		uniqueIDs: NewUniqueIDGenerator(cfg.PartitionID, cfg.Clock),

		outstanding:  make(map[int64]*TxnState),
		counters:     make(map[counterKey]*DuplicateCounter),
		counterOrder: btree.NewBTreeG(counterKeyLess),
		mpPending:    make(map[int64][]Task),
		replay:       NewReplaySequencer(),

		lastSentTau: math.MinInt64,
		checkpoint:  math.MinInt64,
	}
	s.site = &siteContext{id: cfg.Mailbox.ID(), exec: cfg.Executor, deliver: s.Deliver}
	// Start the truncation point at the allocator origin so initial reads
	// release immediately.
	s.truncHandle = s.handles.Current()
	s.maxScheduled = s.handles.Current()
	if cfg.ReadLevel == SafeRead {
		s.bufferedReads = NewBufferedReadLog()
	}
	if cfg.CommandLog != nil {
		cfg.CommandLog.RegisterDurabilityListener(s)
	}
	return s
}

// SiteID returns this scheduler's mailbox identity.
func (s *Scheduler) SiteID() message.SiteID { return s.mailbox.ID() }

// Deliver runs a message through replay sequencing and, when deliverable,
// the dispatch state machine. It is the single entry point for transport
// deliveries and local task responses.
func (s *Scheduler) Deliver(m message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sequenceForReplay(m) {
		s.deliverLocked(m)
	}
}

func (s *Scheduler) deliverLocked(m message.Message) {
	switch v := m.(type) {
	case *message.InitiateTask:
		s.handleInitiateTask(v)
	case *message.InitiateResponse:
		s.handleInitiateResponse(v)
	case *message.FragmentTask:
		s.handleFragmentTask(v)
	case *message.FragmentResponse:
		s.handleFragmentResponse(v)
	case *message.CompleteTransaction:
		s.handleCompleteTransaction(v)
	case *message.CompleteTransactionResponse:
		s.handleCompleteTransactionResponse(v)
	case *message.BorrowTask:
		s.handleBorrowTask(v)
	case *message.LogFault:
		s.handleLogFault(v)
	case *message.RepairLogTruncation:
		s.handleRepairLogTruncation(v)
	case *message.Dump:
		s.handleDump()
	case *message.DumpPlanThenExit:
		s.handleDumpPlan(v)
	case *message.DummyTask:
		s.handleDummyTask(v)
	case *message.DummyResponse:
		s.handleDummyResponse(v)
	case *message.MPSentinel:
		// Sentinels exist only to order the replay stream; nothing to run.
	default:
		s.crash(fmt.Sprintf("unknown message type %T", m))
	}
}

// sequenceForReplay routes replay-stream messages through the sequencer.
// Returns true when the message should be dispatched now.
func (s *Scheduler) sequenceForReplay(m message.Message) bool {
	tm, isTxn := m.(message.TxnMessage)
	_, sentinel := m.(*message.MPSentinel)
	fromLog := isTxn && !sentinel && tm.IsForReplay()
	replay := fromLog || sentinel
	if !replay {
		return true
	}
	uid := tm.GetUniqueID()

	if !s.isLeader {
		// Replicas track progress but deliver directly.
		s.replay.UpdateLastSeenUniqueID(uid)
		s.replay.UpdateLastPolledUniqueID(uid)
		return true
	}

	if dupe := s.replay.Dedupe(uid, m); dupe != nil {
		s.metrics.ReplayDuplicates.Inc()
		s.send(dupe.InitiatorID, dupe)
		return false
	}
	if !s.replay.Offer(uid, m) {
		return true
	}
	s.deliverReadyTxns()
	return false
}

// deliverReadyTxns dispatches everything the sequencer has made orderable,
// then answers drained single-partition initiates with ignored responses.
func (s *Scheduler) deliverReadyTxns() {
	for m := s.replay.Poll(); m != nil; m = s.replay.Poll() {
		s.deliverLocked(m)
	}
	for m := s.replay.Drain(); m != nil; m = s.replay.Drain() {
		if task, ok := m.(*message.InitiateTask); ok {
			s.metrics.ReplayDuplicates.Inc()
			s.send(task.InitiatorID, &message.InitiateResponse{
				Base:        message.Base{Src: s.site.id},
				InitiatorID: task.InitiatorID,
				TxnID:       task.TxnID,
				SpHandle:    task.SpHandle,
				CIHandle:    task.CIHandle,
				ConnID:      task.ConnID,
				ReadOnly:    task.ReadOnly,
				Status:      message.StatusIgnored,
			})
		}
	}
}

// handleInitiateTask accepts a single-partition procedure invocation: on the
// leader (or for any read) it assigns ids, replicates writes, and logs; on a
// replica it adopts the leader's ids.
func (s *Scheduler) handleInitiateTask(m *message.InitiateTask) {
	if !m.SinglePart {
		s.crash("single-partition scheduler received a multi-partition initiation")
		return
	}
	s.span("initsp", m.TxnID)
	msg := m
	var newSpHandle int64
	if s.isLeader || m.ReadOnly {
		// After leadership moves away this site may still see reads from
		// local client interfaces; FAST reads from remote hosts are a
		// routing fault.
		balance := m.Procedure == BalanceLeaderProc
		if !s.isLeader && !balance && s.readLevel == FastRead && m.ReadOnly &&
			m.InitiatorID.HostID() != s.site.id.HostID() {
			s.crash("short circuit reads are only allowed locally")
			return
		}

		var uniqueID int64
		switch {
		case m.ForReplay:
			uniqueID = m.UniqueID
			if err := s.uniqueIDs.AdoptExternal(uniqueID); err != nil {
				s.crash(fmt.Sprintf("adopt replayed unique id: %v", err))
				return
			}
			newSpHandle = s.handles.Advance()
			s.updateMaxScheduled(newSpHandle)
		case s.isLeader && !m.ReadOnly:
			newSpHandle = s.handles.Advance()
			s.updateMaxScheduled(newSpHandle)
			uniqueID = s.uniqueIDs.Next()
		default:
			// Reads reuse the last scheduled handle; a synthetic timestamp
			// keeps read-heavy time smooth.
			uniqueID = s.uniqueIDs.SyntheticNow()
			newSpHandle = s.maxScheduled
		}

		// Copy before stamping: the sender may share the message with other
		// local sites.
		cp := *m
		msg = &cp
		msg.TruncHandle = s.truncationHandleForReplicas()
		msg.SpHandle = newSpHandle
		if !m.EverySite {
			// Vanilla single-part procedures take on the sp-handle as their
			// transaction id; every-site sysprocs keep the upstream ids.
			msg.TxnID = newSpHandle
			msg.UniqueID = uniqueID
		}
		s.logRepair(msg)

		if s.isLeader && !msg.ReadOnly && len(s.sendTo) > 0 {
			repl := *msg
			repl.InitiatorID = s.site.id
			repl.CoordinatorID = s.site.id
			repl.TruncHandle = s.truncationHandleForReplicas()
			repl.ReplicaCopy = true
			s.mailbox.SendMany(s.sendTo, &repl)
			s.metrics.ReplicatedWrites.Inc()

			counter := newDuplicateCounter(msg.InitiatorID, msg.TxnID, s.replicas, msg, msg.Procedure)
			s.safeAddCounter(counterKey{msg.TxnID, newSpHandle}, counter)
		}
	} else {
		newSpHandle = m.SpHandle
		s.setMaxSeenTxnID(newSpHandle)
		s.logRepair(msg)
		// Run-everywhere txns carry the coordinator's unique id; only adopt
		// ids minted for this partition.
		if UniqueIDPartition(m.UniqueID) == s.partition {
			if err := s.uniqueIDs.AdoptExternal(m.UniqueID); err != nil {
				s.crash(fmt.Sprintf("adopt replicated unique id: %v", err))
				return
			}
		}
	}
	s.metrics.TxnsInitiated.Inc()
	s.doLocalInitiateOffer(msg)
}

// doLocalInitiateOffer turns a stamped initiate into a site task, logging it
// first unless it is a short-circuit read. Shared by the normal and repair
// paths, which have already resolved ids and replication.
func (s *Scheduler) doLocalInitiateOffer(msg *message.InitiateTask) {
	shortcutRead := msg.ReadOnly && s.readLevel == FastRead
	task := &spProcedureTask{site: s.site, msg: msg}
	if shortcutRead {
		s.tasks.Offer(task)
		return
	}
	data, err := message.Marshal(msg)
	if err != nil {
		s.crash(fmt.Sprintf("marshal initiate for command log: %v", err))
		return
	}
	fut := s.cl.Append(data, msg.SpHandle, msg.UniqueID, task)
	// A sync log redelivers the task itself once durable; an async log hands
	// back a back-pressure future and the task is offered immediately.
	if s.cl.CanOfferTask() {
		task.fut = fut
		s.tasks.Offer(task)
	}
}

// HandleMessageRepair re-executes a message on the sites that missed it
// during a leader change.
func (s *Scheduler) HandleMessageRepair(needsRepair []message.SiteID, m message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := m.(type) {
	case *message.InitiateTask:
		s.handleInitiateRepair(needsRepair, v)
	case *message.FragmentTask:
		s.handleFragmentRepair(needsRepair, v)
	case *message.CompleteTransaction:
		// Completions are safe to send everywhere; route through the leader
		// path.
		v.ToLeader = true
		s.handleCompleteTransaction(v)
	default:
		s.crash(fmt.Sprintf("unexpected repair message type %T", m))
	}
}

func (s *Scheduler) handleInitiateRepair(needsRepair []message.SiteID, m *message.InitiateTask) {
	if !m.SinglePart {
		s.crash("repair delivered a multi-partition initiation")
		return
	}
	// Expect exactly the repaired sites to respond. The original client
	// interface id is gone, so the aggregated response goes nowhere.
	counter := newDuplicateCounter(message.Valhalla, m.TxnID, needsRepair, m, m.Procedure)
	s.safeAddCounter(counterKey{m.TxnID, m.SpHandle}, counter)

	if err := s.uniqueIDs.AdoptExternal(m.UniqueID); err != nil {
		s.log.Warn("repair unique id not adoptable", "unique_id", m.UniqueID, "error", err)
	}
	remote := make([]message.SiteID, 0, len(needsRepair))
	local := false
	for _, id := range needsRepair {
		if id == s.site.id {
			local = true
		} else {
			remote = append(remote, id)
		}
	}
	if local {
		cp := *m
		s.doLocalInitiateOffer(&cp)
	}
	if len(remote) > 0 {
		repl := *m
		repl.InitiatorID = s.site.id
		repl.CoordinatorID = s.site.id
		repl.ReplicaCopy = true
		s.mailbox.SendMany(remote, &repl)
	}
}

func (s *Scheduler) handleFragmentRepair(needsRepair []message.SiteID, m *message.FragmentTask) {
	counter := newDuplicateCounter(m.CoordinatorID, m.TxnID, needsRepair, m, "")
	s.safeAddCounter(counterKey{m.TxnID, m.SpHandle}, counter)

	remote := make([]message.SiteID, 0, len(needsRepair))
	local := false
	for _, id := range needsRepair {
		if id == s.site.id {
			local = true
		} else {
			remote = append(remote, id)
		}
	}
	if local {
		if s.outstanding[m.TxnID] != nil {
			s.log.Warn("repair attempted for a fragment already seen")
			s.crash("attempted to repair with a fragment we've already seen")
			return
		}
		cp := *m
		s.doLocalFragmentOffer(&cp)
	}
	if len(remote) > 0 {
		repl := *m
		repl.InitiatorID = s.site.id
		repl.CoordinatorID = s.site.id
		repl.ToReplica = true
		s.mailbox.SendMany(remote, &repl)
	}
}

// handleInitiateResponse routes a procedure response: reads go straight out
// (or into the buffered-read log on SAFE leaders), replicated writes pass
// through their duplicate counter.
func (s *Scheduler) handleInitiateResponse(m *message.InitiateResponse) {
	key := counterKey{m.TxnID, m.SpHandle}
	counter := s.counters[key]

	// Reads never have counters and never move the truncation point.
	if m.ReadOnly {
		if s.readLevel == FastRead || !s.isLeader {
			s.send(m.InitiatorID, m)
			return
		}
		// SAFE reads gate on the last write scheduled before them.
		s.bufferedReads.Offer(m.InitiatorID, m, m.SpHandle, s.truncHandle, s.send)
		s.metrics.BufferedReads.Set(float64(s.bufferedReads.Len()))
		return
	}

	if counter == nil {
		// Leader without k-safety, or a replica whose copy the leader is
		// counting.
		s.setTruncationHandle(m.SpHandle, false)
		s.send(m.InitiatorID, m)
		return
	}

	switch counter.Offer(m) {
	case Done:
		s.removeCounter(key)
		s.setTruncationHandle(m.SpHandle, false)
		s.send(counter.destinationID, counter.LastResponse())
	case Mismatch:
		s.determinismFailure(counter, "hash mismatch: replicas produced different results")
	case Abort:
		s.determinismFailure(counter, "hash mismatch: transaction succeeded on one replica but failed on another")
	}
}

// determinismFailure is cluster-fatal: peers are told to dump diagnostics
// and exit, then this node terminates.
func (s *Scheduler) determinismFailure(counter *DuplicateCounter, reason string) {
	s.metrics.HashMismatches.Inc()
	if s.isLeader && len(s.sendTo) > 0 {
		s.log.Info("sending dump plan message to replicas", "replicas", len(s.sendTo))
		s.mailbox.SendMany(s.sendTo, &message.DumpPlanThenExit{
			Base:      message.Base{Src: s.site.id},
			Procedure: counter.Procedure(),
		})
	}
	s.crash("HASH MISMATCH: " + reason)
}

// handleBorrowTask runs an MP read locally with no replication. Borrows do
// not advance the sp-handle; it would move backwards anyway on the next
// leader message.
func (s *Scheduler) handleBorrowTask(m *message.BorrowTask) {
	txn := s.outstanding[m.Fragment.TxnID]
	if txn == nil {
		// First fragment as a borrow: run it single-partition style without
		// engaging this site in full MP participation. Not tracked as
		// outstanding; it completes immediately.
		txn = newTxnState(m.Fragment.TxnID, s.maxScheduled, kindBorrow, true, m.Fragment)
	}
	task := &fragmentTask{
		site:          s.site,
		txn:           txn,
		msg:           m.Fragment,
		inputDeps:     m.InputDeps,
		notBufferable: true,
	}
	s.tasks.Offer(task)
}

// handleFragmentTask schedules one scatter fragment of an MP transaction.
func (s *Scheduler) handleFragmentTask(m *message.FragmentTask) {
	s.span("recvfragment", m.TxnID)
	msg := m
	var newSpHandle int64
	// Follow-up fragments addressed to the previous leader are still handled
	// here while a leadership migration is in flight.
	if !m.ToReplica && (s.isLeader || m.HandleByOriginalLeader) {
		cp := *m
		msg = &cp
		if !m.ReadOnly {
			newSpHandle = s.handles.Advance()
			if s.outstanding[msg.TxnID] == nil {
				s.updateMaxScheduled(newSpHandle)
			}
		} else {
			newSpHandle = s.maxScheduled
		}
		msg.SpHandle = newSpHandle
		if msg.Initiate != nil {
			init := *msg.Initiate
			init.SpHandle = newSpHandle
			msg.Initiate = &init
		}
		s.logRepair(msg)

		// Replicate writes, and sysproc reads that expect to run everywhere;
		// plain reads skip the determinism check and the extra messaging.
		if len(s.sendTo) > 0 && (!m.ReadOnly || msg.IsSysProc()) {
			repl := *msg
			repl.InitiatorID = s.site.id
			repl.CoordinatorID = s.site.id
			repl.ToReplica = true
			s.mailbox.SendMany(s.sendTo, &repl)
			s.metrics.ReplicatedWrites.Inc()

			counter := newDuplicateCounter(msg.CoordinatorID, msg.TxnID, s.replicas, m, "")
			// Per-site sysprocs legitimately differ per site; count only.
			counter.lenient = m.TaskType == message.FragSysPerSite
			s.safeAddCounter(counterKey{m.TxnID, newSpHandle}, counter)
		}
	} else {
		s.logRepair(msg)
		newSpHandle = msg.SpHandle
		s.setMaxSeenTxnID(newSpHandle)
	}
	s.metrics.FragmentsScheduled.Inc()
	s.doLocalFragmentOffer(msg)
}

// doLocalFragmentOffer creates or finds the participant transaction state,
// logs the first fragment when required, and offers or gates the task.
func (s *Scheduler) doLocalFragmentOffer(msg *message.FragmentTask) {
	txn := s.outstanding[msg.TxnID]
	logThis := false
	if txn == nil {
		txn = newTxnState(msg.TxnID, msg.SpHandle, kindParticipant, msg.ReadOnly, msg)
		s.outstanding[msg.TxnID] = txn
		// Like the SP path: log writes and safe reads; fast reads go
		// straight to the task queue.
		logThis = !(msg.ReadOnly && s.readLevel == FastRead)
	}

	// A read-only final fragment closes the txn out early; completion
	// handling covers the write case.
	if msg.Final && txn.ReadOnly() {
		delete(s.outstanding, msg.TxnID)
	}

	task := &fragmentTask{site: s.site, txn: txn, msg: msg}
	if !logThis {
		s.queueOrOfferMPTask(task)
		return
	}

	var data []byte
	var err error
	if msg.Initiate != nil {
		data, err = message.Marshal(msg.Initiate)
	} else {
		data, err = message.Marshal(msg)
	}
	if err != nil {
		s.crash(fmt.Sprintf("marshal fragment for command log: %v", err))
		return
	}
	fut := s.cl.Append(data, msg.SpHandle, msg.UniqueID, task)
	if s.cl.CanOfferTask() {
		task.fut = fut
		s.tasks.Offer(task)
		return
	}
	// First fragment of an MP txn under synchronous logging: open a backlog
	// so later fragments and the completion stay gated behind durability.
	// Without this a restarted MP txn would slip past the logging of its
	// first fragment.
	if _, ok := s.mpPending[msg.TxnID]; ok {
		s.crash(fmt.Sprintf("duplicate durability backlog for txn %d", msg.TxnID))
		return
	}
	s.mpPending[msg.TxnID] = nil
}

// offerPendingMPTasks drains every task gated on the MP transaction's first
// fragment, in arrival order, and closes the backlog.
func (s *Scheduler) offerPendingMPTasks(txnID int64) {
	pending, ok := s.mpPending[txnID]
	if !ok {
		return
	}
	for _, t := range pending {
		s.tasks.Offer(t)
	}
	delete(s.mpPending, txnID)
}

// queueOrOfferMPTask gates the task behind the first fragment's durability
// when a backlog is open, otherwise offers it directly.
func (s *Scheduler) queueOrOfferMPTask(task Task) {
	if _, ok := s.mpPending[task.TxnID()]; ok {
		s.mpPending[task.TxnID()] = append(s.mpPending[task.TxnID()], task)
		return
	}
	s.tasks.Offer(task)
}

// handleFragmentResponse aggregates fragment results toward the MP
// coordinator.
func (s *Scheduler) handleFragmentResponse(m *message.FragmentResponse) {
	if m.Misrouted {
		// A restart exception for the wrong partition: bounce it back where
		// it claims to belong and stay out of the way.
		s.send(m.DestinationID, m)
		return
	}
	key := counterKey{m.TxnID, m.SpHandle}
	counter := s.counters[key]
	txn := s.outstanding[m.TxnID]
	if counter != nil {
		switch counter.Offer(m) {
		case Done:
			if txn != nil && txn.IsDone() {
				s.setTruncationHandle(txn.spHandle, m.HandleByOriginalLeader)
			}
			s.removeCounter(key)
			resp := counter.LastResponse().(*message.FragmentResponse)
			// The MPI tracks dependencies per site id; stamp ours into the
			// aggregated response.
			resp.ExecutorID = s.site.id
			s.send(counter.destinationID, resp)
		case Mismatch:
			s.crash("HASH MISMATCH running multi-partition procedure")
		case Abort:
			s.crash("HASH MISMATCH: partial rollback/abort running multi-partition procedure")
		}
		return
	}

	// SAFE leader with replicas: hold bufferable MP reads until previous
	// writes are acked cluster-wide.
	if s.readLevel == SafeRead && s.isLeader && len(s.sendTo) > 0 && m.Bufferable &&
		(txn == nil || txn.ReadOnly()) {
		gate := m.SpHandle
		if txn != nil {
			gate = txn.spHandle
		}
		s.bufferedReads.Offer(m.DestinationID, m, gate, s.truncHandle, s.send)
		s.metrics.BufferedReads.Set(float64(s.bufferedReads.Len()))
		return
	}

	if txn != nil && !txn.ReadOnly() && txn.IsDone() {
		s.setTruncationHandle(txn.spHandle, false)
	}
	s.send(m.DestinationID, m)
}

// handleCompleteTransaction finishes an MP transaction at this partition.
func (s *Scheduler) handleCompleteTransaction(m *message.CompleteTransaction) {
	msg := m
	txn := s.outstanding[m.TxnID]
	// The toLeader flag alone selects leader-path processing: after a
	// leadership migration this site may be the addressed previous leader
	// without holding the leader flag.
	if m.ToLeader {
		cp := *m
		msg = &cp
		msg.CoordinatorID = s.site.id
		// Stamp the sp-handle so repair on a new leader sees the right max.
		s.handles.Advance()
		msg.SpHandle = s.handles.Current()
		s.logRepair(msg)
		msg.ToLeader = false
		msg.AckRequested = true
		if len(s.sendTo) > 0 && !msg.ReadOnly {
			s.mailbox.SendMany(s.sendTo, msg)
		}
	} else if !s.isLeader {
		s.setMaxSeenTxnID(msg.SpHandle)
		if txn != nil {
			s.logRepair(msg)
		}
	}

	if txn == nil {
		// No transaction state: this site joined after the fragment cutoff
		// (early rejoin). Synthesize a self-response so the leader's counter
		// isn't left waiting; the completion itself is dropped as
		// post-snapshot.
		resp := &message.CompleteTransactionResponse{
			Base:         message.Base{Src: s.site.id},
			SpiID:        msg.CoordinatorID,
			TxnID:        msg.TxnID,
			SpHandle:     msg.SpHandle,
			Restart:      msg.Restart,
			AckRequested: msg.AckRequested,
		}
		s.handleCompleteTransactionResponse(resp)
		return
	}

	isSysproc := false
	if frag, ok := txn.notice.(*message.FragmentTask); ok {
		isSysproc = frag.IsSysProc()
	}
	if len(s.sendTo) > 0 && !msg.Restart && (!msg.ReadOnly || isSysproc) && m.ToLeader {
		counter := newDuplicateCounter(msg.CoordinatorID, msg.TxnID, s.replicas, msg, "")
		s.safeAddCounter(counterKey{msg.TxnID, msg.SpHandle}, counter)
	}
	task := &completeTxnTask{site: s.site, txn: txn, msg: msg}
	s.queueOrOfferMPTask(task)
}

// handleCompleteTransactionResponse retires the MP transaction once every
// replica has committed it. The response terminates here; the MP
// coordinator doesn't care about it.
func (s *Scheduler) handleCompleteTransactionResponse(m *message.CompleteTransactionResponse) {
	key := counterKey{m.TxnID, m.SpHandle}
	counter := s.counters[key]
	txnDone := !m.Restart
	if counter != nil {
		txnDone = counter.Offer(m) == Done
	}
	if txnDone {
		txn := s.outstanding[m.TxnID]
		delete(s.outstanding, m.TxnID)
		s.removeCounter(key)
		if txn != nil {
			// Advance the truncation point here rather than on the fragment
			// response, so replicas never see a fragment as done before the
			// MP txn fully commits.
			s.setTruncationHandle(txn.spHandle, false)
		}
	}
	if !s.isLeader && m.AckRequested {
		s.send(m.SpiID, m)
	}
}

// handleLogFault runs on replicas when the leader writes a viable-replay
// entry: write our own at the given handle and block until it is on disk.
func (s *Scheduler) handleLogFault(m *message.LogFault) {
	written := s.writeViableReplayEntryAt(m.SpHandle)
	s.blockFaultLogWriteStatus(written)
	s.setMaxSeenTxnID(m.SpHandle)
	if err := s.uniqueIDs.AdoptExternal(m.UniqueID); err != nil {
		s.log.Warn("log fault unique id not adoptable", "unique_id", m.UniqueID, "error", err)
	}
	s.cl.InitializeLastDurableUniqueID(s.uniqueIDs.LastUniqueID())
}

// handleRepairLogTruncation learns the leader's truncation point from an
// explicit broadcast; the repair log trims itself on the same message.
func (s *Scheduler) handleRepairLogTruncation(m *message.RepairLogTruncation) {
	if s.repairLog != nil {
		s.repairLog.Deliver(m)
	}
	if m.Handle > s.truncHandle {
		s.truncHandle = m.Handle
	}
}

// handleDummyTask orders a no-op write to flush the command-log pipeline.
func (s *Scheduler) handleDummyTask(m *message.DummyTask) {
	msg := m
	if s.isLeader {
		newSpHandle := s.handles.Advance()
		s.updateMaxScheduled(newSpHandle)
		// The unique id still has to advance; the command log tracks it.
		msg = &message.DummyTask{
			Base:     message.Base{Src: s.site.id},
			SpiID:    s.site.id,
			TxnID:    newSpHandle,
			UniqueID: s.uniqueIDs.Next(),
			SpHandle: newSpHandle,
		}
		if len(s.sendTo) > 0 {
			s.mailbox.SendMany(s.sendTo, msg)
			counter := newDuplicateCounter(message.Valhalla, msg.TxnID, s.replicas, msg, "")
			s.safeAddCounter(counterKey{msg.TxnID, newSpHandle}, counter)
		}
	} else {
		s.setMaxSeenTxnID(msg.SpHandle)
	}

	task := &dummyTxnTask{site: s.site, msg: msg}
	data, err := message.Marshal(msg)
	if err != nil {
		s.crash(fmt.Sprintf("marshal dummy task for command log: %v", err))
		return
	}
	fut := s.cl.Append(data, msg.SpHandle, msg.UniqueID, task)
	if s.cl.CanOfferTask() {
		task.fut = fut
		s.tasks.Offer(task)
	}
}

func (s *Scheduler) handleDummyResponse(m *message.DummyResponse) {
	key := counterKey{m.TxnID, m.SpHandle}
	counter := s.counters[key]
	if counter == nil {
		// Leader without k-safety, or a replica bouncing its ack back.
		s.setTruncationHandle(m.SpHandle, false)
		if !s.isLeader {
			s.send(m.SpiID, m)
		}
		return
	}
	if counter.Offer(m) == Done {
		s.removeCounter(key)
		s.setTruncationHandle(m.SpHandle, false)
	}
}

func (s *Scheduler) handleDump() {
	snap := s.stateSnapshotLocked()
	s.log.Warn("state dump",
		"leader", snap.IsLeader,
		"replicas", snap.Replicas,
		"current_sp_handle", snap.CurrentSpHandle,
		"truncation_handle", snap.TruncationHandle,
		"outstanding_txns", snap.OutstandingTxns,
		"duplicate_counters", snap.DuplicateCounters,
		"buffered_reads", snap.BufferedReads,
		"task_queue_depth", snap.TaskQueueDepth)
	if s.isLeader && len(s.sendTo) > 0 {
		s.mailbox.SendMany(s.sendTo, &message.Dump{Base: message.Base{Src: s.site.id}})
	}
}

func (s *Scheduler) handleDumpPlan(m *message.DumpPlanThenExit) {
	s.log.Error("shutting down: hash mismatch detected by peer",
		"peer", m.Source().String(), "procedure", m.Procedure)
	s.crash("HASH MISMATCH")
}

// SetLeaderState installs or removes the leader role and registers for
// snapshot-completion events.
func (s *Scheduler) SetLeaderState(isLeader bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLeader = isLeader
	if s.snapMon != nil {
		s.snapMon.AddInterest(s)
	}
}

// IsLeader reports the current role.
func (s *Scheduler) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLeader
}

// SetMaxSeenTxnID advances the handle allocator past an externally observed
// handle and records the new viable replay set.
func (s *Scheduler) SetMaxSeenTxnID(h int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMaxSeenTxnID(h)
}

func (s *Scheduler) setMaxSeenTxnID(h int64) {
	s.handles.SetMaxSeen(h)
	s.writeViableReplayEntry()
}

// SetCommandLog swaps in the durability oracle.
func (s *Scheduler) SetCommandLog(cl CommandLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cl = cl
	cl.RegisterDurabilityListener(s)
}

// EnableWritingFaultLog marks replay complete; viable-replay entries may be
// written from here on.
func (s *Scheduler) EnableWritingFaultLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replayDone = true
	s.replay.SetEOL()
	s.deliverReadyTxns()
	s.writeViableReplayEntry()
}

// UpdateReplicas installs a new replica set: counters shrink to the
// survivors, completed ones drain in txn-id order to preserve response
// ordering, and a fresh viable-replay entry is written and waited on before
// new transactions are accepted.
func (s *Scheduler) UpdateReplicas(replicas []message.SiteID, partitionMasters map[int32]message.SiteID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Debug("updating replicas", "replicas", replicas)
	s.replicas = append([]message.SiteID(nil), replicas...)
	s.masters = partitionMasters
	s.sendTo = s.sendTo[:0]
	for _, id := range s.replicas {
		if id != s.site.id {
			s.sendTo = append(s.sendTo, id)
		}
	}

	var done []counterKey
	s.counterOrder.Scan(func(key counterKey) bool {
		if s.counters[key].UpdateReplicas(s.replicas) == Done {
			done = append(done, key)
		}
		return true
	})
	// Responses must leave in txn-id order.
	sort.Slice(done, func(i, j int) bool { return counterKeyLess(done[i], done[j]) })
	for _, key := range done {
		counter := s.counters[key]
		s.removeCounter(key)

		txn := s.outstanding[key.txnID]
		if txn == nil || txn.IsDone() {
			delete(s.outstanding, key.txnID)
			// MP writes truncate at the txn's first sp-handle; SP writes at
			// the counter key's.
			safe := key.spHandle
			if txn != nil {
				safe = txn.spHandle
			}
			s.setTruncationHandle(safe, false)
		}

		resp := counter.LastResponse()
		if resp == nil {
			s.log.Warn("txn lost all replicas with no responses recorded",
				"txn_id", counter.TxnID())
			continue
		}
		if fresp, ok := resp.(*message.FragmentResponse); ok {
			fresp.ExecutorID = s.site.id
		}
		s.send(counter.destinationID, resp)
	}

	written := s.writeViableReplayEntry()
	// Make sure the entry is on disk before initiating transactions again.
	s.blockFaultLogWriteStatus(written)
}

// writeViableReplayEntry records the current replica set in the command log
// and tells the replicas to do the same. Leader only; a no-op until replay
// completes.
func (s *Scheduler) writeViableReplayEntry() *commandlog.Future {
	if !s.replayDone || !s.isLeader {
		return nil
	}
	faultHandle := s.handles.Advance()
	written := s.writeViableReplayEntryAt(faultHandle)
	if len(s.sendTo) > 0 {
		s.mailbox.SendMany(s.sendTo, &message.LogFault{
			Base:     message.Base{Src: s.site.id},
			SpHandle: faultHandle,
			UniqueID: s.uniqueIDs.LastUniqueID(),
		})
	}
	return written
}

func (s *Scheduler) writeViableReplayEntryAt(spHandle int64) *commandlog.Future {
	if !s.replayDone {
		return nil
	}
	replicas := make([]int64, len(s.replicas))
	for i, id := range s.replicas {
		replicas[i] = int64(id)
	}
	return s.cl.AppendFault(commandlog.FaultEntry{
		LeaderID:  int64(s.site.id),
		Replicas:  replicas,
		Partition: s.partition,
		SpHandle:  spHandle,
	})
}

// blockFaultLogWriteStatus waits for a viable-replay write to land. One of
// the two sanctioned blocking points.
func (s *Scheduler) blockFaultLogWriteStatus(written *commandlog.Future) {
	if written == nil {
		return
	}
	if err := written.Wait(); err != nil {
		s.log.Warn("viable replay entry not written", "error", err)
	}
}

// SnapshotCompleted re-records the viable replay set after a successful
// truncation snapshot. Runs under the partition lock.
func (s *Scheduler) SnapshotCompleted(ev SnapshotEvent) {
	if !ev.Truncation || !ev.Succeeded {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeViableReplayEntry()
}

// Durable is the command log's durability callback. It runs on the log's
// writer goroutine; the work is re-posted to the site thread and touches
// scheduler state under the partition lock.
func (s *Scheduler) Durable(completed []commandlog.Pending) {
	if !s.cl.Synchronous() {
		// Async logging offered tasks up front; back-pressure futures have
		// already been completed by the log.
		return
	}
	batch := make([]commandlog.Pending, len(completed))
	copy(batch, completed)
	s.tasks.Offer(&funcTask{fn: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, p := range batch {
			task, ok := p.Task.(Task)
			if !ok || task == nil {
				continue
			}
			s.tasks.Offer(task)
			if _, isFrag := task.(*fragmentTask); isFrag {
				s.offerPendingMPTasks(task.TxnID())
			}
		}
	}})
}

// CheckpointBalance records the migration checkpoint on the outgoing
// leader: the max scheduled sp-handle at hand-off time.
func (s *Scheduler) CheckpointBalance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = s.maxScheduled
	s.log.Info("balance leader checkpoint", "sp_handle", s.checkpoint)
}

// TxnDoneBeforeCheckpoint reports whether every duplicate counter with an
// sp-handle below the checkpoint has completed (a counter at the checkpoint
// handle itself is not waited for); once true the checkpoint resets and the
// new leader may replay.
func (s *Scheduler) TxnDoneBeforeCheckpoint() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint == math.MinInt64 {
		return false
	}
	pending := false
	s.counterOrder.Scan(func(key counterKey) bool {
		if key.spHandle < s.checkpoint {
			pending = true
			return false
		}
		return true
	})
	if pending {
		return false
	}
	s.log.Info("transactions before balance checkpoint complete", "sp_handle", s.checkpoint)
	s.checkpoint = math.MinInt64
	return true
}

// --- truncation ---

// truncationHandleForReplicas returns the handle to piggy-back on an
// outbound replicated message, noting that the replicas will have seen it.
func (s *Scheduler) truncationHandleForReplicas() int64 {
	s.lastSentTau = s.truncHandle
	return s.truncHandle
}

// setTruncationHandle advances the repair-log truncation point. Regressions
// happen during promotion and early rejoin and are accepted silently.
func (s *Scheduler) setTruncationHandle(h int64, forceOnReplica bool) {
	if h <= s.truncHandle {
		s.log.Debug("ignoring truncation handle regression",
			"current", s.truncHandle, "offered", h)
		return
	}
	s.truncHandle = h
	// Replicas advance the local point so promotion can release reads even
	// when no further writes arrive; unless forced, they neither release
	// reads nor broadcast.
	if !s.isLeader && !forceOnReplica {
		return
	}
	if s.bufferedReads != nil {
		s.bufferedReads.Release(s.truncHandle, s.send)
		s.metrics.BufferedReads.Set(float64(s.bufferedReads.Len()))
	}
	s.scheduleTruncateBroadcast()
}

// scheduleTruncateBroadcast defers a truncation broadcast to the site
// thread. Under load a replicated message usually piggy-backs the handle
// first and the broadcast is suppressed; at low throughput the broadcast is
// what keeps replicas current.
func (s *Scheduler) scheduleTruncateBroadcast() {
	if len(s.sendTo) == 0 {
		return
	}
	s.tasks.Offer(&funcTask{fn: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.lastSentTau >= s.truncHandle {
			return
		}
		s.lastSentTau = s.truncHandle
		trunc := &message.RepairLogTruncation{
			Base:   message.Base{Src: s.site.id},
			Handle: s.truncHandle,
		}
		// Keep the local repair log's truncation point current too.
		if s.repairLog != nil {
			s.repairLog.Deliver(trunc)
		}
		s.mailbox.SendMany(s.sendTo, trunc)
		s.metrics.TruncationBroadcasts.Inc()
	}})
}

// --- counter index ---

// safeAddCounter inserts a duplicate counter, crashing on key collisions
// unless both opening messages are completions from different coordinators,
// a legal artefact of leader migration.
func (s *Scheduler) safeAddCounter(key counterKey, counter *DuplicateCounter) {
	existing, ok := s.counters[key]
	if !ok {
		s.counters[key] = counter
		s.counterOrder.Set(key)
		return
	}
	if !collisionFromBalanceLeader(existing, counter) {
		existing.logCollision(s.log, counter)
		s.crash("DUPLICATE COUNTER MISMATCH: two duplicate counter keys collided")
	}
}

func collisionFromBalanceLeader(a, b *DuplicateCounter) bool {
	ca, ok1 := a.openMessage.(*message.CompleteTransaction)
	cb, ok2 := b.openMessage.(*message.CompleteTransaction)
	if !ok1 || !ok2 {
		return false
	}
	return ca.CoordinatorID != cb.CoordinatorID
}

func (s *Scheduler) removeCounter(key counterKey) {
	delete(s.counters, key)
	s.counterOrder.Delete(key)
}

// --- misc ---

func (s *Scheduler) updateMaxScheduled(h int64) {
	if h > s.maxScheduled {
		s.maxScheduled = h
	}
}

func (s *Scheduler) logRepair(m message.Message) {
	if s.repairLog != nil {
		s.repairLog.Deliver(m)
	}
}

// send routes an outbound message, dropping bit-bucket destinations.
func (s *Scheduler) send(to message.SiteID, m message.Message) {
	if to == message.Valhalla {
		return
	}
	s.metrics.ResponsesForwarded.Inc()
	s.mailbox.Send(to, m)
}

func (s *Scheduler) span(name string, txnID int64) {
	if s.tracer == nil {
		return
	}
	_, sp := s.tracer.Start(context.Background(), name,
		trace.WithAttributes(
			attribute.Int64("txn_id", txnID),
			attribute.Int("partition", int(s.partition))))
	sp.End()
}

func describeMessage(m message.Message) string {
	return fmt.Sprintf("%T from %s", m, m.Source())
}

// StateSnapshot is a point-in-time view of scheduler state for dumps and
// the debug endpoint.
type StateSnapshot struct {
	Partition         int32           `json:"partition"`
	Site              string          `json:"site"`
	IsLeader          bool            `json:"is_leader"`
	Replicas          []string        `json:"replicas"`
	CurrentSpHandle   int64           `json:"current_sp_handle"`
	MaxScheduled      int64           `json:"max_scheduled_sp_handle"`
	TruncationHandle  int64           `json:"truncation_handle"`
	OutstandingTxns   []int64         `json:"outstanding_txns"`
	DuplicateCounters int             `json:"duplicate_counters"`
	BufferedReads     int             `json:"buffered_reads"`
	TaskQueueDepth    int             `json:"task_queue_depth"`
	ReadLevel         string          `json:"read_level"`
}

// StateSnapshot captures current scheduler state under the partition lock.
func (s *Scheduler) StateSnapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateSnapshotLocked()
}

func (s *Scheduler) stateSnapshotLocked() StateSnapshot {
	replicas := make([]string, len(s.replicas))
	for i, id := range s.replicas {
		replicas[i] = id.String()
	}
	txns := make([]int64, 0, len(s.outstanding))
	for id := range s.outstanding {
		txns = append(txns, id)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i] < txns[j] })
	level := "fast"
	if s.readLevel == SafeRead {
		level = "safe"
	}
	buffered := 0
	if s.bufferedReads != nil {
		buffered = s.bufferedReads.Len()
	}
	return StateSnapshot{
		Partition:         s.partition,
		Site:              s.site.id.String(),
		IsLeader:          s.isLeader,
		Replicas:          replicas,
		CurrentSpHandle:   s.handles.Current(),
		MaxScheduled:      s.maxScheduled,
		TruncationHandle:  s.truncHandle,
		OutstandingTxns:   txns,
		DuplicateCounters: len(s.counters),
		BufferedReads:     buffered,
		TaskQueueDepth:    s.tasks.Len(),
		ReadLevel:         level,
	}
}
