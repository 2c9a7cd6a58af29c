package sps

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/user/spsched/internal/commandlog"
	"github.com/user/spsched/internal/message"
)

var clientCI = message.MakeSiteID(9, 9)

type fakeMailbox struct {
	id message.SiteID

	mu   sync.Mutex
	sent []sentRecord
}

func (m *fakeMailbox) ID() message.SiteID { return m.id }

func (m *fakeMailbox) Send(to message.SiteID, msg message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentRecord{to: to, m: msg})
}

func (m *fakeMailbox) SendMany(to []message.SiteID, msg message.Message) {
	for _, dest := range to {
		m.Send(dest, msg)
	}
}

func (m *fakeMailbox) sentTo(dest message.SiteID) []message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []message.Message
	for _, rec := range m.sent {
		if rec.to == dest {
			out = append(out, rec.m)
		}
	}
	return out
}

type fixedExecutor struct {
	hash   uint64
	status byte
}

func (e fixedExecutor) Procedure(_ context.Context, _ string, invocation []byte, _ bool) ExecResult {
	return ExecResult{Status: e.status, Results: invocation, Hashes: []uint64{e.hash}}
}

func (e fixedExecutor) Fragment(_ context.Context, frag *message.FragmentTask, _ map[int32][]byte) ExecResult {
	return ExecResult{Status: e.status, Results: frag.Fragment, Hashes: []uint64{e.hash}}
}

func (e fixedExecutor) Complete(context.Context, int64, bool) {}

type crashRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (c *crashRecorder) crash(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
}

func (c *crashRecorder) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reasons) == 0 {
		return ""
	}
	return c.reasons[len(c.reasons)-1]
}

type testEnv struct {
	sched   *Scheduler
	mbox    *fakeMailbox
	tasks   *TaskQueue
	crashes *crashRecorder
}

func disabledLog() *commandlog.Log {
	return commandlog.New(nil, commandlog.Options{Enabled: false}, nil)
}

func newTestEnv(t *testing.T, leader bool, level ReadLevel, replicas []message.SiteID, cl CommandLog) *testEnv {
	t.Helper()
	if cl == nil {
		cl = disabledLog()
	}
	mbox := &fakeMailbox{id: siteA}
	tasks := NewTaskQueue(nil)
	crashes := &crashRecorder{}
	sched := New(Config{
		PartitionID: 0,
		Mailbox:     mbox,
		Tasks:       tasks,
		Executor:    fixedExecutor{hash: 0xABCD, status: message.StatusSuccess},
		CommandLog:  cl,
		ReadLevel:   level,
		Clock:       func() int64 { return 1_000_000 },
		Crash:       crashes.crash,
	})
	sched.SetLeaderState(leader)
	if replicas != nil {
		sched.UpdateReplicas(replicas, nil)
	}
	return &testEnv{sched: sched, mbox: mbox, tasks: tasks, crashes: crashes}
}

func (e *testEnv) runTasks(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		if !e.tasks.RunOne(ctx) {
			return
		}
	}
	t.Fatal("task queue did not drain")
}

func spWrite(txnID int64) *message.InitiateTask {
	return &message.InitiateTask{
		InitiatorID: clientCI,
		TxnID:       txnID,
		SinglePart:  true,
		Procedure:   "AddThing",
		Invocation:  []byte(fmt.Sprintf(`{"t":%d}`, txnID)),
		CIHandle:    txnID,
	}
}

func spRead(txnID int64) *message.InitiateTask {
	m := spWrite(txnID)
	m.ReadOnly = true
	m.Procedure = "GetThing"
	return m
}

func peerWriteResponse(stamped *message.InitiateTask, hash uint64, status byte) *message.InitiateResponse {
	return &message.InitiateResponse{
		Base:        message.Base{Src: siteB},
		InitiatorID: stamped.InitiatorID,
		TxnID:       stamped.TxnID,
		SpHandle:    stamped.SpHandle,
		Status:      status,
		Hashes:      []uint64{hash},
	}
}

// Scenario: SP write with k=2. The leader stamps the write, replicates it,
// opens a counter, and forwards the aggregated reply once both responses
// match; the truncation point follows.
func TestSpWriteReplicated(t *testing.T) {
	env := newTestEnv(t, true, FastRead, []message.SiteID{siteA, siteB}, nil)

	env.sched.Deliver(spWrite(100))

	copies := env.mbox.sentTo(siteB)
	if len(copies) != 1 {
		t.Fatalf("replica copies sent = %d, want 1", len(copies))
	}
	stamped, ok := copies[0].(*message.InitiateTask)
	if !ok || !stamped.ReplicaCopy {
		t.Fatalf("replica copy = %+v, want a ReplicaCopy initiate", copies[0])
	}
	if stamped.TxnID != stamped.SpHandle {
		t.Errorf("stamped txn id %d != sp-handle %d for a vanilla SP write", stamped.TxnID, stamped.SpHandle)
	}
	if got := env.sched.StateSnapshot().DuplicateCounters; got != 1 {
		t.Fatalf("duplicate counters = %d, want 1", got)
	}

	// Local execution responds first; the counter keeps waiting.
	env.runTasks(t)
	if got := len(env.mbox.sentTo(clientCI)); got != 0 {
		t.Fatalf("reply forwarded before all replicas responded: %d", got)
	}

	env.sched.Deliver(peerWriteResponse(stamped, 0xABCD, message.StatusSuccess))

	replies := env.mbox.sentTo(clientCI)
	if len(replies) != 1 {
		t.Fatalf("replies to initiator = %d, want 1", len(replies))
	}
	snap := env.sched.StateSnapshot()
	if snap.DuplicateCounters != 0 {
		t.Errorf("duplicate counters = %d after DONE, want 0", snap.DuplicateCounters)
	}
	if snap.TruncationHandle != stamped.SpHandle {
		t.Errorf("truncation handle = %d, want %d", snap.TruncationHandle, stamped.SpHandle)
	}
	if env.crashes.last() != "" {
		t.Errorf("unexpected crash: %s", env.crashes.last())
	}
}

// Scenario: hash mismatch. A divergent replica hash is cluster-fatal: the
// peer gets a dump-plan message and the local node terminates.
func TestHashMismatchIsFatal(t *testing.T) {
	env := newTestEnv(t, true, FastRead, []message.SiteID{siteA, siteB}, nil)

	env.sched.Deliver(spWrite(100))
	stamped := env.mbox.sentTo(siteB)[0].(*message.InitiateTask)
	env.runTasks(t)

	env.sched.Deliver(peerWriteResponse(stamped, 0xDEAD, message.StatusSuccess))

	var sawDumpPlan bool
	for _, m := range env.mbox.sentTo(siteB) {
		if _, ok := m.(*message.DumpPlanThenExit); ok {
			sawDumpPlan = true
		}
	}
	if !sawDumpPlan {
		t.Error("no dump-plan message sent to the diverging peer")
	}
	if reason := env.crashes.last(); reason == "" || reason[:13] != "HASH MISMATCH" {
		t.Errorf("crash reason = %q, want HASH MISMATCH", reason)
	}
}

// Scenario: replay dedupe. Two replayed messages with the same unique id:
// the first is scheduled, the second draws an ignored-transaction response
// and no task.
func TestReplayDedupe(t *testing.T) {
	env := newTestEnv(t, true, FastRead, nil, nil)

	uid := MakeUniqueID(500, 0, 0)
	first := spWrite(42)
	first.ForReplay = true
	first.UniqueID = uid
	env.sched.Deliver(first)

	if got := env.tasks.Len(); got != 1 {
		t.Fatalf("tasks queued after first replay message = %d, want 1", got)
	}

	second := spWrite(42)
	second.ForReplay = true
	second.UniqueID = uid
	env.sched.Deliver(second)

	if got := env.tasks.Len(); got != 1 {
		t.Errorf("tasks queued after duplicate = %d, want still 1", got)
	}
	replies := env.mbox.sentTo(clientCI)
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1 ignored response", len(replies))
	}
	resp, ok := replies[0].(*message.InitiateResponse)
	if !ok || resp.Status != message.StatusIgnored {
		t.Errorf("duplicate reply = %+v, want ignored-transaction response", replies[0])
	}
}

// Scenario: SAFE read ordering. A SAFE read behind a replicated write is
// held in the buffered-read log and released only once the write's counter
// completes and the truncation point covers it.
func TestSafeReadGatedOnPrecedingWrite(t *testing.T) {
	env := newTestEnv(t, true, SafeRead, []message.SiteID{siteA, siteB}, nil)

	env.sched.Deliver(spWrite(200))
	stamped := env.mbox.sentTo(siteB)[0].(*message.InitiateTask)
	env.sched.Deliver(spRead(201))
	env.runTasks(t)

	// Write counter still waiting on the peer: nothing may reach the client,
	// the read is buffered.
	if got := len(env.mbox.sentTo(clientCI)); got != 0 {
		t.Fatalf("responses before commit = %d, want 0", got)
	}
	if got := env.sched.StateSnapshot().BufferedReads; got != 1 {
		t.Fatalf("buffered reads = %d, want 1", got)
	}

	env.sched.Deliver(peerWriteResponse(stamped, 0xABCD, message.StatusSuccess))

	replies := env.mbox.sentTo(clientCI)
	if len(replies) != 2 {
		t.Fatalf("responses after commit = %d, want the write and the released read", len(replies))
	}
	reads, writes := 0, 0
	for _, r := range replies {
		if r.(*message.InitiateResponse).ReadOnly {
			reads++
		} else {
			writes++
		}
	}
	if reads != 1 || writes != 1 {
		t.Errorf("replies = %d reads, %d writes; want 1 and 1", reads, writes)
	}
	snap := env.sched.StateSnapshot()
	if snap.TruncationHandle < stamped.SpHandle {
		t.Errorf("truncation handle = %d, want >= %d", snap.TruncationHandle, stamped.SpHandle)
	}
	if snap.BufferedReads != 0 {
		t.Errorf("buffered reads = %d after release, want 0", snap.BufferedReads)
	}
}

// Scenario: leader migration checkpoint. txnDoneBeforeCheckpoint holds only
// once every counter below the checkpoint has completed, then the
// checkpoint resets.
func TestBalanceLeaderCheckpoint(t *testing.T) {
	env := newTestEnv(t, true, FastRead, []message.SiteID{siteA, siteB}, nil)

	env.sched.Deliver(spWrite(450))
	w1 := env.mbox.sentTo(siteB)[0].(*message.InitiateTask)
	env.sched.Deliver(spWrite(470))
	env.sched.CheckpointBalance()
	env.sched.Deliver(spWrite(550))
	env.runTasks(t)

	if env.sched.TxnDoneBeforeCheckpoint() {
		t.Fatal("TxnDoneBeforeCheckpoint() = true with a counter below the checkpoint")
	}

	// Only counters strictly below the checkpoint hold the hand-off; w2 sits
	// at the checkpoint itself.
	env.sched.Deliver(peerWriteResponse(w1, 0xABCD, message.StatusSuccess))
	if !env.sched.TxnDoneBeforeCheckpoint() {
		t.Fatal("TxnDoneBeforeCheckpoint() = false after the pre-checkpoint counter completed")
	}
	// Checkpoint resets after the positive answer.
	if env.sched.TxnDoneBeforeCheckpoint() {
		t.Error("TxnDoneBeforeCheckpoint() = true after reset")
	}
}

// manualSyncLog is a synchronous command log whose durability callback
// fires only when the test says so, keeping gate interleavings exact.
type manualSyncLog struct {
	mu       sync.Mutex
	listener commandlog.DurabilityListener
	pending  []commandlog.Pending
}

func (l *manualSyncLog) Enabled() bool      { return true }
func (l *manualSyncLog) Synchronous() bool  { return true }
func (l *manualSyncLog) CanOfferTask() bool { return false }

func (l *manualSyncLog) Append(data []byte, spHandle, uniqueID int64, task any) *commandlog.Future {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, commandlog.Pending{SpHandle: spHandle, UniqueID: uniqueID, Task: task})
	return nil
}

func (l *manualSyncLog) AppendFault(commandlog.FaultEntry) *commandlog.Future { return nil }

func (l *manualSyncLog) RegisterDurabilityListener(dl commandlog.DurabilityListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = dl
}

func (l *manualSyncLog) InitializeLastDurableUniqueID(int64) {}

func (l *manualSyncLog) makeDurable() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	dl := l.listener
	l.mu.Unlock()
	if dl != nil && len(batch) > 0 {
		dl.Durable(batch)
	}
}

// Scenario: MP synchronous durability. With a sync command log, follow-up
// fragments and the completion sit in the durability gate until the first
// fragment's log entry lands, then drain in arrival order.
func TestMpSynchronousDurabilityGate(t *testing.T) {
	cl := &manualSyncLog{}
	env := newTestEnv(t, true, FastRead, nil, cl)
	coordinator := message.MakeSiteID(8, 0)

	frag1 := &message.FragmentTask{
		InitiatorID:   coordinator,
		CoordinatorID: coordinator,
		TxnID:         900,
		UniqueID:      MakeUniqueID(700, 0, 0),
		Fragment:      []byte("f1"),
	}
	env.sched.Deliver(frag1)
	if got := env.tasks.Len(); got != 0 {
		t.Fatalf("tasks offered before durability = %d, want 0", got)
	}

	frag2 := &message.FragmentTask{
		InitiatorID:   coordinator,
		CoordinatorID: coordinator,
		TxnID:         900,
		UniqueID:      MakeUniqueID(700, 1, 0),
		Fragment:      []byte("f2"),
	}
	env.sched.Deliver(frag2)
	complete := &message.CompleteTransaction{
		CoordinatorID: coordinator,
		TxnID:         900,
		ToLeader:      true,
	}
	env.sched.Deliver(complete)
	if got := env.tasks.Len(); got != 0 {
		t.Fatalf("gated tasks leaked to the queue = %d, want 0", got)
	}

	// Durability lands: the callback re-posts to the site queue.
	cl.makeDurable()
	if !env.tasks.RunOne(context.Background()) {
		t.Fatal("no durability task to run")
	}

	// First fragment, second fragment, completion, in that order.
	var kinds []string
	for {
		task := env.tasks.take()
		if task == nil {
			break
		}
		switch v := task.(type) {
		case *fragmentTask:
			kinds = append(kinds, string(v.msg.Fragment))
		case *completeTxnTask:
			kinds = append(kinds, "complete")
		default:
			kinds = append(kinds, fmt.Sprintf("%T", task))
		}
	}
	want := []string{"f1", "f2", "complete"}
	if len(kinds) != len(want) {
		t.Fatalf("drained tasks = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("drained tasks = %v, want %v", kinds, want)
		}
	}
}

// Emitted sp-handles on a leader strictly increase across a burst of
// writes.
func TestLeaderHandlesStrictlyIncrease(t *testing.T) {
	env := newTestEnv(t, true, FastRead, []message.SiteID{siteA, siteB}, nil)
	for i := int64(0); i < 20; i++ {
		env.sched.Deliver(spWrite(1000 + i))
	}
	copies := env.mbox.sentTo(siteB)
	if len(copies) != 20 {
		t.Fatalf("replica copies = %d, want 20", len(copies))
	}
	prev := int64(-1)
	for _, m := range copies {
		h := m.(*message.InitiateTask).SpHandle
		if h <= prev {
			t.Fatalf("sp-handle %d not greater than previous %d", h, prev)
		}
		prev = h
	}
}

// Replica loss completes waiting counters, which drain in txn-id order so
// responses stay ordered per destination.
func TestUpdateReplicasDrainsCountersInOrder(t *testing.T) {
	env := newTestEnv(t, true, FastRead, []message.SiteID{siteA, siteB}, nil)

	env.sched.Deliver(spWrite(300))
	env.sched.Deliver(spWrite(301))
	env.runTasks(t)
	if got := len(env.mbox.sentTo(clientCI)); got != 0 {
		t.Fatalf("replies before replica loss = %d, want 0", got)
	}

	env.sched.UpdateReplicas([]message.SiteID{siteA}, nil)

	replies := env.mbox.sentTo(clientCI)
	if len(replies) != 2 {
		t.Fatalf("replies after replica loss = %d, want 2", len(replies))
	}
	first := replies[0].(*message.InitiateResponse)
	second := replies[1].(*message.InitiateResponse)
	if first.TxnID >= second.TxnID {
		t.Errorf("drain order: txn %d before %d, want increasing", first.TxnID, second.TxnID)
	}
	if got := env.sched.StateSnapshot().DuplicateCounters; got != 0 {
		t.Errorf("counters after drain = %d, want 0", got)
	}
}

// A replica adopts the leader's sp-handle and never leads its own.
func TestReplicaAdoptsLeaderHandles(t *testing.T) {
	env := newTestEnv(t, false, FastRead, nil, nil)

	copyMsg := spWrite(100)
	copyMsg.ReplicaCopy = true
	copyMsg.SpHandle = MakeSpHandle(40, 0)
	copyMsg.TxnID = copyMsg.SpHandle
	copyMsg.UniqueID = MakeUniqueID(600, 0, 0)
	copyMsg.InitiatorID = siteB // the leader
	env.sched.Deliver(copyMsg)

	snap := env.sched.StateSnapshot()
	if snap.CurrentSpHandle != copyMsg.SpHandle {
		t.Errorf("replica current handle = %d, want adopted %d", snap.CurrentSpHandle, copyMsg.SpHandle)
	}

	// The replica's execution response routes back to the leader.
	env.runTasks(t)
	if got := len(env.mbox.sentTo(siteB)); got != 1 {
		t.Fatalf("responses to leader = %d, want 1", got)
	}
}

// A dummy transaction flushes the pipeline and advances the truncation
// point without any procedure work.
func TestDummyTransactionAdvancesTruncation(t *testing.T) {
	env := newTestEnv(t, true, FastRead, []message.SiteID{siteA, siteB}, nil)

	env.sched.Deliver(&message.DummyTask{})
	copies := env.mbox.sentTo(siteB)
	if len(copies) != 1 {
		t.Fatalf("dummy copies to replica = %d, want 1", len(copies))
	}
	stamped := copies[0].(*message.DummyTask)

	env.runTasks(t)
	env.sched.Deliver(&message.DummyResponse{
		Base:     message.Base{Src: siteB},
		SpiID:    siteA,
		TxnID:    stamped.TxnID,
		SpHandle: stamped.SpHandle,
	})

	snap := env.sched.StateSnapshot()
	if snap.TruncationHandle != stamped.SpHandle {
		t.Errorf("truncation handle = %d, want %d", snap.TruncationHandle, stamped.SpHandle)
	}
	if snap.DuplicateCounters != 0 {
		t.Errorf("counters = %d after dummy completion, want 0", snap.DuplicateCounters)
	}
}

// A misrouted fragment response bounces straight back to its declared
// destination.
func TestMisroutedFragmentResponseBounces(t *testing.T) {
	env := newTestEnv(t, true, FastRead, nil, nil)
	other := message.MakeSiteID(5, 5)
	env.sched.Deliver(&message.FragmentResponse{
		Base:          message.Base{Src: siteB},
		DestinationID: other,
		TxnID:         77,
		Misrouted:     true,
	})
	if got := len(env.mbox.sentTo(other)); got != 1 {
		t.Errorf("bounced responses = %d, want 1", got)
	}
}

// A completion for a transaction this site never saw (early rejoin)
// synthesizes a self-response instead of wedging the leader's counter.
func TestCompleteForUnknownTxnSynthesizesResponse(t *testing.T) {
	env := newTestEnv(t, false, FastRead, nil, nil)
	leader := siteB
	env.sched.Deliver(&message.CompleteTransaction{
		Base:          message.Base{Src: leader},
		CoordinatorID: leader,
		TxnID:         640,
		SpHandle:      MakeSpHandle(64, 0),
		AckRequested:  true,
	})
	acks := env.mbox.sentTo(leader)
	if len(acks) != 1 {
		t.Fatalf("acks to leader = %d, want 1", len(acks))
	}
	if _, ok := acks[0].(*message.CompleteTransactionResponse); !ok {
		t.Errorf("ack = %T, want CompleteTransactionResponse", acks[0])
	}
}
