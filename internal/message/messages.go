// Package message defines the boundary messages exchanged between partition
// schedulers, replicas, the MP coordinator, and client interfaces, plus the
// binary wire codec used by the TCP mailbox.
package message

import "fmt"

// SiteID identifies a site mailbox. The high 32 bits carry the host id and
// the low 32 bits the site index on that host.
type SiteID int64

// Valhalla is the bit bucket destination: responses sent there are dropped.
const Valhalla SiteID = -1

// MakeSiteID packs a host id and a site index into a SiteID.
func MakeSiteID(host, site int32) SiteID {
	return SiteID(int64(host)<<32 | int64(uint32(site)))
}

// HostID extracts the host portion of a SiteID.
func (id SiteID) HostID() int32 { return int32(id >> 32) }

// SiteIndex extracts the per-host site index of a SiteID.
func (id SiteID) SiteIndex() int32 { return int32(id) }

func (id SiteID) String() string {
	return fmt.Sprintf("%d:%d", id.HostID(), id.SiteIndex())
}

// Response status codes. Mirrors the client-visible status byte carried in
// execution responses.
const (
	StatusSuccess    byte = 1
	StatusUserAbort  byte = 2
	StatusUnexpected byte = 3
	StatusIgnored    byte = 4 // replay duplicate, not an error
)

// Fragment task types.
const (
	FragUserProc   byte = 0
	FragSysProc    byte = 1
	FragSysPerSite byte = 2 // every-site system procedure fragment
)

// Message is implemented by every wire message.
type Message interface {
	// Source is the site the message was last sent from. It is stamped by
	// the mailbox on send and by tasks that synthesize local responses.
	Source() SiteID
	SetSource(SiteID)
}

// Base carries the source site id common to all messages.
type Base struct {
	Src SiteID
}

func (b *Base) Source() SiteID      { return b.Src }
func (b *Base) SetSource(id SiteID) { b.Src = id }

// TxnMessage is implemented by messages that carry transaction identity and
// can participate in command-log replay sequencing.
type TxnMessage interface {
	Message
	GetTxnID() int64
	GetUniqueID() int64
	IsForReplay() bool
}

// Response is implemented by replica responses fed to duplicate counters.
type Response interface {
	Message
	GetTxnID() int64
	GetSpHandle() int64
	// Succeeded reports whether the execution committed. Counters use it to
	// distinguish a hash mismatch from a partial rollback.
	Succeeded() bool
	// HashVector is the determinism hash vector; nil for responses that
	// carry no result payload (completion acks, dummy responses).
	HashVector() []uint64
}

// InitiateTask asks a partition to run a single-partition procedure.
type InitiateTask struct {
	Base
	InitiatorID   SiteID
	CoordinatorID SiteID
	TruncHandle   int64 // piggy-backed repair-log truncation handle
	TxnID         int64
	UniqueID      int64
	SpHandle      int64
	ReadOnly      bool
	SinglePart    bool
	ForReplay     bool
	ReplicaCopy   bool
	EverySite     bool // run-everywhere system procedure: keeps upstream ids
	Procedure     string
	Invocation    []byte
	CIHandle      int64 // client interface handle
	ConnID        int64
}

func (m *InitiateTask) GetTxnID() int64    { return m.TxnID }
func (m *InitiateTask) GetUniqueID() int64 { return m.UniqueID }
func (m *InitiateTask) IsForReplay() bool  { return m.ForReplay }

// InitiateResponse carries the result of an InitiateTask back toward the
// initiator, via the partition leader when the write was replicated.
type InitiateResponse struct {
	Base
	InitiatorID SiteID
	TxnID       int64
	SpHandle    int64
	CIHandle    int64
	ConnID      int64
	ReadOnly    bool
	Status      byte
	Results     []byte
	Hashes      []uint64
}

func (m *InitiateResponse) GetTxnID() int64      { return m.TxnID }
func (m *InitiateResponse) GetSpHandle() int64   { return m.SpHandle }
func (m *InitiateResponse) Succeeded() bool      { return m.Status == StatusSuccess }
func (m *InitiateResponse) HashVector() []uint64 { return m.Hashes }

// FragmentTask is the MP coordinator's scatter message for one fragment of a
// multi-partition transaction.
type FragmentTask struct {
	Base
	InitiatorID            SiteID
	CoordinatorID          SiteID
	TxnID                  int64
	UniqueID               int64
	SpHandle               int64
	InvolvedPartitions     []int32
	TaskType               byte
	ReadOnly               bool
	Final                  bool
	ForReplay              bool
	ToReplica              bool
	HandleByOriginalLeader bool
	// Initiate is the embedded initiate sub-message logged for durability on
	// the first fragment of a logged MP transaction.
	Initiate *InitiateTask
	Fragment []byte
}

func (m *FragmentTask) GetTxnID() int64    { return m.TxnID }
func (m *FragmentTask) GetUniqueID() int64 { return m.UniqueID }
func (m *FragmentTask) IsForReplay() bool  { return m.ForReplay }
func (m *FragmentTask) IsSysProc() bool    { return m.TaskType != FragUserProc }

// FragmentResponse returns fragment results to the MP coordinator, via the
// partition leader when the fragment was replicated.
type FragmentResponse struct {
	Base
	DestinationID SiteID // declared destination (coordinator, or bounce-back target when misrouted)
	ExecutorID    SiteID
	TxnID         int64
	SpHandle      int64
	Status        byte
	Bufferable    bool // SAFE leaders may hold this response until the truncation point catches up
	Misrouted     bool // restart exception: wrong partition, bounce back
	// HandleByOriginalLeader echoes the fragment flag so an outgoing leader
	// can keep advancing the truncation point mid-migration.
	HandleByOriginalLeader bool
	Results                []byte
	Hashes                 []uint64
}

func (m *FragmentResponse) GetTxnID() int64      { return m.TxnID }
func (m *FragmentResponse) GetSpHandle() int64   { return m.SpHandle }
func (m *FragmentResponse) Succeeded() bool      { return m.Status == StatusSuccess }
func (m *FragmentResponse) HashVector() []uint64 { return m.Hashes }

// CompleteTransaction commits or rolls back an MP transaction at this
// partition.
type CompleteTransaction struct {
	Base
	CoordinatorID SiteID
	TxnID         int64
	UniqueID      int64
	SpHandle      int64
	ToLeader      bool
	Restart       bool
	ReadOnly      bool
	RollBack      bool
	AckRequested  bool
}

func (m *CompleteTransaction) GetTxnID() int64    { return m.TxnID }
func (m *CompleteTransaction) GetUniqueID() int64 { return m.UniqueID }
func (m *CompleteTransaction) IsForReplay() bool  { return false }

// CompleteTransactionResponse acks a CompleteTransaction. It terminates at
// the partition leader; the MP coordinator never sees it.
type CompleteTransactionResponse struct {
	Base
	SpiID        SiteID // the leader that requested the ack
	TxnID        int64
	SpHandle     int64
	Restart      bool
	AckRequested bool
}

func (m *CompleteTransactionResponse) GetTxnID() int64      { return m.TxnID }
func (m *CompleteTransactionResponse) GetSpHandle() int64   { return m.SpHandle }
func (m *CompleteTransactionResponse) Succeeded() bool      { return !m.Restart }
func (m *CompleteTransactionResponse) HashVector() []uint64 { return nil }

// BorrowTask wraps a FragmentTask with input dependency tables. The MP
// coordinator issues borrows to its buddy site for replicated reads and
// aggregation work; borrows run locally without replication.
type BorrowTask struct {
	Base
	Fragment  *FragmentTask
	InputDeps map[int32][]byte
}

// RepairLogTruncation broadcasts the leader's truncation handle when no
// replicated message is available to piggy-back it on.
type RepairLogTruncation struct {
	Base
	Handle int64
}

// LogFault tells a replica that the leader wrote a viable-replay entry; the
// replica writes its own entry at the given handle and blocks until durable.
type LogFault struct {
	Base
	SpHandle int64
	UniqueID int64
}

// MPSentinel marks the position of a multi-partition transaction in the
// partition's replay stream.
type MPSentinel struct {
	Base
	InitiatorID SiteID
	TxnID       int64
	UniqueID    int64
}

func (m *MPSentinel) GetTxnID() int64    { return m.TxnID }
func (m *MPSentinel) GetUniqueID() int64 { return m.UniqueID }
func (m *MPSentinel) IsForReplay() bool  { return true }

// DummyTask is a no-op ordered write used to flush the command-log pipeline
// and advance the truncation point.
type DummyTask struct {
	Base
	SpiID    SiteID
	TxnID    int64
	UniqueID int64
	SpHandle int64
}

func (m *DummyTask) GetTxnID() int64    { return m.TxnID }
func (m *DummyTask) GetUniqueID() int64 { return m.UniqueID }
func (m *DummyTask) IsForReplay() bool  { return false }

// DummyResponse acks a DummyTask; it terminates at the partition leader.
type DummyResponse struct {
	Base
	SpiID    SiteID
	TxnID    int64
	SpHandle int64
}

func (m *DummyResponse) GetTxnID() int64      { return m.TxnID }
func (m *DummyResponse) GetSpHandle() int64   { return m.SpHandle }
func (m *DummyResponse) Succeeded() bool      { return true }
func (m *DummyResponse) HashVector() []uint64 { return nil }

// Dump asks a site to log its scheduler state; leaders forward it to their
// replicas.
type Dump struct {
	Base
}

// DumpPlanThenExit is broadcast after a determinism failure: each recipient
// dumps diagnostics for the named procedure and terminates.
type DumpPlanThenExit struct {
	Base
	Procedure string
}
