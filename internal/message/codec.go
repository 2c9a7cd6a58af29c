package message

import (
	"encoding/binary"
	"fmt"
)

var wirePrefix = []byte{0x53, 0x50, 0x31} // "SP1"

// Wire type tags. Values are part of the wire format; never renumber.
const (
	tagInitiateTask        = 1
	tagInitiateResponse    = 2
	tagFragmentTask        = 3
	tagFragmentResponse    = 4
	tagCompleteTxn         = 5
	tagCompleteTxnResponse = 6
	tagBorrowTask          = 7
	tagRepairLogTruncation = 8
	tagLogFault            = 9
	tagMPSentinel          = 10
	tagDummyTask           = 11
	tagDummyResponse       = 12
	tagDump                = 13
	tagDumpPlanThenExit    = 14
)

// Marshal encodes a message with the SP1 binary framing: prefix, type tag
// uvarint, then the hand-written per-type payload.
func Marshal(m Message) ([]byte, error) {
	buf := make([]byte, 0, 3+1+128)
	buf = append(buf, wirePrefix...)

	switch v := m.(type) {
	case *InitiateTask:
		buf = appendUvarint(buf, tagInitiateTask)
		buf = appendInitiateTask(buf, v)
	case *InitiateResponse:
		buf = appendUvarint(buf, tagInitiateResponse)
		buf = appendInitiateResponse(buf, v)
	case *FragmentTask:
		buf = appendUvarint(buf, tagFragmentTask)
		buf = appendFragmentTask(buf, v)
	case *FragmentResponse:
		buf = appendUvarint(buf, tagFragmentResponse)
		buf = appendFragmentResponse(buf, v)
	case *CompleteTransaction:
		buf = appendUvarint(buf, tagCompleteTxn)
		buf = appendCompleteTxn(buf, v)
	case *CompleteTransactionResponse:
		buf = appendUvarint(buf, tagCompleteTxnResponse)
		buf = appendCompleteTxnResponse(buf, v)
	case *BorrowTask:
		buf = appendUvarint(buf, tagBorrowTask)
		buf = appendBorrowTask(buf, v)
	case *RepairLogTruncation:
		buf = appendUvarint(buf, tagRepairLogTruncation)
		buf = appendFixed64(buf, uint64(v.Src))
		buf = appendFixed64(buf, uint64(v.Handle))
	case *LogFault:
		buf = appendUvarint(buf, tagLogFault)
		buf = appendFixed64(buf, uint64(v.Src))
		buf = appendFixed64(buf, uint64(v.SpHandle))
		buf = appendFixed64(buf, uint64(v.UniqueID))
	case *MPSentinel:
		buf = appendUvarint(buf, tagMPSentinel)
		buf = appendFixed64(buf, uint64(v.Src))
		buf = appendFixed64(buf, uint64(v.InitiatorID))
		buf = appendFixed64(buf, uint64(v.TxnID))
		buf = appendFixed64(buf, uint64(v.UniqueID))
	case *DummyTask:
		buf = appendUvarint(buf, tagDummyTask)
		buf = appendFixed64(buf, uint64(v.Src))
		buf = appendFixed64(buf, uint64(v.SpiID))
		buf = appendFixed64(buf, uint64(v.TxnID))
		buf = appendFixed64(buf, uint64(v.UniqueID))
		buf = appendFixed64(buf, uint64(v.SpHandle))
	case *DummyResponse:
		buf = appendUvarint(buf, tagDummyResponse)
		buf = appendFixed64(buf, uint64(v.Src))
		buf = appendFixed64(buf, uint64(v.SpiID))
		buf = appendFixed64(buf, uint64(v.TxnID))
		buf = appendFixed64(buf, uint64(v.SpHandle))
	case *Dump:
		buf = appendUvarint(buf, tagDump)
		buf = appendFixed64(buf, uint64(v.Src))
	case *DumpPlanThenExit:
		buf = appendUvarint(buf, tagDumpPlanThenExit)
		buf = appendFixed64(buf, uint64(v.Src))
		buf = appendLenString(buf, v.Procedure)
	default:
		return nil, fmt.Errorf("marshal: unknown message type %T", m)
	}
	return buf, nil
}

// Unmarshal decodes an SP1-framed message.
func Unmarshal(data []byte) (Message, error) {
	if len(data) < len(wirePrefix) || string(data[:3]) != string(wirePrefix) {
		return nil, fmt.Errorf("unmarshal: bad wire prefix")
	}
	r := &binReader{data: data, pos: len(wirePrefix)}
	tag := r.readUvarint()
	if r.err != nil {
		return nil, fmt.Errorf("unmarshal: %w", r.err)
	}

	var m Message
	switch tag {
	case tagInitiateTask:
		m = readInitiateTask(r)
	case tagInitiateResponse:
		m = readInitiateResponse(r)
	case tagFragmentTask:
		m = readFragmentTask(r)
	case tagFragmentResponse:
		m = readFragmentResponse(r)
	case tagCompleteTxn:
		m = readCompleteTxn(r)
	case tagCompleteTxnResponse:
		m = readCompleteTxnResponse(r)
	case tagBorrowTask:
		m = readBorrowTask(r)
	case tagRepairLogTruncation:
		v := &RepairLogTruncation{}
		v.Src = SiteID(r.readFixed64())
		v.Handle = int64(r.readFixed64())
		m = v
	case tagLogFault:
		v := &LogFault{}
		v.Src = SiteID(r.readFixed64())
		v.SpHandle = int64(r.readFixed64())
		v.UniqueID = int64(r.readFixed64())
		m = v
	case tagMPSentinel:
		v := &MPSentinel{}
		v.Src = SiteID(r.readFixed64())
		v.InitiatorID = SiteID(r.readFixed64())
		v.TxnID = int64(r.readFixed64())
		v.UniqueID = int64(r.readFixed64())
		m = v
	case tagDummyTask:
		v := &DummyTask{}
		v.Src = SiteID(r.readFixed64())
		v.SpiID = SiteID(r.readFixed64())
		v.TxnID = int64(r.readFixed64())
		v.UniqueID = int64(r.readFixed64())
		v.SpHandle = int64(r.readFixed64())
		m = v
	case tagDummyResponse:
		v := &DummyResponse{}
		v.Src = SiteID(r.readFixed64())
		v.SpiID = SiteID(r.readFixed64())
		v.TxnID = int64(r.readFixed64())
		v.SpHandle = int64(r.readFixed64())
		m = v
	case tagDump:
		v := &Dump{}
		v.Src = SiteID(r.readFixed64())
		m = v
	case tagDumpPlanThenExit:
		v := &DumpPlanThenExit{}
		v.Src = SiteID(r.readFixed64())
		v.Procedure = r.readLenString()
		m = v
	default:
		return nil, fmt.Errorf("unmarshal: unknown wire tag %d", tag)
	}
	if r.err != nil {
		return nil, fmt.Errorf("unmarshal tag %d: %w", tag, r.err)
	}
	return m, nil
}

// --- InitiateTask ---
// Layout: fixed64 ids, then flag byte, then strings/bytes.

func appendInitiateTask(buf []byte, m *InitiateTask) []byte {
	buf = appendFixed64(buf, uint64(m.Src))
	buf = appendFixed64(buf, uint64(m.InitiatorID))
	buf = appendFixed64(buf, uint64(m.CoordinatorID))
	buf = appendFixed64(buf, uint64(m.TruncHandle))
	buf = appendFixed64(buf, uint64(m.TxnID))
	buf = appendFixed64(buf, uint64(m.UniqueID))
	buf = appendFixed64(buf, uint64(m.SpHandle))
	buf = appendFixed64(buf, uint64(m.CIHandle))
	buf = appendFixed64(buf, uint64(m.ConnID))
	buf = append(buf, packFlags(m.ReadOnly, m.SinglePart, m.ForReplay, m.ReplicaCopy, m.EverySite))
	buf = appendLenString(buf, m.Procedure)
	buf = appendLenBytes(buf, m.Invocation)
	return buf
}

func readInitiateTask(r *binReader) *InitiateTask {
	m := &InitiateTask{}
	m.Src = SiteID(r.readFixed64())
	m.InitiatorID = SiteID(r.readFixed64())
	m.CoordinatorID = SiteID(r.readFixed64())
	m.TruncHandle = int64(r.readFixed64())
	m.TxnID = int64(r.readFixed64())
	m.UniqueID = int64(r.readFixed64())
	m.SpHandle = int64(r.readFixed64())
	m.CIHandle = int64(r.readFixed64())
	m.ConnID = int64(r.readFixed64())
	flags := r.readByte()
	m.ReadOnly, m.SinglePart, m.ForReplay, m.ReplicaCopy, m.EverySite = unpackFlags5(flags)
	m.Procedure = r.readLenString()
	m.Invocation = r.readLenBytes()
	return m
}

// --- InitiateResponse ---

func appendInitiateResponse(buf []byte, m *InitiateResponse) []byte {
	buf = appendFixed64(buf, uint64(m.Src))
	buf = appendFixed64(buf, uint64(m.InitiatorID))
	buf = appendFixed64(buf, uint64(m.TxnID))
	buf = appendFixed64(buf, uint64(m.SpHandle))
	buf = appendFixed64(buf, uint64(m.CIHandle))
	buf = appendFixed64(buf, uint64(m.ConnID))
	buf = append(buf, packFlags(m.ReadOnly, false, false, false, false))
	buf = append(buf, m.Status)
	buf = appendLenBytes(buf, m.Results)
	buf = appendHashVector(buf, m.Hashes)
	return buf
}

func readInitiateResponse(r *binReader) *InitiateResponse {
	m := &InitiateResponse{}
	m.Src = SiteID(r.readFixed64())
	m.InitiatorID = SiteID(r.readFixed64())
	m.TxnID = int64(r.readFixed64())
	m.SpHandle = int64(r.readFixed64())
	m.CIHandle = int64(r.readFixed64())
	m.ConnID = int64(r.readFixed64())
	m.ReadOnly, _, _, _, _ = unpackFlags5(r.readByte())
	m.Status = r.readByte()
	m.Results = r.readLenBytes()
	m.Hashes = r.readHashVector()
	return m
}

// --- FragmentTask ---

func appendFragmentTask(buf []byte, m *FragmentTask) []byte {
	buf = appendFixed64(buf, uint64(m.Src))
	buf = appendFixed64(buf, uint64(m.InitiatorID))
	buf = appendFixed64(buf, uint64(m.CoordinatorID))
	buf = appendFixed64(buf, uint64(m.TxnID))
	buf = appendFixed64(buf, uint64(m.UniqueID))
	buf = appendFixed64(buf, uint64(m.SpHandle))
	buf = appendUvarint(buf, uint64(len(m.InvolvedPartitions)))
	for _, p := range m.InvolvedPartitions {
		buf = appendUvarint(buf, uint64(uint32(p)))
	}
	buf = append(buf, m.TaskType)
	buf = append(buf, packFlags(m.ReadOnly, m.Final, m.ForReplay, m.ToReplica, m.HandleByOriginalLeader))
	if m.Initiate != nil {
		buf = append(buf, 1)
		buf = appendInitiateTask(buf, m.Initiate)
	} else {
		buf = append(buf, 0)
	}
	buf = appendLenBytes(buf, m.Fragment)
	return buf
}

func readFragmentTask(r *binReader) *FragmentTask {
	m := &FragmentTask{}
	m.Src = SiteID(r.readFixed64())
	m.InitiatorID = SiteID(r.readFixed64())
	m.CoordinatorID = SiteID(r.readFixed64())
	m.TxnID = int64(r.readFixed64())
	m.UniqueID = int64(r.readFixed64())
	m.SpHandle = int64(r.readFixed64())
	n := int(r.readUvarint())
	if n > 0 && r.err == nil {
		m.InvolvedPartitions = make([]int32, n)
		for i := 0; i < n; i++ {
			m.InvolvedPartitions[i] = int32(uint32(r.readUvarint()))
		}
	}
	m.TaskType = r.readByte()
	m.ReadOnly, m.Final, m.ForReplay, m.ToReplica, m.HandleByOriginalLeader = unpackFlags5(r.readByte())
	if r.readByte() == 1 {
		m.Initiate = readInitiateTask(r)
	}
	m.Fragment = r.readLenBytes()
	return m
}

// --- FragmentResponse ---

func appendFragmentResponse(buf []byte, m *FragmentResponse) []byte {
	buf = appendFixed64(buf, uint64(m.Src))
	buf = appendFixed64(buf, uint64(m.DestinationID))
	buf = appendFixed64(buf, uint64(m.ExecutorID))
	buf = appendFixed64(buf, uint64(m.TxnID))
	buf = appendFixed64(buf, uint64(m.SpHandle))
	buf = append(buf, m.Status)
	buf = append(buf, packFlags(m.Bufferable, m.Misrouted, m.HandleByOriginalLeader, false, false))
	buf = appendLenBytes(buf, m.Results)
	buf = appendHashVector(buf, m.Hashes)
	return buf
}

func readFragmentResponse(r *binReader) *FragmentResponse {
	m := &FragmentResponse{}
	m.Src = SiteID(r.readFixed64())
	m.DestinationID = SiteID(r.readFixed64())
	m.ExecutorID = SiteID(r.readFixed64())
	m.TxnID = int64(r.readFixed64())
	m.SpHandle = int64(r.readFixed64())
	m.Status = r.readByte()
	m.Bufferable, m.Misrouted, m.HandleByOriginalLeader, _, _ = unpackFlags5(r.readByte())
	m.Results = r.readLenBytes()
	m.Hashes = r.readHashVector()
	return m
}

// --- CompleteTransaction ---

func appendCompleteTxn(buf []byte, m *CompleteTransaction) []byte {
	buf = appendFixed64(buf, uint64(m.Src))
	buf = appendFixed64(buf, uint64(m.CoordinatorID))
	buf = appendFixed64(buf, uint64(m.TxnID))
	buf = appendFixed64(buf, uint64(m.UniqueID))
	buf = appendFixed64(buf, uint64(m.SpHandle))
	buf = append(buf, packFlags(m.ToLeader, m.Restart, m.ReadOnly, m.RollBack, m.AckRequested))
	return buf
}

func readCompleteTxn(r *binReader) *CompleteTransaction {
	m := &CompleteTransaction{}
	m.Src = SiteID(r.readFixed64())
	m.CoordinatorID = SiteID(r.readFixed64())
	m.TxnID = int64(r.readFixed64())
	m.UniqueID = int64(r.readFixed64())
	m.SpHandle = int64(r.readFixed64())
	m.ToLeader, m.Restart, m.ReadOnly, m.RollBack, m.AckRequested = unpackFlags5(r.readByte())
	return m
}

// --- CompleteTransactionResponse ---

func appendCompleteTxnResponse(buf []byte, m *CompleteTransactionResponse) []byte {
	buf = appendFixed64(buf, uint64(m.Src))
	buf = appendFixed64(buf, uint64(m.SpiID))
	buf = appendFixed64(buf, uint64(m.TxnID))
	buf = appendFixed64(buf, uint64(m.SpHandle))
	buf = append(buf, packFlags(m.Restart, m.AckRequested, false, false, false))
	return buf
}

func readCompleteTxnResponse(r *binReader) *CompleteTransactionResponse {
	m := &CompleteTransactionResponse{}
	m.Src = SiteID(r.readFixed64())
	m.SpiID = SiteID(r.readFixed64())
	m.TxnID = int64(r.readFixed64())
	m.SpHandle = int64(r.readFixed64())
	m.Restart, m.AckRequested, _, _, _ = unpackFlags5(r.readByte())
	return m
}

// --- BorrowTask ---

func appendBorrowTask(buf []byte, m *BorrowTask) []byte {
	buf = appendFixed64(buf, uint64(m.Src))
	buf = appendFragmentTask(buf, m.Fragment)
	buf = appendUvarint(buf, uint64(len(m.InputDeps)))
	for dep, table := range m.InputDeps {
		buf = appendUvarint(buf, uint64(uint32(dep)))
		buf = appendLenBytes(buf, table)
	}
	return buf
}

func readBorrowTask(r *binReader) *BorrowTask {
	m := &BorrowTask{}
	m.Src = SiteID(r.readFixed64())
	m.Fragment = readFragmentTask(r)
	n := int(r.readUvarint())
	if n > 0 && r.err == nil {
		m.InputDeps = make(map[int32][]byte, n)
		for i := 0; i < n; i++ {
			dep := int32(uint32(r.readUvarint()))
			m.InputDeps[dep] = r.readLenBytes()
		}
	}
	return m
}

// --- Primitives ---

func packFlags(a, b, c, d, e bool) byte {
	var f byte
	if a {
		f |= 1
	}
	if b {
		f |= 2
	}
	if c {
		f |= 4
	}
	if d {
		f |= 8
	}
	if e {
		f |= 16
	}
	return f
}

func unpackFlags5(f byte) (a, b, c, d, e bool) {
	return f&1 != 0, f&2 != 0, f&4 != 0, f&8 != 0, f&16 != 0
}

func appendHashVector(buf []byte, hashes []uint64) []byte {
	buf = appendUvarint(buf, uint64(len(hashes)))
	for _, h := range hashes {
		buf = appendFixed64(buf, h)
	}
	return buf
}

func (r *binReader) readHashVector() []uint64 {
	n := int(r.readUvarint())
	if r.err != nil || n == 0 {
		return nil
	}
	hashes := make([]uint64, n)
	for i := 0; i < n; i++ {
		hashes[i] = r.readFixed64()
	}
	return hashes
}

func appendFixed64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendLenString(buf []byte, s string) []byte {
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendLenBytes(buf []byte, b []byte) []byte {
	buf = appendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// binReader is a sequential reader over a byte slice.
type binReader struct {
	data []byte
	pos  int
	err  error
}

func (r *binReader) remaining() int { return len(r.data) - r.pos }

func (r *binReader) readByte() byte {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.data) {
		r.err = fmt.Errorf("unexpected end of data at pos %d", r.pos)
		return 0
	}
	b := r.data[r.pos]
	r.pos++
	return b
}

func (r *binReader) readFixed64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 8 {
		r.err = fmt.Errorf("not enough data for fixed64 at pos %d", r.pos)
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *binReader) readUvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		r.err = fmt.Errorf("invalid uvarint at pos %d", r.pos)
		return 0
	}
	r.pos += n
	return v
}

func (r *binReader) readLenString() string {
	length := int(r.readUvarint())
	if r.err != nil {
		return ""
	}
	if r.remaining() < length {
		r.err = fmt.Errorf("not enough data for string (need %d, have %d) at pos %d", length, r.remaining(), r.pos)
		return ""
	}
	s := string(r.data[r.pos : r.pos+length])
	r.pos += length
	return s
}

func (r *binReader) readLenBytes() []byte {
	length := int(r.readUvarint())
	if r.err != nil || length == 0 {
		return nil
	}
	if r.remaining() < length {
		r.err = fmt.Errorf("not enough data for bytes (need %d, have %d) at pos %d", length, r.remaining(), r.pos)
		return nil
	}
	b := make([]byte, length)
	copy(b, r.data[r.pos:r.pos+length])
	r.pos += length
	return b
}
