package sps

import (
	"math"

	"github.com/tidwall/btree"

	"github.com/user/spsched/internal/message"
)

// replayEntry is one slot in the replay schedule, keyed by unique id. A slot
// is either a single-partition transaction (initiate) or a multi-partition
// one (sentinel paired with the coordinator's replayed fragments and
// completion).
type replayEntry struct {
	uniqueID    int64
	initiate    *message.InitiateTask
	hasSentinel bool
	sentinelTxn int64
	queue       []message.Message // fragments then completion, arrival order
	closed      bool              // final fragment or completion attached
}

func replayEntryLess(a, b *replayEntry) bool { return a.uniqueID < b.uniqueID }

// ReplaySequencer reproduces the partition's original schedule during
// command-log replay: messages are dispatched in unique-id order regardless
// of transport arrival order, and duplicate unique ids are answered with an
// ignored-transaction response instead of a second execution.
type ReplaySequencer struct {
	entries    *btree.BTreeG[*replayEntry]
	txnToUID   map[int64]int64
	lastSeen   int64
	lastPolled int64
	eol        bool
}

// NewReplaySequencer returns an empty sequencer.
func NewReplaySequencer() *ReplaySequencer {
	return &ReplaySequencer{
		entries:    btree.NewBTreeG(replayEntryLess),
		txnToUID:   map[int64]int64{},
		lastSeen:   math.MinInt64,
		lastPolled: math.MinInt64,
	}
}

func (s *ReplaySequencer) entry(uid int64) *replayEntry {
	if e, ok := s.entries.Get(&replayEntry{uniqueID: uid}); ok {
		return e
	}
	e := &replayEntry{uniqueID: uid}
	s.entries.Set(e)
	return e
}

// Offer hands a replay-stream message to the sequencer. It returns true
// when the message was accepted for ordering (the caller should then poll),
// false when the message is not sequenced and must be delivered directly.
func (s *ReplaySequencer) Offer(uid int64, m message.Message) bool {
	switch v := m.(type) {
	case *message.MPSentinel:
		e := s.entry(uid)
		e.hasSentinel = true
		e.sentinelTxn = v.TxnID
		s.txnToUID[v.TxnID] = uid
	case *message.InitiateTask:
		e := s.entry(uid)
		e.initiate = v
	case *message.FragmentTask:
		e := s.entry(uid)
		s.txnToUID[v.TxnID] = uid
		e.queue = append(e.queue, v)
		if v.Final {
			e.closed = true
		}
	case *message.CompleteTransaction:
		// Completions carry the MP unique id; route through the txn map in
		// case the coordinator stamped a different one.
		target := uid
		if mapped, ok := s.txnToUID[v.TxnID]; ok {
			target = mapped
		}
		e := s.entry(target)
		e.queue = append(e.queue, v)
		e.closed = true
	default:
		return false
	}
	if uid > s.lastSeen {
		s.lastSeen = uid
	}
	return true
}

// Poll returns the next message that is ready in unique-id order, or nil
// when the head of the schedule is still waiting for its pair.
func (s *ReplaySequencer) Poll() message.Message {
	for {
		head, ok := s.entries.Min()
		if !ok {
			return nil
		}
		if head.initiate != nil {
			s.entries.Delete(head)
			s.notePolled(head.uniqueID)
			return head.initiate
		}
		if head.hasSentinel && len(head.queue) > 0 {
			m := head.queue[0]
			head.queue = head.queue[1:]
			if len(head.queue) == 0 && head.closed {
				s.entries.Delete(head)
				delete(s.txnToUID, head.sentinelTxn)
			}
			s.notePolled(head.uniqueID)
			return m
		}
		if head.hasSentinel && head.closed && len(head.queue) == 0 {
			// MP txn fully served; unblock the slot.
			s.entries.Delete(head)
			delete(s.txnToUID, head.sentinelTxn)
			continue
		}
		return nil
	}
}

// SetEOL marks the end of the replay stream; Drain yields nothing before
// this point so sentinels keep blocking for their fragments mid-replay.
func (s *ReplaySequencer) SetEOL() { s.eol = true }

// Drain pops held messages without regard for pairing. Used once replay is
// over to flush stragglers; single-partition initiates surfaced here are
// answered with ignored-transaction responses by the caller.
func (s *ReplaySequencer) Drain() message.Message {
	if !s.eol {
		return nil
	}
	for {
		head, ok := s.entries.Min()
		if !ok {
			return nil
		}
		if head.initiate != nil {
			m := head.initiate
			head.initiate = nil
			s.notePolled(head.uniqueID)
			return m
		}
		if len(head.queue) > 0 {
			m := head.queue[0]
			head.queue = head.queue[1:]
			s.notePolled(head.uniqueID)
			return m
		}
		s.entries.Delete(head)
		delete(s.txnToUID, head.sentinelTxn)
	}
}

// Dedupe reports whether a replayed initiate's unique id is at or below the
// highest unique id already seen; if so it synthesizes the
// ignored-transaction response to send back to the initiator.
func (s *ReplaySequencer) Dedupe(uid int64, m message.Message) *message.InitiateResponse {
	init, ok := m.(*message.InitiateTask)
	if !ok || uid > s.lastSeen {
		return nil
	}
	return &message.InitiateResponse{
		InitiatorID: init.InitiatorID,
		TxnID:       init.TxnID,
		SpHandle:    init.SpHandle,
		CIHandle:    init.CIHandle,
		ConnID:      init.ConnID,
		ReadOnly:    init.ReadOnly,
		Status:      message.StatusIgnored,
	}
}

// UpdateLastSeenUniqueID records replay progress on replicas, which deliver
// directly and never buffer.
func (s *ReplaySequencer) UpdateLastSeenUniqueID(uid int64) {
	if uid > s.lastSeen {
		s.lastSeen = uid
	}
}

// UpdateLastPolledUniqueID records dispatch progress on replicas.
func (s *ReplaySequencer) UpdateLastPolledUniqueID(uid int64) {
	s.notePolled(uid)
}

// Empty reports whether nothing is buffered.
func (s *ReplaySequencer) Empty() bool { return s.entries.Len() == 0 }

func (s *ReplaySequencer) notePolled(uid int64) {
	if uid > s.lastPolled {
		s.lastPolled = uid
	}
}
