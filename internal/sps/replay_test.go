package sps

import (
	"testing"

	"github.com/user/spsched/internal/message"
)

func replayInitiate(uid, txnID int64) *message.InitiateTask {
	return &message.InitiateTask{
		TxnID:      txnID,
		UniqueID:   uid,
		SinglePart: true,
		ForReplay:  true,
	}
}

func TestReplaySequencerOrdersByUniqueID(t *testing.T) {
	s := NewReplaySequencer()

	// Arrive out of order.
	if !s.Offer(30, replayInitiate(30, 3)) {
		t.Fatal("Offer(30) not accepted")
	}
	if !s.Offer(10, replayInitiate(10, 1)) {
		t.Fatal("Offer(10) not accepted")
	}
	if !s.Offer(20, replayInitiate(20, 2)) {
		t.Fatal("Offer(20) not accepted")
	}

	var order []int64
	for m := s.Poll(); m != nil; m = s.Poll() {
		order = append(order, m.(*message.InitiateTask).UniqueID)
	}
	if len(order) != 3 || order[0] != 10 || order[1] != 20 || order[2] != 30 {
		t.Errorf("poll order = %v, want [10 20 30]", order)
	}
}

func TestReplaySequencerSentinelBlocksUntilFragment(t *testing.T) {
	s := NewReplaySequencer()
	s.Offer(10, &message.MPSentinel{TxnID: 500, UniqueID: 10})
	s.Offer(20, replayInitiate(20, 2))

	// The MP slot at the head has no fragment yet; nothing may pass it.
	if m := s.Poll(); m != nil {
		t.Fatalf("Poll() = %T past an unpaired sentinel, want nil", m)
	}

	frag := &message.FragmentTask{TxnID: 500, UniqueID: 10, Final: true, ForReplay: true}
	s.Offer(10, frag)

	m := s.Poll()
	if f, ok := m.(*message.FragmentTask); !ok || f.TxnID != 500 {
		t.Fatalf("Poll() = %T, want paired fragment for txn 500", m)
	}
	m = s.Poll()
	if init, ok := m.(*message.InitiateTask); !ok || init.UniqueID != 20 {
		t.Fatalf("Poll() = %T, want the unblocked initiate", m)
	}
}

func TestReplaySequencerDedupe(t *testing.T) {
	s := NewReplaySequencer()
	first := replayInitiate(42, 42)

	if dupe := s.Dedupe(42, first); dupe != nil {
		t.Fatal("Dedupe() flagged a never-seen unique id")
	}
	s.Offer(42, first)
	for m := s.Poll(); m != nil; m = s.Poll() {
	}

	second := replayInitiate(42, 42)
	dupe := s.Dedupe(42, second)
	if dupe == nil {
		t.Fatal("Dedupe() missed a repeated unique id")
	}
	if dupe.Status != message.StatusIgnored {
		t.Errorf("dupe status = %d, want ignored", dupe.Status)
	}
}

func TestReplaySequencerDrainOnlyAfterEOL(t *testing.T) {
	s := NewReplaySequencer()
	s.Offer(10, &message.MPSentinel{TxnID: 500, UniqueID: 10})
	s.Offer(20, replayInitiate(20, 2))

	if m := s.Drain(); m != nil {
		t.Fatalf("Drain() = %T before EOL, want nil", m)
	}
	s.SetEOL()
	var drained []message.Message
	for m := s.Drain(); m != nil; m = s.Drain() {
		drained = append(drained, m)
	}
	if len(drained) != 1 {
		t.Fatalf("drained %d messages, want the stuck initiate only", len(drained))
	}
	if _, ok := drained[0].(*message.InitiateTask); !ok {
		t.Errorf("drained %T, want *message.InitiateTask", drained[0])
	}
	if !s.Empty() {
		t.Error("sequencer not empty after full drain")
	}
}

func TestReplaySequencerReplicaTracking(t *testing.T) {
	s := NewReplaySequencer()
	s.UpdateLastSeenUniqueID(100)
	s.UpdateLastPolledUniqueID(100)
	if dupe := s.Dedupe(90, replayInitiate(90, 9)); dupe == nil {
		t.Error("Dedupe() missed a unique id behind the replica watermark")
	}
}
