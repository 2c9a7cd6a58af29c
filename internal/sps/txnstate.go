package sps

import (
	"sync/atomic"

	"github.com/user/spsched/internal/message"
)

type txnKind int

const (
	kindSpWrite txnKind = iota
	kindSpRead
	kindParticipant
	kindBorrow
	kindDummy
)

// TxnState tracks one outstanding transaction at this site. Created on the
// first message for a txn-id, mutated by execution on the site thread, and
// removed when the final response has been aggregated.
type TxnState struct {
	txnID    int64
	spHandle int64 // first local sp-handle assigned to this txn
	kind     txnKind
	readOnly bool
	notice   message.Message // the message that created the state

	// done is written by execution on the site thread and read on the
	// initiator thread.
	done atomic.Bool
}

func newTxnState(txnID, spHandle int64, kind txnKind, readOnly bool, notice message.Message) *TxnState {
	return &TxnState{
		txnID:    txnID,
		spHandle: spHandle,
		kind:     kind,
		readOnly: readOnly,
		notice:   notice,
	}
}

func (t *TxnState) IsDone() bool    { return t.done.Load() }
func (t *TxnState) markDone()       { t.done.Store(true) }
func (t *TxnState) ReadOnly() bool  { return t.readOnly }
func (t *TxnState) SpHandle() int64 { return t.spHandle }
