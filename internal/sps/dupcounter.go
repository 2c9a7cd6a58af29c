package sps

import (
	"log/slog"

	"github.com/user/spsched/internal/message"
)

// Outcome is the result of offering a response to a duplicate counter.
type Outcome int

const (
	// Waiting: more replica responses expected.
	Waiting Outcome = iota
	// Done: all expected replicas responded with matching results.
	Done
	// Mismatch: a replica produced a different hash vector.
	Mismatch
	// Abort: the operation committed on one replica and rolled back on
	// another.
	Abort
)

func (o Outcome) String() string {
	switch o {
	case Waiting:
		return "WAITING"
	case Done:
		return "DONE"
	case Mismatch:
		return "MISMATCH"
	case Abort:
		return "ABORT"
	}
	return "UNKNOWN"
}

// counterKey identifies a duplicate counter. Ordering is by txn-id first,
// sp-handle second; membership-change drains walk counters in this order to
// keep responses leaving in txn-id order.
type counterKey struct {
	txnID    int64
	spHandle int64
}

func counterKeyLess(a, b counterKey) bool {
	if a.txnID != b.txnID {
		return a.txnID < b.txnID
	}
	return a.spHandle < b.spHandle
}

// DuplicateCounter collects responses from every replica of a replicated
// operation. The first response fixes the expected hash vector; later
// responses must match it exactly, and the last matching response is the
// one forwarded.
type DuplicateCounter struct {
	destinationID message.SiteID
	txnID         int64
	expected      []message.SiteID
	openMessage   message.Message
	procedure     string
	// lenient counters only count: per-site system procedure fragments
	// legitimately produce different results on each site.
	lenient bool

	haveResponse bool
	succeeded    bool
	hashes       []uint64
	lastResponse message.Response
}

// newDuplicateCounter expects responses from each site in replicas; the
// aggregated reply goes to destination when the counter completes.
func newDuplicateCounter(destination message.SiteID, txnID int64, replicas []message.SiteID,
	open message.Message, procedure string) *DuplicateCounter {
	return &DuplicateCounter{
		destinationID: destination,
		txnID:         txnID,
		expected:      append([]message.SiteID(nil), replicas...),
		openMessage:   open,
		procedure:     procedure,
	}
}

// Offer records one replica response and reports the counter's state.
func (c *DuplicateCounter) Offer(resp message.Response) Outcome {
	src := resp.Source()
	found := false
	for i, id := range c.expected {
		if id == src {
			c.expected = append(c.expected[:i], c.expected[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		// A late or repeated response from a site already accounted for.
		return Waiting
	}

	if !c.haveResponse {
		c.haveResponse = true
		c.succeeded = resp.Succeeded()
		c.hashes = resp.HashVector()
		c.lastResponse = resp
	} else if c.lenient {
		c.lastResponse = resp
	} else {
		if resp.Succeeded() != c.succeeded {
			return Abort
		}
		if !hashVectorsEqual(c.hashes, resp.HashVector()) {
			return Mismatch
		}
		c.lastResponse = resp
	}

	if len(c.expected) == 0 {
		return Done
	}
	return Waiting
}

// UpdateReplicas shrinks the expected set to the surviving replicas. Returns
// Done when nothing is left to wait for, Waiting otherwise.
func (c *DuplicateCounter) UpdateReplicas(replicas []message.SiteID) Outcome {
	alive := make(map[message.SiteID]bool, len(replicas))
	for _, id := range replicas {
		alive[id] = true
	}
	kept := c.expected[:0]
	for _, id := range c.expected {
		if alive[id] {
			kept = append(kept, id)
		}
	}
	c.expected = kept
	if len(c.expected) == 0 {
		return Done
	}
	return Waiting
}

// LastResponse returns the canonical response to forward, or nil when the
// counter completed without hearing from any replica.
func (c *DuplicateCounter) LastResponse() message.Response { return c.lastResponse }

// TxnID returns the transaction this counter belongs to.
func (c *DuplicateCounter) TxnID() int64 { return c.txnID }

// Procedure returns the procedure name recorded for diagnostics.
func (c *DuplicateCounter) Procedure() string { return c.procedure }

func (c *DuplicateCounter) logCollision(log *slog.Logger, other *DuplicateCounter) {
	log.Error("duplicate counter key collision",
		"txn_id", c.txnID,
		"open_message", describeMessage(c.openMessage),
		"colliding_message", describeMessage(other.openMessage))
}

func hashVectorsEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
