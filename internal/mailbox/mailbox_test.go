package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/user/spsched/internal/message"
)

type recordingHandler struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (h *recordingHandler) Deliver(m message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, m)
}

func (h *recordingHandler) waitFor(t *testing.T, n int) []message.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.msgs) >= n {
			out := append([]message.Message(nil), h.msgs...)
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestFabricPreservesSendOrder(t *testing.T) {
	f := NewFabric(nil)
	t.Cleanup(f.Close)

	a := message.MakeSiteID(0, 0)
	b := message.MakeSiteID(0, 1)
	var sink recordingHandler
	sender := f.Register(a, &recordingHandler{})
	f.Register(b, &sink)

	for i := int64(0); i < 50; i++ {
		sender.Send(b, &message.RepairLogTruncation{Handle: i})
	}
	got := sink.waitFor(t, 50)
	for i, m := range got {
		trunc, ok := m.(*message.RepairLogTruncation)
		if !ok {
			t.Fatalf("message %d = %T, want RepairLogTruncation", i, m)
		}
		if trunc.Handle != int64(i) {
			t.Fatalf("message %d handle = %d, want %d (FIFO per source)", i, trunc.Handle, i)
		}
		if trunc.Source() != a {
			t.Errorf("message %d source = %v, want %v", i, trunc.Source(), a)
		}
	}
}

func TestFabricIsolatesValues(t *testing.T) {
	f := NewFabric(nil)
	t.Cleanup(f.Close)

	a := message.MakeSiteID(0, 0)
	b := message.MakeSiteID(0, 1)
	var sink recordingHandler
	sender := f.Register(a, &recordingHandler{})
	f.Register(b, &sink)

	orig := &message.InitiateTask{TxnID: 7, SinglePart: true, Procedure: "P", Invocation: []byte("x")}
	sender.Send(b, orig)
	got := sink.waitFor(t, 1)

	// Mutating the received copy must not touch the sender's message.
	got[0].(*message.InitiateTask).TxnID = 99
	if orig.TxnID != 7 {
		t.Error("receiver mutation leaked back into the sender's message")
	}
}

func TestTCPTransportRoundtrip(t *testing.T) {
	a := message.MakeSiteID(0, 0)
	b := message.MakeSiteID(0, 1)

	var sinkB recordingHandler
	tb, err := NewTCPTransport(b, "127.0.0.1:0", nil, &sinkB, nil)
	if err != nil {
		t.Fatalf("start transport b: %v", err)
	}
	t.Cleanup(func() { tb.Close() })

	addrs := map[message.SiteID]string{b: tb.ln.Addr().String()}
	var sinkA recordingHandler
	ta, err := NewTCPTransport(a, "127.0.0.1:0", addrs, &sinkA, nil)
	if err != nil {
		t.Fatalf("start transport a: %v", err)
	}
	t.Cleanup(func() { ta.Close() })

	for i := int64(0); i < 10; i++ {
		ta.Send(b, &message.RepairLogTruncation{Handle: i})
	}
	got := sinkB.waitFor(t, 10)
	for i, m := range got {
		if m.(*message.RepairLogTruncation).Handle != int64(i) {
			t.Fatalf("frame %d out of order", i)
		}
	}

	// Local sends short-circuit.
	ta.Send(a, &message.Dump{})
	if msgs := sinkA.waitFor(t, 1); len(msgs) != 1 {
		t.Fatal("local send not delivered")
	}
}
