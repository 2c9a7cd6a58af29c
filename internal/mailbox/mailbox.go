// Package mailbox provides point-to-point and multicast message delivery
// between sites with FIFO ordering per source: an in-process fabric for
// multi-site single-binary runs and tests, and a TCP transport for real
// clusters.
package mailbox

import (
	"log/slog"
	"sync"

	"github.com/user/spsched/internal/message"
)

// Handler consumes messages delivered to a site.
type Handler interface {
	Deliver(m message.Message)
}

// Fabric is an in-process message fabric. Each registered site gets a
// dedicated inbox goroutine, so cross-site sends never run the receiver's
// handler on the sender's stack. Messages roundtrip through the wire codec
// for value isolation, exactly as a real transport would.
type Fabric struct {
	mu    sync.Mutex
	sites map[message.SiteID]*inbox
	log   *slog.Logger
}

// NewFabric returns an empty fabric.
func NewFabric(logger *slog.Logger) *Fabric {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{sites: make(map[message.SiteID]*inbox), log: logger}
}

// Register creates the site's mailbox and starts its inbox goroutine.
func (f *Fabric) Register(id message.SiteID, h Handler) *LocalMailbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := newInbox(h)
	f.sites[id] = in
	return &LocalMailbox{fabric: f, id: id}
}

// Close stops every inbox goroutine.
func (f *Fabric) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, in := range f.sites {
		in.close()
	}
	f.sites = make(map[message.SiteID]*inbox)
}

func (f *Fabric) route(from, to message.SiteID, m message.Message) {
	f.mu.Lock()
	in, ok := f.sites[to]
	f.mu.Unlock()
	if !ok {
		f.log.Warn("dropping message for unknown site", "to", to.String(), "type", describeType(m))
		return
	}
	m.SetSource(from)
	data, err := message.Marshal(m)
	if err != nil {
		f.log.Error("drop unmarshalable message", "to", to.String(), "error", err)
		return
	}
	cp, err := message.Unmarshal(data)
	if err != nil {
		f.log.Error("drop message failing codec roundtrip", "to", to.String(), "error", err)
		return
	}
	in.offer(cp)
}

// LocalMailbox is one site's sending surface on a Fabric.
type LocalMailbox struct {
	fabric *Fabric
	id     message.SiteID
}

// ID returns the mailbox's site id.
func (mb *LocalMailbox) ID() message.SiteID { return mb.id }

// Send delivers m to one site.
func (mb *LocalMailbox) Send(to message.SiteID, m message.Message) {
	mb.fabric.route(mb.id, to, m)
}

// SendMany multicasts m to each destination.
func (mb *LocalMailbox) SendMany(to []message.SiteID, m message.Message) {
	for _, dest := range to {
		mb.fabric.route(mb.id, dest, m)
	}
}

// inbox serializes deliveries to one handler. Unbounded: senders hold
// scheduler locks and must never block on a full queue.
type inbox struct {
	mu      sync.Mutex
	pending []message.Message
	wake    chan struct{}
	stop    chan struct{}
	handler Handler
}

func newInbox(h Handler) *inbox {
	in := &inbox{
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		handler: h,
	}
	go in.loop()
	return in
}

func (in *inbox) offer(m message.Message) {
	in.mu.Lock()
	in.pending = append(in.pending, m)
	in.mu.Unlock()
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *inbox) take() message.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.pending) == 0 {
		return nil
	}
	m := in.pending[0]
	in.pending = in.pending[1:]
	return m
}

func (in *inbox) loop() {
	for {
		for m := in.take(); m != nil; m = in.take() {
			in.handler.Deliver(m)
		}
		select {
		case <-in.stop:
			return
		case <-in.wake:
		}
	}
}

func (in *inbox) close() {
	close(in.stop)
}

func describeType(m message.Message) string {
	switch m.(type) {
	case *message.InitiateTask:
		return "initiate"
	case *message.InitiateResponse:
		return "initiate-response"
	case *message.FragmentTask:
		return "fragment"
	case *message.FragmentResponse:
		return "fragment-response"
	case *message.CompleteTransaction:
		return "complete"
	case *message.CompleteTransactionResponse:
		return "complete-response"
	default:
		return "other"
	}
}
