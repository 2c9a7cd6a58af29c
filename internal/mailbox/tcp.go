package mailbox

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/user/spsched/internal/message"
)

const maxFrameSize = 64 << 20 // 64MB

// TCPTransport carries messages between hosts over one TCP connection per
// peer. A single connection per destination preserves FIFO ordering per
// source; frames are uvarint-length-prefixed codec payloads.
type TCPTransport struct {
	id      message.SiteID
	handler Handler
	log     *slog.Logger

	ln net.Listener

	mu    sync.Mutex
	addrs map[message.SiteID]string
	peers map[message.SiteID]*peerConn
	done  bool
}

// NewTCPTransport binds the listener and starts accepting peer connections.
// addrs maps every site (including self) to its host:port.
func NewTCPTransport(id message.SiteID, bindAddr string, addrs map[message.SiteID]string,
	h Handler, logger *slog.Logger) (*TCPTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bind, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve mailbox bind address: %w", err)
	}
	ln, err := net.Listen("tcp", bind.String())
	if err != nil {
		return nil, fmt.Errorf("listen mailbox: %w", err)
	}
	t := &TCPTransport{
		id:      id,
		handler: h,
		log:     logger.With("component", "mailbox", "site", id.String()),
		ln:      ln,
		addrs:   make(map[message.SiteID]string, len(addrs)),
		peers:   make(map[message.SiteID]*peerConn),
	}
	for site, addr := range addrs {
		t.addrs[site] = addr
	}
	go t.accept()
	return t, nil
}

// ID returns this transport's site id.
func (t *TCPTransport) ID() message.SiteID { return t.id }

// Send delivers m to one site, establishing the peer connection on first
// use. Local destinations short-circuit: the handler is called directly on
// the sender's goroutine.
func (t *TCPTransport) Send(to message.SiteID, m message.Message) {
	if to == t.id {
		m.SetSource(t.id)
		t.handler.Deliver(m)
		return
	}
	m.SetSource(t.id)
	data, err := message.Marshal(m)
	if err != nil {
		t.log.Error("drop unmarshalable message", "to", to.String(), "error", err)
		return
	}
	peer := t.peer(to)
	if peer == nil {
		t.log.Warn("dropping message for unknown peer", "to", to.String())
		return
	}
	peer.enqueue(data)
}

// SendMany multicasts m to each destination.
func (t *TCPTransport) SendMany(to []message.SiteID, m message.Message) {
	for _, dest := range to {
		t.Send(dest, m)
	}
}

// Close shuts the listener and every peer connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	t.done = true
	peers := t.peers
	t.peers = map[message.SiteID]*peerConn{}
	t.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	return t.ln.Close()
}

func (t *TCPTransport) peer(to message.SiteID) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	if p, ok := t.peers[to]; ok {
		return p
	}
	addr, ok := t.addrs[to]
	if !ok {
		return nil
	}
	p := newPeerConn(addr, t.log)
	t.peers[to] = p
	return p
}

func (t *TCPTransport) accept() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.done
			t.mu.Unlock()
			if !closed {
				t.log.Error("mailbox accept failed", "error", err)
			}
			return
		}
		go t.readLoop(conn)
	}
}

func (t *TCPTransport) readLoop(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	br := &frameReader{r: conn}
	for {
		frame, err := br.next()
		if err != nil {
			if err != io.EOF {
				t.log.Warn("mailbox connection read failed", "error", err)
			}
			return
		}
		m, err := message.Unmarshal(frame)
		if err != nil {
			t.log.Error("drop undecodable frame", "error", err)
			continue
		}
		t.handler.Deliver(m)
	}
}

// peerConn is one outbound connection with a writer goroutine. The single
// writer preserves send order to that peer.
type peerConn struct {
	addr string
	log  *slog.Logger

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	stop    chan struct{}
}

func newPeerConn(addr string, logger *slog.Logger) *peerConn {
	p := &peerConn{
		addr: addr,
		log:  logger,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

func (p *peerConn) enqueue(frame []byte) {
	p.mu.Lock()
	p.pending = append(p.pending, frame)
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *peerConn) take() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	f := p.pending[0]
	p.pending = p.pending[1:]
	return f
}

func (p *peerConn) writeLoop() {
	var conn net.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()
	var lenBuf [binary.MaxVarintLen64]byte
	for {
		frame := p.take()
		if frame == nil {
			select {
			case <-p.stop:
				return
			case <-p.wake:
				continue
			}
		}
		if conn == nil {
			c, err := net.DialTimeout("tcp", p.addr, 10*time.Second)
			if err != nil {
				p.log.Warn("peer dial failed, dropping frame", "addr", p.addr, "error", err)
				continue
			}
			conn = c
		}
		n := binary.PutUvarint(lenBuf[:], uint64(len(frame)))
		if _, err := conn.Write(lenBuf[:n]); err == nil {
			_, err = conn.Write(frame)
			if err == nil {
				continue
			}
		}
		p.log.Warn("peer write failed, reconnecting", "addr", p.addr)
		_ = conn.Close()
		conn = nil
	}
}

func (p *peerConn) close() {
	close(p.stop)
}

// frameReader decodes uvarint-length-prefixed frames from a stream.
type frameReader struct {
	r io.Reader
}

func (fr *frameReader) next() ([]byte, error) {
	size, err := binary.ReadUvarint(byteReader{fr.r})
	if err != nil {
		return nil, err
	}
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(fr.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

type byteReader struct {
	r io.Reader
}

func (br byteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(br.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
