package opc

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/opcbridge/opcbridged/internal/logger"
)

// Dispatcher receives decoded messages off any accepted connection.
// The connection's reader goroutine calls Dispatch once per complete
// Message; until Dispatch returns, that connection's framing waits,
// while other connections are unaffected.
type Dispatcher interface {
	Dispatch(msg Message)
}

// Listener accepts OPC connections on a TCP address and hands decoded
// messages to a Dispatcher, grounded on the accept-loop-plus-per-conn-
// goroutine shape of ipp-usb's HTTPProxy (http.go), adapted from HTTP
// request/response framing to raw length-prefixed OPC framing.
type Listener struct {
	log        *logger.Logger
	dispatcher Dispatcher
	ln         net.Listener

	mu    sync.Mutex
	conns map[net.Conn]*connStats

	closeWait chan struct{}
}

// connStats accumulates per-connection byte/message counts, used to
// make the "total bytes dispatched to MAP equals total OPC-payload
// bytes parsed" property spec.md §8 describes mechanically checkable
// in tests, grounded in the teacher's own usbConnState counters
// (usb.go).
type connStats struct {
	remoteAddr   string
	bytesRead    uint64
	payloadBytes uint64
	messages     uint64
}

// ConnStats is a snapshot of one connection's accounting.
type ConnStats struct {
	RemoteAddr   string
	BytesRead    uint64
	PayloadBytes uint64
	Messages     uint64
}

// Listen starts accepting connections on addr ("host:port").
func Listen(addr string, log *logger.Logger, dispatcher Dispatcher) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		log:        log,
		dispatcher: dispatcher,
		ln:         ln,
		conns:      make(map[net.Conn]*connStats),
		closeWait:  make(chan struct{}),
	}

	go l.acceptLoop()
	return l, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) acceptLoop() {
	defer close(l.closeWait)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.serve(conn)
	}
}

func (l *Listener) track(conn net.Conn) *connStats {
	st := &connStats{remoteAddr: conn.RemoteAddr().String()}
	l.mu.Lock()
	l.conns[conn] = st
	l.mu.Unlock()
	return st
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

// ConnStats returns a snapshot of every currently tracked connection's
// accounting.
func (l *Listener) ConnStats() []ConnStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ConnStats, 0, len(l.conns))
	for _, st := range l.conns {
		out = append(out, ConnStats{
			RemoteAddr:   st.remoteAddr,
			BytesRead:    atomic.LoadUint64(&st.bytesRead),
			PayloadBytes: atomic.LoadUint64(&st.payloadBytes),
			Messages:     atomic.LoadUint64(&st.messages),
		})
	}
	return out
}

func (l *Listener) serve(conn net.Conn) {
	st := l.track(conn)
	defer l.untrack(conn)
	defer conn.Close()

	framer := NewFramer()
	buf := make([]byte, 64*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			atomic.AddUint64(&st.bytesRead, uint64(n))
			msgs, ferr := framer.Feed(buf[:n])
			for _, msg := range msgs {
				atomic.AddUint64(&st.payloadBytes, uint64(len(msg.Payload)))
				atomic.AddUint64(&st.messages, 1)
				l.dispatcher.Dispatch(msg)
			}
			if ferr != nil {
				if l.log != nil {
					l.log.Error('!', "opc: %s, closing connection from %s", ferr, conn.RemoteAddr())
				}
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Close stops accepting new connections and closes every currently
// tracked connection.
func (l *Listener) Close() error {
	err := l.ln.Close()
	<-l.closeWait

	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	return err
}
