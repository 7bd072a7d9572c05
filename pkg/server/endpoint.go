package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/openjam/jamd/pkg/protocol"
)

// EndpointStatus is the lifecycle state of a connection endpoint.
type EndpointStatus int32

const (
	// StatusOK means the endpoint is healthy.
	StatusOK EndpointStatus = iota
	// StatusClosing means a graceful close is scheduled: queued messages
	// still flush, nothing new is accepted.
	StatusClosing
	// StatusClosed means the endpoint is gone.
	StatusClosed
)

// Endpoint is the ordered, reliable, message-framed transport a session
// runs on. Send and Poll never block; all methods are safe for
// concurrent use.
type Endpoint interface {
	// Send queues a message. Messages to a closing or closed endpoint
	// are dropped.
	Send(msg *protocol.Message)
	// Poll returns the next decoded incoming message, or nil.
	Poll() *protocol.Message
	Status() EndpointStatus
	// CloseAfterSend schedules a close once every queued message has
	// been flushed to the peer.
	CloseAfterSend()
	// Terminate closes immediately, discarding queued messages.
	// Idempotent.
	Terminate()
	RemoteAddr() string
}

const (
	inboxSize  = 64
	outboxSize = 256
)

// netEndpoint pumps a net.Conn with one reader and one writer goroutine.
// A nil message on the outbox is the flush-and-close sentinel.
type netEndpoint struct {
	conn net.Conn

	in   chan *protocol.Message
	out  chan *protocol.Message
	quit chan struct{}

	state     atomic.Int32
	closeOnce sync.Once
	termOnce  sync.Once
}

// NewEndpoint wraps an accepted net.Conn in an Endpoint.
func NewEndpoint(conn net.Conn) Endpoint {
	ep := &netEndpoint{
		conn: conn,
		in:   make(chan *protocol.Message, inboxSize),
		out:  make(chan *protocol.Message, outboxSize),
		quit: make(chan struct{}),
	}
	go ep.readLoop()
	go ep.writeLoop()
	return ep
}

func (ep *netEndpoint) readLoop() {
	for {
		msg, err := protocol.ReadMessage(ep.conn)
		if err != nil {
			// Peer gone or stream garbage: either way the session is over.
			ep.Terminate()
			return
		}
		select {
		case ep.in <- msg:
		case <-ep.quit:
			return
		}
	}
}

func (ep *netEndpoint) writeLoop() {
	for {
		select {
		case msg := <-ep.out:
			if msg == nil { // flush sentinel from CloseAfterSend
				ep.state.Store(int32(StatusClosed))
				_ = ep.conn.Close()
				return
			}
			if err := protocol.WriteMessage(ep.conn, msg); err != nil {
				ep.Terminate()
				return
			}
		case <-ep.quit:
			return
		}
	}
}

func (ep *netEndpoint) Send(msg *protocol.Message) {
	if ep.Status() != StatusOK {
		return
	}
	select {
	case ep.out <- msg:
	default:
		// Outbox full: the peer cannot keep up with the session it
		// subscribed to. Dropping the connection beats unbounded memory.
		ep.Terminate()
	}
}

func (ep *netEndpoint) Poll() *protocol.Message {
	select {
	case msg := <-ep.in:
		return msg
	default:
		return nil
	}
}

func (ep *netEndpoint) Status() EndpointStatus {
	return EndpointStatus(ep.state.Load())
}

func (ep *netEndpoint) CloseAfterSend() {
	ep.closeOnce.Do(func() {
		if !ep.state.CompareAndSwap(int32(StatusOK), int32(StatusClosing)) {
			return
		}
		select {
		case ep.out <- nil:
		default:
			ep.Terminate()
		}
	})
}

func (ep *netEndpoint) Terminate() {
	ep.termOnce.Do(func() {
		ep.state.Store(int32(StatusClosed))
		close(ep.quit)
		_ = ep.conn.Close()
	})
}

func (ep *netEndpoint) RemoteAddr() string {
	return ep.conn.RemoteAddr().String()
}

// remoteHost strips the port from an endpoint address.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
