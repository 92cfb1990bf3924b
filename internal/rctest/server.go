// Package rctest provides a fake single-node Redis server for exercising
// SlotLoader, CommandExecutor, PipelineExecutor, and AdminFanout without a
// real redis-server binary. It speaks just enough of the RESP request
// protocol to dispatch each command to a test-supplied Handler.
package rctest

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/halfunc/rcluster/internal/rctest/resp"
	"github.com/stretchr/testify/require"
)

// Handler answers one command, returning the value to encode as the
// reply (a RESP-encodable Go value, or a resp.Error / error for error
// replies).
type Handler func(cmd string, args ...string) interface{}

// Server is a fake single-node Redis server bound to a loopback port. It
// keeps a registry of every open connection so Close can force them shut
// directly, instead of relying on each connection's goroutine to notice
// shutdown on its own.
type Server struct {
	Addr string

	t        *testing.T
	l        net.Listener
	h        Handler
	wg       sync.WaitGroup
	stopOnce sync.Once

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// Start listens on a free loopback port and accepts connections,
// answering each request with handler, until the returned *Server is
// closed.
func Start(t *testing.T, handler Handler) *Server {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen")

	s := &Server{
		Addr:  l.Addr().String(),
		t:     t,
		l:     l,
		h:     handler,
		conns: make(map[net.Conn]struct{}),
	}
	go s.acceptLoop()
	return s
}

// Close stops the listener, force-closes every open connection, and
// waits (up to 5s) for their handler goroutines to return. Safe to call
// more than once.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		require.NoError(s.t, s.l.Close(), "close listener")

		s.connsMu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.connsMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.t.Fatal("rctest: server failed to stop cleanly")
	}
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.l.Accept()
		if err != nil {
			return
		}
		s.register(c)
		s.wg.Add(1)
		go s.handleConn(c)
	}
}

func (s *Server) register(c net.Conn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) deregister(c net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

// handleConn answers requests on c until it errors out, either because
// the peer disconnected or Close force-closed the socket.
func (s *Server) handleConn(c net.Conn) {
	defer s.wg.Done()
	defer s.deregister(c)
	defer c.Close()

	br := bufio.NewReader(c)
	for {
		req, err := resp.DecodeRequest(br)
		if err != nil {
			return
		}
		if err := resp.Encode(c, s.h(req[0], req[1:]...)); err != nil {
			return
		}
	}
}
