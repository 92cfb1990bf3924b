package rcluster

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
)

// NodeSession is the abstract single-node RESP client the routing core
// consumes. It is the "external collaborator" named in spec.md §6 — the
// core never assumes anything about its concrete transport beyond this
// contract. The unit tests drive the default redigo-backed implementation
// against the fake server in internal/rctest.
type NodeSession interface {
	// Connect dials (or fetches from a pool) a connection to node.
	Connect(ctx context.Context, node Node) error
	// SetTimeout configures the per-socket operation timeout used the
	// next time this session establishes a new underlying connection.
	SetTimeout(timeout time.Duration)
	// ReusedTimes reports how many times the underlying physical
	// connection has been handed out by its pool before this use; 0
	// means freshly dialed.
	ReusedTimes() int
	Auth(password string) error
	SetKeepalive(idle time.Duration, poolSize int) error
	ReadOnly() error
	Asking() error
	// Do issues a single command and returns its reply.
	Do(cmd string, args ...interface{}) (interface{}, error)
	// InitPipeline/CommitPipeline buffer and flush a node-local RESP
	// pipeline; results come back in submission order.
	InitPipeline()
	CommitPipeline() ([]interface{}, error)
	ClusterSlots() ([]interface{}, error)
	ClusterNodes() (string, error)
	// Close returns the session's connection to its pool (or closes it,
	// for non-pooled transports). Safe to call more than once.
	Close() error
}

// SessionFactory creates NodeSessions. The default implementation pools
// one *redis.Pool per node address, mirroring mna-redisc's
// Cluster.pools field.
type SessionFactory interface {
	NewSession() NodeSession
	CloseAll() error
}

// RedigoSessionFactory is the default NodeSession backing, built on
// github.com/gomodule/redigo/redis, the same transport mna-redisc uses.
type RedigoSessionFactory struct {
	// DialOptions are appended to every redis.Dial/pool dial call.
	DialOptions []redis.DialOption
	// Dial overrides the network dialer (so an in-memory or
	// loopback-pinned dialer can be substituted); nil uses the default
	// net.Dialer.
	Dial func(network, address string) (net.Conn, error)

	ConnectTimeout    time.Duration
	KeepaliveTimeout  time.Duration
	KeepaliveConns    int

	mu    sync.Mutex
	pools map[string]*redis.Pool
}

// countingConn tags a physical connection with a reuse counter,
// incremented by the pool's TestOnBorrow hook every time an idle
// connection is handed back out. redigo has no first-class notion of
// "times reused", so this wrapper supplies one, in the spirit of the
// TestOnBorrow-based bookkeeping mna-redisc's tests use to verify pool
// behavior (redistest/moved_test.go).
type countingConn struct {
	redis.Conn
	reused *int32
}

func (f *RedigoSessionFactory) poolFor(addr string) *redis.Pool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pools == nil {
		f.pools = make(map[string]*redis.Pool)
	}
	if p, ok := f.pools[addr]; ok {
		return p
	}
	p := f.newPool(addr)
	f.pools[addr] = p
	return p
}

func (f *RedigoSessionFactory) newPool(addr string) *redis.Pool {
	opts := append([]redis.DialOption{}, f.DialOptions...)
	timeout := f.ConnectTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	opts = append(opts,
		redis.DialConnectTimeout(timeout),
		redis.DialReadTimeout(timeout),
		redis.DialWriteTimeout(timeout),
	)
	if f.Dial != nil {
		opts = append(opts, redis.DialNetDial(f.Dial))
	}

	maxIdle := f.KeepaliveConns
	if maxIdle <= 0 {
		maxIdle = 1000
	}
	idle := f.KeepaliveTimeout
	if idle <= 0 {
		idle = 55 * time.Second
	}

	return &redis.Pool{
		MaxIdle:     maxIdle,
		MaxActive:   maxIdle,
		IdleTimeout: idle,
		Wait:        false,
		Dial: func() (redis.Conn, error) {
			conn, err := redis.Dial("tcp", addr, opts...)
			if err != nil {
				return nil, err
			}
			return &countingConn{Conn: conn, reused: new(int32)}, nil
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if cc, ok := c.(*countingConn); ok {
				atomic.AddInt32(cc.reused, 1)
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// CloseAll closes every per-node pool this factory created.
func (f *RedigoSessionFactory) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for _, p := range f.pools {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// authenticateIfNeeded implements spec.md §4.8's auth discipline: a
// session fresh from the pool (ReusedTimes() == 0) with a configured
// password must AUTH exactly once; a reused, already-authenticated
// session must not re-issue it.
func authenticateIfNeeded(sess NodeSession, password string) error {
	if password == "" || sess.ReusedTimes() != 0 {
		return nil
	}
	return sess.Auth(password)
}

// NewSession returns an unconnected session; Connect binds it to a node.
func (f *RedigoSessionFactory) NewSession() NodeSession {
	return &redigoSession{factory: f}
}

type redigoSession struct {
	factory *RedigoSessionFactory
	conn    redis.Conn
	node    Node
	reused  int
	timeout time.Duration

	pipelining    bool
	pipelineCount int
}

// SetTimeout records timeout on the session only. Connections come from
// the node's redis.Pool, whose dial/read/write timeouts are fixed from
// RedigoSessionFactory.ConnectTimeout when that pool is created, so the
// recorded value does not change them.
func (s *redigoSession) SetTimeout(timeout time.Duration) { s.timeout = timeout }

func (s *redigoSession) Connect(ctx context.Context, node Node) error {
	pool := s.factory.poolFor(node.Addr())
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return newRoutingError(ConnectFailed, err)
	}
	s.conn = conn
	s.node = node
	if cc, ok := conn.(*countingConn); ok {
		s.reused = int(atomic.LoadInt32(cc.reused))
	}
	return nil
}

func (s *redigoSession) ReusedTimes() int { return s.reused }

func (s *redigoSession) Auth(password string) error {
	if password == "" {
		return nil
	}
	_, err := s.conn.Do("AUTH", password)
	if err != nil {
		return newRoutingError(AuthFailed, err)
	}
	return nil
}

func (s *redigoSession) SetKeepalive(idle time.Duration, poolSize int) error {
	// Keepalive parameters are applied when a node's pool is first
	// created (see RedigoSessionFactory.newPool); by the time a session
	// is bound to a node the pool already exists, so this call only
	// validates the arguments rather than mutating a live pool, which
	// redigo does not support resizing.
	if poolSize < 0 {
		return newRoutingError(ConfigInvalid, nil)
	}
	return nil
}

func (s *redigoSession) ReadOnly() error {
	_, err := s.conn.Do("READONLY")
	return err
}

func (s *redigoSession) Asking() error {
	_, err := s.conn.Do("ASKING")
	return err
}

func (s *redigoSession) Do(cmd string, args ...interface{}) (interface{}, error) {
	if s.pipelining {
		if err := s.conn.Send(cmd, args...); err != nil {
			return nil, err
		}
		s.pipelineCount++
		return nil, nil
	}
	v, err := s.conn.Do(cmd, args...)
	return bulkToString(v), err
}

// bulkToString returns a bulk-string reply (which redigo yields as
// []byte) as a Go string, leaving every other reply shape unchanged.
func bulkToString(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func (s *redigoSession) InitPipeline() {
	s.pipelining = true
	s.pipelineCount = 0
}

func (s *redigoSession) CommitPipeline() ([]interface{}, error) {
	if err := s.conn.Flush(); err != nil {
		return nil, err
	}
	results := make([]interface{}, s.pipelineCount)
	for i := range results {
		v, err := s.conn.Receive()
		if err != nil {
			results[i] = err
		} else {
			results[i] = bulkToString(v)
		}
	}
	s.pipelining = false
	s.pipelineCount = 0
	return results, nil
}

func (s *redigoSession) ClusterSlots() ([]interface{}, error) {
	return redis.Values(s.conn.Do("CLUSTER", "SLOTS"))
}

func (s *redigoSession) ClusterNodes() (string, error) {
	return redis.String(s.conn.Do("CLUSTER", "NODES"))
}

func (s *redigoSession) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
