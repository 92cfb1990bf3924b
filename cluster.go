// Package rcluster implements the slot-routing and redirection engine
// at the core of a Redis Cluster client: it turns logical commands into
// connections to the correct shard, tolerates live topology changes via
// MOVED/ASK, multiplexes multi-command pipelines across shards while
// preserving caller order, and fans administrative commands out to
// every master. See http://redis.io/topics/cluster-spec for background.
//
// Cluster
//
// ClusterClient is the façade: it holds a ClusterConfig, a shared
// TopologyCache entry keyed by ClusterConfig.Name, and the component
// set described in the package's design document (KeyHasher,
// TopologyCache, SlotLoader, NodeSelector, CommandExecutor,
// PipelineExecutor, AdminFanout). New validates the config and performs
// the initial slot load before returning.
//
// Dynamic dispatch
//
// Call(cmd, args...) routes any Redis command name through
// CommandExecutor: by convention, args[0] is the routing key for every
// command except EVAL/EVALSHA, which follow the
// (script, nkeys, key1, arg1, ...) shape and reject nkeys > 1, since
// Redis Cluster itself refuses multi-slot scripts.
//
// Pipelines
//
// InitPipeline switches the client into buffering mode: subsequent
// Call invocations append to an internal buffer instead of contacting
// Redis. CommitPipeline partitions the buffer by target node, issues
// one pipeline per node, and reassembles the results in the caller's
// original order, recovering any individual MOVED/ASK reply without
// re-running the whole batch. CancelPipeline discards the buffer.
//
// A client must be closed once it is no longer used, to release its
// pooled connections.
package rcluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// evalSentinelKey routes EVAL/EVALSHA calls with nkeys == 0, which name
// no key of their own; per spec.md's EVAL contract, callers needing
// deterministic targeting for a 0-key script must pre-route themselves.
const evalSentinelKey = "rcluster:eval-sentinel"

// ClusterConfig configures a ClusterClient. Name and ServList are
// required; every other field has a documented default.
type ClusterConfig struct {
	// Name is the cache key distinguishing co-resident clusters sharing
	// one process; required.
	Name string
	// ServList is the seed node list ("host:port" strings) used when no
	// topology is cached yet; required, non-empty.
	ServList []string
	// Auth is sent once per new node session, if non-empty.
	Auth string

	// ConnectionTimeout is the per-socket operation timeout. Default
	// 1000ms. ConnectionTimout (sic) is a deprecated alias, kept for
	// migration per spec.md's Open Question on the original's
	// misspelling; it is honored only when ConnectionTimeout is zero.
	ConnectionTimeout time.Duration
	ConnectionTimout  time.Duration

	// MaxConnectionAttempts bounds reconnect tries to one seed while
	// loading topology. Default 3.
	MaxConnectionAttempts int
	// MaxRedirection bounds MOVED/ASK retries per command. Default 5.
	MaxRedirection int
	// KeepaliveTimeout is the idle duration before a pooled connection
	// is discarded. Default 55s.
	KeepaliveTimeout time.Duration
	// KeepaliveCons is a pool size hint per node. Default 1000.
	KeepaliveCons int
	// EnableSlaveRead, if true, lets NodeSelector return replicas.
	EnableSlaveRead bool

	// Logger receives structured diagnostics for opportunistic failures
	// (failed background and pipeline refreshes, a failed CLUSTER NODES
	// call during a slot load, failed AdminFanout calls); errors from
	// returning a session to its pool are not logged. Defaults to a
	// no-op logger.
	Logger Logger
	// Dial overrides the network dialer used by the default
	// NodeSession transport, e.g. with a loopback-pinned dialer; nil
	// uses the default net.Dialer.
	Dial func(network, address string) (net.Conn, error)

	// SessionFactory overrides the default redigo-backed NodeSession
	// transport, e.g. with a fake factory talking to a mock server or
	// an in-memory stub.
	SessionFactory SessionFactory
	// Cache overrides the default process-wide TopologyCache; tests
	// use a private cache so they don't interfere with each other.
	Cache *TopologyCache
	// Lock overrides the default single-process NamedLock.
	Lock NamedLock
}

// normalizeConfig resolves defaults and the ConnectionTimout alias.
func normalizeConfig(cfg ClusterConfig) ClusterConfig {
	if cfg.ConnectionTimeout == 0 && cfg.ConnectionTimout != 0 {
		cfg.ConnectionTimeout = cfg.ConnectionTimout
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = time.Second
	}
	if cfg.MaxConnectionAttempts == 0 {
		cfg.MaxConnectionAttempts = 3
	}
	if cfg.MaxRedirection == 0 {
		cfg.MaxRedirection = 5
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = 55 * time.Second
	}
	if cfg.KeepaliveCons == 0 {
		cfg.KeepaliveCons = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger()
	}
	if cfg.Cache == nil {
		cfg.Cache = DefaultTopologyCache
	}
	if cfg.Lock == nil {
		cfg.Lock = DefaultNamedLock
	}
	return cfg
}

// ClientStats holds lightweight, process-local routing counters,
// exposed via ClusterClient.Stats. Grounded in mna-redisc's
// Cluster.Stats() (pool ActiveCount/IdleCount reporting), generalized
// from pool-level to routing-level counters since this module's core
// does not own a pool for every adapter.
type ClientStats struct {
	CommandsExecuted     uint64
	RedirectionsObserved uint64
	RefreshesTriggered   uint64
}

// ClusterClient is the façade described in spec.md §2.8: configuration,
// single-flight initialization, dynamic command dispatch, and pipeline
// entry points. Grounded on mna-redisc/cluster.go's Cluster struct
// (config fields, Refresh/init, Close) and mna-redisc/doc.go's
// description of the public surface, generalized from a
// redigo-Conn-compatible connection to the dynamic dispatch surface
// spec.md §6 describes.
type ClusterClient struct {
	cfg     ClusterConfig
	seeds   []Node
	cache   *TopologyCache
	factory SessionFactory
	loader  *SlotLoader

	executor *CommandExecutor
	pipeline *PipelineExecutor
	admin    *AdminFanout

	stats ClientStats

	mu         sync.Mutex
	pipelining bool
	buffer     []PipelineRequest
}

// New validates config, builds the component set, and performs the
// initial single-flight slot load (spec.md §4.9) before returning.
func New(cfg ClusterConfig) (*ClusterClient, error) {
	if cfg.Name == "" {
		return nil, errConfigMissingName
	}
	if len(cfg.ServList) == 0 {
		return nil, errConfigEmptySeeds
	}

	cfg = normalizeConfig(cfg)

	seeds := make([]Node, 0, len(cfg.ServList))
	for _, s := range cfg.ServList {
		n, err := parseNodeAddr(s)
		if err != nil {
			return nil, &RoutingError{Kind: ConfigInvalid, Err: err}
		}
		seeds = append(seeds, n)
	}

	factory := cfg.SessionFactory
	if factory == nil {
		factory = &RedigoSessionFactory{
			Dial:             cfg.Dial,
			ConnectTimeout:   cfg.ConnectionTimeout,
			KeepaliveTimeout: cfg.KeepaliveTimeout,
			KeepaliveConns:   cfg.KeepaliveCons,
		}
	}

	loader := &SlotLoader{
		Factory:               factory,
		Auth:                  cfg.Auth,
		ConnectTimeout:        cfg.ConnectionTimeout,
		MaxConnectionAttempts: cfg.MaxConnectionAttempts,
		Logger:                cfg.Logger,
	}

	c := &ClusterClient{
		cfg:     cfg,
		seeds:   seeds,
		cache:   cfg.Cache,
		factory: factory,
		loader:  loader,
	}

	policy := SelectionPolicy{EnableSlaveRead: cfg.EnableSlaveRead}
	c.executor = &CommandExecutor{
		Name:           cfg.Name,
		Cache:          c.cache,
		Factory:        factory,
		Auth:           cfg.Auth,
		MaxRedirection: cfg.MaxRedirection,
		Policy:         policy,
		Loader:         loader,
		Seeds:          seeds,
		Logger:         cfg.Logger,
		Stats:          &c.stats,
	}
	c.pipeline = &PipelineExecutor{
		Name:     cfg.Name,
		Cache:    c.cache,
		Factory:  factory,
		Auth:     cfg.Auth,
		Policy:   policy,
		Executor: c.executor,
		Logger:   cfg.Logger,
	}
	c.admin = &AdminFanout{
		Name:    cfg.Name,
		Cache:   c.cache,
		Factory: factory,
		Auth:    cfg.Auth,
		Logger:  cfg.Logger,
	}

	if err := c.InitSlots(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseNodeAddr(addr string) (Node, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Node{}, fmt.Errorf("rcluster: invalid seed address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Node{}, fmt.Errorf("rcluster: invalid seed port %q: %w", addr, err)
	}
	return Node{IP: host, Port: uint16(port)}, nil
}

// InitSlots performs the initial topology load, idempotently and
// single-flighted across concurrent callers in this process (spec.md
// §4.9): if a topology is already cached, it returns immediately;
// otherwise it acquires the named lock "redis_cluster_slot_"+name,
// re-checks the cache, and runs SlotLoader at most once.
func (c *ClusterClient) InitSlots() error {
	if _, ok := c.cache.Get(c.cfg.Name); ok {
		return nil
	}

	h, err := c.cfg.Lock.Lock("redis_cluster_slot_" + c.cfg.Name)
	if err != nil {
		return err
	}
	defer c.cfg.Lock.Unlock(h)

	if _, ok := c.cache.Get(c.cfg.Name); ok {
		return nil
	}

	topo, err := c.loader.Load(context.Background(), c.seeds)
	if err != nil {
		return err
	}
	c.cache.Replace(c.cfg.Name, topo)
	return nil
}

// FetchSlots performs an explicit, best-effort topology refresh,
// unguarded by the initialization lock — refreshes triggered outside
// cold start are never single-flighted (spec.md §4.9).
func (c *ClusterClient) FetchSlots() error {
	seeds := c.seeds
	if topo, ok := c.cache.Get(c.cfg.Name); ok && len(topo.Servers) > 0 {
		seeds = topo.Servers
	}
	topo, err := c.loader.Load(context.Background(), seeds)
	if err != nil {
		return err
	}
	c.cache.Replace(c.cfg.Name, topo)
	return nil
}

// Call dispatches cmd through CommandExecutor (or, in pipeline mode,
// appends it to the buffer). By convention args[0] is the routing key
// for every command except EVAL/EVALSHA.
func (c *ClusterClient) Call(cmd string, args ...interface{}) (interface{}, error) {
	upper := strings.ToUpper(cmd)
	if upper == "EVAL" || upper == "EVALSHA" {
		return c.callEval(cmd, args)
	}
	if len(args) == 0 {
		return nil, &RoutingError{Kind: ConfigInvalid, Err: errors.New("rcluster: command requires a key as its first argument")}
	}
	key, ok := args[0].(string)
	if !ok {
		return nil, &RoutingError{Kind: ConfigInvalid, Err: errors.New("rcluster: first argument must be a string key")}
	}
	return c.dispatch(cmd, key, args[1:])
}

func (c *ClusterClient) callEval(cmd string, args []interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, &RoutingError{Kind: EvalKeysInvalid, Err: errors.New("rcluster: eval requires (script, nkeys, ...)")}
	}
	nkeys, err := parseNkeys(args[1])
	if err != nil {
		return nil, &RoutingError{Kind: EvalKeysInvalid, Err: err}
	}
	if nkeys > 1 {
		return nil, &RoutingError{Kind: EvalKeysInvalid, Err: errors.New("rcluster: eval rejects nkeys > 1, a single slot cannot be guaranteed otherwise")}
	}

	key := evalSentinelKey
	if nkeys == 1 {
		if len(args) < 3 {
			return nil, &RoutingError{Kind: EvalKeysInvalid, Err: errors.New("rcluster: eval declares 1 key but none was given")}
		}
		k, ok := args[2].(string)
		if !ok {
			return nil, &RoutingError{Kind: EvalKeysInvalid, Err: errors.New("rcluster: eval key must be a string")}
		}
		key = k
	}
	// The raw argument list (script, nkeys, keys..., argv...) is
	// forwarded unchanged; invokeCommand never prepends key for
	// EVAL/EVALSHA.
	return c.dispatch(cmd, key, args)
}

func parseNkeys(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("rcluster: non-numeric nkeys %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("rcluster: unsupported nkeys type %T", v)
	}
}

func (c *ClusterClient) dispatch(cmd, key string, args []interface{}) (interface{}, error) {
	c.mu.Lock()
	if c.pipelining {
		c.buffer = append(c.buffer, PipelineRequest{Cmd: cmd, Key: key, Args: args, OriginIndex: len(c.buffer)})
		c.mu.Unlock()
		return nil, nil
	}
	c.mu.Unlock()

	atomic.AddUint64(&c.stats.CommandsExecuted, 1)
	return c.executor.Execute(context.Background(), cmd, key, args)
}

// InitPipeline switches the client into buffering mode.
func (c *ClusterClient) InitPipeline() {
	c.mu.Lock()
	c.pipelining = true
	c.buffer = nil
	c.mu.Unlock()
}

// CancelPipeline discards the buffered pipeline without contacting
// Redis.
func (c *ClusterClient) CancelPipeline() {
	c.mu.Lock()
	c.pipelining = false
	c.buffer = nil
	c.mu.Unlock()
}

// CommitPipeline flushes the buffered pipeline and returns results
// indexed by submission order (spec.md §4.6).
func (c *ClusterClient) CommitPipeline() ([]interface{}, error) {
	c.mu.Lock()
	buffer := c.buffer
	c.pipelining = false
	c.buffer = nil
	c.mu.Unlock()

	if len(buffer) == 0 {
		return nil, nil
	}
	atomic.AddUint64(&c.stats.CommandsExecuted, uint64(len(buffer)))
	return c.pipeline.Commit(context.Background(), buffer)
}

// RunOnAllMasters fans cmd out to every known master (spec.md §4.7).
func (c *ClusterClient) RunOnAllMasters(cmd string, args ...interface{}) error {
	return c.admin.Run(context.Background(), cmd, args)
}

// Stats returns a snapshot of this client's routing counters.
func (c *ClusterClient) Stats() ClientStats {
	return ClientStats{
		CommandsExecuted:     atomic.LoadUint64(&c.stats.CommandsExecuted),
		RedirectionsObserved: atomic.LoadUint64(&c.stats.RedirectionsObserved),
		RefreshesTriggered:   atomic.LoadUint64(&c.stats.RefreshesTriggered),
	}
}

// Close releases every pooled connection this client created.
func (c *ClusterClient) Close() error {
	return c.factory.CloseAll()
}
