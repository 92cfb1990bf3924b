package rcluster

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halfunc/rcluster/internal/rctest"
	"github.com/halfunc/rcluster/internal/rctest/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestExecutor builds a CommandExecutor whose Cache has a single slot
// entry (slot of "k") pointing at node, and whose SlotLoader/Seeds are
// wired (even though most tests don't care about its outcome) so that
// triggerRefresh's background goroutine never dereferences a nil Loader.
func newTestExecutor(t *testing.T, node Node, factory SessionFactory) *CommandExecutor {
	cache := NewTopologyCache()
	cache.Replace("t", &Topology{
		Slots:   func() SlotMap { var sm SlotMap; sm[SlotOf("k")] = SlotEntry{node}; return sm }(),
		Servers: ServerList{node},
		Masters: MasterList{node},
	})
	return &CommandExecutor{
		Name:           "t",
		Cache:          cache,
		Factory:        factory,
		MaxRedirection: 5,
		Loader:         &SlotLoader{Factory: factory, ConnectTimeout: time.Second, Logger: NopLogger()},
		Seeds:          []Node{node},
		Logger:         NopLogger(),
		Stats:          &ClientStats{},
	}
}

func TestCommandExecutorStraightRouting(t *testing.T) {
	srv := rctest.Start(t, func(cmd string, args ...string) interface{} {
		if cmd == "GET" {
			return "v1"
		}
		return "OK"
	})
	defer srv.Close()

	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	e := newTestExecutor(t, dialNode(t, srv.Addr), factory)
	v, err := e.Execute(context.Background(), "GET", "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestCommandExecutorMovedRetrySucceedsOnSameNode(t *testing.T) {
	var calls int32
	srv := rctest.Start(t, func(cmd string, args ...string) interface{} {
		if cmd != "GET" {
			return "OK"
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			return resp.Error("MOVED 100 127.0.0.1:1")
		}
		return "v2"
	})
	defer srv.Close()

	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	e := newTestExecutor(t, dialNode(t, srv.Addr), factory)
	v, err := e.Execute(context.Background(), "GET", "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, uint64(1), e.Stats.RedirectionsObserved)
}

func TestCommandExecutorAskRedirectsToTarget(t *testing.T) {
	var srvB *rctest.Server
	srvA := rctest.Start(t, func(cmd string, args ...string) interface{} {
		if cmd != "GET" {
			return "OK"
		}
		return resp.Error(fmt.Sprintf("ASK 100 %s", srvB.Addr))
	})
	defer srvA.Close()

	srvB = rctest.Start(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "ASKING":
			return "OK"
		case "GET":
			return "v3"
		default:
			return "OK"
		}
	})
	defer srvB.Close()

	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	e := newTestExecutor(t, dialNode(t, srvA.Addr), factory)
	v, err := e.Execute(context.Background(), "GET", "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "v3", v)
	assert.Equal(t, uint64(1), e.Stats.RedirectionsObserved)
}

func TestCommandExecutorNestedAskFails(t *testing.T) {
	var srvB *rctest.Server
	srvA := rctest.Start(t, func(cmd string, args ...string) interface{} {
		if cmd != "GET" {
			return "OK"
		}
		return resp.Error(fmt.Sprintf("ASK 100 %s", srvB.Addr))
	})
	defer srvA.Close()

	srvB = rctest.Start(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "ASKING":
			return "OK"
		case "GET":
			return resp.Error("ASK 200 127.0.0.1:1")
		default:
			return "OK"
		}
	})
	defer srvB.Close()

	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	e := newTestExecutor(t, dialNode(t, srvA.Addr), factory)
	_, err := e.Execute(context.Background(), "GET", "k", nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, NestedAskRedirection))
}

func TestCommandExecutorClusterDownShortCircuits(t *testing.T) {
	var calls int32
	srv := rctest.Start(t, func(cmd string, args ...string) interface{} {
		if cmd != "GET" {
			return "OK"
		}
		atomic.AddInt32(&calls, 1)
		return resp.Error("CLUSTERDOWN The cluster is down")
	})
	defer srv.Close()

	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	e := newTestExecutor(t, dialNode(t, srv.Addr), factory)
	_, err := e.Execute(context.Background(), "GET", "k", nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, ClusterDown))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "CLUSTERDOWN must not be retried")
}

func TestCommandExecutorMaxRedirectionExceeded(t *testing.T) {
	srv := rctest.Start(t, func(cmd string, args ...string) interface{} {
		if cmd != "GET" {
			return "OK"
		}
		return resp.Error("MOVED 100 127.0.0.1:1")
	})
	defer srv.Close()

	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	e := newTestExecutor(t, dialNode(t, srv.Addr), factory)
	e.MaxRedirection = 3
	_, err := e.Execute(context.Background(), "GET", "k", nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, MaxRedirectionsExceeded))
}

func TestCommandExecutorUnknownSlotFails(t *testing.T) {
	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	cache := NewTopologyCache()
	cache.Replace("t", &Topology{})
	e := &CommandExecutor{
		Name:    "t",
		Cache:   cache,
		Factory: factory,
		Loader:  &SlotLoader{Factory: factory, Logger: NopLogger()},
		Logger:  NopLogger(),
	}
	_, err := e.Execute(context.Background(), "GET", "k", nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, TopologyUnknown))
}
