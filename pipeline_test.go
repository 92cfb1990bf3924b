package rcluster

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halfunc/rcluster/internal/rctest"
	"github.com/halfunc/rcluster/internal/rctest/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, nodeA, nodeB Node, factory SessionFactory) (*PipelineExecutor, string, string) {
	keyA, keyB := "alpha", "beta"
	require.NotEqual(t, SlotOf(keyA), SlotOf(keyB), "test keys must land in different slots")

	cache := NewTopologyCache()
	var sm SlotMap
	sm[SlotOf(keyA)] = SlotEntry{nodeA}
	sm[SlotOf(keyB)] = SlotEntry{nodeB}
	cache.Replace("t", &Topology{
		Slots:   sm,
		Servers: ServerList{nodeA, nodeB},
		Masters: MasterList{nodeA, nodeB},
	})

	executor := &CommandExecutor{
		Name:           "t",
		Cache:          cache,
		Factory:        factory,
		MaxRedirection: 5,
		Loader:         &SlotLoader{Factory: factory, ConnectTimeout: time.Second, Logger: NopLogger()},
		Seeds:          []Node{nodeA, nodeB},
		Logger:         NopLogger(),
		Stats:          &ClientStats{},
	}
	return &PipelineExecutor{
		Name:     "t",
		Cache:    cache,
		Factory:  factory,
		Executor: executor,
		Logger:   NopLogger(),
	}, keyA, keyB
}

func TestPipelineCommitPreservesOrderAcrossNodes(t *testing.T) {
	srvA := rctest.Start(t, func(cmd string, args ...string) interface{} { return "vA" })
	defer srvA.Close()
	srvB := rctest.Start(t, func(cmd string, args ...string) interface{} { return "vB" })
	defer srvB.Close()

	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	p, keyA, keyB := newTestPipeline(t, dialNode(t, srvA.Addr), dialNode(t, srvB.Addr), factory)

	buffer := []PipelineRequest{
		{Cmd: "GET", Key: keyA, OriginIndex: 0},
		{Cmd: "GET", Key: keyB, OriginIndex: 1},
		{Cmd: "GET", Key: keyA, OriginIndex: 2},
	}
	results, err := p.Commit(context.Background(), buffer)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "vA", results[0])
	assert.Equal(t, "vB", results[1])
	assert.Equal(t, "vA", results[2])
}

func TestPipelineCommitRecoversMovedItem(t *testing.T) {
	srvA := rctest.Start(t, func(cmd string, args ...string) interface{} { return "vA" })
	defer srvA.Close()

	var calls int32
	srvB := rctest.Start(t, func(cmd string, args ...string) interface{} {
		if atomic.AddInt32(&calls, 1) == 1 {
			return resp.Error("MOVED 100 127.0.0.1:1")
		}
		return "vB-recovered"
	})
	defer srvB.Close()

	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	p, keyA, keyB := newTestPipeline(t, dialNode(t, srvA.Addr), dialNode(t, srvB.Addr), factory)

	buffer := []PipelineRequest{
		{Cmd: "GET", Key: keyA, OriginIndex: 0},
		{Cmd: "GET", Key: keyB, OriginIndex: 1},
	}
	results, err := p.Commit(context.Background(), buffer)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "vA", results[0])
	assert.Equal(t, "vB-recovered", results[1])
}

func TestPipelineCommitRecoversAskItem(t *testing.T) {
	var srvC *rctest.Server
	srvA := rctest.Start(t, func(cmd string, args ...string) interface{} { return "vA" })
	defer srvA.Close()

	srvB := rctest.Start(t, func(cmd string, args ...string) interface{} {
		return resp.Error("ASK 100 " + srvC.Addr)
	})
	defer srvB.Close()

	srvC = rctest.Start(t, func(cmd string, args ...string) interface{} {
		if cmd == "ASKING" {
			return "OK"
		}
		return "vC"
	})
	defer srvC.Close()

	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	p, keyA, keyB := newTestPipeline(t, dialNode(t, srvA.Addr), dialNode(t, srvB.Addr), factory)

	buffer := []PipelineRequest{
		{Cmd: "GET", Key: keyA, OriginIndex: 0},
		{Cmd: "GET", Key: keyB, OriginIndex: 1},
	}
	results, err := p.Commit(context.Background(), buffer)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "vA", results[0])
	assert.Equal(t, "vC", results[1])
}

func TestPipelineCommitFailsOnClusterDown(t *testing.T) {
	srvA := rctest.Start(t, func(cmd string, args ...string) interface{} {
		return resp.Error("CLUSTERDOWN The cluster is down")
	})
	defer srvA.Close()
	srvB := rctest.Start(t, func(cmd string, args ...string) interface{} { return "vB" })
	defer srvB.Close()

	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	p, keyA, keyB := newTestPipeline(t, dialNode(t, srvA.Addr), dialNode(t, srvB.Addr), factory)

	buffer := []PipelineRequest{
		{Cmd: "GET", Key: keyA, OriginIndex: 0},
		{Cmd: "GET", Key: keyB, OriginIndex: 1},
	}
	_, err := p.Commit(context.Background(), buffer)
	require.Error(t, err)
	assert.True(t, IsKind(err, ClusterDown))
}

func TestPipelineCommitEmptyTopologyFails(t *testing.T) {
	factory := &RedigoSessionFactory{ConnectTimeout: time.Second}
	defer factory.CloseAll()

	cache := NewTopologyCache()
	p := &PipelineExecutor{
		Name:     "t",
		Cache:    cache,
		Factory:  factory,
		Executor: &CommandExecutor{Name: "t", Cache: cache, Factory: factory, Loader: &SlotLoader{Factory: factory, Logger: NopLogger()}, Logger: NopLogger()},
		Logger:   NopLogger(),
	}
	_, err := p.Commit(context.Background(), []PipelineRequest{{Cmd: "GET", Key: "x"}})
	require.Error(t, err)
	assert.True(t, IsKind(err, TopologyUnknown))
}
