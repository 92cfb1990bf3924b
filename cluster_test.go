package rcluster

import (
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/halfunc/rcluster/internal/rctest"
	"github.com/halfunc/rcluster/internal/rctest/resp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startSingleNodeCluster starts one mock server that owns every slot and
// answers CLUSTER SLOTS/NODES plus a tiny GET/SET/INCR/EVAL/FLUSHALL
// store, enough to exercise ClusterClient end to end.
func startSingleNodeCluster(t *testing.T) *rctest.Server {
	store := make(map[string]string)
	var addr string

	srv := rctest.Start(t, func(cmd string, args ...string) interface{} {
		switch cmd {
		case "CLUSTER":
			if len(args) == 0 {
				return resp.Error("ERR wrong number of arguments")
			}
			host, portStr, _ := net.SplitHostPort(addr)
			port, _ := strconv.Atoi(portStr)
			switch args[0] {
			case "SLOTS":
				return []interface{}{
					[]interface{}{int64(0), int64(16383), []interface{}{host, int64(port)}},
				}
			case "NODES":
				return fmt.Sprintf("id1 %s@%d master - 0 0 0 connected 0-16383\n", addr, port+10000)
			default:
				return "OK"
			}
		case "GET":
			if v, ok := store[args[0]]; ok {
				return v
			}
			return nil
		case "SET":
			store[args[0]] = args[1]
			return "OK"
		case "INCR":
			n, _ := strconv.Atoi(store[args[0]])
			n++
			store[args[0]] = strconv.Itoa(n)
			return int64(n)
		case "EVAL":
			return "eval-ok"
		case "FLUSHALL":
			store = make(map[string]string)
			return "OK"
		default:
			return "OK"
		}
	})
	addr = srv.Addr
	return srv
}

func TestNewRejectsMissingName(t *testing.T) {
	_, err := New(ClusterConfig{ServList: []string{"127.0.0.1:1"}})
	require.Error(t, err)
	assert.True(t, IsKind(err, ConfigInvalid))
}

func TestNewRejectsEmptySeeds(t *testing.T) {
	_, err := New(ClusterConfig{Name: "t"})
	require.Error(t, err)
	assert.True(t, IsKind(err, ConfigInvalid))
}

func TestClusterClientCallRoutesSetAndGet(t *testing.T) {
	srv := startSingleNodeCluster(t)
	defer srv.Close()

	c, err := New(ClusterConfig{
		Name:              t.Name(),
		ServList:          []string{srv.Addr},
		ConnectionTimeout: time.Second,
		Cache:             NewTopologyCache(),
	})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call("SET", "greeting", "hello")
	require.NoError(t, err)

	v, err := c.Call("GET", "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	assert.Equal(t, uint64(2), c.Stats().CommandsExecuted)
}

func TestClusterClientConnectionTimoutAliasIsHonored(t *testing.T) {
	srv := startSingleNodeCluster(t)
	defer srv.Close()

	c, err := New(ClusterConfig{
		Name:             t.Name(),
		ServList:         []string{srv.Addr},
		ConnectionTimout: 750 * time.Millisecond,
		Cache:            NewTopologyCache(),
	})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 750*time.Millisecond, c.cfg.ConnectionTimeout)
}

func TestClusterClientEvalRejectsMultiKey(t *testing.T) {
	srv := startSingleNodeCluster(t)
	defer srv.Close()

	c, err := New(ClusterConfig{Name: t.Name(), ServList: []string{srv.Addr}, Cache: NewTopologyCache()})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call("EVAL", "return 1", 2, "k1", "k2")
	require.Error(t, err)
	assert.True(t, IsKind(err, EvalKeysInvalid))
}

func TestClusterClientEvalZeroKeysUsesSentinel(t *testing.T) {
	srv := startSingleNodeCluster(t)
	defer srv.Close()

	c, err := New(ClusterConfig{Name: t.Name(), ServList: []string{srv.Addr}, Cache: NewTopologyCache()})
	require.NoError(t, err)
	defer c.Close()

	v, err := c.Call("EVAL", "return 1", 0)
	require.NoError(t, err)
	assert.Equal(t, "eval-ok", v)
}

func TestClusterClientPipelineReassemblesInOrder(t *testing.T) {
	srv := startSingleNodeCluster(t)
	defer srv.Close()

	c, err := New(ClusterConfig{Name: t.Name(), ServList: []string{srv.Addr}, Cache: NewTopologyCache()})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call("SET", "a", "1")
	require.NoError(t, err)
	_, err = c.Call("SET", "b", "2")
	require.NoError(t, err)

	c.InitPipeline()
	_, _ = c.Call("GET", "a")
	_, _ = c.Call("GET", "b")
	_, _ = c.Call("GET", "a")
	results, err := c.CommitPipeline()
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "1", results[0])
	assert.Equal(t, "2", results[1])
	assert.Equal(t, "1", results[2])
}

func TestClusterClientCancelPipelineDiscardsBuffer(t *testing.T) {
	srv := startSingleNodeCluster(t)
	defer srv.Close()

	c, err := New(ClusterConfig{Name: t.Name(), ServList: []string{srv.Addr}, Cache: NewTopologyCache()})
	require.NoError(t, err)
	defer c.Close()

	c.InitPipeline()
	_, _ = c.Call("GET", "a")
	c.CancelPipeline()

	results, err := c.CommitPipeline()
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestClusterClientRunOnAllMasters(t *testing.T) {
	srv := startSingleNodeCluster(t)
	defer srv.Close()

	c, err := New(ClusterConfig{Name: t.Name(), ServList: []string{srv.Addr}, Cache: NewTopologyCache()})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.RunOnAllMasters("FLUSHALL"))
}

func TestClusterClientInitSlotsIsIdempotent(t *testing.T) {
	srv := startSingleNodeCluster(t)
	defer srv.Close()

	c, err := New(ClusterConfig{Name: t.Name(), ServList: []string{srv.Addr}, Cache: NewTopologyCache()})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.InitSlots())
	require.NoError(t, c.InitSlots())
}
