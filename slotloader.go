package rcluster

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
)

// LoadErrors is returned by SlotLoader.Load when every seed failed to
// yield a usable SlotMap; it accumulates one error per seed attempted,
// per spec.md §4.3's "return the accumulated Errors list" rule.
type LoadErrors struct {
	Errors []error
}

func (e *LoadErrors) Error() string {
	if len(e.Errors) == 0 {
		return "rcluster: no seeds available"
	}
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return "rcluster: all seeds failed: " + strings.Join(parts, "; ")
}

// SlotLoader fetches CLUSTER SLOTS and CLUSTER NODES from any reachable
// seed and builds a fresh Topology. Grounded on mna-redisc/cluster.go's
// getClusterSlots for the CLUSTER SLOTS scan shape, extended to capture
// the full ordered node list (master + replicas) per slot range instead
// of the master only, and to also parse CLUSTER NODES for MasterList.
type SlotLoader struct {
	Factory               SessionFactory
	Auth                  string
	ConnectTimeout        time.Duration
	MaxConnectionAttempts int
	Logger                Logger
}

func (sl *SlotLoader) logger() Logger {
	if sl.Logger != nil {
		return sl.Logger
	}
	return NopLogger()
}

// Load tries every seed, in order, until one yields a usable SlotMap.
func (sl *SlotLoader) Load(ctx context.Context, seeds []Node) (*Topology, error) {
	var errs []error
	for _, seed := range seeds {
		sess, err := sl.connectWithRetry(ctx, seed)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", seed, err))
			continue
		}

		topo, err := sl.loadFromSession(sess)
		sess.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", seed, err))
			continue
		}
		return topo, nil
	}
	return nil, &LoadErrors{Errors: errs}
}

func (sl *SlotLoader) connectWithRetry(ctx context.Context, node Node) (NodeSession, error) {
	attempts := sl.MaxConnectionAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		sess := sl.Factory.NewSession()
		sess.SetTimeout(sl.ConnectTimeout)
		if err := sess.Connect(ctx, node); err != nil {
			lastErr = err
			continue
		}
		if err := authenticateIfNeeded(sess, sl.Auth); err != nil {
			sess.Close()
			return nil, err
		}
		return sess, nil
	}
	return nil, newRoutingError(ConnectFailed, lastErr)
}

func (sl *SlotLoader) loadFromSession(sess NodeSession) (*Topology, error) {
	rows, err := sess.ClusterSlots()
	if err != nil {
		return nil, err
	}
	slots, servers, err := parseClusterSlotsReply(rows)
	if err != nil {
		return nil, err
	}

	masters, err := sl.loadMasters(sess, slots)
	if err != nil {
		// Per spec.md §4.3: a SlotMap without a usable CLUSTER NODES
		// response is still a usable Topology; MasterList falls back to
		// the unique first-position masters already present in slots.
		logError(sl.logger(), "slotloader", "CLUSTER NODES failed, falling back to slot-map masters", err)
		masters = mastersFromSlotMap(slots)
	}

	return &Topology{Slots: slots, Servers: servers, Masters: masters}, nil
}

func (sl *SlotLoader) loadMasters(sess NodeSession, slots SlotMap) (MasterList, error) {
	text, err := sess.ClusterNodes()
	if err != nil {
		return nil, err
	}
	return parseClusterNodesReply(text), nil
}

// parseClusterSlotsReply turns a CLUSTER SLOTS reply into a SlotMap and
// the ServerList discovered within it. Each row is
// [start, end, [masterIP, masterPort, ...], [replicaIP, replicaPort, ...], ...].
func parseClusterSlotsReply(vals []interface{}) (SlotMap, ServerList, error) {
	var sm SlotMap
	serverSet := make(map[string]Node)

	for _, raw := range vals {
		row, err := redis.Values(raw, nil)
		if err != nil {
			return sm, nil, err
		}
		if len(row) < 3 {
			return sm, nil, fmt.Errorf("rcluster: malformed CLUSTER SLOTS row (want >= 3 fields, got %d)", len(row))
		}

		start, err := redis.Int(row[0], nil)
		if err != nil {
			return sm, nil, err
		}
		end, err := redis.Int(row[1], nil)
		if err != nil {
			return sm, nil, err
		}

		var entry SlotEntry
		for _, nodeRaw := range row[2:] {
			nodeRow, err := redis.Values(nodeRaw, nil)
			if err != nil {
				return sm, nil, err
			}
			if len(nodeRow) < 2 {
				continue
			}
			ip, err := redis.String(nodeRow[0], nil)
			if err != nil {
				return sm, nil, err
			}
			port, err := redis.Int(nodeRow[1], nil)
			if err != nil {
				return sm, nil, err
			}
			n := Node{IP: ip, Port: uint16(port)}
			entry = append(entry, n)
			serverSet[n.Addr()] = n
		}
		if len(entry) == 0 {
			continue
		}
		for s := start; s <= end && s < hashSlots; s++ {
			sm[s] = entry
		}
	}

	servers := make(ServerList, 0, len(serverSet))
	for _, n := range serverSet {
		servers = append(servers, n)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Addr() < servers[j].Addr() })

	return sm, servers, nil
}

// parseClusterNodesReply extracts MasterList from a CLUSTER NODES reply:
// whitespace-separated fields, field[2] is the flags list (scanned for
// the token "master"), field[1] is "ip:port@cport".
func parseClusterNodesReply(text string) MasterList {
	var masters MasterList
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if !containsFlag(fields[2], "master") {
			continue
		}
		hostport := fields[1]
		if at := strings.IndexByte(hostport, '@'); at >= 0 {
			hostport = hostport[:at]
		}
		host, portStr, err := net.SplitHostPort(hostport)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		masters = append(masters, Node{IP: host, Port: uint16(port)})
	}
	return masters
}

func containsFlag(flags, token string) bool {
	for _, f := range strings.Split(flags, ",") {
		if f == token {
			return true
		}
	}
	return false
}

// mastersFromSlotMap derives MasterList from the unique first-position
// (master) node of every assigned SlotEntry, used as a fallback when
// the CLUSTER NODES call fails.
func mastersFromSlotMap(sm SlotMap) MasterList {
	seen := make(map[string]bool)
	var out MasterList
	for _, e := range sm {
		if e == nil {
			continue
		}
		m := e.Master()
		if !seen[m.Addr()] {
			seen[m.Addr()] = true
			out = append(out, m)
		}
	}
	return out
}
