package rcluster

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// CommandExecutor implements the per-command redirection state machine
// of spec.md §4.5: resolve slot, select a node, open a session, issue
// the command, and interpret MOVED/ASK/CLUSTERDOWN replies, bounded by
// MaxRedirection attempts.
//
// Grounded on mna-redisc/cluster.go's needsRefresh (background,
// non-blocking refresh triggered by a redirection) merged with the
// retry loop mna-redisc/retry_conn.go's RetryConn wraps around Do —
// here folded into one synchronous state machine, since this module's
// core owns retries directly instead of delegating to an optional
// wrapper connection.
type CommandExecutor struct {
	Name           string
	Cache          *TopologyCache
	Factory        SessionFactory
	Auth           string
	MaxRedirection int
	Policy         SelectionPolicy
	Loader         *SlotLoader
	Seeds          []Node
	Logger         Logger
	Stats          *ClientStats

	// refreshGroup coalesces concurrent background refreshes triggered
	// by many commands observing a redirection at once, so a storm of
	// MOVED replies causes one SlotLoader run, not one per caller.
	refreshGroup singleflight.Group
}

func (e *CommandExecutor) logger() Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return NopLogger()
}

func (e *CommandExecutor) maxRedirection() int {
	if e.MaxRedirection <= 0 {
		return 5
	}
	return e.MaxRedirection
}

// triggerRefresh schedules a best-effort topology refresh. It never
// blocks the caller and its outcome is only logged, per spec.md §7's
// propagation policy.
func (e *CommandExecutor) triggerRefresh() {
	if e.Stats != nil {
		atomic.AddUint64(&e.Stats.RefreshesTriggered, 1)
	}
	go func() {
		_, _, _ = e.refreshGroup.Do(e.Name, func() (interface{}, error) {
			seeds := e.Seeds
			if topo, ok := e.Cache.Get(e.Name); ok && len(topo.Servers) > 0 {
				seeds = topo.Servers
			}
			topo, err := e.Loader.Load(context.Background(), seeds)
			if err != nil {
				logError(e.logger(), "executor", "background topology refresh failed", err)
				return nil, err
			}
			e.Cache.Replace(e.Name, topo)
			return nil, nil
		})
	}()
}

// Execute runs cmd against key, following redirections as needed.
func (e *CommandExecutor) Execute(ctx context.Context, cmd, key string, args []interface{}) (interface{}, error) {
	return e.executeFrom(ctx, cmd, key, args, nil)
}

// ExecuteAsk runs a single command directly against node in the Asking
// state (ASKING preamble, then cmd), as required to recover a
// PipelineExecutor item that came back with an ASK reply (spec.md
// §4.6 step 5). Any further MOVED/ASK the server returns is still
// handled by the same bounded state machine as a normal Execute call.
func (e *CommandExecutor) ExecuteAsk(ctx context.Context, node Node, cmd, key string, args []interface{}) (interface{}, error) {
	return e.executeFrom(ctx, cmd, key, args, &node)
}

func (e *CommandExecutor) executeFrom(ctx context.Context, cmd, key string, args []interface{}, initialAsk *Node) (interface{}, error) {
	slot := SlotOf(key)
	askTarget := initialAsk

	for attempt := 1; attempt <= e.maxRedirection(); attempt++ {
		topo, ok := e.Cache.Get(e.Name)
		if !ok {
			return nil, &RoutingError{Kind: TopologyUnknown, Slot: slot}
		}
		entry, ok := topo.EntryFor(slot)
		if !ok {
			return nil, &RoutingError{Kind: TopologyUnknown, Slot: slot}
		}

		var node Node
		var isReplica bool
		if askTarget != nil {
			// An ASK target is always addressed as a master, never a
			// replica, regardless of its role in the slot map.
			node, isReplica = *askTarget, false
		} else {
			var err error
			node, isReplica, err = PickNode(entry, e.Policy, nil)
			if err != nil {
				return nil, err
			}
		}

		sess := e.Factory.NewSession()
		if err := sess.Connect(ctx, node); err != nil {
			e.triggerRefresh()
			if attempt == e.maxRedirection() {
				return nil, &RoutingError{Kind: ConnectFailed, Node: node, Slot: slot, Err: err}
			}
			continue
		}

		if err := authenticateIfNeeded(sess, e.Auth); err != nil {
			sess.Close()
			return nil, err
		}

		if isReplica {
			if err := sess.ReadOnly(); err != nil {
				sess.Close()
				e.triggerRefresh()
				return nil, &RoutingError{Kind: BackendError, Node: node, Slot: slot, Err: err}
			}
		}

		if askTarget != nil {
			if err := sess.Asking(); err != nil {
				sess.Close()
				e.triggerRefresh()
				return nil, &RoutingError{Kind: BackendError, Node: node, Slot: slot, Err: err}
			}
		}

		result, doErr := invokeCommand(sess, cmd, key, args)
		if doErr == nil {
			sess.Close()
			return result, nil
		}

		msg := doErr.Error()
		switch {
		case strings.HasPrefix(msg, "MOVED"):
			sess.Close()
			if e.Stats != nil {
				atomic.AddUint64(&e.Stats.RedirectionsObserved, 1)
			}
			askTarget = nil
			e.triggerRefresh()
			continue

		case strings.HasPrefix(msg, "ASK "):
			sess.Close()
			if e.Stats != nil {
				atomic.AddUint64(&e.Stats.RedirectionsObserved, 1)
			}
			target, perr := parseAskTarget(msg)
			if perr != nil {
				return nil, &RoutingError{Kind: BackendError, Slot: slot, Err: perr}
			}
			if askTarget != nil {
				return nil, errNestedAsk
			}
			askTarget = &target
			continue

		case strings.HasPrefix(msg, "CLUSTERDOWN"):
			sess.Close()
			return nil, &RoutingError{Kind: ClusterDown, Node: node, Slot: slot, Err: doErr}

		default:
			sess.Close()
			e.triggerRefresh()
			return nil, &RoutingError{Kind: BackendError, Node: node, Slot: slot, Err: doErr}
		}
	}

	return nil, errMaxRedirsExceeded
}

// invokeCommand issues cmd on sess. EVAL/EVALSHA are passed the raw
// argument list unchanged; every other command gets key prepended.
func invokeCommand(sess NodeSession, cmd, key string, args []interface{}) (interface{}, error) {
	switch strings.ToUpper(cmd) {
	case "EVAL", "EVALSHA":
		return sess.Do(cmd, args...)
	default:
		full := make([]interface{}, 0, len(args)+1)
		full = append(full, key)
		full = append(full, args...)
		return sess.Do(cmd, full...)
	}
}

var askPattern = regexp.MustCompile(`^ASK [^ ]+ ([^:]+):([^ ]+)`)

// parseAskTarget extracts the ip:port target from an "ASK <slot> <ip>:<port>"
// reply, per spec.md §6's wire format.
func parseAskTarget(msg string) (Node, error) {
	m := askPattern.FindStringSubmatch(msg)
	if m == nil {
		return Node{}, fmt.Errorf("rcluster: malformed ASK redirection %q", msg)
	}
	port, err := strconv.Atoi(m[2])
	if err != nil {
		return Node{}, fmt.Errorf("rcluster: malformed ASK port in %q: %w", msg, err)
	}
	return Node{IP: m[1], Port: uint16(port)}, nil
}
