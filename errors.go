package rcluster

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the routing-layer errors a command can fail with.
// It never describes a Redis-level (BackendError) failure in more detail
// than the server's own error string.
type ErrorKind int

const (
	// ConfigInvalid is returned from New when ClusterConfig is missing a
	// name or an empty seed list.
	ConfigInvalid ErrorKind = iota
	// TopologyUnknown means no slot map is available yet, or the target
	// slot has no owner in the current map.
	TopologyUnknown
	// ConnectFailed is a transport-level failure after exhausting
	// max_connection_attempts (SlotLoader) or a single dial (executor).
	ConnectFailed
	// AuthFailed means AUTH was rejected; never retried.
	AuthFailed
	// ClusterDown means the cluster reported CLUSTERDOWN; surfaced
	// immediately, no retry, no refresh.
	ClusterDown
	// MaxRedirectionsExceeded means the redirection loop exhausted
	// max_redirection attempts without resolving.
	MaxRedirectionsExceeded
	// NestedAskRedirection means the server returned ASK again while an
	// ASKING redirect was already in flight — a protocol violation.
	NestedAskRedirection
	// UnsupportedCommand is returned for commands in AdminFanout's deny
	// set (CONFIG, SHUTDOWN).
	UnsupportedCommand
	// EvalKeysInvalid means nkeys was missing, non-numeric, or > 1.
	EvalKeysInvalid
	// NodeSelectionFailed is an invariant breach: an empty SlotEntry was
	// selected from. Should never happen given a well-formed Topology.
	NodeSelectionFailed
	// BackendError wraps any other error string Redis returned.
	BackendError
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case TopologyUnknown:
		return "TopologyUnknown"
	case ConnectFailed:
		return "ConnectFailed"
	case AuthFailed:
		return "AuthFailed"
	case ClusterDown:
		return "ClusterDown"
	case MaxRedirectionsExceeded:
		return "MaxRedirectionsExceeded"
	case NestedAskRedirection:
		return "NestedAskRedirection"
	case UnsupportedCommand:
		return "UnsupportedCommand"
	case EvalKeysInvalid:
		return "EvalKeysInvalid"
	case NodeSelectionFailed:
		return "NodeSelectionFailed"
	case BackendError:
		return "BackendError"
	default:
		return "Unknown"
	}
}

// RoutingError is the error type returned by every routing-layer
// operation (CommandExecutor, PipelineExecutor, AdminFanout, the
// ClusterClient facade). Use errors.As to recover the Kind and, for
// redirection-shaped errors, the target Node.
type RoutingError struct {
	Kind ErrorKind
	Node Node  // set for ConnectFailed/AuthFailed/NestedAskRedirection when a target node is known
	Slot int   // set when a slot is known
	Err  error // underlying cause, if any (e.g. the raw Redis error string)
}

func (e *RoutingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rcluster: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("rcluster: %s", e.Kind)
}

func (e *RoutingError) Unwrap() error { return e.Err }

func newRoutingError(kind ErrorKind, err error) *RoutingError {
	return &RoutingError{Kind: kind, Err: err}
}

// IsKind reports whether err is a *RoutingError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var re *RoutingError
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

var (
	errConfigMissingName  = newRoutingError(ConfigInvalid, errors.New("ClusterConfig.Name is required"))
	errConfigEmptySeeds   = newRoutingError(ConfigInvalid, errors.New("ClusterConfig.ServList must be non-empty"))
	errEmptySlotEntry     = newRoutingError(NodeSelectionFailed, errors.New("slot entry has no nodes"))
	errMaxRedirsExceeded  = newRoutingError(MaxRedirectionsExceeded, errors.New("exhausted max_redirection attempts"))
	errNestedAsk          = newRoutingError(NestedAskRedirection, errors.New("ASK received while already in an ASKING redirect"))
)
