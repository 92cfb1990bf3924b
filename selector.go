package rcluster

import (
	"math/rand"
	"sync"
	"time"
)

// guardedRand mirrors mna-redisc/cluster.go's package-level rnd: a
// *rand.Rand is not safe for concurrent use, so every access to it goes
// through this mutex.
var guardedRand = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}

// SelectionPolicy controls how NodeSelector picks among a SlotEntry's
// candidates.
type SelectionPolicy struct {
	// EnableSlaveRead allows replicas to be returned; when false,
	// position 0 (the master) is always returned.
	EnableSlaveRead bool
}

// PickNode selects which node of entry to use for one request. If seed
// is non-nil, the choice is deterministic (seed mod len(entry)) —
// PipelineExecutor uses this so every request for a given slot within
// one committed pipeline lands on the same replica, instead of fanning
// a pipeline out across every replica of every touched master.
func PickNode(entry SlotEntry, policy SelectionPolicy, seed *int) (node Node, isReplica bool, err error) {
	if len(entry) == 0 {
		return Node{}, false, errEmptySlotEntry
	}
	if !policy.EnableSlaveRead {
		return entry[0], false, nil
	}

	var index int
	if seed != nil {
		index = ((*seed)%len(entry) + len(entry)) % len(entry)
	} else {
		guardedRand.Lock()
		index = guardedRand.Intn(len(entry))
		guardedRand.Unlock()
	}
	return entry[index], index != 0, nil
}
