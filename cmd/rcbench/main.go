// Command rcbench is a consistency-checking load generator for
// rcluster, in the spirit of http://redis.io/topics/cluster-tutorial's
// reference checker: it INCRs a rotating key space as fast as it can,
// tracks lost/unacknowledged writes observed through stale reads, and
// prints running stats once a second until interrupted.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/halfunc/rcluster"
)

var (
	addrFlag = flag.String("addr", "localhost:7000", "Redis cluster seed `address`.")
	nameFlag = flag.String("name", "rcbench", "Cluster `name` used as the topology cache key.")

	connTimeoutFlag = flag.Duration("c", time.Second, "Connection `timeout`.")
	delayFlag       = flag.Duration("d", 0, "Delay `duration` between INCR calls.")
	idleTimeoutFlag = flag.Duration("i", 30*time.Second, "Pooled connection idle `timeout`.")

	maxIdleFlag = flag.Int("max-idle", 10, "Maximum idle `connections` per node.")
)

const (
	workingSet = 1000
	keySpace   = 10000
)

var (
	mu                        sync.Mutex
	writes, reads             int
	failedWrites, failedReads int
	lostWrites, noAckWrites   int
)

func main() {
	flag.Parse()
	rand.New(rand.NewSource(time.Now().UnixNano()))

	client, err := rcluster.New(rcluster.ClusterConfig{
		Name:              *nameFlag,
		ServList:          []string{*addrFlag},
		ConnectionTimeout: *connTimeoutFlag,
		KeepaliveTimeout:  *idleTimeoutFlag,
		KeepaliveCons:     *maxIdleFlag,
	})
	if err != nil {
		fmt.Printf("rcbench: failed to initialize cluster client: %v\n", err)
		return
	}
	defer client.Close()

	errCh := make(chan error, 1)
	go printStats(client)
	go printErr(errCh)

	runChecks(client, errCh, *delayFlag)
}

func runChecks(client *rcluster.ClusterClient, errCh chan<- error, delay time.Duration) {
	cache := make(map[string]int, workingSet)
	for {
		var r, w, fr, fw, lw, naw int

		key := genKey()

		if exp, ok := cache[key]; ok {
			v, err := client.Call("GET", key)
			if err != nil {
				if isNetError(err) {
					continue
				}
				select {
				case errCh <- fmt.Errorf("read key %q failed: %v", key, err):
				default:
				}
				fr = 1
			} else {
				r = 1
				if got, ok := toInt(v); ok {
					if exp > got {
						lw = exp - got
					} else if exp < got {
						naw = got - exp
					}
				}
			}
		}

		v, err := client.Call("INCR", key)
		if err != nil {
			if isNetError(err) {
				continue
			}
			select {
			case errCh <- fmt.Errorf("write key %q failed: %v", key, err):
			default:
			}
			fw = 1
		} else {
			w = 1
			if got, ok := toInt(v); ok {
				cache[key] = got
			}
		}

		updateStats(w, r, fw, fr, lw, naw)
		if delay > 0 {
			time.Sleep(delay)
		}
	}
}

func isNetError(err error) bool {
	_, ok := err.(*net.OpError)
	return ok
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

func updateStats(w, r, fw, fr, lw, naw int) {
	mu.Lock()
	writes += w
	reads += r
	failedWrites += fw
	failedReads += fr
	lostWrites += lw
	noAckWrites += naw
	mu.Unlock()
}

func printErr(errCh <-chan error) {
	for err := range errCh {
		fmt.Println(err)
		time.Sleep(time.Second)
	}
}

func printStats(client *rcluster.ClusterClient) {
	for range time.Tick(time.Second) {
		mu.Lock()
		w, r := writes, reads
		fw, fr := failedWrites, failedReads
		lw, naw := lostWrites, noAckWrites
		mu.Unlock()

		s := client.Stats()
		fmt.Printf("%d R (%d err) | %d W (%d err) | %d lost | %d noack | redirs=%d refreshes=%d\n",
			r, fr, w, fw, lw, naw, s.RedirectionsObserved, s.RefreshesTriggered)
	}
}

func genKey() string {
	ks := workingSet
	if rand.Float64() > 0.5 {
		ks = keySpace
	}
	return "key_" + strconv.Itoa(rand.Intn(ks))
}
