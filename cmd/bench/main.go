// Concurrent benchmark for lockerd.
//
// Modes:
//
//	lock      each worker locks and unlocks its own name (uncontended)
//	contend   all workers fight over one name (FIFO hand-off latency)
//	pipeline  each round keeps --depth LOCKs on distinct names in flight
//	          on one connection before unlocking them
//
// Each worker dials persistent connections, so the benchmark measures
// operation latency rather than TCP connection overhead.
//
// Usage:
//
//	go run ./cmd/bench [--mode lock] [--workers 10] [--rounds 50] [--key bench] \
//	    [--servers host1:port1,host2:port2] [--connections 0] [--depth 8]
package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mtingers/lockerd/client"
)

func main() {
	mode := pflag.String("mode", "lock", "benchmark mode: lock, contend, pipeline")
	workers := pflag.Int("workers", 10, "number of concurrent workers")
	rounds := pflag.Int("rounds", 50, "operations per worker")
	key := pflag.String("key", "bench", "lock name prefix")
	wait := pflag.Duration("wait", 30*time.Second, "wait budget per LOCK")
	servers := pflag.String("servers", "127.0.0.1:6389", "comma-separated host:port pairs")
	hold := pflag.Duration("hold", 10*time.Second, "hold budget per LOCK (0 = until UNLOCK)")
	connections := pflag.Int("connections", 0, "connections per worker (0 = 1 persistent conn)")
	depth := pflag.Int("depth", 8, "in-flight requests per round (pipeline mode)")
	pflag.Parse()

	addrs := strings.Split(*servers, ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}

	connsPerWorker := *connections
	if connsPerWorker <= 0 {
		connsPerWorker = 1
	}

	fmt.Printf("bench: mode=%s, %d workers x %d rounds (key_prefix=%q, conns/worker=%d)\n\n",
		*mode, *workers, *rounds, *key, connsPerWorker)

	type result struct {
		latencies []float64
		err       error
	}

	extra := workerExtra{wait: *wait, hold: *hold, depth: *depth}
	var workerFn func(key, addr string, rounds, connsPerWorker int, extra workerExtra) ([]float64, error)
	shared := false

	switch *mode {
	case "lock":
		workerFn = workerLock
	case "contend":
		workerFn = workerLock
		shared = true
	case "pipeline":
		workerFn = workerPipeline
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s (valid: lock, contend, pipeline)\n", *mode)
		os.Exit(1)
	}

	results := make([]result, *workers)
	var wg sync.WaitGroup

	wallStart := time.Now()

	for i := range *workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerKey := fmt.Sprintf("%s_%d", *key, rand.IntN(9900000)+100000)
			if shared {
				workerKey = *key
			}
			addr := addrs[id%len(addrs)]
			lats, err := workerFn(workerKey, addr, *rounds, connsPerWorker, extra)
			results[id] = result{latencies: lats, err: err}
		}(i)
	}

	wg.Wait()
	wall := time.Since(wallStart).Seconds()

	var all []float64
	for i, r := range results {
		if r.err != nil {
			fmt.Fprintf(os.Stderr, "worker %d error: %v\n", i, r.err)
			os.Exit(1)
		}
		all = append(all, r.latencies...)
	}

	totalOps := len(all)
	sort.Float64s(all)

	mn := mean(all)
	minimum := all[0]
	maximum := all[totalOps-1]
	p50 := percentile(all, 50)
	p99 := percentile(all, 99)
	sd := stdev(all, mn)

	fmt.Printf("  total ops : %d\n", totalOps)
	fmt.Printf("  wall time : %.3fs\n", wall)
	fmt.Printf("  throughput: %.1f ops/s\n", float64(totalOps)/wall)
	fmt.Println()
	fmt.Printf("  mean      : %.3f ms\n", mn*1000)
	fmt.Printf("  min       : %.3f ms\n", minimum*1000)
	fmt.Printf("  max       : %.3f ms\n", maximum*1000)
	fmt.Printf("  p50       : %.3f ms\n", p50*1000)
	fmt.Printf("  p99       : %.3f ms\n", p99*1000)
	fmt.Printf("  stdev     : %.3f ms\n", sd*1000)
}

// workerExtra holds mode-specific parameters.
type workerExtra struct {
	wait  time.Duration
	hold  time.Duration
	depth int
}

// dialConns opens numConns persistent connections to addr.
func dialConns(addr string, numConns int) ([]*client.Conn, error) {
	conns := make([]*client.Conn, numConns)
	for i := range conns {
		c, err := client.Dial(context.Background(), addr)
		if err != nil {
			for j := range i {
				conns[j].Close()
			}
			return nil, fmt.Errorf("dial: %w", err)
		}
		conns[i] = c
	}
	return conns, nil
}

// closeConns closes all connections.
func closeConns(conns []*client.Conn) {
	for _, c := range conns {
		c.Close()
	}
}

// ---------------------------------------------------------------------------
// Lock mode: LOCK + UNLOCK
// ---------------------------------------------------------------------------

func workerLock(key, addr string, rounds, numConns int, extra workerExtra) ([]float64, error) {
	conns, err := dialConns(addr, numConns)
	if err != nil {
		return nil, err
	}
	defer closeConns(conns)

	ctx := context.Background()
	latencies := make([]float64, 0, rounds)
	for i := range rounds {
		c := conns[i%len(conns)]
		seq := uint32(i + 1)
		t0 := time.Now()
		ok, err := c.Lock(ctx, seq, key, extra.wait, extra.hold)
		if err != nil {
			return nil, fmt.Errorf("lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("lock %q timed out", key)
		}
		if _, err := c.Unlock(ctx, seq); err != nil {
			return nil, fmt.Errorf("unlock: %w", err)
		}
		latencies = append(latencies, time.Since(t0).Seconds())
	}
	return latencies, nil
}

// ---------------------------------------------------------------------------
// Pipeline mode: depth concurrent LOCKs on one connection, then UNLOCKs
// ---------------------------------------------------------------------------

func workerPipeline(key, addr string, rounds, numConns int, extra workerExtra) ([]float64, error) {
	conns, err := dialConns(addr, numConns)
	if err != nil {
		return nil, err
	}
	defer closeConns(conns)

	depth := max(extra.depth, 1)
	latencies := make([]float64, 0, rounds)
	for i := range rounds {
		c := conns[i%len(conns)]
		t0 := time.Now()
		g, ctx := errgroup.WithContext(context.Background())
		for d := range depth {
			seq := uint32(d + 1)
			name := fmt.Sprintf("%s.%d", key, d)
			g.Go(func() error {
				ok, err := c.Lock(ctx, seq, name, extra.wait, extra.hold)
				if err != nil {
					return fmt.Errorf("lock: %w", err)
				}
				if !ok {
					return fmt.Errorf("lock %q timed out", name)
				}
				if _, err := c.Unlock(ctx, seq); err != nil {
					return fmt.Errorf("unlock: %w", err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		latencies = append(latencies, time.Since(t0).Seconds())
	}
	return latencies, nil
}

// ---------------------------------------------------------------------------
// Stats helpers
// ---------------------------------------------------------------------------

func mean(data []float64) float64 {
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func stdev(data []float64, mean float64) float64 {
	if len(data) < 2 {
		return 0
	}
	var sum float64
	for _, v := range data {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(data) - 1))
}

func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := pct / 100.0 * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
