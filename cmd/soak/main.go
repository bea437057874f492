// Long-running soak test for lockerd.
//
// Exercises locks, mutual exclusion under contention, wait timeouts, lease
// lapses, disconnect cleanup and waiter withdrawal in a loop, checking for
// correctness after each round. With --http set it also follows the event
// stream and queries /stats to detect leaked queues. Runs until interrupted.
//
// Usage:
//
//	go run ./cmd/soak [--server 127.0.0.1:6389] [--http http://127.0.0.1:9090] \
//	    [--workers 4] [--rounds-per-cycle 20]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mtingers/lockerd/client"
	"github.com/mtingers/lockerd/internal/events"
	"github.com/mtingers/lockerd/internal/lock"
)

func main() {
	addr := pflag.String("server", "127.0.0.1:6389", "lockerd server address")
	httpURL := pflag.String("http", "", "management listener base URL (enables event and stats checks)")
	workers := pflag.Int("workers", 4, "concurrent workers per test")
	roundsPerCycle := pflag.Int("rounds-per-cycle", 20, "operations per worker per cycle")
	pflag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("soak: server=%s workers=%d rounds/cycle=%d", *addr, *workers, *roundsPerCycle)
	log.Printf("soak: press Ctrl-C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cycle int
	for ctx.Err() == nil {
		cycle++
		t0 := time.Now()

		// Each test uses a unique prefix to avoid collisions between cycles.
		prefix := fmt.Sprintf("soak_%d_%d", cycle, rand.IntN(999999))

		runTest("locks", func() error {
			return testLocks(*addr, prefix, *workers, *roundsPerCycle)
		})
		runTest("mutual-exclusion", func() error {
			return testMutualExclusion(*addr, prefix, *workers, *roundsPerCycle)
		})
		runTest("wait-timeout", func() error {
			return testWaitTimeout(*addr, prefix)
		})
		runTest("lease-lapse", func() error {
			return testLeaseLapse(*addr, prefix)
		})
		runTest("disconnect", func() error {
			return testDisconnect(*addr, prefix)
		})
		runTest("withdraw", func() error {
			return testWithdraw(*addr, prefix)
		})
		if *httpURL != "" {
			runTest("events", func() error {
				return testEvents(*addr, *httpURL, prefix)
			})
			// After all cleanup, verify nothing leaked.
			runTest("stats-check", func() error {
				return checkStats(*httpURL, prefix)
			})
		}

		log.Printf("cycle %d complete (%.1fs)", cycle, time.Since(t0).Seconds())
	}
	log.Printf("soak: stopped after %d cycles", cycle)
}

func runTest(name string, fn func() error) {
	if err := fn(); err != nil {
		log.Printf("FAIL [%s]: %v", name, err)
		os.Exit(1)
	}
}

func dial(addr string) (*client.Conn, error) {
	c, err := client.Dial(context.Background(), addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return c, nil
}

func ctx5() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func firstErr(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Locks: lock + unlock (concurrent workers, unique names)
// ---------------------------------------------------------------------------

func testLocks(addr, prefix string, workers, rounds int) error {
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for w := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := dial(addr)
			if err != nil {
				errs[id] = err
				return
			}
			defer c.Close()

			ctx, cancel := ctx5()
			defer cancel()
			name := fmt.Sprintf("%s_lock_%d", prefix, id)
			for r := range rounds {
				seq := uint32(r + 1)
				ok, err := c.Lock(ctx, seq, name, 5*time.Second, 10*time.Second)
				if err != nil || !ok {
					errs[id] = fmt.Errorf("lock round %d: ok=%v err=%v", r, ok, err)
					return
				}
				ok, err = c.Unlock(ctx, seq)
				if err != nil || !ok {
					errs[id] = fmt.Errorf("unlock round %d: ok=%v err=%v", r, ok, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	return firstErr(errs)
}

// ---------------------------------------------------------------------------
// Mutual exclusion: every worker fights over one name
// ---------------------------------------------------------------------------

func testMutualExclusion(addr, prefix string, workers, rounds int) error {
	name := prefix + "_mutex"
	var inside atomic.Int32
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for w := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := dial(addr)
			if err != nil {
				errs[id] = err
				return
			}
			defer c.Close()

			for r := range rounds {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				ok, err := c.Lock(ctx, 1, name, 30*time.Second, 0)
				if err != nil || !ok {
					cancel()
					errs[id] = fmt.Errorf("lock round %d: ok=%v err=%v", r, ok, err)
					return
				}
				if n := inside.Add(1); n != 1 {
					cancel()
					errs[id] = fmt.Errorf("round %d: %d holders at once", r, n)
					return
				}
				time.Sleep(time.Duration(rand.IntN(2)) * time.Millisecond)
				inside.Add(-1)
				ok, err = c.Unlock(ctx, 1)
				cancel()
				if err != nil || !ok {
					errs[id] = fmt.Errorf("unlock round %d: ok=%v err=%v", r, ok, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	return firstErr(errs)
}

// ---------------------------------------------------------------------------
// Wait timeout: a second client gives up after its wait budget
// ---------------------------------------------------------------------------

func testWaitTimeout(addr, prefix string) error {
	name := prefix + "_timeout"
	holder, err := dial(addr)
	if err != nil {
		return err
	}
	defer holder.Close()
	waiter, err := dial(addr)
	if err != nil {
		return err
	}
	defer waiter.Close()

	ctx, cancel := ctx5()
	defer cancel()
	if ok, err := holder.Lock(ctx, 1, name, time.Second, 0); err != nil || !ok {
		return fmt.Errorf("holder lock: ok=%v err=%v", ok, err)
	}
	t0 := time.Now()
	ok, err := waiter.Lock(ctx, 1, name, 50*time.Millisecond, 0)
	if err != nil {
		return fmt.Errorf("waiter lock: %w", err)
	}
	if ok {
		return fmt.Errorf("waiter granted a held lock")
	}
	if el := time.Since(t0); el < 40*time.Millisecond {
		return fmt.Errorf("waiter refused after %v, before its wait budget", el)
	}
	if ok, err := holder.Unlock(ctx, 1); err != nil || !ok {
		return fmt.Errorf("holder unlock: ok=%v err=%v", ok, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lease lapse: a short hold hands the lock to a waiter on its own
// ---------------------------------------------------------------------------

func testLeaseLapse(addr, prefix string) error {
	name := prefix + "_lapse"
	holder, err := dial(addr)
	if err != nil {
		return err
	}
	defer holder.Close()
	waiter, err := dial(addr)
	if err != nil {
		return err
	}
	defer waiter.Close()

	ctx, cancel := ctx5()
	defer cancel()
	if ok, err := holder.Lock(ctx, 1, name, time.Second, 50*time.Millisecond); err != nil || !ok {
		return fmt.Errorf("holder lock: ok=%v err=%v", ok, err)
	}
	if ok, err := waiter.Lock(ctx, 1, name, 3*time.Second, 0); err != nil || !ok {
		return fmt.Errorf("waiter not granted after lapse: ok=%v err=%v", ok, err)
	}
	if ok, err := holder.Unlock(ctx, 1); err != nil || ok {
		return fmt.Errorf("lapsed holder unlock: ok=%v err=%v", ok, err)
	}
	if ok, err := waiter.Unlock(ctx, 1); err != nil || !ok {
		return fmt.Errorf("waiter unlock: ok=%v err=%v", ok, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Disconnect: closing a connection frees its locks
// ---------------------------------------------------------------------------

func testDisconnect(addr, prefix string) error {
	name := prefix + "_disconnect"
	holder, err := dial(addr)
	if err != nil {
		return err
	}
	waiter, err := dial(addr)
	if err != nil {
		holder.Close()
		return err
	}
	defer waiter.Close()

	ctx, cancel := ctx5()
	defer cancel()
	if ok, err := holder.Lock(ctx, 1, name, time.Second, 0); err != nil || !ok {
		holder.Close()
		return fmt.Errorf("holder lock: ok=%v err=%v", ok, err)
	}
	holder.Close()
	if ok, err := waiter.Lock(ctx, 1, name, 3*time.Second, 0); err != nil || !ok {
		return fmt.Errorf("lock after disconnect: ok=%v err=%v", ok, err)
	}
	if ok, err := waiter.Unlock(ctx, 1); err != nil || !ok {
		return fmt.Errorf("unlock: ok=%v err=%v", ok, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Withdraw: UNLOCK of a queued request removes it from the queue
// ---------------------------------------------------------------------------

func testWithdraw(addr, prefix string) error {
	name := prefix + "_withdraw"
	holder, err := dial(addr)
	if err != nil {
		return err
	}
	defer holder.Close()
	waiter, err := dial(addr)
	if err != nil {
		return err
	}
	defer waiter.Close()

	ctx, cancel := ctx5()
	defer cancel()
	if ok, err := holder.Lock(ctx, 1, name, time.Second, 0); err != nil || !ok {
		return fmt.Errorf("holder lock: ok=%v err=%v", ok, err)
	}
	short, scancel := context.WithTimeout(ctx, 20*time.Millisecond)
	waiter.Lock(short, 1, name, 10*time.Second, 0)
	scancel()
	if ok, err := waiter.Unlock(ctx, 1); err != nil || ok {
		return fmt.Errorf("withdraw: ok=%v err=%v", ok, err)
	}
	if ok, err := holder.Unlock(ctx, 1); err != nil || !ok {
		return fmt.Errorf("holder unlock: ok=%v err=%v", ok, err)
	}
	// The name must be free, not handed to the withdrawn waiter.
	if ok, err := holder.Lock(ctx, 2, name, 0, 0); err != nil || !ok {
		return fmt.Errorf("relock after withdraw: ok=%v err=%v", ok, err)
	}
	if ok, err := holder.Unlock(ctx, 2); err != nil || !ok {
		return fmt.Errorf("final unlock: ok=%v err=%v", ok, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Events: grant and release show up on the /events stream
// ---------------------------------------------------------------------------

func testEvents(addr, baseURL, prefix string) error {
	name := prefix + "_events"
	ctx, cancel := ctx5()
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(baseURL, "/")+"/events?pattern="+name, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events: %s", resp.Status)
	}

	c, err := dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	if ok, err := c.Lock(ctx, 1, name, time.Second, 0); err != nil || !ok {
		return fmt.Errorf("lock: ok=%v err=%v", ok, err)
	}
	if ok, err := c.Unlock(ctx, 1); err != nil || !ok {
		return fmt.Errorf("unlock: ok=%v err=%v", ok, err)
	}

	want := []string{lock.EventGranted, lock.EventReleased}
	sc := bufio.NewScanner(resp.Body)
	for _, kind := range want {
		if !sc.Scan() {
			return fmt.Errorf("events: stream ended before %q: %v", kind, sc.Err())
		}
		var ev events.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("events: %w", err)
		}
		if ev.Kind != kind || ev.Name != name {
			return fmt.Errorf("events: got %s/%s, want %s/%s", ev.Kind, ev.Name, kind, name)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stats check
// ---------------------------------------------------------------------------

func checkStats(baseURL, prefix string) error {
	hc := &http.Client{Timeout: 5 * time.Second}
	resp, err := hc.Get(strings.TrimRight(baseURL, "/") + "/stats")
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	defer resp.Body.Close()

	var stats lock.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("stats JSON: %w", err)
	}

	// Idle queues are pruned by GC later; held ones or waiters are leaks.
	for _, l := range stats.Locks {
		if strings.HasPrefix(l.Name, prefix) && (l.Held || l.Waiters > 0) {
			return fmt.Errorf("leaked lock: name=%q held=%v waiters=%d", l.Name, l.Held, l.Waiters)
		}
	}
	return nil
}
