package masterclient_test

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/4paradigm/prpc/master"
	"github.com/4paradigm/prpc/masterclient"
)

func startRegistry(t *testing.T) (addr string, stop func()) {
	t.Helper()
	srv, err := master.NewServer("root")
	if err != nil {
		t.Fatalf("master.NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr = ln.Addr().String()
	ln.Close()
	go func() {
		if err := srv.Serve(addr); err != nil {
			t.Logf("registry serve: %v", err)
		}
	}()
	// Give the listener a moment to bind before clients dial.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if nc, err := net.Dial("tcp", addr); err == nil {
			nc.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry never came up at %s", addr)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return addr, func() { srv.Shutdown() }
}

// TestLockMutualExclusion is the S1 scenario: N clients race to hold the
// same named lock; a shared counter must never be observed above 1 while
// held, proving mutual exclusion.
func TestLockMutualExclusion(t *testing.T) {
	addr, stop := startRegistry(t)
	defer stop()

	const n = 8
	var inside int32
	var sawOverlap int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := masterclient.Dial(addr)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer c.Close()
			lock, err := c.AcquireLock("mutex")
			if err != nil {
				t.Errorf("acquire_lock: %v", err)
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.StoreInt32(&sawOverlap, 1)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			lock.Release()
		}()
	}
	wg.Wait()
	if atomic.LoadInt32(&sawOverlap) != 0 {
		t.Fatal("two clients held the lock simultaneously")
	}
}

// TestDoubleReleaseReportsError is the second half of the S1 scenario: after
// a lock is released once, releasing it again must return ErrorStatus, not
// the idempotent-delete NodeFailed that a missing-node del ordinarily maps
// to elsewhere in this package.
func TestDoubleReleaseReportsError(t *testing.T) {
	addr, stop := startRegistry(t)
	defer stop()

	c, err := masterclient.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	lock, err := c.AcquireLock("once")
	if err != nil {
		t.Fatalf("acquire_lock: %v", err)
	}
	if st := lock.Release(); st != master.OK {
		t.Fatalf("first release = %v, want OK", st)
	}
	if st := lock.Release(); st != master.ErrorStatus {
		t.Fatalf("second release = %v, want ErrorStatus", st)
	}
}

// TestBarrierRendezvous is the S2 scenario: 5 clients call Barrier(name, 5)
// concurrently; none may return before all 5 have called it.
func TestBarrierRendezvous(t *testing.T) {
	addr, stop := startRegistry(t)
	defer stop()

	const n = 5
	var arrived int32
	var wg sync.WaitGroup
	results := make(chan int32, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := masterclient.Dial(addr)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer c.Close()
			atomic.AddInt32(&arrived, 1)
			if err := c.Barrier("rendezvous", n); err != nil {
				t.Errorf("barrier: %v", err)
				return
			}
			results <- atomic.LoadInt32(&arrived)
		}()
	}
	wg.Wait()
	close(results)
	for got := range results {
		if got != n {
			t.Fatalf("a client passed the barrier while only %d had arrived", got)
		}
	}
}

// TestAllocRoleRank checks that a cohort of callers gets a consistent,
// gap-free rank assignment (0..count-1) with everyone seeing the same
// final ranks list.
func TestAllocRoleRank(t *testing.T) {
	addr, stop := startRegistry(t)
	defer stop()

	const n = 4
	type result struct {
		myRank int
		ranks  []int32
	}
	results := make(chan result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(globalRank int32) {
			defer wg.Done()
			c, err := masterclient.Dial(addr)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer c.Close()
			myRank, ranks, err := c.AllocRoleRank("worker", n, globalRank)
			if err != nil {
				t.Errorf("alloc_role_rank: %v", err)
				return
			}
			results <- result{myRank, ranks}
		}(int32(i))
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	var want []int32
	for r := range results {
		if r.myRank < 0 || r.myRank >= n {
			t.Fatalf("rank %d out of range", r.myRank)
		}
		if seen[r.myRank] {
			t.Fatalf("duplicate rank %d", r.myRank)
		}
		seen[r.myRank] = true
		if len(r.ranks) != n {
			t.Fatalf("expected %d ranks, got %d", n, len(r.ranks))
		}
		if want == nil {
			want = r.ranks
		}
		for j := range want {
			if r.ranks[j] != want[j] {
				t.Fatalf("ranks lists differ: %v vs %v", r.ranks, want)
			}
		}
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct ranks, saw %d", n, len(seen))
	}
}
