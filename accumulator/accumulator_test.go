package accumulator_test

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/4paradigm/prpc/accumulator"
	"github.com/4paradigm/prpc/dealer"
	"github.com/4paradigm/prpc/rpcctx"
	"github.com/4paradigm/prpc/xmsg"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newCtx(t *testing.T, rank int32, addr string) *rpcctx.Context {
	t.Helper()
	ctx := rpcctx.New(rank, &xmsg.CommInfo{GlobalRank: rank, Endpoint: addr})
	go ctx.Serve(addr)
	deadline := time.Now().Add(2 * time.Second)
	for ctx.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("context on rank %d never started listening", rank)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ctx
}

// TestAccumulatorSumTotals is the S5 scenario (spec.md §8): 8 client
// processes (simulated as 8 ranks in this process), each with 101 threads,
// each writing 1..1000 into a SumAggregator named "sum". After flush, a read
// must return 1+2+...+1000 * 101 * 8 = 40804000.
func TestAccumulatorSumTotals(t *testing.T) {
	const (
		processes = 8
		threads   = 101
		upTo      = 1000
	)
	want := int64(upTo) * (upTo + 1) / 2 * threads * processes

	rootAddr := freeAddr(t)
	rootCtx := newCtx(t, 0, rootAddr)
	defer rootCtx.Close()

	all := map[int32]*xmsg.CommInfo{0: {GlobalRank: 0, Endpoint: rootAddr}}
	serverDealer := dealer.NewServerDealer(rootCtx, 1)
	defer serverDealer.Terminate()
	server := accumulator.NewServer(serverDealer)
	defer server.Close()

	clientCtxs := make([]*rpcctx.Context, processes)
	clients := make([]*accumulator.Client, processes)
	for p := 0; p < processes; p++ {
		addr := freeAddr(t)
		ctx := newCtx(t, int32(p+1), addr)
		clientCtxs[p] = ctx
		all[int32(p+1)] = &xmsg.CommInfo{GlobalRank: int32(p + 1), Endpoint: addr}
	}
	for _, ctx := range clientCtxs {
		ctx.UpdateCommInfo(all)
	}
	rootCtx.UpdateCommInfo(all)
	for _, ctx := range clientCtxs {
		ctx.UpdateServiceInfo(1, []rpcctx.ServerInfo{{ServerID: 0, Rank: 0}})
	}

	for p := 0; p < processes; p++ {
		cd := dealer.NewClientDealer(clientCtxs[p])
		clients[p] = accumulator.NewClient(cd, 1, 5*time.Millisecond)
	}

	var wg sync.WaitGroup
	for p := 0; p < processes; p++ {
		client := clients[p]
		for th := 0; th < threads; th++ {
			wg.Add(1)
			go func(c *accumulator.Client) {
				defer wg.Done()
				for v := 1; v <= upTo; v++ {
					c.Write("sum", "sum", float64(v))
				}
			}(client)
		}
	}
	wg.Wait()

	for _, c := range clients {
		c.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	var got string
	for {
		val, ok := clients[0].Read("sum")
		if ok {
			got = val
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("read never returned a value")
		}
		time.Sleep(20 * time.Millisecond)
	}

	wantStr := strconv.FormatInt(want, 10)
	if got != wantStr {
		t.Fatalf("sum = %s, want %s", got, wantStr)
	}
}

// TestWaitEmptyDoesNotDeadlockServer checks that a WaitEmpty call blocked on
// a live client does not stall other requests (e.g. the OpStopClient that
// would release it): the server must keep serving concurrently, not
// synchronously on a single goroutine.
func TestWaitEmptyDoesNotDeadlockServer(t *testing.T) {
	rootAddr := freeAddr(t)
	rootCtx := newCtx(t, 0, rootAddr)
	defer rootCtx.Close()

	clientAddr := freeAddr(t)
	clientCtx := newCtx(t, 1, clientAddr)
	defer clientCtx.Close()

	all := map[int32]*xmsg.CommInfo{
		0: {GlobalRank: 0, Endpoint: rootAddr},
		1: {GlobalRank: 1, Endpoint: clientAddr},
	}
	rootCtx.UpdateCommInfo(all)
	clientCtx.UpdateCommInfo(all)

	serverDealer := dealer.NewServerDealer(rootCtx, 2)
	defer serverDealer.Terminate()
	server := accumulator.NewServer(serverDealer)
	defer server.Close()

	clientDealer := dealer.NewClientDealer(clientCtx)
	client := accumulator.NewClient(clientDealer, 2, 5*time.Millisecond)

	waitDone := make(chan struct{})
	go func() {
		client.WaitEmpty()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatal("wait_empty returned before the client stopped")
	case <-time.After(100 * time.Millisecond):
	}

	client.Close()

	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("wait_empty never returned after the client closed; server may be deadlocked")
	}
}
