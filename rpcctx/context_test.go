package rpcctx_test

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

// TestRequestResponseRoundTrip routes an explicit-destination-rank request
// from rank 0 to rank 1's server dealer and back, and checks body fidelity.
func TestRequestResponseRoundTrip(t *testing.T) {
	addr0 := freeAddr(t)
	addr1 := freeAddr(t)
	ctx0 := newCtx(t, 0, addr0)
	ctx1 := newCtx(t, 1, addr1)
	defer ctx0.Close()
	defer ctx1.Close()

	all := map[int32]*xmsg.CommInfo{
		0: {GlobalRank: 0, Endpoint: addr0},
		1: {GlobalRank: 1, Endpoint: addr1},
	}
	ctx0.UpdateCommInfo(all)
	ctx1.UpdateCommInfo(all)

	serverDealer := dealer.NewServerDealer(ctx1, 42)
	defer serverDealer.Terminate()
	go func() {
		req, ok := serverDealer.RecvRequest(-1)
		if !ok {
			return
		}
		resp := xmsg.NewResponse(req)
		resp.SetBody(append([]byte("echo:"), req.Body...))
		serverDealer.SendResponse(resp)
	}()

	clientDealer := dealer.NewClientDealer(ctx0)
	defer clientDealer.Terminate()

	req := xmsg.NewRequest()
	req.Head.DstRank = 1
	req.Head.Sid = 42
	req.SetBody([]byte("hello"))
	resp, ok := clientDealer.SyncRpcCall(req, 2000, 1)
	if !ok {
		t.Fatal("sync_rpc_call timed out")
	}
	if resp.Head.ErrCode != xmsg.Succ {
		t.Fatalf("unexpected error code %v", resp.Head.ErrCode)
	}
	if string(resp.Body) != "echo:hello" {
		t.Fatalf("got body %q", resp.Body)
	}
}

// TestRoutingMissShortCircuits checks that a request naming an unknown
// service id never touches the wire and comes back with ENoSuchService.
func TestRoutingMissShortCircuits(t *testing.T) {
	addr0 := freeAddr(t)
	ctx0 := newCtx(t, 0, addr0)
	defer ctx0.Close()
	ctx0.UpdateCommInfo(map[int32]*xmsg.CommInfo{0: {GlobalRank: 0, Endpoint: addr0}})

	clientDealer := dealer.NewClientDealer(ctx0)
	defer clientDealer.Terminate()

	req := xmsg.NewRequest()
	req.Head.DstRank = -1
	req.Head.ServerID = -1
	req.Head.Sid = 999
	req.SetBody([]byte("x"))
	resp, ok := clientDealer.SyncRpcCall(req, 2000, 1)
	if !ok {
		t.Fatal("expected an immediate short-circuit response, got timeout")
	}
	if resp.Head.ErrCode != xmsg.ENoSuchService {
		t.Fatalf("expected ENoSuchService, got %v", resp.Head.ErrCode)
	}
}

// TestDealerInboxOrdering is the S4 scenario: many requests sent to the same
// dealer arrive in FIFO order on its inbox (spec.md §5 "FIFO per Dealer
// inbox").
func TestDealerInboxOrdering(t *testing.T) {
	addr0 := freeAddr(t)
	addr1 := freeAddr(t)
	ctx0 := newCtx(t, 0, addr0)
	ctx1 := newCtx(t, 1, addr1)
	defer ctx0.Close()
	defer ctx1.Close()

	all := map[int32]*xmsg.CommInfo{
		0: {GlobalRank: 0, Endpoint: addr0},
		1: {GlobalRank: 1, Endpoint: addr1},
	}
	ctx0.UpdateCommInfo(all)
	ctx1.UpdateCommInfo(all)

	serverDealer := dealer.NewServerDealer(ctx1, 7)
	defer serverDealer.Terminate()
	clientDealer := dealer.NewClientDealer(ctx0)
	defer clientDealer.Terminate()

	const total = 200
	for i := 0; i < total; i++ {
		req := xmsg.NewRequest()
		req.Head.DstRank = 1
		req.Head.Sid = 7
		req.Head.RpcID = uint64(i)
		req.SetBody([]byte{byte(i), byte(i >> 8)})
		clientDealer.SendRequest(req, uint64(i))
	}

	for i := 0; i < total; i++ {
		req, ok := serverDealer.RecvRequest(2000)
		if !ok {
			t.Fatalf("recv_request timed out at index %d", i)
		}
		if req.Head.RpcID != uint64(i) {
			t.Fatalf("out of order: expected rpc id %d, got %d", i, req.Head.RpcID)
		}
	}
}

// TestMultipleServerDealersShareWork is the S4 "server has two dealers"
// scenario: two server Dealers bound to the same service id both receive a
// share of an incoming request stream (spec.md §3 "server-id -> list of
// server-side Dealers ... when multiple Dealers share one server-id a random
// Dealer wins").
func TestMultipleServerDealersShareWork(t *testing.T) {
	addr0 := freeAddr(t)
	addr1 := freeAddr(t)
	ctx0 := newCtx(t, 0, addr0)
	ctx1 := newCtx(t, 1, addr1)
	defer ctx0.Close()
	defer ctx1.Close()

	all := map[int32]*xmsg.CommInfo{
		0: {GlobalRank: 0, Endpoint: addr0},
		1: {GlobalRank: 1, Endpoint: addr1},
	}
	ctx0.UpdateCommInfo(all)
	ctx1.UpdateCommInfo(all)

	serverDealerA := dealer.NewServerDealer(ctx1, 11)
	defer serverDealerA.Terminate()
	serverDealerB := dealer.NewServerDealer(ctx1, 11)
	defer serverDealerB.Terminate()
	clientDealer := dealer.NewClientDealer(ctx0)
	defer clientDealer.Terminate()

	const total = 200
	for i := 0; i < total; i++ {
		req := xmsg.NewRequest()
		req.Head.DstRank = 1
		req.Head.Sid = 11
		req.Head.RpcID = uint64(i)
		req.SetBody([]byte{byte(i), byte(i >> 8)})
		clientDealer.SendRequest(req, uint64(i))
	}

	var gotA, gotB int32
	var wg sync.WaitGroup
	drain := func(d *dealer.Dealer, n *int32) {
		defer wg.Done()
		for atomic.LoadInt32(&gotA)+atomic.LoadInt32(&gotB) < int32(total) {
			if _, ok := d.RecvRequest(200); ok {
				atomic.AddInt32(n, 1)
			}
		}
	}
	wg.Add(2)
	go drain(serverDealerA, &gotA)
	go drain(serverDealerB, &gotB)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out draining: got A=%d B=%d, want %d total", gotA, gotB, total)
	}

	if gotA == 0 || gotB == 0 {
		t.Fatalf("expected both dealers to receive a share of the work, got A=%d B=%d", gotA, gotB)
	}
	if int(gotA+gotB) != total {
		t.Fatalf("got A=%d + B=%d, want %d total", gotA, gotB, total)
	}
}
