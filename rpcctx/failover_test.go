package rpcctx_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/4paradigm/prpc/dealer"
	"github.com/4paradigm/prpc/rpcctx"
	"github.com/4paradigm/prpc/xmsg"
)

// TestClientResumesAfterServerDeath is the S6 scenario (spec.md §8): a server
// rank is killed mid-flight while many clients keep issuing short-timeout
// RPCs against the service by name (round-robin, no explicit destination
// rank). Every client must eventually see either a timeout or a connection
// error on the dead rank, then succeed against the surviving one — never
// hang forever.
func TestClientResumesAfterServerDeath(t *testing.T) {
	const (
		sid       = 3
		nClients  = 20
		rpcTO     = 10 // ms
		maxRounds = 30
	)

	addr1 := freeAddr(t)
	addr2 := freeAddr(t)
	server1 := newCtx(t, 1, addr1)
	server2 := newCtx(t, 2, addr2)

	all := map[int32]*xmsg.CommInfo{
		1: {GlobalRank: 1, Endpoint: addr1},
		2: {GlobalRank: 2, Endpoint: addr2},
	}
	server1.UpdateCommInfo(all)
	server2.UpdateCommInfo(all)

	serverDealer1 := dealer.NewServerDealer(server1, sid)
	serverDealer2 := dealer.NewServerDealer(server2, sid)
	defer serverDealer1.Terminate()

	echo := func(label string, d *dealer.Dealer, stop <-chan struct{}) {
		for {
			req, ok := d.RecvRequest(100)
			if !ok {
				select {
				case <-stop:
					return
				default:
					continue
				}
			}
			resp := xmsg.NewResponse(req)
			resp.SetBody([]byte(label))
			d.SendResponse(resp)
		}
	}
	stop1 := make(chan struct{})
	stop2 := make(chan struct{})
	go echo("server1", serverDealer1, stop1)
	go echo("server2", serverDealer2, stop2)
	defer close(stop1)

	clientCtxs := make([]*rpcctx.Context, nClients)
	clientDealers := make([]*dealer.Dealer, nClients)
	for i := 0; i < nClients; i++ {
		addr := freeAddr(t)
		ctx := newCtx(t, int32(100+i), addr)
		ctx.UpdateCommInfo(all)
		ctx.UpdateServiceInfo(sid, []rpcctx.ServerInfo{
			{ServerID: 1, Rank: 1},
			{ServerID: 2, Rank: 2},
		})
		clientCtxs[i] = ctx
		clientDealers[i] = dealer.NewClientDealer(ctx)
	}
	defer func() {
		for _, ctx := range clientCtxs {
			ctx.Close()
		}
	}()

	// Confirm the cluster is healthy before injecting the failure, then kill
	// server2 and verify every client still converges on server1.
	var wg sync.WaitGroup
	firstRoundOK := make([]bool, nClients)
	for i := 0; i < nClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := xmsg.NewRequest()
			req.Head.DstRank = -1
			req.Head.ServerID = -1
			req.Head.Sid = sid
			req.SetBody([]byte(fmt.Sprintf("hello-%d", i)))
			_, ok := clientDealers[i].SyncRpcCall(req, rpcTO, uint64(i)+1)
			firstRoundOK[i] = ok
		}(i)
	}
	wg.Wait()
	for i, ok := range firstRoundOK {
		if !ok {
			t.Fatalf("client %d: first round against a healthy cluster never got a response", i)
		}
	}

	server2.Close()
	close(stop2)

	var wg2 sync.WaitGroup
	results := make([]string, nClients)
	for i := 0; i < nClients; i++ {
		wg2.Add(1)
		go func(i int) {
			defer wg2.Done()
			for round := 0; round < maxRounds; round++ {
				req := xmsg.NewRequest()
				req.Head.DstRank = -1
				req.Head.ServerID = -1
				req.Head.Sid = sid
				req.SetBody([]byte("ping"))
				resp, ok := clientDealers[i].SyncRpcCall(req, rpcTO, uint64(1000*(i+1)+round))
				if ok && resp.Head.ErrCode == xmsg.Succ {
					results[i] = string(resp.Body)
					return
				}
			}
		}(i)
	}

	done := make(chan struct{})
	go func() { wg2.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("clients never converged on the surviving server")
	}

	for i, got := range results {
		if got != "server1" {
			t.Fatalf("client %d: expected to resume against server1, got %q", i, got)
		}
	}
}
