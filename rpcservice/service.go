// Package rpcservice is the process facade of spec.md §4.4: it owns the
// Context, the registry client, and a topology watcher thread that keeps
// the Context's routing tables in sync with the Master.
package rpcservice

import (
	"context"
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/4paradigm/prpc/cmn"
	"github.com/4paradigm/prpc/cmn/nlog"
	"github.com/4paradigm/prpc/dealer"
	"github.com/4paradigm/prpc/masterclient"
	"github.com/4paradigm/prpc/rpcctx"
	"github.com/4paradigm/prpc/xmsg"
)

const nodeRoot = "/root/_node_"

// Service is the process-wide facade: create it once, use it to register
// servers and create clients/dealers.
type Service struct {
	Ctx    *rpcctx.Context
	Master *masterclient.Client
	Rank   int32
	api    string
	sid    *shortid.Shortid
	pool   *rpcctx.Pool

	mu   sync.Mutex
	cond *sync.Cond
}

// New constructs a Service for this process: dials the registry, registers
// this node's CommInfo, and starts the topology watcher.
func New(registryAddr, api string, rank int32, listenEndpoint string) (*Service, error) {
	mc, err := masterclient.Dial(registryAddr)
	if err != nil {
		return nil, err
	}
	local := &xmsg.CommInfo{GlobalRank: rank, Endpoint: listenEndpoint}
	if err := mc.RegisterNode(rank, local); err != nil {
		mc.Close()
		return nil, err
	}
	sid, err := shortid.New(1, shortid.DefaultABC, uint64(rank))
	if err != nil {
		mc.Close()
		return nil, err
	}
	pool, err := rpcctx.NewPool(context.Background(), cmn.GCO.Get().ReactorThreads)
	if err != nil {
		mc.Close()
		return nil, err
	}
	ctx := rpcctx.New(rank, local)
	ctx.AttachPool(pool)
	s := &Service{
		Ctx:    ctx,
		Master: mc,
		Rank:   rank,
		api:    api,
		sid:    sid,
		pool:   pool,
	}
	s.cond = sync.NewCond(&s.mu)
	go s.topologyWatcher()
	return s, nil
}

// Serve starts the accept loop for peer RPC connections; it blocks.
func (s *Service) Serve(addr string) error { return s.Ctx.Serve(addr) }

// topologyWatcher wakes on Master node-set changes and refreshes the
// Context's comm-info map (spec.md §4.4 "Topology refresh").
func (s *Service) topologyWatcher() {
	refresh := func() {
		children, st, err := s.Master.TreeNodeSub(nodeRoot)
		if err != nil || st != masterclient.OK {
			return
		}
		all := make(map[int32]*xmsg.CommInfo, len(children))
		for _, ch := range children {
			v, st, err := s.Master.TreeNodeGet(nodeRoot + "/" + ch)
			if err != nil || st != masterclient.OK {
				continue
			}
			info, err := xmsg.UnmarshalCommInfo(v)
			if err != nil {
				continue
			}
			all[info.GlobalRank] = info
		}
		s.Ctx.UpdateCommInfo(all)
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	refresh()
	s.Master.Watcher().Register(nodeRoot, func(string) { refresh() })
	// Periodic fallback refresh in case a watch notification races the
	// initial registration above.
	for range time.Tick(5 * time.Second) {
		refresh()
	}
}

// CreateClient blocks (on the Service's condition variable, spec.md §4.4)
// until at least expectedServerNum servers are registered for (s.api, name),
// then returns a new client Dealer together with that service's rpc id.
func (s *Service) CreateClient(name string, expectedServerNum int) (*dealer.Dealer, int32, error) {
	rpcID, err := s.Master.RegisterRPCService(s.api, name)
	if err != nil {
		return nil, 0, err
	}
	s.refreshServers(rpcID, name)
	s.Master.WatchServers(s.api, name, func() { s.refreshServers(rpcID, name) })

	s.mu.Lock()
	for s.serverCount(rpcID) < expectedServerNum {
		s.cond.Wait()
	}
	s.mu.Unlock()

	d := dealer.NewClientDealer(s.Ctx)
	return d, rpcID, nil
}

func (s *Service) serverCount(sid int32) int {
	return s.Ctx.ServiceServerCount(sid)
}

func (s *Service) refreshServers(rpcID int32, name string) {
	servers, err := s.Master.ListServers(s.api, name)
	if err != nil {
		nlog.Warningf("rpcservice: list_servers %s/%s: %v", s.api, name, err)
		return
	}
	infos := make([]rpcctx.ServerInfo, 0, len(servers))
	for serverID, rank := range servers {
		infos = append(infos, rpcctx.ServerInfo{ServerID: serverID, Rank: rank})
	}
	s.Ctx.UpdateServiceInfo(rpcID, infos)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// CreateServer registers this process as a server for name under s.api,
// allocating a process-unique server id, and returns a bound server Dealer.
func (s *Service) CreateServer(name string) (*dealer.Dealer, int32, error) {
	rpcID, err := s.Master.RegisterRPCService(s.api, name)
	if err != nil {
		return nil, 0, err
	}
	serverID := s.newServerID()
	if err := s.Master.RegisterServer(s.api, name, serverID, s.Rank); err != nil {
		return nil, 0, err
	}
	d := dealer.NewServerDealer(s.Ctx, rpcID)
	return d, rpcID, nil
}

func (s *Service) newServerID() int32 {
	id := s.sid.MustGenerate()
	var h int32
	for _, c := range id {
		h = h*31 + int32(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}

// Close tears the process down: closes the registry client, signals the
// reactor pool's shared teardown eventfd (spec.md §4.4 "process teardown
// writes a semaphore eventfd that all reactor threads watch"), and closes
// the listener.
func (s *Service) Close() error {
	s.Master.Close()
	if err := s.pool.Shutdown(); err != nil {
		nlog.Warningf("rpcservice: reactor pool shutdown: %v", err)
	}
	return s.Ctx.Close()
}
