// Package rpcctx implements the process-wide routing authority of spec.md
// §4.4: per-peer Front-ends, per-service FairQueues, and per-dealer inboxes,
// all guarded by a single reader/writer spinlock.
package rpcctx

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"

	"github.com/4paradigm/prpc/cmn"
	"github.com/4paradigm/prpc/cmn/nlog"
	"github.com/4paradigm/prpc/concur"
	"github.com/4paradigm/prpc/frontend"
	"github.com/4paradigm/prpc/rpcsock"
	"github.com/4paradigm/prpc/xmsg"
)

// Inbox receives inbound messages for one Dealer. dealer.Dealer implements
// it; defining the interface here (rather than importing the dealer
// package) keeps Context free of a dependency cycle, since Dealer is built
// on top of Context.
type Inbox interface {
	Deliver(msg *xmsg.Message)
}

// Context is the single routing authority inside a process (spec.md §4.4).
type Context struct {
	lock concur.RWSpinLock

	selfRank int32
	local    *xmsg.CommInfo

	commInfo map[int32]*xmsg.CommInfo // rank -> address, pushed by topology refresh
	clientFE map[int32]*frontend.FrontEnd
	serverFE map[int32]*frontend.FrontEnd

	fairQueues    map[int32]*FairQueue // sid -> eligible servers
	serviceDealer map[int32][]int32    // sid -> dealer ids handling inbound requests for it

	dealers      map[int32]Inbox
	nextDealerID int32

	ln   *net.TCPListener
	pool *Pool
}

// New constructs a Context for selfRank reachable at local's endpoint.
func New(selfRank int32, local *xmsg.CommInfo) *Context {
	return &Context{
		selfRank:      selfRank,
		local:         local,
		commInfo:      make(map[int32]*xmsg.CommInfo),
		clientFE:      make(map[int32]*frontend.FrontEnd),
		serverFE:      make(map[int32]*frontend.FrontEnd),
		fairQueues:    make(map[int32]*FairQueue),
		serviceDealer: make(map[int32][]int32),
		dealers:       make(map[int32]Inbox),
	}
}

func (c *Context) SelfRank() int32 { return c.selfRank }

// AttachPool wires p into the Context so every accepted/dialed secondary
// stream is handed to one of its reactors for an EPOLLRDHUP watch (spec.md
// §5 "Front-ends are hashed to a single reactor on creation"). Leaving this
// unset (the default, used by every test Context) keeps the
// goroutine-per-socket recvLoop as the sole failure detector.
func (c *Context) AttachPool(p *Pool) {
	c.lock.Lock()
	c.pool = p
	c.lock.Unlock()
}

// watchSecondary asks the pool (if any) to notice a silent death of the
// secondary stream — one with no pending zero-copy transfer, hence no
// blocked read to notice the close (spec.md §4.3) — and run onHup.
func (c *Context) watchSecondary(rank int32, secondary net.Conn, onHup func()) {
	if secondary == nil {
		return
	}
	c.lock.RLock()
	pool := c.pool
	c.lock.RUnlock()
	if pool == nil {
		return
	}
	if err := pool.Assign(rank).WatchHup(secondary, onHup); err != nil {
		nlog.Warningf("rpcctx: watch secondary stream for rank %d: %v", rank, err)
	}
}

// Serve accepts peer connections on addr, handshaking each and installing
// it as that rank's server-side front-end (used for sending responses
// back). It blocks until the listener is closed.
func (c *Context) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	tln, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return errors.New("rpcctx: expected *net.TCPListener")
	}
	c.ln = tln
	nlog.Infof("rpc context listening on %s", ln.Addr())
	for {
		nc, err := ln.Accept()
		if err != nil {
			return nil
		}
		go c.acceptOne(nc)
	}
}

func (c *Context) acceptOne(nc net.Conn) {
	remote, secondary, err := rpcsock.ServerHandshake(nc, c.local)
	if err != nil {
		nlog.Warningf("rpcctx: accept handshake failed: %v", err)
		nc.Close()
		return
	}
	sock := rpcsock.NewTCPSocket(nc, secondary, remote)
	sock.SetHandler(c.dispatchInbound)
	fe := frontend.New(remote.GlobalRank, remote)
	fe.AttachSocket(sock)

	c.lock.Lock()
	c.serverFE[remote.GlobalRank] = fe
	c.lock.Unlock()

	c.watchSecondary(remote.GlobalRank, secondary, func() { c.dropServerFE(remote.GlobalRank) })
}

// dropServerFE tears down and forgets rank's server-side front-end, used
// when a reactor notices its secondary stream died without a primary-side
// read ever observing the close.
func (c *Context) dropServerFE(rank int32) {
	c.lock.Lock()
	fe, ok := c.serverFE[rank]
	if ok {
		delete(c.serverFE, rank)
	}
	c.lock.Unlock()
	if ok {
		fe.Detach()
	}
}

// Addr returns the bound listener address, valid after Serve starts
// listening.
func (c *Context) Addr() net.Addr {
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

func (c *Context) Close() error {
	if c.ln != nil {
		return c.ln.Close()
	}
	return nil
}

// --- topology refresh (spec.md §4.4) ---

// UpdateCommInfo replaces the rank->endpoint map (called by the RPC
// Service's watcher thread on a Master notification).
func (c *Context) UpdateCommInfo(all map[int32]*xmsg.CommInfo) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for rank := range c.commInfo {
		if _, ok := all[rank]; !ok {
			if fe, ok := c.clientFE[rank]; ok {
				fe.Detach()
				delete(c.clientFE, rank)
			}
			delete(c.commInfo, rank)
		}
	}
	for rank, info := range all {
		c.commInfo[rank] = info
	}
}

// ServiceServerCount reports how many servers are currently known for sid,
// used by CreateClient's expected_server_num wait (spec.md §4.4).
func (c *Context) ServiceServerCount(sid int32) int {
	c.lock.RLock()
	q, ok := c.fairQueues[sid]
	c.lock.RUnlock()
	if !ok {
		return 0
	}
	return q.Len()
}

// UpdateServiceInfo rebuilds the FairQueue for sid.
func (c *Context) UpdateServiceInfo(sid int32, servers []ServerInfo) {
	c.lock.Lock()
	q, ok := c.fairQueues[sid]
	if !ok {
		q = NewFairQueue()
		c.fairQueues[sid] = q
	}
	c.lock.Unlock()
	q.Update(servers)
}

// --- dealer registration ---

// NewDealerID mints a process-unique dealer id.
func (c *Context) NewDealerID() int32 {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.nextDealerID++
	return c.nextDealerID
}

func (c *Context) RegisterDealer(id int32, inbox Inbox) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.dealers[id] = inbox
}

func (c *Context) DeregisterDealer(id int32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.dealers, id)
}

// BindServiceDealer adds dealerID to the set of server-side Dealers handling
// inbound requests for sid (spec.md §3 "server-id → list of server-side
// Dealers"). A second Dealer bound to the same sid joins the set rather than
// replacing the first, enabling work-sharing across multiple server Dealers.
func (c *Context) BindServiceDealer(sid, dealerID int32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, id := range c.serviceDealer[sid] {
		if id == dealerID {
			return
		}
	}
	c.serviceDealer[sid] = append(c.serviceDealer[sid], dealerID)
}

// UnbindServiceDealer removes dealerID from sid's set, leaving any other
// Dealers still bound to it in place.
func (c *Context) UnbindServiceDealer(sid, dealerID int32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	ids := c.serviceDealer[sid]
	for i, id := range ids {
		if id == dealerID {
			c.serviceDealer[sid] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(c.serviceDealer[sid]) == 0 {
		delete(c.serviceDealer, sid)
	}
}

// --- inbound dispatch ---

func (c *Context) dispatchInbound(msg *xmsg.Message) {
	if msg.IsResponse() {
		c.lock.RLock()
		inbox, ok := c.dealers[msg.Head.DstDealer]
		c.lock.RUnlock()
		if ok {
			inbox.Deliver(msg)
		}
		return
	}
	c.lock.RLock()
	ids := c.serviceDealer[msg.Head.Sid]
	var inbox Inbox
	var ok bool
	if len(ids) > 0 {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], msg.Head.RpcID)
		inbox, ok = c.dealers[PickHashedID(ids, key[:])]
	}
	c.lock.RUnlock()
	if !ok {
		c.SendResponse(xmsg.Fail(msg, xmsg.ENoSuchService))
		return
	}
	inbox.Deliver(msg)
}

// --- send path (spec.md §4.4) ---

// SendRequest routes a request per spec.md §4.4 priority order: explicit
// destination rank, explicit server-id under rpc-id, round-robin across
// known servers of rpc-id. A routing miss is short-circuited straight to
// the caller's inbox via DstDealer instead of touching the wire.
func (c *Context) SendRequest(msg *xmsg.Message) {
	target, code, ok := c.resolveTarget(msg)
	if !ok {
		c.dispatchInbound(xmsg.Fail(msg, code))
		return
	}
	if target == c.selfRank {
		c.loopback(msg)
		return
	}
	fe := c.clientFrontEnd(target)
	if fe == nil {
		c.dispatchInbound(xmsg.Fail(msg, xmsg.ENoSuchRank))
		return
	}
	if fe.State() == frontend.Disconnect {
		c.dialFrontEnd(fe)
	}
	fe.Send(msg)
}

// resolveTarget implements the priority order; ok=false means no target
// could be resolved and code carries the reason.
func (c *Context) resolveTarget(msg *xmsg.Message) (rank int32, code xmsg.ErrCode, ok bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if msg.Head.DstRank >= 0 {
		if _, known := c.commInfo[msg.Head.DstRank]; !known && msg.Head.DstRank != c.selfRank {
			return 0, xmsg.ENoSuchRank, false
		}
		return msg.Head.DstRank, xmsg.Succ, true
	}

	q, hasService := c.fairQueues[msg.Head.Sid]
	if !hasService {
		return 0, xmsg.ENoSuchService, false
	}
	if msg.Head.ServerID >= 0 {
		s, found := q.PickByServerID(msg.Head.ServerID)
		if !found {
			return 0, xmsg.ENoSuchServer, false
		}
		return s.Rank, xmsg.Succ, true
	}
	s, found := q.PickRoundRobin()
	if !found {
		return 0, xmsg.ENoSuchService, false
	}
	return s.Rank, xmsg.Succ, true
}

// loopback delivers a self-addressed message without touching the socket
// (spec.md §4.4).
func (c *Context) loopback(msg *xmsg.Message) {
	c.dispatchInbound(msg)
}

func (c *Context) clientFrontEnd(rank int32) *frontend.FrontEnd {
	c.lock.Lock()
	defer c.lock.Unlock()
	fe, ok := c.clientFE[rank]
	if ok {
		return fe
	}
	info, ok := c.commInfo[rank]
	if !ok {
		return nil
	}
	fe = frontend.New(rank, info)
	c.clientFE[rank] = fe
	return fe
}

func (c *Context) dialFrontEnd(fe *frontend.FrontEnd) {
	nc, err := net.DialTimeout("tcp", fe.Remote.Endpoint, cmn.GCO.Get().DialTimeout)
	if err != nil {
		nlog.Warningf("rpcctx: dial rank %d at %s: %v", fe.Rank, fe.Remote.Endpoint, err)
		return
	}
	remote, secondary, err := rpcsock.ClientHandshake(nc, c.local)
	if err != nil {
		nlog.Warningf("rpcctx: handshake with rank %d: %v", fe.Rank, err)
		nc.Close()
		return
	}
	sock := rpcsock.NewTCPSocket(nc, secondary, remote)
	sock.SetHandler(c.dispatchInbound)
	fe.AttachSocket(sock)

	c.watchSecondary(fe.Rank, secondary, fe.Detach)
}

// SendResponse routes a response (spec.md §4.4: "Never reconnects. If the
// destination peer's front-end is gone the response is dropped and the
// client will time out").
func (c *Context) SendResponse(msg *xmsg.Message) {
	if msg.Head.DstRank == c.selfRank {
		c.loopback(msg)
		return
	}
	c.lock.RLock()
	fe, ok := c.serverFE[msg.Head.DstRank]
	c.lock.RUnlock()
	if !ok {
		return
	}
	fe.Send(msg)
}
