// Package rpcbarrier implements the RPC-level Barrier service of spec.md
// §4.6: unlike the Master-client barrier (which coordinates through the
// registry tree), this one rendezvous peers directly over the RPC layer
// once they are already connected, with a designated root rank acting as
// the rendezvous point.
package rpcbarrier

import (
	"fmt"
	"sync"

	"github.com/4paradigm/prpc/cmn/nlog"
	"github.com/4paradigm/prpc/dealer"
	"github.com/4paradigm/prpc/xmsg"
)

// Request op codes (analogous in spirit to the accumulator's single-byte
// op codes, spec.md §6, though the Barrier service is not itself wire-
// specified there — these are this package's own framing).
const (
	opBarrier   = 'B'
	opCount     = 'N'
	opAggregate = 'G'
)

// ReduceFunc combines two caller-supplied values registered by name (spec.md
// §4.6 "optional reduction over a caller-supplied function registered by
// name").
type ReduceFunc func(a, b []byte) []byte

// round is a single in-flight rendezvous. A barrier name is single-use per
// round and is garbage-collected the instant its round completes (spec.md
// §9 open question 1), so a later call under the same name always starts a
// fresh round rather than risking mismatched cardinality against stragglers
// from the previous one.
type round struct {
	arrived int
	total   int
	sum     []byte
	reduce  ReduceFunc
	done    chan struct{}
}

// Root is the server half, run on the designated root rank: it owns one
// live round per barrier name and releases every waiter the instant the
// last participant arrives.
type Root struct {
	mu      sync.Mutex
	rounds  map[string]*round
	reduces map[string]ReduceFunc

	d    *dealer.Dealer
	done chan struct{}
}

// NewRoot wraps a server Dealer bound to the barrier service's rpc id.
func NewRoot(d *dealer.Dealer) *Root {
	r := &Root{
		rounds:  make(map[string]*round),
		reduces: make(map[string]ReduceFunc),
		d:       d,
		done:    make(chan struct{}),
	}
	go r.serve()
	return r
}

// RegisterReducer makes fn available to AGGREGATE requests naming it.
func (r *Root) RegisterReducer(name string, fn ReduceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reduces[name] = fn
}

func (r *Root) serve() {
	for {
		req, ok := r.d.RecvRequest(-1)
		if !ok {
			close(r.done)
			return
		}
		go r.handle(req)
	}
}

func (r *Root) handle(req *xmsg.Message) {
	in := xmsg.WrapArchive(req.Body)
	op, err := in.GetUint8()
	if err != nil {
		nlog.Errorf("rpcbarrier: empty request body, dropping")
		return
	}
	name, err := in.GetString()
	if err != nil {
		nlog.Errorf("rpcbarrier: missing barrier name, dropping")
		return
	}
	total, err := in.GetInt32()
	if err != nil {
		nlog.Errorf("rpcbarrier: missing participant count, dropping")
		return
	}

	var rnd *round
	switch op {
	case opBarrier:
		rnd = r.rendezvous(name, int(total), nil, "")
	case opCount:
		rnd = r.rendezvous(name, int(total), []byte{1}, "")
	case opAggregate:
		reducerName, err := in.GetString()
		if err != nil {
			nlog.Errorf("rpcbarrier: aggregate without reducer name, dropping")
			return
		}
		payload, err := in.GetBlob()
		if err != nil {
			nlog.Errorf("rpcbarrier: aggregate without payload, dropping")
			return
		}
		rnd = r.rendezvous(name, int(total), payload, reducerName)
	default:
		nlog.Errorf("rpcbarrier: unknown op code %q, ignoring request", op)
		return
	}

	<-rnd.done
	out := xmsg.NewArchive()
	out.PutBlob(rnd.sum)
	resp := xmsg.NewResponse(req)
	resp.SetBody(out.Bytes())
	r.d.SendResponse(resp)
}

// rendezvous registers one arrival for name, merging payload via the named
// reducer if given, and completes the round once total arrivals are in. It
// returns the exact round instance this arrival joined, so the caller can
// wait on its done channel without a second, racy lookup by name (a later
// round can reuse the same name the instant this one is garbage-collected).
func (r *Root) rendezvous(name string, total int, payload []byte, reducerName string) *round {
	r.mu.Lock()
	defer r.mu.Unlock()
	rnd, ok := r.rounds[name]
	if !ok {
		rnd = &round{total: total, done: make(chan struct{})}
		if reducerName != "" {
			rnd.reduce = r.reduces[reducerName]
		}
		r.rounds[name] = rnd
	}
	rnd.arrived++
	if payload != nil {
		if rnd.sum == nil {
			rnd.sum = payload
		} else if rnd.reduce != nil {
			rnd.sum = rnd.reduce(rnd.sum, payload)
		}
	}
	if rnd.arrived >= rnd.total {
		// Garbage-collect immediately: the name is free for the next round
		// the instant this one is satisfied (spec.md §9).
		delete(r.rounds, name)
		close(rnd.done)
	}
	return rnd
}

// Close terminates the root's Dealer and waits for the serve loop to drain.
func (r *Root) Close() {
	r.d.Terminate()
	<-r.done
}

// Member is the participant half: every non-root rank (and the root rank
// itself, if it also participates) calls through this to join a round.
type Member struct {
	d        *dealer.Dealer
	rootRank int32
	sid      int32 // rpc id the root's server Dealer is bound to
}

// NewMember wraps a client Dealer over d. sid must match the rpc id the
// root's server Dealer was bound to (dispatchInbound routes inbound
// requests on Head.Sid alone, independent of which rank a client dials).
func NewMember(d *dealer.Dealer, rootRank int32, sid int32) *Member {
	return &Member{d: d, rootRank: rootRank, sid: sid}
}

func (m *Member) call(op byte, name string, total int, payload []byte, reducerName string) ([]byte, bool) {
	out := xmsg.NewArchive()
	out.PutUint8(op)
	out.PutString(name)
	out.PutInt32(int32(total))
	if op == opAggregate {
		out.PutString(reducerName)
		out.PutBlob(payload)
	}
	req := xmsg.NewRequest()
	req.Head.DstRank = m.rootRank
	req.Head.Sid = m.sid
	req.SetBody(out.Bytes())
	resp, ok := m.d.SyncRpcCall(req, -1, nextRpcID())
	if !ok || resp.Head.ErrCode != xmsg.Succ {
		return nil, false
	}
	in := xmsg.WrapArchive(resp.Body)
	blob, err := in.GetBlob()
	if err != nil {
		return nil, false
	}
	return blob, true
}

// Barrier blocks until total participants (including this one) have called
// Barrier/Count/Aggregate under name.
func (m *Member) Barrier(name string, total int) bool {
	_, ok := m.call(opBarrier, name, total, nil, "")
	return ok
}

// Count blocks like Barrier and additionally returns how many arrivals were
// counted (always total, once released).
func (m *Member) Count(name string, total int) (int, bool) {
	_, ok := m.call(opCount, name, total, nil, "")
	if !ok {
		return 0, false
	}
	return total, true
}

// Aggregate blocks until total participants arrive, reducing every
// participant's payload via the named reducer registered on the root, and
// returns the final reduced value.
func (m *Member) Aggregate(name string, total int, reducerName string, payload []byte) ([]byte, bool) {
	return m.call(opAggregate, name, total, payload, reducerName)
}

var rpcIDCounter struct {
	mu sync.Mutex
	n  uint64
}

func nextRpcID() uint64 {
	rpcIDCounter.mu.Lock()
	defer rpcIDCounter.mu.Unlock()
	rpcIDCounter.n++
	return rpcIDCounter.n
}

// SumReducer is a ready-made ReduceFunc for payloads that are 8-byte
// little-endian int64 counters, used by the S2/S-style test scenarios.
func SumReducer(a, b []byte) []byte {
	av := decodeInt64(a)
	bv := decodeInt64(b)
	return encodeInt64(av + bv)
}

func encodeInt64(v int64) []byte {
	buf := xmsg.NewArchive()
	buf.PutInt64(v)
	return buf.Bytes()
}

func decodeInt64(b []byte) int64 {
	v, err := xmsg.WrapArchive(b).GetInt64()
	if err != nil {
		panic(fmt.Sprintf("rpcbarrier: corrupt aggregate payload: %v", err))
	}
	return v
}
