package rpcctx

import (
	"sync"

	"github.com/OneOfOne/xxhash"
)

// ServerInfo addresses one registered server instance of a service.
type ServerInfo struct {
	ServerID int32
	Rank     int32
}

// FairQueue is the routing structure from a service id to its set of
// eligible server dealers (glossary: "Fair queue"). Round-robin is the
// default work-sharing pick; PickHashed gives callers (e.g. a sticky-key
// accumulator client) a deterministic pick via xxhash so repeat calls with
// the same key land on the same server.
type FairQueue struct {
	mu      sync.Mutex
	servers []ServerInfo
	rrNext  uint64
}

func NewFairQueue() *FairQueue { return &FairQueue{} }

// Update replaces the server set (spec.md §4.4 "update_service_info rebuilds
// the service→(server-id→ServerInfo) map").
func (q *FairQueue) Update(servers []ServerInfo) {
	q.mu.Lock()
	q.servers = append([]ServerInfo(nil), servers...)
	q.mu.Unlock()
}

func (q *FairQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.servers)
}

// PickRoundRobin returns the next server in rotation.
func (q *FairQueue) PickRoundRobin() (ServerInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.servers) == 0 {
		return ServerInfo{}, false
	}
	s := q.servers[q.rrNext%uint64(len(q.servers))]
	q.rrNext++
	return s, true
}

// PickHashed deterministically picks a server for key via xxhash, giving
// callers a random-but-stable work-sharing assignment.
func (q *FairQueue) PickHashed(key []byte) (ServerInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.servers) == 0 {
		return ServerInfo{}, false
	}
	h := xxhash.Checksum64(key)
	return q.servers[h%uint64(len(q.servers))], true
}

// PickByServerID returns the entry for an explicit server id.
func (q *FairQueue) PickByServerID(id int32) (ServerInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range q.servers {
		if s.ServerID == id {
			return s, true
		}
	}
	return ServerInfo{}, false
}

// PickHashedID deterministically selects one of several local dealer ids
// bound to the same service id, for the work-sharing case of spec.md §3
// "server-id → list of server-side Dealers … when multiple Dealers share one
// server-id a random Dealer wins".
func PickHashedID(ids []int32, key []byte) int32 {
	if len(ids) == 1 {
		return ids[0]
	}
	h := xxhash.Checksum64(key)
	return ids[h%uint64(len(ids))]
}
