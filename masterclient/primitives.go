package masterclient

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/4paradigm/prpc/cmn"
	"github.com/4paradigm/prpc/xmsg"
)

const (
	idGenRoot   = "/root/_id_gen_"
	lockRoot    = "/root/_lock_"
	nodeRoot    = "/root/_node_"
	rpcSvcRoot  = "/root/_rpc_"
	contextRoot = "/root/_context_"
	modelRoot   = "/root/_model_"
	taskRoot    = "/root/_task_state_"
	roleRoot    = "/root/_role_"
)

// retryCall repeats op until it stops reporting Disconnected, reconnecting
// between attempts. Per spec.md §4.2, the raw tree wrappers retry on
// Disconnected until success; an ERROR reply is fatal and returned as-is.
func retryCall[T any](c *Client, op func() (T, Status, error)) (T, Status, error) {
	for {
		v, st, err := op()
		if st != Disconnected {
			return v, st, err
		}
		time.Sleep(cmn.GCO.Get().EpipeCooldown)
		_ = c.Reconnect()
	}
}

func (c *Client) addRetry(path string, value []byte, ephemeral bool) Status {
	st, _, _ := retryCall(c, func() (struct{}, Status, error) {
		s, e := c.TreeNodeAdd(path, value, ephemeral)
		return struct{}{}, s, e
	})
	return st
}

func (c *Client) genRetry(parent string, value []byte, ephemeral bool) (string, Status) {
	child, st, _ := retryCall(c, func() (string, Status, error) {
		return c.TreeNodeGen(parent, value, ephemeral)
	})
	return child, st
}

func (c *Client) delRetry(path string) Status {
	st, _, _ := retryCall(c, func() (struct{}, Status, error) {
		s, e := c.TreeNodeDel(path)
		return struct{}{}, s, e
	})
	return st
}

func (c *Client) setRetry(path string, value []byte) Status {
	st, _, _ := retryCall(c, func() (struct{}, Status, error) {
		s, e := c.TreeNodeSet(path, value)
		return struct{}{}, s, e
	})
	return st
}

func (c *Client) getRetry(path string) ([]byte, Status) {
	v, st, _ := retryCall(c, func() ([]byte, Status, error) {
		return c.TreeNodeGet(path)
	})
	return v, st
}

func (c *Client) subRetry(path string) ([]string, Status) {
	ch, st, _ := retryCall(c, func() ([]string, Status, error) {
		return c.TreeNodeSub(path)
	})
	return ch, st
}

func lastSeq(key string) int {
	i := strings.LastIndex(key, "_")
	n, _ := strconv.Atoi(key[i+1:])
	return n
}

// GenerateID implements generate_id(key): GEN a child of the per-key counter
// path and return the integer suffix. Never reuses a value within a client
// session (the registry's counter is monotonic per parent, spec.md §4.1).
func (c *Client) GenerateID(key string) (int, error) {
	parent := idGenRoot + "/" + key
	if st := c.ensurePath(parent); st != OK && st != NodeFailed {
		return 0, fmt.Errorf("masterclient: generate_id: ensure path: %v", st)
	}
	child, st := c.genRetry(parent, nil, false)
	if st != OK {
		return 0, fmt.Errorf("masterclient: generate_id: %v", st)
	}
	return lastSeq(child), nil
}

// ResetGenerateID implements reset_generate_id(key): recursively deletes the
// key's counter subtree.
func (c *Client) ResetGenerateID(key string) error {
	return c.deleteSubtree(idGenRoot + "/" + key)
}

func (c *Client) deleteSubtree(path string) error {
	children, st := c.subRetry(path)
	if st == NodeFailed {
		return nil
	}
	if st != OK {
		return fmt.Errorf("masterclient: deleteSubtree %s: %v", path, st)
	}
	for _, ch := range children {
		if err := c.deleteSubtree(path + "/" + ch); err != nil {
			return err
		}
	}
	if st := c.delRetry(path); st != OK && st != NodeFailed {
		return fmt.Errorf("masterclient: deleteSubtree del %s: %v", path, st)
	}
	return nil
}

// ensurePath creates path and every missing ancestor (non-ephemeral, empty
// value), tolerating a benign race against another client doing the same.
func (c *Client) ensurePath(path string) Status {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := ""
	for _, s := range segs {
		cur += "/" + s
		st := c.addRetry(cur, nil, false)
		if st != OK && st != NodeFailed {
			return st
		}
	}
	return OK
}

// Lock is a held sequential-znode lock (spec.md §4.2 acquire_lock).
type Lock struct {
	c    *Client
	node string
}

// AcquireLock implements acquire_lock(name): GEN an ephemeral child under
// /root/_lock_/name, then wait until it is the lexicographically smallest
// child of that parent (standard sequential-znode mutual exclusion).
func (c *Client) AcquireLock(name string) (*Lock, error) {
	parent := lockRoot + "/" + name
	if st := c.ensurePath(parent); st != OK {
		return nil, fmt.Errorf("masterclient: acquire_lock: ensure path: %v", st)
	}
	node, st := c.genRetry(parent, nil, true)
	if st != OK {
		return nil, fmt.Errorf("masterclient: acquire_lock: gen: %v", st)
	}
	myKey := node[len(parent)+1:]
	for {
		children, st := c.subRetry(parent)
		if st != OK {
			return nil, fmt.Errorf("masterclient: acquire_lock: sub: %v", st)
		}
		sort.Strings(children)
		if len(children) > 0 && children[0] == myKey {
			return &Lock{c: c, node: node}, nil
		}
		ch := make(chan struct{}, 1)
		c.watcher.Register(parent, func(string) {
			select {
			case ch <- struct{}{}:
			default:
			}
		})
		select {
		case <-ch:
		case <-time.After(time.Second):
		}
		c.watcher.Unregister(parent)
	}
}

// Release deletes the lock's sequential node. A second release finds the
// node already gone; unlike the idempotent-delete callers elsewhere in this
// file (deleteSubtree, ensurePath), a repeat release here is reported as
// ErrorStatus rather than swallowed as NodeFailed (spec.md §8 S1 "two
// releases produce the ERROR status").
func (l *Lock) Release() Status {
	st := l.c.delRetry(l.node)
	if st == NodeFailed {
		return ErrorStatus
	}
	return st
}

// Barrier implements barrier(name, n): a two-phase sequential-znode
// rendezvous. The n-th arriver publishes an ephemeral "ready" node and waits
// for everyone else to leave; earlier arrivers wait for "ready", delete
// their own node, and leave. Before entering, callers wait for any stale
// "ready" from a prior round to disappear (spec.md §4.2).
func (c *Client) Barrier(name string, n int) error {
	parent := barrierPath(name)
	nodeParent := parent + "/node"
	readyPath := parent + "/ready"

	if st := c.ensurePath(nodeParent); st != OK {
		return fmt.Errorf("masterclient: barrier: ensure path: %v", st)
	}
	c.waitForAbsence(readyPath)

	myNode, st := c.genRetry(nodeParent, nil, true)
	if st != OK {
		return fmt.Errorf("masterclient: barrier: gen: %v", st)
	}

	children, st := c.subRetry(nodeParent)
	if st != OK {
		return fmt.Errorf("masterclient: barrier: sub: %v", st)
	}

	if len(children) == n {
		if st := c.addRetry(readyPath, nil, true); st != OK && st != NodeFailed {
			return fmt.Errorf("masterclient: barrier: publish ready: %v", st)
		}
		c.waitForChildCount(nodeParent, 1) // only this client's own node remains
		c.delRetry(myNode)
		c.delRetry(readyPath)
		return nil
	}

	c.waitForExistence(readyPath)
	c.delRetry(myNode)
	return nil
}

func barrierPath(name string) string { return "/root/_barrier_/" + name }

func (c *Client) waitForAbsence(path string) {
	for {
		_, st := c.getRetry(path)
		if st == NodeFailed {
			return
		}
		c.waitOnce(parentPath(path))
	}
}

func (c *Client) waitForExistence(path string) {
	for {
		_, st := c.getRetry(path)
		if st == OK {
			return
		}
		c.waitOnce(parentPath(path))
	}
}

func (c *Client) waitForChildCount(parent string, want int) {
	for {
		children, st := c.subRetry(parent)
		if st == OK && len(children) <= want {
			return
		}
		c.waitOnce(parent)
	}
}

func parentPath(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func (c *Client) waitOnce(watchPath string) {
	ch := make(chan struct{}, 1)
	c.watcher.Register(watchPath, func(string) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	select {
	case <-ch:
	case <-time.After(time.Second):
	}
	c.watcher.Unregister(watchPath)
}

// AllocRoleRank implements alloc_role_rank(role, count): returns this
// caller's role-rank (0..count-1) and the full list of global ranks in
// role-rank order.
func (c *Client) AllocRoleRank(role string, count int, globalRank int32) (myRank int, ranks []int32, err error) {
	parent := roleRoot + "/" + role
	if st := c.ensurePath(parent); st != OK {
		return 0, nil, fmt.Errorf("masterclient: alloc_role_rank: ensure path: %v", st)
	}
	if err := c.resetRoleRank(parent); err != nil {
		return 0, nil, err
	}

	if err := c.Barrier(role+"_enter", count); err != nil {
		return 0, nil, err
	}

	node, st := c.genRetry(parent, []byte(strconv.Itoa(int(globalRank))), true)
	if st != OK {
		return 0, nil, fmt.Errorf("masterclient: alloc_role_rank: gen: %v", st)
	}
	mySeq := lastSeq(node)

	if err := c.Barrier(role+"_exit", count); err != nil {
		return 0, nil, err
	}

	children, st := c.subRetry(parent)
	if st != OK {
		return 0, nil, fmt.Errorf("masterclient: alloc_role_rank: sub: %v", st)
	}
	sort.Strings(children)
	ranks = make([]int32, 0, len(children))
	for i, ch := range children {
		v, st := c.getRetry(parent + "/" + ch)
		if st != OK {
			return 0, nil, fmt.Errorf("masterclient: alloc_role_rank: get %s: %v", ch, st)
		}
		gr, _ := strconv.Atoi(string(v))
		ranks = append(ranks, int32(gr))
		if lastSeq(ch) == mySeq {
			myRank = i
		}
	}
	return myRank, ranks, nil
}

// resetRoleRank implements alloc_role_rank's reset_generate_id step
// (spec.md §4.2): clears parent's children left over from a prior round
// using this role name and recreates it, which zeroes the per-path sequence
// counter Tree.Gen keeps on the node record. Safe to race across the
// cohort's callers: it always runs before any of them enters the "_enter"
// barrier, so every reset is complete before the first per-rank child is
// generated.
func (c *Client) resetRoleRank(parent string) error {
	children, st := c.subRetry(parent)
	if st != OK && st != NodeFailed {
		return fmt.Errorf("masterclient: alloc_role_rank: reset sub: %v", st)
	}
	for _, ch := range children {
		if st := c.delRetry(parent + "/" + ch); st != OK && st != NodeFailed {
			return fmt.Errorf("masterclient: alloc_role_rank: reset del %s: %v", ch, st)
		}
	}
	if st := c.delRetry(parent); st != OK && st != NodeFailed {
		return fmt.Errorf("masterclient: alloc_role_rank: reset del parent: %v", st)
	}
	if st := c.ensurePath(parent); st != OK {
		return fmt.Errorf("masterclient: alloc_role_rank: reset recreate: %v", st)
	}
	return nil
}

// RegisterNode implements register_node(CommInfo): an ephemeral
// /root/_node_/<rank> carrying the JSON-encoded CommInfo.
func (c *Client) RegisterNode(rank int32, info *xmsg.CommInfo) error {
	b, err := info.Marshal()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/%d", nodeRoot, rank)
	if st := c.addRetry(path, b, true); st != OK {
		return fmt.Errorf("masterclient: register_node: %v", st)
	}
	return nil
}

func (c *Client) DeregisterNode(rank int32) error {
	path := fmt.Sprintf("%s/%d", nodeRoot, rank)
	if st := c.delRetry(path); st != OK && st != NodeFailed {
		return fmt.Errorf("masterclient: deregister_node: %v", st)
	}
	return nil
}

func (c *Client) GetNode(rank int32) (*xmsg.CommInfo, error) {
	path := fmt.Sprintf("%s/%d", nodeRoot, rank)
	v, st := c.getRetry(path)
	if st != OK {
		return nil, fmt.Errorf("masterclient: get_node: %v", st)
	}
	return xmsg.UnmarshalCommInfo(v)
}

// RegisterRPCService implements register_rpc_service: atomically allocates
// a stable rpc_id per (api, name), persisted (non-ephemeral) at
// /root/_rpc_/<api>/<name> per the registry tree layout (spec.md §6). If
// another caller already registered the same (api, name), its existing
// rpc_id is returned instead of allocating a new one.
func (c *Client) RegisterRPCService(api, name string) (int32, error) {
	path := rpcSvcRoot + "/" + api + "/" + name
	id, err := c.GenerateID("_rpc_ids_")
	if err != nil {
		return 0, err
	}
	if st := c.ensurePath(rpcSvcRoot + "/" + api); st != OK {
		return 0, fmt.Errorf("masterclient: register_rpc_service: ensure path: %v", st)
	}
	st := c.addRetry(path, []byte(strconv.Itoa(id)), false)
	if st == NodeFailed {
		v, st := c.getRetry(path)
		if st != OK {
			return 0, fmt.Errorf("masterclient: register_rpc_service: get existing: %v", st)
		}
		existing, _ := strconv.Atoi(string(v))
		return int32(existing), nil
	}
	if st != OK {
		return 0, fmt.Errorf("masterclient: register_rpc_service: %v", st)
	}
	return int32(id), nil
}

// RegisterServer implements register_server: an ephemeral
// (api, name, server_id) node carrying the owner's global rank.
func (c *Client) RegisterServer(api, name string, serverID, globalRank int32) error {
	path := fmt.Sprintf("%s/%s/%s/%d", rpcSvcRoot, api, name, serverID)
	if st := c.addRetry(path, []byte(strconv.Itoa(int(globalRank))), true); st != OK {
		return fmt.Errorf("masterclient: register_server: %v", st)
	}
	return nil
}

func (c *Client) DeregisterServer(api, name string, serverID int32) error {
	path := fmt.Sprintf("%s/%s/%s/%d", rpcSvcRoot, api, name, serverID)
	if st := c.delRetry(path); st != OK && st != NodeFailed {
		return fmt.Errorf("masterclient: deregister_server: %v", st)
	}
	return nil
}

// ListServers returns (server_id, global_rank) pairs currently registered
// for (api, name), used by the topology watcher to feed the routing tables
// (rpcctx.Context's master-pushed FairQueue updates).
func (c *Client) ListServers(api, name string) (map[int32]int32, error) {
	parent := fmt.Sprintf("%s/%s/%s", rpcSvcRoot, api, name)
	children, st := c.subRetry(parent)
	if st == NodeFailed {
		return map[int32]int32{}, nil
	}
	if st != OK {
		return nil, fmt.Errorf("masterclient: list_servers: %v", st)
	}
	out := make(map[int32]int32, len(children))
	for _, ch := range children {
		id, err := strconv.Atoi(ch)
		if err != nil {
			continue // the rpc_id value node itself has no decimal child key
		}
		v, st := c.getRetry(parent + "/" + ch)
		if st != OK {
			continue
		}
		gr, _ := strconv.Atoi(string(v))
		out[int32(id)] = int32(gr)
	}
	return out, nil
}

// WatchServers registers cb to fire whenever the (api, name) server set
// changes.
func (c *Client) WatchServers(api, name string, cb func()) {
	parent := fmt.Sprintf("%s/%s/%s", rpcSvcRoot, api, name)
	c.watcher.Register(parent, func(string) { cb() })
}

// --- context/model CRUD: ordinary non-ephemeral nodes (spec.md §4.2) ---

func (c *Client) PutContext(key string, value []byte) error {
	path := contextRoot + "/" + key
	if st := c.addRetry(path, value, false); st == NodeFailed {
		if st := c.setRetry(path, value); st != OK {
			return fmt.Errorf("masterclient: put_context: %v", st)
		}
		return nil
	} else if st != OK {
		return fmt.Errorf("masterclient: put_context: %v", st)
	}
	return nil
}

func (c *Client) GetContext(key string) ([]byte, error) {
	v, st := c.getRetry(contextRoot + "/" + key)
	if st != OK {
		return nil, fmt.Errorf("masterclient: get_context: %v", st)
	}
	return v, nil
}

func (c *Client) PutModel(key string, value []byte) error {
	path := modelRoot + "/" + key
	if st := c.addRetry(path, value, false); st == NodeFailed {
		if st := c.setRetry(path, value); st != OK {
			return fmt.Errorf("masterclient: put_model: %v", st)
		}
		return nil
	} else if st != OK {
		return fmt.Errorf("masterclient: put_model: %v", st)
	}
	return nil
}

func (c *Client) GetModel(key string) ([]byte, error) {
	v, st := c.getRetry(modelRoot + "/" + key)
	if st != OK {
		return nil, fmt.Errorf("masterclient: get_model: %v", st)
	}
	return v, nil
}

// WatchModel implements watch_model: cb fires on any change under
// /root/_model_/key.
func (c *Client) WatchModel(key string, cb func()) {
	c.watcher.Register(modelRoot+"/"+key, func(string) { cb() })
}

// --- task state convenience (spec.md §4.2) ---

// WaitTaskReady blocks until /root/_task_state_/ready exists.
func (c *Client) WaitTaskReady() {
	c.waitForExistence(taskRoot + "/ready")
}

// WatchTaskFail registers cb to fire on any change under
// /root/_task_state_/fail.
func (c *Client) WatchTaskFail(cb func()) {
	c.watcher.Register(taskRoot+"/fail", func(string) { cb() })
}
