package accumulator

import (
	"sync"
	"time"

	"github.com/4paradigm/prpc/cmn/nlog"
	"github.com/4paradigm/prpc/dealer"
	"github.com/4paradigm/prpc/xmsg"
)

type pendingSlot struct {
	name     string
	typeName string
	agg      Aggregator
	dirty    bool
}

// Client is the write-behind front end of spec.md §4.6: writes land in the
// current buffer (a name-indexed map, standing in for the source's
// locally-assigned-id vector — Go's map gives the same O(1) slot lookup
// without a separate id allocator); a dedicated sender thread flips buffers
// and flushes the previously-current one once it is no longer being written
// to.
type Client struct {
	d   *dealer.Dealer
	sid int32 // rpc id of the accumulator service, stamped on every request head

	mu      sync.Mutex
	buffers [2]map[string]*pendingSlot
	current int
	dirty   [2]int

	closed    bool
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup

	flushInterval time.Duration
}

// NewClient starts the sender thread over d, flushing the inactive buffer
// every flushInterval. sid is the rpc id the registry allocated for the
// accumulator service, matching the id the server's Dealer was bound to.
func NewClient(d *dealer.Dealer, sid int32, flushInterval time.Duration) *Client {
	if flushInterval <= 0 {
		flushInterval = 50 * time.Millisecond
	}
	c := &Client{
		d:             d,
		sid:           sid,
		stopCh:        make(chan struct{}),
		flushInterval: flushInterval,
	}
	c.buffers[0] = make(map[string]*pendingSlot)
	c.buffers[1] = make(map[string]*pendingSlot)
	c.send(OpStartClient, nil)
	c.wg.Add(1)
	go c.senderLoop()
	return c
}

// Write merges v into the named aggregator's current-buffer slot,
// registering typeName on first use. Returns false once the client has been
// closed (spec.md §7 "accumulator writes return false once the writer is
// closed or the name is unregistered").
func (c *Client) Write(name, typeName string, v float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	buf := c.buffers[c.current]
	slot, ok := buf[name]
	if !ok {
		agg, err := New(typeName)
		if err != nil {
			nlog.Errorf("accumulator client: %v", err)
			return false
		}
		slot = &pendingSlot{name: name, typeName: typeName, agg: agg}
		buf[name] = slot
	}
	slot.agg.MergeValue(v)
	if !slot.dirty {
		slot.dirty = true
		c.dirty[c.current]++
	}
	return true
}

// senderLoop flips buffers and flushes the now-inactive one once it holds
// no in-flight writer (the swap itself, under c.mu, is the hand-off point).
func (c *Client) senderLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			c.flushOnce()
			return
		case <-ticker.C:
			c.flushOnce()
		}
	}
}

func (c *Client) flushOnce() {
	c.mu.Lock()
	inactive := 1 - c.current
	if c.dirty[inactive] == 0 {
		// Nothing pending on the inactive buffer; flip so the next flush
		// drains what's currently being written.
		c.current = inactive
		c.mu.Unlock()
		return
	}
	batch := c.buffers[inactive]
	c.buffers[inactive] = make(map[string]*pendingSlot)
	c.dirty[inactive] = 0
	c.mu.Unlock()

	out := xmsg.NewArchive()
	out.PutUint8(OpWriteBatch)
	dirty := make([]*pendingSlot, 0, len(batch))
	for _, s := range batch {
		if s != nil && s.dirty {
			dirty = append(dirty, s)
		}
	}
	out.PutUint32(uint32(len(dirty)))
	for _, s := range dirty {
		out.PutString(s.name)
		out.PutString(s.typeName)
		state := xmsg.NewArchive()
		s.agg.Serialize(state)
		out.PutBlob(state.Bytes())
	}
	c.send(OpWriteBatch, out)
}

func (c *Client) send(op byte, body *xmsg.Archive) {
	req := xmsg.NewRequest()
	req.Head.DstRank = 0 // the accumulator server is a singleton on rank 0 (spec.md §4.6)
	req.Head.Sid = c.sid
	if body == nil {
		out := xmsg.NewArchive()
		out.PutUint8(op)
		req.SetBody(out.Bytes())
	} else {
		req.SetBody(body.Bytes())
	}
	resp, ok := c.d.SyncRpcCall(req, 2000, nextRpcID())
	if !ok {
		nlog.Warningf("accumulator client: rpc op %q timed out", op)
	} else if resp.Head.ErrCode != xmsg.Succ {
		nlog.Warningf("accumulator client: rpc op %q failed: %v", op, resp.Head.ErrCode)
	}
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

// Read issues a synchronous read RPC for name (spec.md §4.6 "read/reset/
// erase are synchronous RPCs").
func (c *Client) Read(name string) (string, bool) {
	out := xmsg.NewArchive()
	out.PutUint8(OpRead)
	out.PutString(name)
	req := xmsg.NewRequest()
	req.Head.DstRank = 0
	req.Head.Sid = c.sid
	req.SetBody(out.Bytes())
	resp, ok := c.d.SyncRpcCall(req, 2000, nextRpcID())
	if !ok || resp.Head.ErrCode != xmsg.Succ {
		return "", false
	}
	in := xmsg.WrapArchive(resp.Body)
	found, err := in.GetBool()
	if err != nil || !found {
		return "", false
	}
	val, err := in.GetString()
	if err != nil {
		return "", false
	}
	return val, true
}

func (c *Client) nameListOp(op byte, names []string) {
	out := xmsg.NewArchive()
	out.PutUint8(op)
	out.PutUint32(uint32(len(names)))
	for _, n := range names {
		out.PutString(n)
	}
	c.send(op, out)
}

// Reset zeroes the named aggregators on the server (spec.md §6 op 'C').
func (c *Client) Reset(names ...string) { c.nameListOp(OpReset, names) }

// Erase removes the named aggregators from the server's map (op 'E').
func (c *Client) Erase(names ...string) { c.nameListOp(OpErase, names) }

// EraseAll removes every aggregator from the server's map (op 'A').
func (c *Client) EraseAll() { c.send(OpEraseAll, nil) }

// WaitEmpty blocks until the server reports that no started client is still
// open (op 'I'), or until the 2000 ms rpc timeout of send expires.
func (c *Client) WaitEmpty() { c.send(OpWaitEmpty, nil) }

// Close flushes the current buffer (honoring spec.md §4.6 finalization:
// "flushes the current buffer... and joins the sender thread"), tells the
// server this client is gone, and stops the sender thread.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stopCh)
		c.wg.Wait()
		// A flush either sends the inactive buffer or flips the buffers, so
		// repeat until neither buffer holds a dirty slot.
		for {
			c.mu.Lock()
			pending := c.dirty[0] + c.dirty[1]
			c.mu.Unlock()
			if pending == 0 {
				break
			}
			c.flushOnce()
		}
		c.send(OpStopClient, nil)
	})
}
