// Package masterclient is the registry client: MasterClient wraps one TCP
// connection to the registry (master package) with a reader thread and a
// callback thread, exposing the raw tree_node_* wire operations. Derived,
// higher-level primitives (locks, barriers, role/rank allocation, ...) live
// in primitives.go.
//
// Grounded on original_source/src/MasterClient.cpp/.h and spec.md §4.2.
package masterclient

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/4paradigm/prpc/cmn"
	"github.com/4paradigm/prpc/cmn/nlog"
	"github.com/4paradigm/prpc/concur"
	"github.com/4paradigm/prpc/master"
)

// Status aliases the registry's wire status enum.
type Status = master.Status

const (
	OK           = master.OK
	NodeFailed   = master.NodeFailed
	PathFailed   = master.PathFailed
	Disconnected = master.Disconnected
	ErrorStatus  = master.ErrorStatus
)

type reply struct {
	status Status
	body   []byte
}

// Client is one connection to the registry.
type Client struct {
	addr string

	callMu sync.Mutex // one in-flight request at a time, mirrors the server's per-conn synchronous handling

	connMu  sync.Mutex
	nc      net.Conn
	w       *bufio.Writer
	up      bool
	replies *concur.Channel[reply]
	notify  *concur.Channel[string]

	watcher *concur.AsyncWatcher

	stopOnce sync.Once
	stop     chan struct{}
}

// Dial connects to the registry at addr and starts the reader and callback
// threads.
func Dial(addr string) (*Client, error) {
	c := &Client{
		addr:    addr,
		watcher: concur.NewAsyncWatcher(),
		replies: concur.NewChannel[reply](0),
		notify:  concur.NewChannel[string](0),
		stop:    make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.callbackLoop()
	return c, nil
}

func (c *Client) connect() error {
	nc, err := net.DialTimeout("tcp", c.addr, cmn.GCO.Get().DialTimeout)
	if err != nil {
		return errors.Wrap(err, "masterclient: dial registry")
	}
	c.connMu.Lock()
	c.nc = nc
	c.w = bufio.NewWriter(nc)
	c.up = true
	c.connMu.Unlock()
	go c.readLoop(nc)
	return nil
}

// Watcher exposes the watch-callback table so primitives.go and callers can
// Register paths of interest.
func (c *Client) Watcher() *concur.AsyncWatcher { return c.watcher }

func (c *Client) readLoop(nc net.Conn) {
	r := bufio.NewReader(nc)
	for {
		kind, err := r.ReadByte()
		if err != nil {
			c.onDisconnect()
			return
		}
		status, err := r.ReadByte()
		if err != nil {
			c.onDisconnect()
			return
		}
		var lb [4]byte
		if _, err := io.ReadFull(r, lb[:]); err != nil {
			c.onDisconnect()
			return
		}
		n := binary.BigEndian.Uint32(lb[:])
		body := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, body); err != nil {
				c.onDisconnect()
				return
			}
		}
		switch kind {
		case 0xFF:
			c.replies.Send(reply{status: Status(status), body: body})
		case 0xFE:
			c.notify.Send(string(body))
		}
	}
}

func (c *Client) onDisconnect() {
	c.connMu.Lock()
	wasUp := c.up
	c.up = false
	c.connMu.Unlock()
	if wasUp {
		nlog.Warningf("masterclient: registry connection to %s lost", c.addr)
	}
	c.replies.Send(reply{status: Disconnected})
}

// callbackLoop drains notification frames and fires watcher callbacks for
// every ancestor prefix of the notified path.
func (c *Client) callbackLoop() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		path, ok := c.notify.Recv(200)
		if !ok {
			continue
		}
		c.watcher.Notify(path)
	}
}

func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.replies.Terminate()
		c.notify.Terminate()
		c.connMu.Lock()
		if c.nc != nil {
			c.nc.Close()
		}
		c.connMu.Unlock()
	})
}

func putField(dst []byte, field []byte) []byte {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(field)))
	dst = append(dst, lb[:]...)
	dst = append(dst, field...)
	return dst
}

// call sends op+body and blocks for the matching reply. A connection drop
// mid-call completes with Disconnected (spec.md §4.2 failure semantics); the
// caller decides whether to Reconnect and retry.
func (c *Client) call(op master.Op, body []byte) (Status, []byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.connMu.Lock()
	up := c.up
	w := c.w
	c.connMu.Unlock()
	if !up {
		return Disconnected, nil, nil
	}

	var hdr [5]byte
	hdr[0] = byte(op)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)))
	c.connMu.Lock()
	_, werr := w.Write(hdr[:])
	if werr == nil && len(body) > 0 {
		_, werr = w.Write(body)
	}
	if werr == nil {
		werr = w.Flush()
	}
	c.connMu.Unlock()
	if werr != nil {
		c.onDisconnect()
		return Disconnected, nil, nil
	}

	r, ok := c.replies.Recv(-1)
	if !ok {
		return Disconnected, nil, nil
	}
	return r.status, r.body, nil
}

// Reconnect redials the registry; callers typically retry the failed
// operation after a successful Reconnect.
func (c *Client) Reconnect() error {
	c.connMu.Lock()
	if c.nc != nil {
		c.nc.Close()
	}
	c.connMu.Unlock()
	return c.connect()
}

// --- raw tree_node_* operations (spec.md §4.1 ops, §4.2 client-side names) ---

func (c *Client) TreeNodeAdd(path string, value []byte, ephemeral bool) (Status, error) {
	var eph byte
	if ephemeral {
		eph = 1
	}
	body := putField(nil, []byte(path))
	body = putField(body, value)
	body = append(body, eph)
	st, _, err := c.call(master.OpAdd, body)
	return st, err
}

func (c *Client) TreeNodeGen(parent string, value []byte, ephemeral bool) (string, Status, error) {
	var eph byte
	if ephemeral {
		eph = 1
	}
	body := putField(nil, []byte(parent))
	body = putField(body, value)
	body = append(body, eph)
	st, out, err := c.call(master.OpGen, body)
	return string(out), st, err
}

func (c *Client) TreeNodeDel(path string) (Status, error) {
	body := putField(nil, []byte(path))
	st, _, err := c.call(master.OpDel, body)
	return st, err
}

func (c *Client) TreeNodeSet(path string, value []byte) (Status, error) {
	body := putField(nil, []byte(path))
	body = putField(body, value)
	st, _, err := c.call(master.OpSet, body)
	return st, err
}

func (c *Client) TreeNodeGet(path string) ([]byte, Status, error) {
	body := putField(nil, []byte(path))
	st, out, err := c.call(master.OpGet, body)
	return out, st, err
}

func (c *Client) TreeNodeSub(path string) ([]string, Status, error) {
	body := putField(nil, []byte(path))
	st, out, err := c.call(master.OpSub, body)
	if st != OK {
		return nil, st, err
	}
	var children []string
	for len(out) > 0 {
		var n uint32
		n = binary.BigEndian.Uint32(out[:4])
		out = out[4:]
		children = append(children, string(out[:n]))
		out = out[n:]
	}
	return children, st, err
}

func (c *Client) ClientFinalize() (Status, error) {
	st, _, err := c.call(master.OpClientFinalize, nil)
	return st, err
}

func (c *Client) Exit() (Status, error) {
	st, _, err := c.call(master.OpExit, nil)
	return st, err
}
