package master

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/4paradigm/prpc/cmn/nlog"
)

// Op is the registry wire opcode (spec.md §6).
type Op uint8

const (
	OpGen Op = iota
	OpAdd
	OpDel
	OpGet
	OpSet
	OpSub
	OpExit
	OpClientFinalize
)

// Server is the registry process: a single accept loop plus one goroutine per
// connection. Tree mutations are serialized by the tree's own buntdb
// transactions; the watch broadcast is sent after the mutation it reports
// and is not atomic with it. The server's mutex guards only the connection set.
//
// Grounded on original_source/src/rpc/masterd.cc driving original_source's
// Master.cpp, and spec.md §4.1/§6.
type Server struct {
	tree *Tree

	mu      sync.Mutex
	conns   map[int64]*conn
	nextID  int64
	exiting bool
	drained chan struct{}

	ln net.Listener
}

type conn struct {
	id int64
	nc net.Conn
	w  *bufio.Writer
	wm sync.Mutex
}

func NewServer(rootName string) (*Server, error) {
	tree, err := NewTree(rootName)
	if err != nil {
		return nil, err
	}
	return &Server{
		tree:    tree,
		conns:   make(map[int64]*conn),
		drained: make(chan struct{}),
	}, nil
}

// Serve accepts connections on addr until Shutdown is called or the listener
// errors. It blocks.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	nlog.Infof("registry listening on %s", ln.Addr())
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			exiting := s.exiting
			s.mu.Unlock()
			if exiting {
				return nil
			}
			return err
		}
		go s.handle(nc)
	}
}

func (s *Server) Shutdown() error {
	s.mu.Lock()
	s.exiting = true
	s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handle(nc net.Conn) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	c := &conn{id: id, nc: nc, w: bufio.NewWriter(nc)}
	s.conns[id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		last := len(s.conns) == 0 && s.exiting
		s.mu.Unlock()
		s.finalizeConn(id)
		nc.Close()
		if last {
			close(s.drained)
		}
	}()

	r := bufio.NewReader(nc)
	for {
		if err := s.readOne(c, r); err != nil {
			if err != io.EOF {
				nlog.Warningf("registry conn %d: %v", id, err)
			}
			return
		}
	}
}

// Wire framing: 1-byte op, 4-byte big-endian body length, body. Bodies are
// newline-free flat byte strings; paths and values are length-prefixed
// within the body using the same uint32-BE convention.
func (s *Server) readOne(c *conn, r *bufio.Reader) error {
	opb, err := r.ReadByte()
	if err != nil {
		return err
	}
	op := Op(opb)
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return err
		}
	}
	return s.dispatch(c, op, body)
}

func readField(body []byte) (field, rest []byte, ok bool) {
	if len(body) < 4 {
		return nil, nil, false
	}
	n := binary.BigEndian.Uint32(body[:4])
	body = body[4:]
	if uint32(len(body)) < n {
		return nil, nil, false
	}
	return body[:n], body[n:], true
}

func putField(dst []byte, field []byte) []byte {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(field)))
	dst = append(dst, lb[:]...)
	dst = append(dst, field...)
	return dst
}

func (s *Server) dispatch(c *conn, op Op, body []byte) error {
	switch op {
	case OpGen:
		parent, rest, ok := readField(body)
		if !ok {
			return s.reply(c, ErrorStatus, nil)
		}
		value, _, _ := readField(rest)
		ephemeral := len(rest) > 0 && rest[len(rest)-1] == 1
		child, status := s.tree.Gen(string(parent), value, ephemeral, c.id)
		if status == OK {
			s.broadcastNotify(child)
		}
		return s.reply(c, status, []byte(child))

	case OpAdd:
		path, rest, ok := readField(body)
		if !ok {
			return s.reply(c, ErrorStatus, nil)
		}
		value, rest2, _ := readField(rest)
		ephemeral := len(rest2) > 0 && rest2[len(rest2)-1] == 1
		status := s.tree.Add(string(path), value, ephemeral, c.id)
		if status == OK {
			s.broadcastNotify(string(path))
		}
		return s.reply(c, status, nil)

	case OpDel:
		path, _, ok := readField(body)
		if !ok {
			return s.reply(c, ErrorStatus, nil)
		}
		status := s.tree.Del(string(path))
		if status == OK {
			s.broadcastNotify(string(path))
		}
		return s.reply(c, status, nil)

	case OpSet:
		path, rest, ok := readField(body)
		if !ok {
			return s.reply(c, ErrorStatus, nil)
		}
		value, _, _ := readField(rest)
		status := s.tree.Set(string(path), value)
		if status == OK {
			s.broadcastNotify(string(path))
		}
		return s.reply(c, status, nil)

	case OpGet:
		path, _, ok := readField(body)
		if !ok {
			return s.reply(c, ErrorStatus, nil)
		}
		value, status := s.tree.Get(string(path))
		return s.reply(c, status, value)

	case OpSub:
		path, _, ok := readField(body)
		if !ok {
			return s.reply(c, ErrorStatus, nil)
		}
		children, status := s.tree.Sub(string(path))
		var out []byte
		for _, ch := range children {
			out = putField(out, []byte(ch))
		}
		return s.reply(c, status, out)

	case OpClientFinalize:
		s.finalizeConn(c.id)
		return s.reply(c, OK, nil)

	case OpExit:
		s.mu.Lock()
		s.exiting = true
		empty := len(s.conns) == 0
		s.mu.Unlock()
		if empty {
			close(s.drained)
		}
		return s.reply(c, OK, nil)

	default:
		return s.reply(c, ErrorStatus, nil)
	}
}

func (s *Server) finalizeConn(id int64) {
	removed := s.tree.DeleteOwned(id)
	for _, p := range removed {
		s.broadcastNotify(p)
	}
}

func (s *Server) reply(c *conn, status Status, body []byte) error {
	return s.writeFrame(c, 0xFF, byte(status), body)
}

// broadcastNotify fans a one-way notification frame (op 0xFE, body = path)
// out to every connected client; MasterClient's AsyncWatcher fires prefix
// callbacks locally on receipt (spec.md §4.1 watches).
func (s *Server) broadcastNotify(path string) {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		_ = s.writeFrame(c, 0xFE, 0, []byte(path))
	}
}

func (s *Server) writeFrame(c *conn, kind byte, status byte, body []byte) error {
	c.wm.Lock()
	defer c.wm.Unlock()
	var hdr [6]byte
	hdr[0] = kind
	hdr[1] = status
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(body)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := c.w.Write(body); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// Wait blocks until every connection has disconnected after Shutdown/EXIT was
// observed (spec.md §4.1 EXIT semantics).
func (s *Server) Wait() { <-s.drained }
