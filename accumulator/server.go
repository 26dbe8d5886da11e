package accumulator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/4paradigm/prpc/cmn/nlog"
	"github.com/4paradigm/prpc/dealer"
	"github.com/4paradigm/prpc/xmsg"
)

// Request op codes, single ASCII byte, spec.md §6.
const (
	OpRead        = 'R'
	OpWriteBatch  = 'W'
	OpReset       = 'C'
	OpErase       = 'E'
	OpEraseAll    = 'A'
	OpWaitEmpty   = 'I'
	OpStartClient = '0'
	OpStopClient  = '1'
)

var (
	writesMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accumulator_writes_merged_total",
		Help: "Number of aggregator deltas merged by an accumulator server.",
	})
	readsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accumulator_reads_served_total",
		Help: "Number of read RPCs served by an accumulator server.",
	})
)

type slot struct {
	typeName string
	agg      Aggregator
}

// Server is a name->aggregator map reachable over RPC (spec.md §4.6): it
// owns a server Dealer and serves read/reset/erase/wait-empty/write-batch
// requests in its own goroutine.
type Server struct {
	mu      sync.Mutex
	cond    *sync.Cond
	values  map[string]*slot
	clients int

	d    *dealer.Dealer
	done chan struct{}
}

// NewServer wraps a server Dealer already bound to the accumulator's rpc id.
func NewServer(d *dealer.Dealer) *Server {
	s := &Server{
		values: make(map[string]*slot),
		d:      d,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.serve()
	return s
}

// serve dispatches each request to its own goroutine (as rpcbarrier.Root
// does) rather than handling them inline: handleWaitEmpty blocks until
// clients reaches zero, and that drop only happens via an OpStopClient
// request processed on this same loop, so a synchronous serve would
// deadlock the instant one live client called WaitEmpty.
func (s *Server) serve() {
	for {
		req, ok := s.d.RecvRequest(-1)
		if !ok {
			close(s.done)
			return
		}
		go s.handle(req)
	}
}

func (s *Server) handle(req *xmsg.Message) {
	a := xmsg.WrapArchive(req.Body)
	op, err := a.GetUint8()
	if err != nil {
		nlog.Errorf("accumulator: empty request body, dropping")
		return
	}

	resp := xmsg.NewResponse(req)
	out := xmsg.NewArchive()

	switch op {
	case OpRead:
		s.handleRead(a, out)
	case OpWriteBatch:
		s.handleWriteBatch(a)
	case OpReset:
		s.handleNameList(a, func(ss *slot) { ss.agg.Init() })
	case OpErase:
		s.handleErase(a)
	case OpEraseAll:
		s.mu.Lock()
		s.values = make(map[string]*slot)
		s.mu.Unlock()
	case OpWaitEmpty:
		s.handleWaitEmpty()
	case OpStartClient:
		s.mu.Lock()
		s.clients++
		s.mu.Unlock()
	case OpStopClient:
		s.mu.Lock()
		s.clients--
		s.cond.Broadcast()
		s.mu.Unlock()
	default:
		nlog.Errorf("accumulator: unknown op code %q, ignoring request", op)
		return
	}

	resp.SetBody(out.Bytes())
	s.d.SendResponse(resp)
}

func (s *Server) handleRead(in, out *xmsg.Archive) {
	name, err := in.GetString()
	if err != nil {
		return
	}
	s.mu.Lock()
	ss, found := s.values[name]
	s.mu.Unlock()
	if !found {
		nlog.Warningf("accumulator: read of unregistered name %q", name)
		out.PutBool(false)
		out.PutString("")
		return
	}
	str, ok := ss.agg.TryToString()
	readsServed.Inc()
	out.PutBool(ok)
	out.PutString(str)
}

func (s *Server) handleWriteBatch(in *xmsg.Archive) {
	cnt, err := in.GetUint32()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint32(0); i < cnt; i++ {
		name, err := in.GetString()
		if err != nil {
			return
		}
		typeName, err := in.GetString()
		if err != nil {
			return
		}
		blob, err := in.GetBlob()
		if err != nil {
			return
		}
		delta, err := New(typeName)
		if err != nil {
			nlog.Errorf("accumulator: %v", err)
			continue
		}
		if err := delta.Deserialize(xmsg.WrapArchive(blob)); err != nil {
			nlog.Errorf("accumulator: deserialize %q: %v", name, err)
			continue
		}
		ss, ok := s.values[name]
		if !ok {
			ss = &slot{typeName: typeName, agg: delta}
			s.values[name] = ss
			writesMerged.Inc()
			continue
		}
		ss.agg.MergeAggregator(delta)
		writesMerged.Inc()
	}
	s.cond.Broadcast()
}

func (s *Server) handleNameList(in *xmsg.Archive, f func(*slot)) {
	cnt, err := in.GetUint32()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint32(0); i < cnt; i++ {
		name, err := in.GetString()
		if err != nil {
			return
		}
		if ss, ok := s.values[name]; ok {
			f(ss)
		}
	}
}

func (s *Server) handleErase(in *xmsg.Archive) {
	cnt, err := in.GetUint32()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint32(0); i < cnt; i++ {
		name, err := in.GetString()
		if err != nil {
			return
		}
		delete(s.values, name)
	}
}

// handleWaitEmpty blocks its handler goroutine until every client that sent
// start-client has also sent stop-client (clients == 0), then replies. Since a
// client sends stop-client only after its closing flush, a caller can be sure
// every finalization flush landed before reading (spec.md §4.6 "finalization flushes... and joins the
// sender thread").
func (s *Server) handleWaitEmpty() {
	s.mu.Lock()
	for s.clients > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Close terminates the server's Dealer and waits for the serve loop to
// drain.
func (s *Server) Close() {
	s.d.Terminate()
	<-s.done
}

// Manager groups several independently-named accumulator servers in one
// process, so a caller can run more than one accumulator domain (e.g.
// distinct metric namespaces) without re-dialing the registry per domain.
type Manager struct {
	mu       sync.Mutex
	byDomain map[string]*Server
}

func NewManager() *Manager { return &Manager{byDomain: make(map[string]*Server)} }

func (m *Manager) Register(domain string, d *dealer.Dealer) *Server {
	s := NewServer(d)
	m.mu.Lock()
	m.byDomain[domain] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) Get(domain string) (*Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byDomain[domain]
	return s, ok
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	servers := make([]*Server, 0, len(m.byDomain))
	for _, s := range m.byDomain {
		servers = append(servers, s)
	}
	m.mu.Unlock()
	for _, s := range servers {
		s.Close()
	}
}
