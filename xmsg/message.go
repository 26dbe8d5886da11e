package xmsg

import jsoniter "github.com/json-iterator/go"

// json is the teacher's direct-dependency JSON codec (jsoniter), used here
// for CommInfo / RpcServiceInfo values carried inside eager bodies.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Error codes, wire-visible per spec.md §6.
type ErrCode int32

const (
	Succ ErrCode = iota
	ENoSuchServer
	ENoSuchRank
	ENoSuchService
	EConnection
	ENotFound
)

// Head is the fixed, wire-visible routing head of every Message (spec.md §3,
// §6). Field order here is the encode order on the wire.
type Head struct {
	SrcRank   int32
	DstRank   int32
	Sid       int32 // service id (rpc id)
	ServerID  int32
	SrcDealer int32 // -1 for one-way sends
	DstDealer int32
	RpcID     uint64
	ErrCode   ErrCode
	BodySize  int64
	NumBlocks int32
}

// Encode appends the head to an eager Archive in wire (little-endian) order.
func (h *Head) Encode(a *Archive) {
	a.PutInt32(h.SrcRank)
	a.PutInt32(h.DstRank)
	a.PutInt32(h.Sid)
	a.PutInt32(h.ServerID)
	a.PutInt32(h.SrcDealer)
	a.PutInt32(h.DstDealer)
	a.PutUint64(h.RpcID)
	a.PutInt32(int32(h.ErrCode))
	a.PutInt64(h.BodySize)
	a.PutInt32(h.NumBlocks)
}

// DecodeHead reads a Head off the front of an eager Archive.
func DecodeHead(a *Archive) (*Head, error) {
	h := &Head{}
	var err error
	if h.SrcRank, err = a.GetInt32(); err != nil {
		return nil, err
	}
	if h.DstRank, err = a.GetInt32(); err != nil {
		return nil, err
	}
	if h.Sid, err = a.GetInt32(); err != nil {
		return nil, err
	}
	if h.ServerID, err = a.GetInt32(); err != nil {
		return nil, err
	}
	if h.SrcDealer, err = a.GetInt32(); err != nil {
		return nil, err
	}
	if h.DstDealer, err = a.GetInt32(); err != nil {
		return nil, err
	}
	if h.RpcID, err = a.GetUint64(); err != nil {
		return nil, err
	}
	ec, err := a.GetInt32()
	if err != nil {
		return nil, err
	}
	h.ErrCode = ErrCode(ec)
	if h.BodySize, err = a.GetInt64(); err != nil {
		return nil, err
	}
	if h.NumBlocks, err = a.GetInt32(); err != nil {
		return nil, err
	}
	return h, nil
}

// HeadSize is the fixed on-wire size of a Head: 6 int32s + 1 uint64 + 1 int32
// (errcode) + 1 int64 + 1 int32 = 4*6 + 8 + 4 + 8 + 4.
const HeadSize = 4*6 + 8 + 4 + 8 + 4

// Message is a wire unit: head + eager body + zero or more extra blocks
// (spec.md §3). It is either a Request or a Response; IsResponse tells them
// apart without a dedicated type (matching the head-and-body symmetry the
// original source uses for both).
type Message struct {
	Head   Head
	Body   []byte // eager body; len(Body) must equal Head.BodySize
	Blocks []*DataBlock

	isResponse bool
}

func NewRequest() *Message { return &Message{} }

func (m *Message) IsResponse() bool { return m.isResponse }

// SetBody installs the eager body and keeps Head.BodySize in sync — callers
// must not set Body directly and forget this, or the invariant in spec.md §3
// ("body size ... agree with the actual payload") breaks.
func (m *Message) SetBody(b []byte) {
	m.Body = b
	m.Head.BodySize = int64(len(b))
}

// AddBlock appends an extra block and keeps Head.NumBlocks in sync.
func (m *Message) AddBlock(b *DataBlock) {
	m.Blocks = append(m.Blocks, b)
	m.Head.NumBlocks = int32(len(m.Blocks))
}

// NewResponse constructs a Response from a Request, inheriting routing head
// fields swapped per spec.md §3: dest<->src, dest_dealer = src_dealer.
func NewResponse(req *Message) *Message {
	resp := &Message{isResponse: true}
	resp.Head.SrcRank = req.Head.DstRank
	resp.Head.DstRank = req.Head.SrcRank
	resp.Head.Sid = req.Head.Sid
	resp.Head.ServerID = req.Head.ServerID
	resp.Head.SrcDealer = req.Head.DstDealer
	resp.Head.DstDealer = req.Head.SrcDealer
	resp.Head.RpcID = req.Head.RpcID
	resp.Head.ErrCode = Succ
	return resp
}

// Fail constructs a short-circuited error Response from a Request without
// ever touching the wire (routing-miss path in spec.md §4.4).
func Fail(req *Message, code ErrCode) *Message {
	resp := NewResponse(req)
	resp.Head.ErrCode = code
	return resp
}

// CommInfo = (global rank, endpoint string), serialized to stable JSON for
// registry storage (spec.md §3).
type CommInfo struct {
	GlobalRank int32  `json:"global_rank"`
	Endpoint   string `json:"endpoint"`
}

func (c *CommInfo) Marshal() ([]byte, error)        { return json.Marshal(c) }
func UnmarshalCommInfo(b []byte) (*CommInfo, error) {
	c := &CommInfo{}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RpcServiceInfo = (service name, rpc id, list of {server id, global rank}).
type RpcServiceInfo struct {
	Name    string        `json:"name"`
	RpcID   int32         `json:"rpc_id"`
	Servers []ServerEntry `json:"servers"`
}

type ServerEntry struct {
	ServerID   int32 `json:"server_id"`
	GlobalRank int32 `json:"global_rank"`
}

func (s *RpcServiceInfo) Marshal() ([]byte, error) { return json.Marshal(s) }
func UnmarshalRpcServiceInfo(b []byte) (*RpcServiceInfo, error) {
	s := &RpcServiceInfo{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}
