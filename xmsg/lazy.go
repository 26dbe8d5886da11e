package xmsg

import "sync"

// DataBlock is the zero-copy extra-block handle: either an inline-bytes copy
// the eager archive owns, or a reference to a caller-owned buffer that
// travels out-of-band. The receiver's handle owns the underlying memory via
// a custom "deleter" (Release), matching spec.md §3's "opaque data block with
// a custom deleter".
//
// Grounded on original_source/src/SerializationHelper.h (lazy-archive extra
// blocks) and spec.md §9 "Lazy archive extra blocks": the holder is attached
// to the Message and released only after the Socket confirms transmission
// (TCP) or the remote read completes (RDMA).
type DataBlock struct {
	Data    []byte
	RKey    uint32 // RDMA remote-key metadata; unused over TCP
	release func()
	once    sync.Once
}

// NewDataBlock wraps a caller-owned buffer with a release callback invoked
// exactly once, when the transmission (or receipt) of this block completes.
func NewDataBlock(p []byte, release func()) *DataBlock {
	if release == nil {
		release = func() {}
	}
	return &DataBlock{Data: p, release: release}
}

// Release invokes the deleter exactly once. Safe to call multiple times.
func (b *DataBlock) Release() { b.once.Do(b.release) }

func (b *DataBlock) Len() int { return len(b.Data) }

// LazyArchive carries typed values whose serialization produces either
// inline bytes or references to caller-owned buffers that become extra
// blocks (spec.md §3 "Lazy Archive"). Inline values and blocks are kept in
// separate queues; LazyArchive has no method that folds the inline values
// into a Message's eager body.
//
// A lazy << followed by a lazy >> on the receiver reconstructs the value; the
// strict-FIFO discipline of the eager Archive applies here too.
type LazyArchive struct {
	inline []Archive    // values small enough to inline
	blocks []*DataBlock // values that become extra blocks
	// kinds records, in << order, whether entry i of the combined stream is
	// inline (false) or a block (true). GetInline and GetBlock do not consult
	// it; each reads its own queue in FIFO order.
	kinds []bool
	rdPos struct{ inline, block int }
}

func NewLazyArchive() *LazyArchive { return &LazyArchive{} }

// PutInline appends a small value (already eager-encoded) to the inline
// queue rather than making it an extra block — used for values below
// MIN_ZERO_COPY_SIZE even on RDMA transports (spec.md §3 invariant).
func (l *LazyArchive) PutInline(a *Archive) {
	l.inline = append(l.inline, *a)
	l.kinds = append(l.kinds, false)
}

// PutBlock registers a caller-owned buffer as an extra block. The caller
// retains ownership until release is invoked by the transport once the bytes
// are confirmed on the wire (TCP) or the RDMA read completes.
func (l *LazyArchive) PutBlock(p []byte, release func()) {
	l.blocks = append(l.blocks, NewDataBlock(p, release))
	l.kinds = append(l.kinds, true)
}

// Blocks returns the extra blocks in << order, for the transport to enumerate
// when building the wire Message.
func (l *LazyArchive) Blocks() []*DataBlock { return l.blocks }

// NumBlocks reports the extra-block count for the Message head.
func (l *LazyArchive) NumBlocks() int { return len(l.blocks) }

// GetBlock pops the next extra block in << order (lazy >> on the receiver).
// The returned DataBlock's ownership transfers to the caller, who must call
// Release when done with the bytes.
func (l *LazyArchive) GetBlock() (*DataBlock, error) {
	if l.rdPos.block >= len(l.blocks) {
		return nil, errUnderrun("lazy archive: no more blocks")
	}
	b := l.blocks[l.rdPos.block]
	l.rdPos.block++
	return b, nil
}

// GetInline pops the next inline value (lazy >> on the receiver) as a
// read-ready Archive.
func (l *LazyArchive) GetInline() (*Archive, error) {
	if l.rdPos.inline >= len(l.inline) {
		return nil, errUnderrun("lazy archive: no more inline values")
	}
	a := l.inline[l.rdPos.inline]
	l.rdPos.inline++
	return &a, nil
}

type lazyErr string

func (e lazyErr) Error() string { return string(e) }
func errUnderrun(msg string) error { return lazyErr(msg) }
