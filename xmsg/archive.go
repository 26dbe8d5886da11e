// Package xmsg implements the wire Message and its two archive flavors: the
// eager archive (an append/consume byte buffer) and the lazy archive (typed
// values that resolve to inline bytes or zero-copy extra blocks).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package xmsg

import (
	"encoding/binary"
	"fmt"
)

// Archive is a strict-FIFO append/consume byte buffer: every `<<` (Put) must
// be matched, in order, by a `>>` (Get) of the same shape on the other end.
// Grounded on original_source/src/SerializationHelper.h.
type Archive struct {
	buf []byte
	off int // read cursor
}

// NewArchive returns an empty archive ready for encoding.
func NewArchive() *Archive { return &Archive{} }

// WrapArchive views an existing byte slice as an archive ready for decoding.
func WrapArchive(b []byte) *Archive { return &Archive{buf: b} }

// Bytes returns the archive's full encoded content (valid after encoding, or
// before any Get on a freshly-wrapped archive).
func (a *Archive) Bytes() []byte { return a.buf }

// Len returns the number of unconsumed bytes.
func (a *Archive) Len() int { return len(a.buf) - a.off }

// Reset clears the archive for reuse as an encoder.
func (a *Archive) Reset() { a.buf = a.buf[:0]; a.off = 0 }

func (a *Archive) putBytes(p []byte) { a.buf = append(a.buf, p...) }

func (a *Archive) getBytes(n int) ([]byte, error) {
	if a.Len() < n {
		return nil, fmt.Errorf("xmsg: archive underrun: want %d, have %d", n, a.Len())
	}
	b := a.buf[a.off : a.off+n]
	a.off += n
	return b, nil
}

// PutUint8 / GetUint8 and friends implement the primitive encode/decode pairs;
// ordering between Put* and Get* on the peer side is strict FIFO per spec.md §3.

func (a *Archive) PutUint8(v uint8) { a.putBytes([]byte{v}) }
func (a *Archive) GetUint8() (uint8, error) {
	b, err := a.getBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (a *Archive) PutUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	a.putBytes(b[:])
}
func (a *Archive) GetUint16() (uint16, error) {
	b, err := a.getBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (a *Archive) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	a.putBytes(b[:])
}
func (a *Archive) GetUint32() (uint32, error) {
	b, err := a.getBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (a *Archive) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	a.putBytes(b[:])
}
func (a *Archive) GetUint64() (uint64, error) {
	b, err := a.getBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (a *Archive) PutInt64(v int64) { a.PutUint64(uint64(v)) }
func (a *Archive) GetInt64() (int64, error) {
	v, err := a.GetUint64()
	return int64(v), err
}

func (a *Archive) PutInt32(v int32) { a.PutUint32(uint32(v)) }
func (a *Archive) GetInt32() (int32, error) {
	v, err := a.GetUint32()
	return int32(v), err
}

// PutBlob writes a length-prefixed byte string (composite encode).
func (a *Archive) PutBlob(p []byte) {
	a.PutUint32(uint32(len(p)))
	a.putBytes(p)
}

// GetBlob reads a length-prefixed byte string.
func (a *Archive) GetBlob() ([]byte, error) {
	n, err := a.GetUint32()
	if err != nil {
		return nil, err
	}
	return a.getBytes(int(n))
}

// PutString writes a length-prefixed UTF-8 string.
func (a *Archive) PutString(s string) { a.PutBlob([]byte(s)) }

// GetString reads a length-prefixed UTF-8 string.
func (a *Archive) GetString() (string, error) {
	b, err := a.GetBlob()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PutBool / GetBool.
func (a *Archive) PutBool(v bool) {
	if v {
		a.PutUint8(1)
	} else {
		a.PutUint8(0)
	}
}
func (a *Archive) GetBool() (bool, error) {
	v, err := a.GetUint8()
	return v != 0, err
}
