// Package master implements the registry server: a single-process
// authoritative hierarchical key/value tree with ephemeral nodes, sequential
// children, and path watches (spec.md §4.1).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package master

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/4paradigm/prpc/cmn"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Status mirrors the wire-visible status enum of spec.md §6.
type Status int32

const (
	OK Status = iota
	NodeFailed
	PathFailed
	Disconnected
	ErrorStatus
)

// record is the persisted shape of one tree node. It is stored as a JSON
// blob keyed by path in an in-memory buntdb database — buntdb gives us
// sorted-key prefix scans (AscendKeys) for free, which is exactly what SUB
// and ancestor/child bookkeeping need; the tree carries no on-disk state
// (":memory:"), matching the registry's explicit no-persistence non-goal.
//
// Grounded on original_source/src/Master.cpp tree mutation logic and
// spec.md §3 "Master tree node".
type record struct {
	Path       string `json:"path"`
	Value      []byte `json:"value"`
	Ephemeral  bool   `json:"ephemeral"`
	OwnerConn  int64  `json:"owner_conn,omitempty"` // 0 = none
	SeqCounter int64  `json:"seq_counter"`          // next sequential child suffix
}

// Tree is the in-memory hierarchical store. It holds no lock of its own: each
// exported method runs inside one buntdb transaction, and buntdb serializes
// those, so the server's connection goroutines and tests can call it directly.
type Tree struct {
	db   *buntdb.DB
	root string
}

// NewTree opens an in-memory tree rooted at rootName (default "root" per
// spec.md §6) and seeds the root node itself (non-ephemeral, always present).
func NewTree(rootName string) (*Tree, error) {
	if rootName == "" {
		rootName = cmn.GCO.Get().RegistryRoot
	}
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	t := &Tree{db: db, root: "/" + rootName}
	if err := t.db.Update(func(tx *buntdb.Tx) error {
		rec := record{Path: t.root}
		return putRecord(tx, t.root, &rec)
	}); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) Root() string { return t.root }

func (t *Tree) Close() error { return t.db.Close() }

func putRecord(tx *buntdb.Tx, path string, rec *record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(path, string(b), nil)
	return err
}

func getRecord(tx *buntdb.Tx, path string) (*record, error) {
	s, err := tx.Get(path)
	if err != nil {
		return nil, err
	}
	rec := &record{}
	if err := json.Unmarshal([]byte(s), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ValidPath enforces spec.md §3/§6 path discipline: non-empty, leading '/',
// no empty segments, no trailing '/'.
func ValidPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if p == "/" {
		return true
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return false
	}
	segs := strings.Split(p, "/")[1:]
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return true
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// Add creates path with the given value; fails if the parent is missing or
// ephemeral, or if path already exists (spec.md §4.1 ADD).
func (t *Tree) Add(path string, value []byte, ephemeral bool, ownerConn int64) Status {
	if !ValidPath(path) {
		return ErrorStatus
	}
	var status Status
	_ = t.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(path); err == nil {
			status = NodeFailed // already exists
			return nil
		}
		parent, err := getRecord(tx, parentOf(path))
		if err != nil {
			status = PathFailed
			return nil
		}
		if parent.Ephemeral {
			status = PathFailed
			return nil
		}
		rec := &record{Path: path, Value: value, Ephemeral: ephemeral}
		if ephemeral {
			rec.OwnerConn = ownerConn
		}
		if err := putRecord(tx, path, rec); err != nil {
			status = ErrorStatus
			return nil
		}
		status = OK
		return nil
	})
	return status
}

// Gen creates a sequential child of parent: key = "_" + zero-padded 10-digit
// monotonically increasing counter scoped to parent (spec.md §4.1 GEN).
// Returns the generated full path and status.
func (t *Tree) Gen(parent string, value []byte, ephemeral bool, ownerConn int64) (string, Status) {
	if !ValidPath(parent) {
		return "", ErrorStatus
	}
	var (
		status Status
		child  string
	)
	_ = t.db.Update(func(tx *buntdb.Tx) error {
		prec, err := getRecord(tx, parent)
		if err != nil {
			status = PathFailed
			return nil
		}
		if prec.Ephemeral {
			status = PathFailed
			return nil
		}
		seq := prec.SeqCounter
		prec.SeqCounter++
		if err := putRecord(tx, parent, prec); err != nil {
			status = ErrorStatus
			return nil
		}
		key := fmt.Sprintf("_%010d", seq)
		child = joinPath(parent, key)
		rec := &record{Path: child, Value: value, Ephemeral: ephemeral}
		if ephemeral {
			rec.OwnerConn = ownerConn
		}
		if err := putRecord(tx, child, rec); err != nil {
			status = ErrorStatus
			return nil
		}
		status = OK
		return nil
	})
	return child, status
}

func joinPath(parent, key string) string {
	if parent == "/" {
		return "/" + key
	}
	return parent + "/" + key
}

// Del removes a leaf; fails if missing or has children (spec.md §4.1 DEL).
func (t *Tree) Del(path string) Status {
	if !ValidPath(path) {
		return ErrorStatus
	}
	var status Status
	_ = t.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(path); err != nil {
			status = NodeFailed
			return nil
		}
		if hasChildren(tx, path) {
			status = ErrorStatus
			return nil
		}
		if _, err := tx.Delete(path); err != nil {
			status = ErrorStatus
			return nil
		}
		status = OK
		return nil
	})
	return status
}

func hasChildren(tx *buntdb.Tx, path string) bool {
	found := false
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	_ = tx.AscendKeys(prefix+"*", func(key, _ string) bool {
		rest := strings.TrimPrefix(key, prefix)
		if rest != "" && !strings.Contains(rest, "/") {
			found = true
			return false
		}
		return true
	})
	return found
}

// Set updates path's value; fails if missing (spec.md §4.1 SET).
func (t *Tree) Set(path string, value []byte) Status {
	if !ValidPath(path) {
		return ErrorStatus
	}
	var status Status
	_ = t.db.Update(func(tx *buntdb.Tx) error {
		rec, err := getRecord(tx, path)
		if err != nil {
			status = NodeFailed
			return nil
		}
		rec.Value = value
		if err := putRecord(tx, path, rec); err != nil {
			status = ErrorStatus
			return nil
		}
		status = OK
		return nil
	})
	return status
}

// Get reads path's value; fails if missing (spec.md §4.1 GET).
func (t *Tree) Get(path string) ([]byte, Status) {
	if !ValidPath(path) {
		return nil, ErrorStatus
	}
	var (
		status Status
		value  []byte
	)
	_ = t.db.View(func(tx *buntdb.Tx) error {
		rec, err := getRecord(tx, path)
		if err != nil {
			status = NodeFailed
			return nil
		}
		value = rec.Value
		status = OK
		return nil
	})
	return value, status
}

// Sub lists the immediate child keys of path; fails if missing (spec.md §4.1
// SUB).
func (t *Tree) Sub(path string) ([]string, Status) {
	if !ValidPath(path) {
		return nil, ErrorStatus
	}
	var (
		status   Status
		children []string
	)
	_ = t.db.View(func(tx *buntdb.Tx) error {
		if _, err := getRecord(tx, path); err != nil {
			status = NodeFailed
			return nil
		}
		prefix := path
		if prefix != "/" {
			prefix += "/"
		}
		_ = tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			rest := strings.TrimPrefix(key, prefix)
			if rest != "" && !strings.Contains(rest, "/") {
				children = append(children, rest)
			}
			return true
		})
		status = OK
		return nil
	})
	return children, status
}

// DeleteOwned removes every ephemeral node owned by connID (in arbitrary
// order) and returns the list of removed paths, for the server to broadcast
// one watch notification per path (spec.md §4.1 "ephemeral nodes owned by
// connection C all disappear together").
func (t *Tree) DeleteOwned(connID int64) []string {
	var removed []string
	_ = t.db.Update(func(tx *buntdb.Tx) error {
		var toDelete []string
		_ = tx.Ascend("", func(key, val string) bool {
			rec := &record{}
			if json.Unmarshal([]byte(val), rec) == nil && rec.Ephemeral && rec.OwnerConn == connID {
				toDelete = append(toDelete, key)
			}
			return true
		})
		for _, key := range toDelete {
			if _, err := tx.Delete(key); err == nil {
				removed = append(removed, key)
			}
		}
		return nil
	})
	return removed
}
