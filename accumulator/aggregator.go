// Package accumulator implements the write-behind aggregation service of
// spec.md §4.6: a client that batches named deltas locally and a server
// that merges them into an authoritative map.
package accumulator

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/4paradigm/prpc/xmsg"
)

// formatFloat renders v in plain decimal (never scientific notation), using
// the shortest representation that round-trips — so a whole-number sum like
// 40804000 prints as "40804000", not "4.0804e+07".
func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// Aggregator is the capability set spec.md §4.6/§9 requires of any
// accumulator payload type: init/merge_value/merge_aggregator/serialize/
// deserialize/try_to_string. The framework only ever touches aggregators
// through this interface — no inheritance, per spec.md §9 "deep polymorphism
// for aggregators" design note.
type Aggregator interface {
	Init()
	MergeValue(v float64)
	MergeAggregator(other Aggregator)
	Serialize(a *xmsg.Archive)
	Deserialize(a *xmsg.Archive) error
	TryToString() (string, bool)
}

// Factory constructs a zero-valued Aggregator by its registered type name.
type Factory func() Aggregator

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register adds typeName to the factory table so the server can instantiate
// an Aggregator from the wire without knowing the concrete type at compile
// time (spec.md §9).
func Register(typeName string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typeName] = f
}

// New instantiates a registered aggregator type by name.
func New(typeName string) (Aggregator, error) {
	registryMu.Lock()
	f, ok := registry[typeName]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("accumulator: unregistered aggregator type %q", typeName)
	}
	a := f()
	a.Init()
	return a, nil
}

func init() {
	Register("sum", func() Aggregator { return &SumAggregator{} })
	Register("min", func() Aggregator { return &MinAggregator{} })
	Register("max", func() Aggregator { return &MaxAggregator{} })
	Register("avg", func() Aggregator { return &AvgAggregator{} })
}

// SumAggregator is the test-fixture aggregator used by S5 (spec.md §8):
// accumulates a running sum.
type SumAggregator struct{ total float64 }

func (s *SumAggregator) Init() { s.total = 0 }
func (s *SumAggregator) MergeValue(v float64) { s.total += v }
func (s *SumAggregator) MergeAggregator(other Aggregator) {
	if o, ok := other.(*SumAggregator); ok {
		s.total += o.total
	}
}
func (s *SumAggregator) Serialize(a *xmsg.Archive) { a.PutInt64(int64(s.total * 1e6)) }
func (s *SumAggregator) Deserialize(a *xmsg.Archive) error {
	v, err := a.GetInt64()
	if err != nil {
		return err
	}
	s.total = float64(v) / 1e6
	return nil
}
func (s *SumAggregator) TryToString() (string, bool) { return formatFloat(s.total), true }

// MinAggregator tracks the minimum value ever merged.
type MinAggregator struct {
	val     float64
	hasAny  bool
}

func (m *MinAggregator) Init() { m.val = 0; m.hasAny = false }
func (m *MinAggregator) MergeValue(v float64) {
	if !m.hasAny || v < m.val {
		m.val = v
		m.hasAny = true
	}
}
func (m *MinAggregator) MergeAggregator(other Aggregator) {
	if o, ok := other.(*MinAggregator); ok && o.hasAny {
		m.MergeValue(o.val)
	}
}
func (m *MinAggregator) Serialize(a *xmsg.Archive) {
	a.PutBool(m.hasAny)
	a.PutInt64(int64(m.val * 1e6))
}
func (m *MinAggregator) Deserialize(a *xmsg.Archive) error {
	has, err := a.GetBool()
	if err != nil {
		return err
	}
	v, err := a.GetInt64()
	if err != nil {
		return err
	}
	m.hasAny, m.val = has, float64(v)/1e6
	return nil
}
func (m *MinAggregator) TryToString() (string, bool) {
	if !m.hasAny {
		return "", false
	}
	return formatFloat(m.val), true
}

// MaxAggregator tracks the maximum value ever merged.
type MaxAggregator struct {
	val    float64
	hasAny bool
}

func (m *MaxAggregator) Init() { m.val = 0; m.hasAny = false }
func (m *MaxAggregator) MergeValue(v float64) {
	if !m.hasAny || v > m.val {
		m.val = v
		m.hasAny = true
	}
}
func (m *MaxAggregator) MergeAggregator(other Aggregator) {
	if o, ok := other.(*MaxAggregator); ok && o.hasAny {
		m.MergeValue(o.val)
	}
}
func (m *MaxAggregator) Serialize(a *xmsg.Archive) {
	a.PutBool(m.hasAny)
	a.PutInt64(int64(m.val * 1e6))
}
func (m *MaxAggregator) Deserialize(a *xmsg.Archive) error {
	has, err := a.GetBool()
	if err != nil {
		return err
	}
	v, err := a.GetInt64()
	if err != nil {
		return err
	}
	m.hasAny, m.val = has, float64(v)/1e6
	return nil
}
func (m *MaxAggregator) TryToString() (string, bool) {
	if !m.hasAny {
		return "", false
	}
	return formatFloat(m.val), true
}

// AvgAggregator tracks a running sum and count to produce a mean.
type AvgAggregator struct {
	sum   float64
	count int64
}

func (g *AvgAggregator) Init() { g.sum, g.count = 0, 0 }
func (g *AvgAggregator) MergeValue(v float64) {
	g.sum += v
	g.count++
}
func (g *AvgAggregator) MergeAggregator(other Aggregator) {
	if o, ok := other.(*AvgAggregator); ok {
		g.sum += o.sum
		g.count += o.count
	}
}
func (g *AvgAggregator) Serialize(a *xmsg.Archive) {
	a.PutInt64(int64(g.sum * 1e6))
	a.PutInt64(g.count)
}
func (g *AvgAggregator) Deserialize(a *xmsg.Archive) error {
	s, err := a.GetInt64()
	if err != nil {
		return err
	}
	c, err := a.GetInt64()
	if err != nil {
		return err
	}
	g.sum, g.count = float64(s)/1e6, c
	return nil
}
func (g *AvgAggregator) TryToString() (string, bool) {
	if g.count == 0 {
		return "", false
	}
	return formatFloat(g.sum / float64(g.count)), true
}
