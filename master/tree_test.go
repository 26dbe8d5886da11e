package master

import "testing"

func TestValidPath(t *testing.T) {
	cases := map[string]bool{
		"/root":      true,
		"/root/a/b":  true,
		"":           false,
		"root":       false,
		"/root/":     false,
		"/root//b":   false,
		"/":          true,
	}
	for p, want := range cases {
		if got := ValidPath(p); got != want {
			t.Errorf("ValidPath(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestAddGetSetDel(t *testing.T) {
	tr, err := NewTree("root")
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if st := tr.Add("/root/a", []byte("v1"), false, 0); st != OK {
		t.Fatalf("Add = %v", st)
	}
	if st := tr.Add("/root/a", []byte("v1"), false, 0); st != NodeFailed {
		t.Fatalf("Add duplicate = %v, want NodeFailed", st)
	}
	if v, st := tr.Get("/root/a"); st != OK || string(v) != "v1" {
		t.Fatalf("Get = %q, %v", v, st)
	}
	if st := tr.Set("/root/a", []byte("v2")); st != OK {
		t.Fatalf("Set = %v", st)
	}
	if v, _ := tr.Get("/root/a"); string(v) != "v2" {
		t.Fatalf("Get after Set = %q", v)
	}
	if st := tr.Add("/root/a/b", nil, false, 0); st != OK {
		t.Fatalf("Add child = %v", st)
	}
	if st := tr.Del("/root/a"); st != ErrorStatus {
		t.Fatalf("Del with children = %v, want ErrorStatus", st)
	}
	if st := tr.Del("/root/a/b"); st != OK {
		t.Fatalf("Del leaf = %v", st)
	}
	if st := tr.Del("/root/a"); st != OK {
		t.Fatalf("Del now-leaf = %v", st)
	}
	if st := tr.Del("/root/a"); st != NodeFailed {
		t.Fatalf("Del missing = %v, want NodeFailed", st)
	}
}

func TestAddUnderMissingParent(t *testing.T) {
	tr, err := NewTree("root")
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if st := tr.Add("/root/missing/x", nil, false, 0); st != PathFailed {
		t.Fatalf("Add under missing parent = %v, want PathFailed", st)
	}
}

func TestGenSequentialAndRestartsOnRecreate(t *testing.T) {
	tr, err := NewTree("root")
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if st := tr.Add("/root/seq", nil, false, 0); st != OK {
		t.Fatalf("Add parent = %v", st)
	}
	p0, st := tr.Gen("/root/seq", []byte("a"), false, 0)
	if st != OK || p0 != "/root/seq/_0000000000" {
		t.Fatalf("Gen #0 = %q, %v", p0, st)
	}
	p1, st := tr.Gen("/root/seq", []byte("b"), false, 0)
	if st != OK || p1 != "/root/seq/_0000000001" {
		t.Fatalf("Gen #1 = %q, %v", p1, st)
	}

	// Delete and recreate parent: the counter restarts from 0.
	if st := tr.Del(p0); st != OK {
		t.Fatalf("Del p0 = %v", st)
	}
	if st := tr.Del(p1); st != OK {
		t.Fatalf("Del p1 = %v", st)
	}
	if st := tr.Del("/root/seq"); st != OK {
		t.Fatalf("Del parent = %v", st)
	}
	if st := tr.Add("/root/seq", nil, false, 0); st != OK {
		t.Fatalf("re-Add parent = %v", st)
	}
	p2, st := tr.Gen("/root/seq", []byte("c"), false, 0)
	if st != OK || p2 != "/root/seq/_0000000000" {
		t.Fatalf("Gen after recreate = %q, %v, want _0000000000", p2, st)
	}
}

func TestSubListsImmediateChildrenOnly(t *testing.T) {
	tr, err := NewTree("root")
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	tr.Add("/root/p", nil, false, 0)
	tr.Add("/root/p/c1", nil, false, 0)
	tr.Add("/root/p/c2", nil, false, 0)
	tr.Add("/root/p/c2/gc", nil, false, 0)

	children, st := tr.Sub("/root/p")
	if st != OK {
		t.Fatalf("Sub = %v", st)
	}
	if len(children) != 2 {
		t.Fatalf("Sub returned %v, want 2 immediate children", children)
	}
}

func TestDeleteOwnedRemovesOnlyThatConnsEphemeralNodes(t *testing.T) {
	tr, err := NewTree("root")
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	tr.Add("/root/e1", nil, true, 7)
	tr.Add("/root/e2", nil, true, 7)
	tr.Add("/root/e3", nil, true, 9)
	tr.Add("/root/p", nil, false, 0)

	removed := tr.DeleteOwned(7)
	if len(removed) != 2 {
		t.Fatalf("DeleteOwned(7) removed %v, want 2 paths", removed)
	}
	if _, st := tr.Get("/root/e3"); st != OK {
		t.Fatalf("other connection's ephemeral node was removed")
	}
	if _, st := tr.Get("/root/p"); st != OK {
		t.Fatalf("non-ephemeral node was removed")
	}
}

func TestAddUnderEphemeralParentFails(t *testing.T) {
	tr, err := NewTree("root")
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	tr.Add("/root/e", nil, true, 1)
	if st := tr.Add("/root/e/child", nil, false, 0); st != PathFailed {
		t.Fatalf("Add under ephemeral parent = %v, want PathFailed", st)
	}
}
