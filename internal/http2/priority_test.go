package http2

import (
	"slices"
	"testing"
)

func TestNewPriorityTree(t *testing.T) {
	pt := NewPriorityTree()
	if pt == nil {
		t.Fatal("NewPriorityTree returned nil")
	}
	if len(pt.nodes) != 1 {
		t.Fatalf("expected only the sentinel, got %d nodes", len(pt.nodes))
	}
	if _, ok := pt.nodes[0]; !ok {
		t.Fatal("sentinel node missing")
	}
}

func TestPriorityTreeAddDefault(t *testing.T) {
	pt := NewPriorityTree()
	if err := pt.Add(3, 0, DefaultPriorityWeight, false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	parent, ok := pt.Parent(3)
	if !ok || parent != 0 {
		t.Errorf("parent of 3 = %d (known=%v), want sentinel", parent, ok)
	}
	if w := pt.Weight(3); w != 16 {
		t.Errorf("weight = %d, want default 16", w)
	}
	if children := pt.Children(0); !slices.Contains(children, uint32(3)) {
		t.Errorf("sentinel children %v missing stream 3", children)
	}
}

func TestPriorityTreeSelfDependency(t *testing.T) {
	pt := NewPriorityTree()
	err := pt.Reprioritize(5, 5, 16, false)
	se, ok := err.(*StreamError)
	if !ok {
		t.Fatalf("expected *StreamError, got %v", err)
	}
	if se.Code != ErrCodeProtocolError || se.StreamID != 5 {
		t.Errorf("got code %s on stream %d", se.Code, se.StreamID)
	}
}

func TestPriorityTreeSentinelNeverAChild(t *testing.T) {
	pt := NewPriorityTree()
	err := pt.Reprioritize(0, 3, 16, false)
	if _, ok := err.(*ConnectionError); !ok {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
}

func TestPriorityTreeReparent(t *testing.T) {
	pt := NewPriorityTree()
	mustAdd(t, pt, 1, 0)
	mustAdd(t, pt, 3, 0)

	if err := pt.Reprioritize(3, 1, 32, false); err != nil {
		t.Fatalf("Reprioritize failed: %v", err)
	}
	if parent, _ := pt.Parent(3); parent != 1 {
		t.Errorf("parent of 3 = %d, want 1", parent)
	}
	if w := pt.Weight(3); w != 32 {
		t.Errorf("weight = %d, want 32", w)
	}
	if children := pt.Children(0); slices.Contains(children, uint32(3)) {
		t.Error("stream 3 still listed under the sentinel")
	}
}

func TestPriorityTreeImplicitDependency(t *testing.T) {
	pt := NewPriorityTree()
	// Depending on a stream the tree has never seen creates an implicit
	// entry with default priority under the sentinel.
	if err := pt.Reprioritize(3, 11, 16, false); err != nil {
		t.Fatalf("Reprioritize failed: %v", err)
	}
	if parent, ok := pt.Parent(11); !ok || parent != 0 {
		t.Errorf("implicit stream 11: parent=%d known=%v, want sentinel child", parent, ok)
	}
	if parent, _ := pt.Parent(3); parent != 11 {
		t.Errorf("parent of 3 = %d, want 11", parent)
	}
}

func TestPriorityTreeExclusive(t *testing.T) {
	pt := NewPriorityTree()
	mustAdd(t, pt, 1, 0)
	mustAdd(t, pt, 3, 0)
	mustAdd(t, pt, 5, 0)

	// Stream 7 becomes the sole child of the sentinel; 1, 3, 5 move
	// beneath it.
	if err := pt.Reprioritize(7, 0, 16, true); err != nil {
		t.Fatalf("exclusive Reprioritize failed: %v", err)
	}
	rootChildren := pt.Children(0)
	if len(rootChildren) != 1 || rootChildren[0] != 7 {
		t.Fatalf("sentinel children = %v, want [7]", rootChildren)
	}
	got := pt.Children(7)
	slices.Sort(got)
	want := []uint32{1, 3, 5}
	if !slices.Equal(got, want) {
		t.Errorf("children of 7 = %v, want %v", got, want)
	}
	for _, id := range want {
		if parent, _ := pt.Parent(id); parent != 7 {
			t.Errorf("parent of %d = %d, want 7", id, parent)
		}
	}
}

func TestPriorityTreeCycleAvoidance(t *testing.T) {
	// A <- B <- C, then A is made to depend exclusively on C. C must
	// first hoist to A's old position so the tree stays acyclic.
	pt := NewPriorityTree()
	mustAdd(t, pt, 1, 0) // A
	mustAdd(t, pt, 3, 1) // B under A
	mustAdd(t, pt, 5, 3) // C under B

	if err := pt.Reprioritize(1, 5, 16, true); err != nil {
		t.Fatalf("Reprioritize failed: %v", err)
	}

	if parent, _ := pt.Parent(1); parent != 5 {
		t.Errorf("parent of A = %d, want C (5)", parent)
	}
	if parent, _ := pt.Parent(5); parent != 0 {
		t.Errorf("parent of C = %d, want sentinel (A's old position)", parent)
	}
	if parent, _ := pt.Parent(3); parent != 1 {
		t.Errorf("parent of B = %d, want A (1)", parent)
	}

	// Every stream must reach the sentinel in finitely many steps.
	for _, id := range []uint32{1, 3, 5} {
		seen := map[uint32]bool{}
		cur := id
		for cur != 0 {
			if seen[cur] {
				t.Fatalf("cycle through stream %d", cur)
			}
			seen[cur] = true
			cur, _ = pt.Parent(cur)
		}
	}
}

func TestPriorityTreeRemoveReparentsChildren(t *testing.T) {
	pt := NewPriorityTree()
	mustAdd(t, pt, 1, 0)
	mustAdd(t, pt, 3, 1)
	mustAdd(t, pt, 5, 3)

	pt.Remove(3)

	if _, ok := pt.Parent(3); ok {
		t.Error("stream 3 still in the tree after Remove")
	}
	if parent, _ := pt.Parent(5); parent != 1 {
		t.Errorf("orphaned child re-parented to %d, want 1", parent)
	}
	if children := pt.Children(1); !slices.Contains(children, uint32(5)) {
		t.Errorf("children of 1 = %v, want to include 5", children)
	}
}

func TestPriorityTreeRemoveAbsentIsNoop(t *testing.T) {
	pt := NewPriorityTree()
	pt.Remove(99)
	pt.Remove(0)
	if len(pt.nodes) != 1 {
		t.Errorf("tree mutated by no-op removals: %d nodes", len(pt.nodes))
	}
}

func mustAdd(t *testing.T, pt *PriorityTree, id, parent uint32) {
	t.Helper()
	if err := pt.Add(id, parent, DefaultPriorityWeight, false); err != nil {
		t.Fatalf("Add(%d under %d) failed: %v", id, parent, err)
	}
}
