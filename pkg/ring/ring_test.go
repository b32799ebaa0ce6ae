package ring

import (
	"fmt"
	"math"
	"testing"
)

func TestAddEndpointAssign(t *testing.T) {
	r := New(128, nil)

	r.Add(0, "http://127.0.0.1:8080")
	r.Add(1, "http://127.0.0.1:8081")
	r.Add(2, "http://127.0.0.1:8082")

	for id, want := range map[int]string{
		0: "http://127.0.0.1:8080",
		1: "http://127.0.0.1:8081",
		2: "http://127.0.0.1:8082",
	} {
		got, ok := r.Endpoint(id)
		if !ok || got != want {
			t.Fatalf("Endpoint(%d) = (%q,%v), want (%q,true)", id, got, ok, want)
		}
	}

	for _, name := range []string{"alice", "bob", "charlie"} {
		id1, ok := r.Assign(name)
		if !ok {
			t.Fatalf("Assign(%q) on non-empty ring returned !ok", name)
		}
		id2, _ := r.Assign(name)
		if id1 != id2 {
			t.Fatalf("Assign(%q) not stable: %d != %d", name, id1, id2)
		}
		if _, ok := r.Endpoint(id1); !ok {
			t.Fatalf("Assign(%q) = %d, not a known replica", name, id1)
		}
	}
}

func TestAssignEmptyRing(t *testing.T) {
	r := New(0, nil)
	if _, ok := r.Assign("alice"); ok {
		t.Fatal("Assign on empty ring should return !ok")
	}
	if got := r.AssignN("alice", 2); got != nil {
		t.Fatalf("AssignN on empty ring = %v, want nil", got)
	}
}

func TestRemoveMovesAssignment(t *testing.T) {
	r := New(128, nil)
	r.Add(0, "a:0")
	r.Add(1, "a:1")
	r.Add(2, "a:2")

	before, _ := r.Assign("dave")
	r.Remove(before)
	after, ok := r.Assign("dave")
	if !ok || after == before {
		t.Fatalf("Assign did not change after removing %d: got %d", before, after)
	}
}

func TestAssignNDistinct(t *testing.T) {
	r := New(64, nil)
	r.Add(0, "a:0")
	r.Add(1, "a:1")
	r.Add(2, "a:2")

	got := r.AssignN("erin", 5)
	if len(got) != 3 {
		t.Fatalf("AssignN returned %v, want 3 distinct replicas", got)
	}
	first, _ := r.Assign("erin")
	if got[0] != first {
		t.Fatalf("AssignN[0] = %d, want Assign's %d", got[0], first)
	}
	seen := map[int]bool{}
	for _, id := range got {
		if seen[id] {
			t.Fatalf("duplicate replica %d in %v", id, got)
		}
		seen[id] = true
	}
}

func TestDistributionRoughlyBalanced(t *testing.T) {
	r := New(128, nil)
	r.Add(0, "a:0")
	r.Add(1, "a:1")
	r.Add(2, "a:2")

	const N = 6000
	counts := map[int]int{}
	for i := range N {
		id, _ := r.Assign(fmt.Sprintf("member-%d", i))
		counts[id]++
	}
	ideal := float64(N) / 3.0
	for id, c := range counts {
		if c == 0 {
			t.Fatalf("replica %d got zero members", id)
		}
		if diff := math.Abs(float64(c)-ideal) / ideal; diff > 1.0 {
			t.Fatalf("distribution too skewed: replica %d has %d (ideal %.1f)", id, c, ideal)
		}
	}
}

func TestRemoveNonExistentReplica(t *testing.T) {
	r := New(128, nil)
	r.Add(0, "a:0")
	r.Add(1, "a:1")

	before := len(r.Replicas())
	r.Remove(7)
	r.Remove(7)
	if after := len(r.Replicas()); before != after {
		t.Fatalf("removing unknown replica changed count: before=%d, after=%d", before, after)
	}
}

func TestReplicasReturnsCopy(t *testing.T) {
	r := New(128, nil)
	r.Add(0, "a:0")
	r.Add(1, "a:1")

	reps := r.Replicas()
	if len(reps) != 2 || reps[0] != "a:0" || reps[1] != "a:1" {
		t.Fatalf("Replicas() returned incorrect data: %v", reps)
	}
	reps[9] = "a:9"
	if _, ok := r.Replicas()[9]; ok {
		t.Fatal("Replicas() returned a reference, not a copy")
	}
}

func TestRemoveOnlyAffectsTargetReplica(t *testing.T) {
	r := New(128, nil)
	r.Add(0, "a:0")
	r.Add(1, "a:1")
	r.Add(2, "a:2")

	names := []string{"alice", "bob", "carol", "dan", "eve"}
	before := make(map[string]int)
	for _, n := range names {
		before[n], _ = r.Assign(n)
	}

	r.Remove(1)

	for _, n := range names {
		after, _ := r.Assign(n)
		if before[n] != 1 && after != before[n] {
			t.Fatalf("member %q moved from %d to %d, should stay", n, before[n], after)
		}
	}
}
