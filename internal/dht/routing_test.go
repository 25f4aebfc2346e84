package dht

import (
	"testing"
	"time"

	"dht-outpost/internal/netx"
)

func testEndpoint(last byte) netx.Endpoint {
	return netx.Endpoint{IP: [4]byte{10, 0, 0, last}, Port: 6881}
}

func TestXorSymmetry(t *testing.T) {
	a := RandomNodeID()
	b := RandomNodeID()
	if Xor(a, b) != Xor(b, a) {
		t.Fatalf("xor not symmetric")
	}
}

func TestBucketIndex_MSB(t *testing.T) {
	var self NodeID
	var peer NodeID
	peer[0] = 0x80 // differs at the very first bit
	if got := BucketIndex(self, peer); got != 0 {
		t.Fatalf("expected bucket index 0, got %d", got)
	}
}

func TestBucketIndex_Identical(t *testing.T) {
	id := RandomNodeID()
	if got := BucketIndex(id, id); got != -1 {
		t.Fatalf("expected -1 for identical ids, got %d", got)
	}
}

func TestRoutingTable_ClosestSortedByDistance(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self, 8)
	target := RandomNodeID()

	now := time.Now()
	for i := 0; i < 50; i++ {
		rt.Upsert(RandomNodeID(), testEndpoint(byte(i)), now)
	}

	got := rt.Closest(target, 10)
	if len(got) == 0 {
		t.Fatalf("expected some closest nodes")
	}
	if len(got) > 10 {
		t.Fatalf("expected <=10, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev := Xor(got[i-1].ID, target)
		cur := Xor(got[i].ID, target)
		if DistanceLess(cur, prev) {
			t.Fatalf("closest not sorted at i=%d", i)
		}
	}
}

func TestRoutingTable_UpsertMovesToFront(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self, 8)
	now := time.Now()

	a := RandomNodeID()
	b := RandomNodeID()
	rt.Upsert(a, testEndpoint(1), now)
	rt.Upsert(b, testEndpoint(2), now.Add(time.Second))
	rt.Upsert(a, testEndpoint(3), now.Add(2*time.Second))

	if rt.Size() != 2 {
		t.Fatalf("size = %d", rt.Size())
	}
	// a's endpoint must have been refreshed
	for _, ni := range rt.All() {
		if ni.ID == a && ni.Endpoint != testEndpoint(3) {
			t.Fatalf("upsert did not refresh endpoint: %v", ni.Endpoint)
		}
	}
}

func TestRoutingTable_NoteTimeoutEvicts(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self, 8)
	id := RandomNodeID()
	rt.Upsert(id, testEndpoint(1), time.Now())

	for i := 0; i < maxNodeFailures; i++ {
		rt.NoteTimeout(id)
	}
	if rt.Size() != 0 {
		t.Fatalf("node not evicted after %d timeouts", maxNodeFailures)
	}
}

func TestRoutingTable_NoteResponseClearsFailures(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self, 8)
	id := RandomNodeID()
	ep := testEndpoint(1)
	rt.Upsert(id, ep, time.Now())

	rt.NoteTimeout(id)
	rt.NoteTimeout(id)
	rt.NoteResponse(id, ep, time.Now())
	rt.NoteTimeout(id)
	rt.NoteTimeout(id)

	if rt.Size() != 1 {
		t.Fatalf("node evicted despite intervening response")
	}
}

func TestRoutingTable_IgnoresSelf(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self, 8)
	rt.Upsert(self, testEndpoint(1), time.Now())
	if rt.Size() != 0 {
		t.Fatalf("self inserted into routing table")
	}
}

func TestRoutingTable_Stale(t *testing.T) {
	self := RandomNodeID()
	rt := NewRoutingTable(self, 8)
	now := time.Now()

	old := RandomNodeID()
	fresh := RandomNodeID()
	rt.Upsert(old, testEndpoint(1), now.Add(-time.Hour))
	rt.Upsert(fresh, testEndpoint(2), now)

	got := rt.Stale(now.Add(-30*time.Minute), 10)
	if len(got) != 1 || got[0].ID != old {
		t.Fatalf("stale = %v", got)
	}
}
