package dht

import (
	"time"

	"dht-outpost/internal/netx"
)

type NodeInfo struct {
	ID       NodeID
	Endpoint netx.Endpoint
	LastSeen time.Time

	failures int
}

type rtBucket struct {
	nodes []NodeInfo // LRU: index 0 = most recently seen; end = least
}

// RoutingTable holds known overlay nodes in k-buckets by XOR distance.
// It is owned by the session loop and needs no locking.
type RoutingTable struct {
	self NodeID
	k    int

	buckets [idBits]rtBucket
}

func NewRoutingTable(self NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = 8
	}
	return &RoutingTable{self: self, k: k}
}

// Upsert maintains LRU ordering. A full bucket drops the new node; eviction
// happens only through NoteTimeout.
func (rt *RoutingTable) Upsert(id NodeID, ep netx.Endpoint, now time.Time) {
	if id == rt.self {
		return
	}
	bi := BucketIndex(rt.self, id)
	if bi < 0 {
		return
	}
	b := &rt.buckets[bi]

	for i := range b.nodes {
		if b.nodes[i].ID == id {
			ni := b.nodes[i]
			ni.Endpoint = ep
			ni.LastSeen = now
			copy(b.nodes[1:i+1], b.nodes[:i])
			b.nodes[0] = ni
			return
		}
	}

	if len(b.nodes) >= rt.k {
		return
	}
	b.nodes = append([]NodeInfo{{ID: id, Endpoint: ep, LastSeen: now}}, b.nodes...)
}

// NoteResponse marks id as alive, clearing its failure count.
func (rt *RoutingTable) NoteResponse(id NodeID, ep netx.Endpoint, now time.Time) {
	bi := BucketIndex(rt.self, id)
	if bi < 0 {
		return
	}
	b := &rt.buckets[bi]
	for i := range b.nodes {
		if b.nodes[i].ID == id {
			b.nodes[i].failures = 0
			b.nodes[i].LastSeen = now
			b.nodes[i].Endpoint = ep
			return
		}
	}
	rt.Upsert(id, ep, now)
}

const maxNodeFailures = 3

// NoteTimeout counts a failed query against id and evicts it after too many.
func (rt *RoutingTable) NoteTimeout(id NodeID) {
	bi := BucketIndex(rt.self, id)
	if bi < 0 {
		return
	}
	b := &rt.buckets[bi]
	for i := range b.nodes {
		if b.nodes[i].ID == id {
			b.nodes[i].failures++
			if b.nodes[i].failures >= maxNodeFailures {
				b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			}
			return
		}
	}
}

// Closest returns up to n nodes sorted ascending by XOR distance to target.
func (rt *RoutingTable) Closest(target NodeID, n int) []NodeInfo {
	if n <= 0 {
		n = rt.k
	}

	all := make([]NodeInfo, 0, 4*rt.k)
	for i := 0; i < idBits; i++ {
		all = append(all, rt.buckets[i].nodes...)
	}
	SortByDistance(all, target)

	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Stale returns up to limit nodes not seen since the cutoff, least recently
// seen first. Used by the tick's ping batching.
func (rt *RoutingTable) Stale(cutoff time.Time, limit int) []NodeInfo {
	out := make([]NodeInfo, 0, limit)
	for i := 0; i < idBits; i++ {
		b := &rt.buckets[i]
		for j := range b.nodes {
			if b.nodes[j].LastSeen.Before(cutoff) {
				out = append(out, b.nodes[j])
			}
		}
	}
	// oldest first
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j].LastSeen.Before(out[j-1].LastSeen) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// All returns every node in the table, nearest buckets first.
func (rt *RoutingTable) All() []NodeInfo {
	all := make([]NodeInfo, 0, 4*rt.k)
	for i := idBits - 1; i >= 0; i-- {
		all = append(all, rt.buckets[i].nodes...)
	}
	return all
}

// Size returns total number of nodes in the routing table.
func (rt *RoutingTable) Size() int {
	n := 0
	for i := 0; i < idBits; i++ {
		n += len(rt.buckets[i].nodes)
	}
	return n
}

// SortByDistance sorts NodeInfo slice by XOR distance to target.
func SortByDistance(nodes []NodeInfo, target NodeID) {
	for i := 1; i < len(nodes); i++ {
		j := i
		for j > 0 && DistanceLess(Xor(nodes[j].ID, target), Xor(nodes[j-1].ID, target)) {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
			j--
		}
	}
}
