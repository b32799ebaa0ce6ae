// Package ring assigns group members to replica nodes with a consistent-hash
// ring, so members that do not choose a replica spread across the network and
// keep their assignment when other replicas join or leave.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"
)

type Hasher func([]byte) uint32

type Ring struct {
	mu       sync.RWMutex
	vnodes   int
	hash     Hasher
	points   []uint32       // sorted
	owners   map[uint32]int // point -> replica id
	replicas map[int]string // replica id -> endpoint
}

func New(vnodes int, h Hasher) *Ring {
	if vnodes <= 0 {
		vnodes = 128
	}
	if h == nil {
		h = fnv32a
	}
	return &Ring{
		vnodes:   vnodes,
		hash:     h,
		owners:   make(map[uint32]int),
		replicas: make(map[int]string),
	}
}

func (r *Ring) Add(id int, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.replicas[id]; ok {
		return
	}
	r.replicas[id] = endpoint
	for i := 0; i < r.vnodes; i++ {
		pt := r.hash(pointKey(id, i))
		r.owners[pt] = id
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

func (r *Ring) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.replicas[id]; !ok {
		return
	}
	delete(r.replicas, id)
	r.points = r.points[:0]
	clear(r.owners)
	for rid := range r.replicas {
		for i := 0; i < r.vnodes; i++ {
			pt := r.hash(pointKey(rid, i))
			r.owners[pt] = rid
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

// Assign returns the replica owning member name. ok is false on an empty ring.
func (r *Ring) Assign(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return 0, false
	}
	return r.owners[r.points[r.search(name)]], true
}

// AssignN returns up to n distinct replicas for name in ring order, the first
// being Assign's answer.
func (r *Ring) AssignN(name string, n int) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.search(name)

	seen := make(map[int]struct{}, n)
	out := make([]int, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (r *Ring) Endpoint(id int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.replicas[id]
	return e, ok
}

// Replicas returns a copy of the id -> endpoint table.
func (r *Ring) Replicas() map[int]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.replicas)
}

// search finds the first point >= hash(name), wrapping to 0.
func (r *Ring) search(name string) int {
	h := r.hash([]byte(name))
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id int, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte("replica-"+strconv.Itoa(id)), buf[:]...)
}
