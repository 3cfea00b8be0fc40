package transit

// UnionFind implements a disjoint-set data structure with path halving
// and union by rank.
type UnionFind struct {
	parent []uint32
	rank   []byte
	size   []uint32
}

// NewUnionFind creates a UnionFind for n elements.
func NewUnionFind(n uint32) *UnionFind {
	parent := make([]uint32, n)
	size := make([]uint32, n)
	for i := range n {
		parent[i] = i
		size[i] = 1
	}
	return &UnionFind{
		parent: parent,
		rank:   make([]byte, n),
		size:   size,
	}
}

// Find returns the representative of the set containing x.
func (uf *UnionFind) Find(x uint32) uint32 {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

// Union merges the sets containing x and y. Returns false if already same set.
func (uf *UnionFind) Union(x, y uint32) bool {
	rx := uf.Find(x)
	ry := uf.Find(y)
	if rx == ry {
		return false
	}
	if uf.rank[rx] < uf.rank[ry] {
		rx, ry = ry, rx
	}
	uf.parent[ry] = rx
	uf.size[rx] += uf.size[ry]
	if uf.rank[rx] == uf.rank[ry] {
		uf.rank[rx]++
	}
	return true
}

// Size returns the number of elements in x's set.
func (uf *UnionFind) Size(x uint32) uint32 {
	return uf.size[uf.Find(x)]
}

// ClusterByWalks groups stops joined by walking edges of at most maxMeters
// (typically the platforms of one interchange) and returns dense cluster ids
// numbered in order of each cluster's lowest stop id.
func ClusterByWalks(stops *Stops, maxMeters float32) []int32 {
	n := uint32(stops.Len())
	uf := NewUnionFind(n)
	for s := range n {
		r := stops.Walks(s)
		for e := r.Begin; e < r.End; e++ {
			if stops.WalkDistance[e] <= maxMeters {
				uf.Union(s, stops.WalkTo[e])
			}
		}
	}

	ids := make([]int32, n)
	byRoot := make(map[uint32]int32)
	for s := range n {
		root := uf.Find(s)
		id, ok := byRoot[root]
		if !ok {
			id = int32(len(byRoot))
			byRoot[root] = id
		}
		ids[s] = id
	}
	return ids
}

// NumClusters returns one more than the largest cluster id.
func (s *Stops) NumClusters() int {
	n := int32(-1)
	for _, c := range s.Clusters {
		n = max(n, c)
	}
	return int(n + 1)
}
