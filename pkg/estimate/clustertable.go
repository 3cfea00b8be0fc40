package estimate

import (
	"encoding/binary"
	"fmt"
	"io"

	"transit_planner/pkg/transit"
)

const (
	clusterMagic    = "CLTIMES1"
	maxClusterCount = 1 << 14
)

// ClusterTable is a dense cluster x cluster matrix of lower-bound travel
// times in seconds. Row is the origin cluster.
type ClusterTable struct {
	N     int
	Times []int32
}

// NewClusterTable creates an n x n table with zero diagonal and every other
// cell unreachable.
func NewClusterTable(n int) *ClusterTable {
	c := &ClusterTable{N: n, Times: make([]int32, n*n)}
	for i := range c.Times {
		c.Times[i] = transit.InfTime
	}
	for i := range n {
		c.Times[i*n+i] = 0
	}
	return c
}

// At returns the time from cluster from to cluster to.
func (c *ClusterTable) At(from, to int32) int32 {
	return c.Times[int(from)*c.N+int(to)]
}

// Row returns the mutable row of origin cluster from.
func (c *ClusterTable) Row(from int32) []int32 {
	return c.Times[int(from)*c.N : int(from+1)*c.N]
}

// WriteClusterTable stores the table as a framed artifact.
func WriteClusterTable(path string, c *ClusterTable) error {
	return writeArtifact(path, clusterMagic, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, uint32(c.N)); err != nil {
			return fmt.Errorf("write size: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, c.Times); err != nil {
			return fmt.Errorf("write times: %w", err)
		}
		return nil
	})
}

// ReadClusterTable loads a table written by WriteClusterTable.
func ReadClusterTable(path string) (*ClusterTable, error) {
	var c ClusterTable
	err := readArtifact(path, clusterMagic, func(r io.Reader) error {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return fmt.Errorf("read size: %w", err)
		}
		if n > maxClusterCount {
			return fmt.Errorf("cluster count %d exceeds limit %d", n, maxClusterCount)
		}
		c.N = int(n)
		c.Times = make([]int32, c.N*c.N)
		if err := binary.Read(r, binary.LittleEndian, c.Times); err != nil {
			return fmt.Errorf("read times: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Clusters bounds remaining time with a precomputed cluster table: the
// cluster-to-cluster time towards each near-destination stop plus the walk
// from that stop. Stops outside any cluster fall back to the walk alone.
type Clusters struct {
	Table *ClusterTable
}

func (Clusters) Name() string { return "clusters" }

// Admissible is true: table cells are minima of exhaustive solves, which
// ignore waiting and so never exceed a scheduled journey.
func (Clusters) Admissible() bool { return true }

func (m Clusters) Bind(s *transit.Store, t Target) Estimator {
	return &clusterEstimator{
		table:    m.Table,
		clusters: s.Stops.Clusters,
		near:     t.Near,
		walk:     walkTimes(t),
	}
}

type clusterEstimator struct {
	table    *ClusterTable
	clusters []int32
	near     []transit.NearStop
	walk     []int32
}

func (e *clusterEstimator) Estimate(stop uint32, _ Instant) int32 {
	from := e.clusters[stop]
	best := transit.InfTime
	for i, n := range e.near {
		if e.walk[i] == transit.InfTime {
			continue
		}
		to := e.clusters[n.Stop]
		var ride int32
		if from >= 0 && to >= 0 && int(from) < e.table.N && int(to) < e.table.N {
			ride = e.table.At(from, to)
		}
		if ride == transit.InfTime {
			continue
		}
		best = min(best, ride+e.walk[i])
	}
	return best
}

func (e *clusterEstimator) TimeValid() int32 { return Forever }
