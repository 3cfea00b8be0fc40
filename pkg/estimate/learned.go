package estimate

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/kyroy/kdtree"

	"transit_planner/pkg/geo"
	"transit_planner/pkg/transit"
)

// NumFeatures is the width of the learned models' input: origin x/y,
// destination x/y (scaled planar meters), day type and fraction of the day.
const NumFeatures = 6

// Features is one model input row.
type Features [NumFeatures]float64

// Scaler normalizes planar positions by the spread of the stop network.
type Scaler struct {
	X, Y float64
}

// NewScaler returns 1/stddev of the stop coordinates on each axis.
func NewScaler(stops *transit.Stops) Scaler {
	return Scaler{X: invStd(stops.X), Y: invStd(stops.Y)}
}

func invStd(v []float64) float64 {
	if len(v) == 0 {
		return 1
	}
	var mean float64
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	var variance float64
	for _, x := range v {
		variance += (x - mean) * (x - mean)
	}
	std := math.Sqrt(variance / float64(len(v)))
	if std == 0 {
		return 1
	}
	return 1 / std
}

// Features assembles the model input for a trip from origin to dest at at.
func (s Scaler) Features(origin, dest geo.Point, at Instant) Features {
	return Features{
		origin.X * s.X,
		origin.Y * s.Y,
		dest.X * s.X,
		dest.Y * s.Y,
		float64(at.DayType),
		float64(at.Time) / float64(transit.Day),
	}
}

// Dimensions and Dimension make Features a kdtree.Point.
func (f Features) Dimensions() int { return NumFeatures }

func (f Features) Dimension(i int) float64 { return f[i] }

// Sample is a training row: features and the observed travel time.
type Sample struct {
	Features
	Seconds float32
}

// KNN estimates remaining time as the minimum observed time among the K
// training samples closest in feature space. It is not admissible; the
// error is bounded only by how well the samples cover the network.
type KNN struct {
	K    int
	tree *kdtree.KDTree

	scalers scalerCache
}

// NewKNN indexes the samples.
func NewKNN(samples []Sample, k int) *KNN {
	pts := make([]kdtree.Point, len(samples))
	for i := range samples {
		pts[i] = &samples[i]
	}
	return &KNN{K: k, tree: kdtree.New(pts)}
}

func (*KNN) Name() string     { return "knn" }
func (*KNN) Admissible() bool { return false }

func (m *KNN) Bind(s *transit.Store, t Target) Estimator {
	return &learnedEstimator{
		stops:  &s.Stops,
		scaler: m.scalers.get(s),
		dest:   t.Destination,
		predict: func(f Features) float64 {
			best := math.Inf(1)
			for _, p := range m.tree.KNN(f, m.K) {
				best = min(best, float64(p.(*Sample).Seconds))
			}
			if math.IsInf(best, 1) {
				return 0
			}
			return best
		},
	}
}

const knnMagic = "KNNSAMP1"

// WriteSamples stores training samples as a framed artifact.
func WriteSamples(path string, samples []Sample) error {
	return writeArtifact(path, knnMagic, func(w io.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(samples))); err != nil {
			return fmt.Errorf("write count: %w", err)
		}
		row := make([]float32, NumFeatures+1)
		for _, s := range samples {
			for i, f := range s.Features {
				row[i] = float32(f)
			}
			row[NumFeatures] = s.Seconds
			if err := binary.Write(w, binary.LittleEndian, row); err != nil {
				return fmt.Errorf("write sample: %w", err)
			}
		}
		return nil
	})
}

// ReadSamples loads samples written by WriteSamples.
func ReadSamples(path string) ([]Sample, error) {
	var samples []Sample
	err := readArtifact(path, knnMagic, func(r io.Reader) error {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return fmt.Errorf("read count: %w", err)
		}
		if n > 50_000_000 {
			return fmt.Errorf("sample count %d exceeds limit", n)
		}
		samples = make([]Sample, n)
		row := make([]float32, NumFeatures+1)
		for i := range samples {
			if err := binary.Read(r, binary.LittleEndian, row); err != nil {
				return fmt.Errorf("read sample %d: %w", i, err)
			}
			for j := range NumFeatures {
				samples[i].Features[j] = float64(row[j])
			}
			samples[i].Seconds = row[NumFeatures]
		}
		return nil
	})
	return samples, err
}

// Layer is one dense layer: out = W x + b.
type Layer struct {
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
}

// MLP is a small dense network with ReLU between layers and one output. It
// is not admissible.
type MLP struct {
	Layers []Layer `json:"layers"`

	scalers scalerCache
}

// LoadMLP reads network weights from a JSON file.
func LoadMLP(path string) (*MLP, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var m MLP
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *MLP) validate() error {
	if len(m.Layers) == 0 {
		return fmt.Errorf("model has no layers")
	}
	in := NumFeatures
	for i, l := range m.Layers {
		if len(l.Weights) != len(l.Bias) {
			return fmt.Errorf("layer %d: %d rows but %d biases", i, len(l.Weights), len(l.Bias))
		}
		for _, row := range l.Weights {
			if len(row) != in {
				return fmt.Errorf("layer %d: row width %d, want %d", i, len(row), in)
			}
		}
		in = len(l.Bias)
	}
	if in != 1 {
		return fmt.Errorf("model has %d outputs, want 1", in)
	}
	return nil
}

// Predict runs the network on one input row.
func (m *MLP) Predict(f Features) float64 {
	x := f[:]
	for i, l := range m.Layers {
		y := make([]float64, len(l.Bias))
		for j, row := range l.Weights {
			sum := l.Bias[j]
			for k, w := range row {
				sum += w * x[k]
			}
			if i < len(m.Layers)-1 {
				sum = max(sum, 0)
			}
			y[j] = sum
		}
		x = y
	}
	return x[0]
}

func (*MLP) Name() string     { return "mlp" }
func (*MLP) Admissible() bool { return false }

func (m *MLP) Bind(s *transit.Store, t Target) Estimator {
	return &learnedEstimator{
		stops:   &s.Stops,
		scaler:  m.scalers.get(s),
		dest:    t.Destination,
		predict: m.Predict,
	}
}

// scalerCache keeps the Scaler of the last store a model was bound to.
type scalerCache struct {
	mu     sync.Mutex
	store  *transit.Store
	scaler Scaler
}

func (c *scalerCache) get(s *transit.Store) Scaler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != s {
		c.store, c.scaler = s, NewScaler(&s.Stops)
	}
	return c.scaler
}

type learnedEstimator struct {
	stops   *transit.Stops
	scaler  Scaler
	dest    geo.Point
	predict func(Features) float64
}

func (e *learnedEstimator) Estimate(stop uint32, at Instant) int32 {
	out := e.predict(e.scaler.Features(e.stops.Position(stop), e.dest, at))
	switch {
	case math.IsNaN(out) || out <= 0:
		return 0
	case out >= float64(transit.InfTime):
		return transit.InfTime
	}
	return int32(out)
}

func (e *learnedEstimator) TimeValid() int32 { return 0 }
