package transit

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"unsafe"

	"github.com/klauspost/compress/zstd"

	"transit_planner/pkg/geo"
)

const (
	magicBytes  = "TRANSIT0"
	version     = uint32(1)
	maxStops    = 5_000_000
	maxEntries  = 500_000_000
	maxStrBytes = 1 << 30
)

// fileHeader is written uncompressed; everything after it is a zstd stream.
type fileHeader struct {
	Magic   [8]byte
	Version uint32
}

// tableHeader opens the compressed payload.
type tableHeader struct {
	NumStops     uint32
	NumWalks     uint32
	NumStopTrips uint32
	NumTrips     uint32
	NumInstances uint32
	NumServices  uint32
	NumStarts    uint32
	NumTripStops uint32
	OriginLat    float64
	OriginLon    float64
}

// WriteBinary serializes a Store snapshot. The file is written to a
// temporary path and renamed into place.
func WriteBinary(path string, s *Store) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmpPath) // no-op after a successful rename
	}()

	bw := bufio.NewWriter(f)
	hdr := fileHeader{Version: version}
	copy(hdr.Magic[:], magicBytes)
	if err := binary.Write(bw, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	enc, err := zstd.NewWriter(bw)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	cw := &crc32Writer{w: enc, hash: crc32.NewIEEE()}
	if err := writeTables(cw, s); err != nil {
		enc.Close()
		return err
	}
	if err := binary.Write(enc, binary.LittleEndian, cw.hash.Sum32()); err != nil {
		enc.Close()
		return fmt.Errorf("write CRC32: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close zstd stream: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func writeTables(w io.Writer, s *Store) error {
	st, tr := &s.Stops, &s.Trips
	th := tableHeader{
		NumStops:     uint32(st.Len()),
		NumWalks:     uint32(len(st.WalkTo)),
		NumStopTrips: uint32(len(st.TripID)),
		NumTrips:     uint32(tr.Len()),
		NumInstances: uint32(tr.NumInstances()),
		NumServices:  uint32(len(tr.Services)),
		NumStarts:    uint32(len(tr.Starts)),
		NumTripStops: uint32(len(tr.StopID)),
		OriginLat:    s.Projector.OriginLat,
		OriginLon:    s.Projector.OriginLon,
	}
	if err := binary.Write(w, binary.LittleEndian, &th); err != nil {
		return fmt.Errorf("write table header: %w", err)
	}

	steps := []struct {
		name  string
		write func() error
	}{
		{"Codes", func() error { return writeStrings(w, st.Codes) }},
		{"Names", func() error { return writeStrings(w, st.Names) }},
		{"Zones", func() error { return writeStrings(w, st.Zones) }},
		{"Clusters", func() error { return writeSlice(w, st.Clusters) }},
		{"Lats", func() error { return writeSlice(w, st.Lats) }},
		{"Lons", func() error { return writeSlice(w, st.Lons) }},
		{"WalksOffset", func() error { return writeSlice(w, st.WalksOffset) }},
		{"WalkTo", func() error { return writeSlice(w, st.WalkTo) }},
		{"WalkDistance", func() error { return writeSlice(w, st.WalkDistance) }},
		{"TripsOffset", func() error { return writeSlice(w, st.TripsOffset) }},
		{"TripID", func() error { return writeSlice(w, st.TripID) }},
		{"TripSeq", func() error { return writeSlice(w, st.TripSeq) }},
		{"TripDeparture", func() error { return writeSlice(w, st.TripDeparture) }},
		{"Routes", func() error { return writeSlice(w, tr.Routes) }},
		{"Shapes", func() error { return writeSlice(w, tr.Shapes) }},
		{"Headsigns", func() error { return writeStrings(w, tr.Headsigns) }},
		{"FirstDeparture", func() error { return writeSlice(w, tr.FirstDeparture) }},
		{"LastDeparture", func() error { return writeSlice(w, tr.LastDeparture) }},
		{"InstancesOffset", func() error { return writeSlice(w, tr.InstancesOffset) }},
		{"ServicesOffset", func() error { return writeSlice(w, tr.ServicesOffset) }},
		{"Services", func() error { return writeSlice(w, tr.Services) }},
		{"StartsOffset", func() error { return writeSlice(w, tr.StartsOffset) }},
		{"Starts", func() error { return writeSlice(w, tr.Starts) }},
		{"StopsOffset", func() error { return writeSlice(w, tr.StopsOffset) }},
		{"StopID", func() error { return writeSlice(w, tr.StopID) }},
		{"Arrival", func() error { return writeSlice(w, tr.Arrival) }},
		{"Departure", func() error { return writeSlice(w, tr.Departure) }},
	}
	for _, step := range steps {
		if err := step.write(); err != nil {
			return fmt.Errorf("write %s: %w", step.name, err)
		}
	}
	return nil
}

// ReadBinary loads a Store snapshot written by WriteBinary, verifying the
// checksum and the offset invariants.
func ReadBinary(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var hdr fileHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(hdr.Magic[:]) != magicBytes {
		return nil, fmt.Errorf("invalid magic bytes: %q", hdr.Magic)
	}
	if hdr.Version != version {
		return nil, fmt.Errorf("unsupported version: %d", hdr.Version)
	}

	dec, err := zstd.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	cr := &crc32Reader{r: dec, hash: crc32.NewIEEE()}

	var th tableHeader
	if err := binary.Read(cr, binary.LittleEndian, &th); err != nil {
		return nil, fmt.Errorf("read table header: %w", err)
	}
	if th.NumStops > maxStops {
		return nil, fmt.Errorf("NumStops %d exceeds limit %d", th.NumStops, maxStops)
	}
	for _, n := range []uint32{th.NumWalks, th.NumStopTrips, th.NumTrips, th.NumInstances, th.NumServices, th.NumStarts, th.NumTripStops} {
		if n > maxEntries {
			return nil, fmt.Errorf("entry count %d exceeds limit %d", n, maxEntries)
		}
	}

	var st Stops
	var tr Trips
	ns, nt, ni := int(th.NumStops), int(th.NumTrips), int(th.NumInstances)
	steps := []struct {
		name string
		read func() error
	}{
		{"Codes", func() (err error) { st.Codes, err = readStrings(cr, ns); return }},
		{"Names", func() (err error) { st.Names, err = readStrings(cr, ns); return }},
		{"Zones", func() (err error) { st.Zones, err = readStrings(cr, ns); return }},
		{"Clusters", func() (err error) { st.Clusters, err = readSlice[int32](cr, ns); return }},
		{"Lats", func() (err error) { st.Lats, err = readSlice[float64](cr, ns); return }},
		{"Lons", func() (err error) { st.Lons, err = readSlice[float64](cr, ns); return }},
		{"WalksOffset", func() (err error) { st.WalksOffset, err = readSlice[uint32](cr, ns+1); return }},
		{"WalkTo", func() (err error) { st.WalkTo, err = readSlice[uint32](cr, int(th.NumWalks)); return }},
		{"WalkDistance", func() (err error) { st.WalkDistance, err = readSlice[float32](cr, int(th.NumWalks)); return }},
		{"TripsOffset", func() (err error) { st.TripsOffset, err = readSlice[uint32](cr, ns+1); return }},
		{"TripID", func() (err error) { st.TripID, err = readSlice[uint32](cr, int(th.NumStopTrips)); return }},
		{"TripSeq", func() (err error) { st.TripSeq, err = readSlice[uint16](cr, int(th.NumStopTrips)); return }},
		{"TripDeparture", func() (err error) { st.TripDeparture, err = readSlice[int32](cr, int(th.NumStopTrips)); return }},
		{"Routes", func() (err error) { tr.Routes, err = readSlice[int32](cr, nt); return }},
		{"Shapes", func() (err error) { tr.Shapes, err = readSlice[int32](cr, nt); return }},
		{"Headsigns", func() (err error) { tr.Headsigns, err = readStrings(cr, nt); return }},
		{"FirstDeparture", func() (err error) { tr.FirstDeparture, err = readSlice[int32](cr, nt); return }},
		{"LastDeparture", func() (err error) { tr.LastDeparture, err = readSlice[int32](cr, nt); return }},
		{"InstancesOffset", func() (err error) { tr.InstancesOffset, err = readSlice[uint32](cr, nt+1); return }},
		{"ServicesOffset", func() (err error) { tr.ServicesOffset, err = readSlice[uint32](cr, ni+1); return }},
		{"Services", func() (err error) { tr.Services, err = readSlice[int32](cr, int(th.NumServices)); return }},
		{"StartsOffset", func() (err error) { tr.StartsOffset, err = readSlice[uint32](cr, ni+1); return }},
		{"Starts", func() (err error) { tr.Starts, err = readSlice[int32](cr, int(th.NumStarts)); return }},
		{"StopsOffset", func() (err error) { tr.StopsOffset, err = readSlice[uint32](cr, nt+1); return }},
		{"StopID", func() (err error) { tr.StopID, err = readSlice[uint32](cr, int(th.NumTripStops)); return }},
		{"Arrival", func() (err error) { tr.Arrival, err = readSlice[int32](cr, int(th.NumTripStops)); return }},
		{"Departure", func() (err error) { tr.Departure, err = readSlice[int32](cr, int(th.NumTripStops)); return }},
	}
	for _, step := range steps {
		if err := step.read(); err != nil {
			return nil, fmt.Errorf("read %s: %w", step.name, err)
		}
	}

	expectedCRC := cr.hash.Sum32()
	var storedCRC uint32
	if err := binary.Read(dec, binary.LittleEndian, &storedCRC); err != nil {
		return nil, fmt.Errorf("read CRC32: %w", err)
	}
	if storedCRC != expectedCRC {
		return nil, fmt.Errorf("%w: CRC32 mismatch: stored=%08x computed=%08x", ErrCorrupt, storedCRC, expectedCRC)
	}

	proj := geo.NewProjector(th.OriginLat, th.OriginLon)
	st.X = make([]float64, ns)
	st.Y = make([]float64, ns)
	for i := range ns {
		p := proj.Project(st.Lats[i], st.Lons[i])
		st.X[i], st.Y[i] = p.X, p.Y
	}
	return NewStore(st, tr, proj)
}

type fixed interface {
	~uint16 | ~uint32 | ~int32 | ~float32 | ~float64
}

// Zero-copy I/O helpers using unsafe.Slice. The on-disk layout is the host
// byte order, which is little-endian on every supported platform.

func writeSlice[T fixed](w io.Writer, s []T) error {
	if len(s) == 0 {
		return nil
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(s[0])))
	_, err := w.Write(b)
	return err
}

func readSlice[T fixed](r io.Reader, n int) ([]T, error) {
	if n == 0 {
		return nil, nil
	}
	s := make([]T, n)
	b := unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), n*int(unsafe.Sizeof(s[0])))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return s, nil
}

// writeStrings stores a string column as an offset array followed by the
// concatenated bytes.
func writeStrings(w io.Writer, ss []string) error {
	offsets := make([]uint32, len(ss)+1)
	for i, s := range ss {
		offsets[i+1] = offsets[i] + uint32(len(s))
	}
	if err := writeSlice(w, offsets); err != nil {
		return err
	}
	for _, s := range ss {
		if _, err := io.WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader, n int) ([]string, error) {
	offsets, err := readSlice[uint32](r, n+1)
	if err != nil {
		return nil, err
	}
	total := offsets[n]
	if total > maxStrBytes || total > math.MaxInt32 {
		return nil, fmt.Errorf("string blob of %d bytes exceeds limit", total)
	}
	blob := make([]byte, total)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range n {
		if offsets[i] > offsets[i+1] || offsets[i+1] > total {
			return nil, fmt.Errorf("%w: string offsets not monotonic at %d", ErrCorrupt, i)
		}
		out[i] = string(blob[offsets[i]:offsets[i+1]])
	}
	return out, nil
}

// CRC32 wrapping writers/readers.

type crc32Hash interface {
	Write([]byte) (int, error)
	Sum32() uint32
}

type crc32Writer struct {
	w    io.Writer
	hash crc32Hash
}

func (cw *crc32Writer) Write(p []byte) (int, error) {
	cw.hash.Write(p)
	return cw.w.Write(p)
}

type crc32Reader struct {
	r    io.Reader
	hash crc32Hash
}

func (cr *crc32Reader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.hash.Write(p[:n])
	}
	return n, err
}
