package estimate

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Offline artifacts share one framing: 8 magic bytes, then a zstd stream
// holding the little-endian payload and a CRC32 of it.

func writeArtifact(path, magic string, payload func(w io.Writer) error) error {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmpPath)
	}()

	bw := bufio.NewWriter(f)
	if _, err := io.WriteString(bw, magic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	enc, err := zstd.NewWriter(bw)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	h := crc32.NewIEEE()
	if err := payload(io.MultiWriter(enc, h)); err != nil {
		enc.Close()
		return err
	}
	if err := binary.Write(enc, binary.LittleEndian, h.Sum32()); err != nil {
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
	return os.Rename(tmpPath, path)
}

func readArtifact(path, magic string, payload func(r io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	got := make([]byte, len(magic))
	if _, err := io.ReadFull(br, got); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(got) != magic {
		return fmt.Errorf("invalid magic bytes: %q", got)
	}
	dec, err := zstd.NewReader(br)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	h := crc32.NewIEEE()
	if err := payload(io.TeeReader(dec, h)); err != nil {
		return err
	}
	var stored uint32
	if err := binary.Read(dec, binary.LittleEndian, &stored); err != nil {
		return fmt.Errorf("read CRC32: %w", err)
	}
	if stored != h.Sum32() {
		return fmt.Errorf("CRC32 mismatch: stored=%08x computed=%08x", stored, h.Sum32())
	}
	return nil
}
