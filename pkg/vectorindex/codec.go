package vectorindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// File layout:
//
//	magic "CRVX" | version uint32 | generation [16]byte | zstd(payload)
//
// The payload is MarshalBinary output: dim uint32, n uint32, then n*dim
// little-endian IEEE 754 float32 values. Compression is lossless, so a
// loaded index holds bit-identical vectors.
const (
	fileMagic   = "CRVX"
	fileVersion = uint32(1)
	headerSize  = 4 + 4 + 16
)

var (
	ErrCorrupt      = errors.New("vectorindex: corrupt index data")
	ErrNotIndexFile = errors.New("vectorindex: not an index file")
)

// MarshalBinary encodes the index payload.
func (f *Flat) MarshalBinary() ([]byte, error) {
	out := make([]byte, 8+4*f.dim*len(f.vecs))
	binary.LittleEndian.PutUint32(out[0:4], uint32(f.dim))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(f.vecs)))
	off := 8
	for _, v := range f.vecs {
		for _, x := range v {
			binary.LittleEndian.PutUint32(out[off:], math.Float32bits(x))
			off += 4
		}
	}
	return out, nil
}

// UnmarshalBinary restores an index encoded by MarshalBinary.
func (f *Flat) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}
	dim := int(binary.LittleEndian.Uint32(data[0:4]))
	n := int(binary.LittleEndian.Uint32(data[4:8]))
	if dim <= 0 {
		return fmt.Errorf("%w: dimension %d", ErrCorrupt, dim)
	}
	// dim and n come from the file; compare in uint64 so the product
	// cannot wrap before the length check.
	if want := uint64(dim) * uint64(n); uint64(len(data)-8)%4 != 0 || uint64(len(data)-8)/4 != want {
		return fmt.Errorf("%w: have %d bytes, want %d floats for %d vectors of dim %d", ErrCorrupt, len(data), want, n, dim)
	}

	backing := make([]float32, dim*n)
	for i := range backing {
		backing[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[8+4*i:]))
	}
	vecs := make([][]float32, n)
	for i := range vecs {
		vecs[i] = backing[i*dim : (i+1)*dim : (i+1)*dim]
	}
	f.dim, f.vecs = dim, vecs
	return nil
}

// WriteFile persists the index together with the build generation it
// belongs to. The file is written to a temporary name and renamed into
// place, so readers never observe a partial index.
func (f *Flat) WriteFile(path string, generation uuid.UUID) error {
	payload, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("vectorindex: zstd writer: %w", err)
	}
	defer enc.Close()

	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload)/2)
	buf.WriteString(fileMagic)
	_ = binary.Write(&buf, binary.LittleEndian, fileVersion)
	buf.Write(generation[:])
	buf.Write(enc.EncodeAll(payload, nil))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	// Atomic rename
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadFile loads an index written by WriteFile and returns the generation
// recorded with it. A missing file yields an error wrapping fs.ErrNotExist.
func ReadFile(path string) (*Flat, uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if len(data) < headerSize || string(data[:4]) != fileMagic {
		return nil, uuid.Nil, fmt.Errorf("%w: %s", ErrNotIndexFile, path)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != fileVersion {
		return nil, uuid.Nil, fmt.Errorf("%w: %s has version %d, want %d", ErrNotIndexFile, path, v, fileVersion)
	}
	generation, err := uuid.FromBytes(data[8:headerSize])
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("vectorindex: zstd reader: %w", err)
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(data[headerSize:], nil)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	f := &Flat{}
	if err := f.UnmarshalBinary(payload); err != nil {
		return nil, uuid.Nil, err
	}
	return f, generation, nil
}
