// Package compressor implements the optional, invertible byte-to-byte
// transform applied to stored event state before it is (optionally)
// encrypted.
package compressor

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Compressor is an invertible byte-to-byte transform:
// Decompress(Compress(x)) == x for all x.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Zlib is the default Compressor, backed by klauspost/compress's
// DEFLATE/zlib implementation — wire-compatible with stdlib compress/zlib
// but faster, which is why the pack prefers it over the standard library
// package of the same name.
type Zlib struct {
	Level int
}

// NewZlib returns a Zlib compressor at the given klauspost/compress level
// (zlib.DefaultCompression if level is 0).
func NewZlib(level int) *Zlib {
	if level == 0 {
		level = zlib.DefaultCompression
	}
	return &Zlib{Level: level}
}

func (z *Zlib) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, z.Level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (z *Zlib) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
