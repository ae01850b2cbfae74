package serialization

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Writer stages a snapshot in a temporary file next to its target.
//
// The target path only changes on Commit. Abort (or a failed Commit) leaves
// any previous file at the target untouched.
type Writer struct {
	path    string
	tmp     *os.File
	written bool
	closed  bool
}

// Create opens a staging file for path in the same directory.
func Create(path string) (*Writer, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file for %s: %w", path, err)
	}
	return &Writer{path: path, tmp: tmp}, nil
}

// Path returns the final destination of the file.
func (w *Writer) Path() string { return w.path }

// Write encodes the header and tensors into the staging file. It may be
// called once per Writer.
func (w *Writer) Write(h Header, tensors []Tensor) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.written {
		return fmt.Errorf("snapshot %s already written", w.path)
	}
	w.written = true
	return Encode(w.tmp, h, tensors)
}

// Commit flushes the staging file and renames it over the target.
func (w *Writer) Commit() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	name := w.tmp.Name()
	if err := w.tmp.Sync(); err != nil {
		_ = w.tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(name, w.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

// Abort discards the staging file. It is safe to call after Commit.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	name := w.tmp.Name()
	_ = w.tmp.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

// WriteFile atomically writes a snapshot to path.
func WriteFile(path string, h Header, tensors []Tensor) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	if err := w.Write(h, tensors); err != nil {
		_ = w.Abort()
		return err
	}
	return w.Commit()
}

// Encode writes a complete snapshot to out.
//
// Tensor metadata in h is replaced by the layout computed from tensors. A
// zero FormatVersion or CreatedAt is filled in.
func Encode(out io.Writer, h Header, tensors []Tensor) error {
	if len(tensors) > MaxTensorCount {
		return fmt.Errorf("%w: got %d, max %d", ErrTooManyTensors, len(tensors), MaxTensorCount)
	}
	if h.FormatVersion == 0 {
		h.FormatVersion = FormatVersion
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	var offset int64
	h.Tensors = make([]TensorMeta, 0, len(tensors))
	for _, t := range tensors {
		if n := count(t.Shape); n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Shape, n, len(t.Data))
		}
		size := int64(len(t.Data)) * bytesPerElement
		h.Tensors = append(h.Tensors, TensorMeta{
			Name:   t.Name,
			DType:  DTypeFloat64,
			Shape:  append([]int(nil), t.Shape...),
			Offset: offset,
			Size:   size,
		})
		offset += size
	}
	if err := ValidateHeader(&h, offset, ValidationStrict); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	data := make([]byte, offset)
	pos := 0
	for _, t := range tensors {
		for _, v := range t.Data {
			binary.LittleEndian.PutUint64(data[pos:], math.Float64bits(v))
			pos += bytesPerElement
		}
	}
	checksum := sha256.Sum256(data)

	headerJSON, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if len(headerJSON) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], uint32(FormatVersion))
	binary.LittleEndian.PutUint32(fixed[8:12], flagsFor(&h))
	binary.LittleEndian.PutUint64(fixed[headerSizeOffset:], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[dataSizeOffset:], uint64(len(data)))
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	var buf bytes.Buffer
	buf.Grow(FixedHeaderSize + len(headerJSON) + HeaderAlignment + len(data))
	buf.Write(fixed)
	buf.Write(headerJSON)
	buf.Write(make([]byte, padding(int64(FixedHeaderSize+len(headerJSON)))))
	buf.Write(data)

	if _, err := out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func flagsFor(h *Header) uint32 {
	var flags uint32
	if len(h.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if h.SolverState != nil {
		flags |= FlagHasSolverState
	}
	return flags
}
