package serialization

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

// Reader gives access to the tensors of a decoded snapshot.
type Reader struct {
	header Header
	flags  uint32
	data   []byte // Data section
	index  map[string]int
}

// ReaderOptions configures decoding.
type ReaderOptions struct {
	SkipChecksumValidation bool            // Skip checksum validation (faster but less safe)
	ValidationLevel        ValidationLevel // Validation strictness level
}

// Open reads and validates the snapshot at path with strict validation.
func Open(path string) (*Reader, error) {
	return OpenWithOptions(path, ReaderOptions{ValidationLevel: ValidationStrict})
}

// OpenWithOptions reads the snapshot at path with custom options.
func OpenWithOptions(path string, opts ReaderOptions) (*Reader, error) {
	//nolint:gosec // G304: snapshot paths come from the solver configuration
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	r, err := Decode(raw, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// ReadFrom decodes a snapshot from an io.Reader.
func ReadFrom(in io.Reader, opts ReaderOptions) (*Reader, error) {
	raw, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return Decode(raw, opts)
}

// Decode parses a complete snapshot held in memory.
func Decode(raw []byte, opts ReaderOptions) (*Reader, error) {
	if len(raw) < FixedHeaderSize {
		if len(raw) >= 4 && string(raw[0:4]) != MagicBytes {
			return nil, ErrInvalidMagic
		}
		return nil, fmt.Errorf("%w: %d bytes, fixed header needs %d", ErrTruncated, len(raw), FixedHeaderSize)
	}
	if string(raw[0:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(raw[4:8]); v != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, v, FormatVersion)
	}

	r := &Reader{flags: binary.LittleEndian.Uint32(raw[8:12])}
	headerSize := binary.LittleEndian.Uint64(raw[headerSizeOffset:])
	dataSize := binary.LittleEndian.Uint64(raw[dataSizeOffset:])
	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}
	var stored [ChecksumSize]byte
	copy(stored[:], raw[ChecksumOffset:ChecksumOffset+ChecksumSize])

	headerEnd := int64(FixedHeaderSize) + int64(headerSize)
	dataStart := headerEnd + padding(headerEnd)
	if int64(len(raw)) < headerEnd {
		return nil, fmt.Errorf("%w: header", ErrTruncated)
	}
	if dataSize > math.MaxInt64 || int64(len(raw))-dataStart < int64(dataSize) {
		return nil, fmt.Errorf("%w: data section", ErrTruncated)
	}
	if err := json.Unmarshal(raw[FixedHeaderSize:headerEnd], &r.header); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	r.data = raw[dataStart : dataStart+int64(dataSize)]

	if !opts.SkipChecksumValidation {
		if sha256.Sum256(r.data) != stored {
			return nil, ErrChecksumMismatch
		}
	}
	if err := ValidateHeader(&r.header, int64(len(r.data)), opts.ValidationLevel); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	r.index = make(map[string]int, len(r.header.Tensors))
	for i, meta := range r.header.Tensors {
		r.index[meta.Name] = i
	}
	return r, nil
}

// Header returns the file header.
func (r *Reader) Header() Header {
	return r.header
}

// Kind reports whether the file holds parameters or solver state.
func (r *Reader) Kind() Kind {
	return r.header.Kind
}

// Flags returns the fixed header flags.
func (r *Reader) Flags() uint32 {
	return r.flags
}

// TensorNames returns the tensor names in file order.
func (r *Reader) TensorNames() []string {
	names := make([]string, len(r.header.Tensors))
	for i, meta := range r.header.Tensors {
		names[i] = meta.Name
	}
	return names
}

// TensorInfo returns metadata about a specific tensor.
func (r *Reader) TensorInfo(name string) (TensorMeta, error) {
	i, ok := r.index[name]
	if !ok {
		return TensorMeta{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return r.header.Tensors[i], nil
}

// Tensor decodes a single tensor.
func (r *Reader) Tensor(name string) (Tensor, error) {
	meta, err := r.TensorInfo(name)
	if err != nil {
		return Tensor{}, err
	}
	if meta.Offset < 0 || meta.Offset+meta.Size > int64(len(r.data)) {
		return Tensor{}, &ValidationError{Type: "out_of_bounds", Tensor: name, Details: "outside data section", Err: ErrOutOfBounds}
	}
	src := r.data[meta.Offset : meta.Offset+meta.Size]
	values := make([]float64, len(src)/bytesPerElement)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*bytesPerElement:]))
	}
	return Tensor{Name: name, Shape: append([]int(nil), meta.Shape...), Data: values}, nil
}

// Tensors decodes every tensor in file order.
func (r *Reader) Tensors() ([]Tensor, error) {
	out := make([]Tensor, 0, len(r.header.Tensors))
	for _, meta := range r.header.Tensors {
		t, err := r.Tensor(meta.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
