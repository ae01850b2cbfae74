package serialization

import (
	"errors"
	"time"
)

// Format constants.
const (
	MagicBytes       = "BLOB"
	FormatVersion    = 1
	HeaderAlignment  = 64   // Tensor data starts on a 64-byte boundary
	FixedHeaderSize  = 64   // Fixed header size (0x40 bytes)
	ChecksumSize     = 32   // SHA-256 checksum size (32 bytes)
	ChecksumOffset   = 0x20 // Checksum offset in the fixed header
	DTypeFloat64     = "float64"
	bytesPerElement  = 8
	headerSizeOffset = 0x10
	dataSizeOffset   = 0x18
)

// Sentinels matched with errors.Is. Decoding and validation failures wrap
// one of these.
var (
	ErrChecksumMismatch   = errors.New("snapshot data does not match its checksum")
	ErrOffsetOverlap      = errors.New("tensor data ranges overlap")
	ErrOutOfBounds        = errors.New("tensor data lies outside the data section")
	ErrTooManyTensors     = errors.New("snapshot holds too many tensors")
	ErrInvalidTensorName  = errors.New("bad tensor name")
	ErrHeaderTooLarge     = errors.New("snapshot header too large")
	ErrInvalidMagic       = errors.New("not a snapshot file")
	ErrUnsupportedVersion = errors.New("unsupported snapshot format version")
	ErrTensorNotFound     = errors.New("no such tensor")
	ErrWriterClosed       = errors.New("snapshot writer already finished")
	ErrTruncated          = errors.New("snapshot file truncated")
)

// Flags for the fixed header.
const (
	FlagHasMetadata    uint32 = 1 << 0 // bit 0: custom metadata included
	FlagHasSolverState uint32 = 1 << 1 // bit 1: solver state included
)

// Kind distinguishes parameter files from solver state files.
type Kind string

// File kinds.
const (
	KindParams      Kind = "params"
	KindSolverState Kind = "solverstate"
)

// Header represents the JSON header of a snapshot file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Kind          Kind              `json:"kind"`
	NetName       string            `json:"net_name,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SolverState   *SolverState      `json:"solver_state,omitempty"`
}

// SolverState is the solver bookkeeping stored alongside history blobs.
type SolverState struct {
	Iter        int    `json:"iter"`         // Iterations completed
	CurrentStep int    `json:"current_step"` // Position in a multistep schedule
	LearnedNet  string `json:"learned_net"`  // Path of the matching .caffemodel
	Type        string `json:"type"`         // Solver type, e.g. "SGD"
}

// TensorMeta describes a tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`   // e.g. "conv1/0" or "history/3"
	DType  string `json:"dtype"`  // Always "float64"
	Shape  []int  `json:"shape"`  // Tensor shape
	Offset int64  `json:"offset"` // Bytes from the start of the data section
	Size   int64  `json:"size"`   // Size in bytes
}

// Tensor is a named float64 array with a shape.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float64
}

func count(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func padding(pos int64) int64 {
	return (HeaderAlignment - (pos % HeaderAlignment)) % HeaderAlignment
}
