// Package serialization reads and writes snapshot files: learned parameters
// (.caffemodel) and solver state (.solverstate).
//
// Both kinds share one binary layout:
//
//	Fixed header (64 bytes):
//	  0x00 [4 bytes: Magic "BLOB"]
//	  0x04 [4 bytes: Version (uint32 LE)]
//	  0x08 [4 bytes: Flags (uint32 LE)]
//	  0x0C [4 bytes: Reserved]
//	  0x10 [8 bytes: Header size (uint64 LE)]
//	  0x18 [8 bytes: Data size (uint64 LE)]
//	  0x20 [32 bytes: SHA-256 of the data section]
//	[Header: JSON metadata]
//	[Padding to a 64-byte boundary]
//	[Tensor data: float64 little endian]
//
// Files are written through a Writer that stages the content in a temporary
// file next to the target and renames it into place on Commit, so readers
// never observe a partially written snapshot.
//
// Example usage:
//
//	err := serialization.WriteFile(path, serialization.Header{Kind: serialization.KindParams}, tensors)
//	if err != nil {
//	    return err
//	}
//
//	r, err := serialization.Open(path)
//	if err != nil {
//	    return err
//	}
//	t, err := r.Tensor("conv/0")
package serialization
