// Package manifest defines the canonical Manifest Model (§4.5): the header/
// chunk/destination types shared by the control-plane contract, and the
// Chunk Mapper that deterministically maps a filesystem tree to chunk
// blueprints and validates downloaded chunks against their checksum.
//
// Grounded on gurre-ddb-pitr/manifest/manifest.go's Summary/FileMeta
// header-vs-body split and Loader interface abstraction, adapted: no S3 SDK
// is involved here, only a plain HTTP GET of a pre-signed URL.
package manifest

// Compression identifies the manifest's compression scheme.
type Compression struct {
	Algorithm string `json:"algorithm"` // "none" or "zstd"
	Level     int    `json:"level,omitempty"`
}

// Header is everything about a Manifest except the chunk list, delivered by
// GET /manifest/header.
type Header struct {
	ArchiveID   string      `json:"archive_id"`
	DataVersion string      `json:"data_version"`
	TotalSize   uint64      `json:"total_size"`
	Compression Compression `json:"compression"`
	ChunksCount uint32      `json:"chunks_count"`
}

// Checksum carries the digest of a chunk's decompressed bytes.
type Checksum struct {
	SHA256 [32]byte `json:"sha256"`
}

// Destination is one file range a chunk's decompressed bytes are written
// to. A chunk may straddle multiple files; the sum of destination sizes
// equals the decompressed chunk size.
type Destination struct {
	Path     string `json:"path"`
	Position uint64 `json:"position"`
	Size     uint64 `json:"size"`
}

// Chunk is one addressable, independently transferable unit of a Manifest.
type Chunk struct {
	Index        uint32        `json:"index"`
	Key          string        `json:"key"`
	Checksum     Checksum      `json:"checksum"`
	Size         uint64        `json:"size"` // compressed size
	Destinations []Destination `json:"destinations"`
}

// DecompressedSize returns the sum of this chunk's destination sizes, which
// must equal the decompressed byte count.
func (c Chunk) DecompressedSize() uint64 {
	var total uint64
	for _, d := range c.Destinations {
		total += d.Size
	}
	return total
}

// Manifest is the full {total_size, compression, chunks[]} structure.
type Manifest struct {
	Header Header  `json:"header"`
	Chunks []Chunk `json:"chunks"`
}
