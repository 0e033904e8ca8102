package manifest

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// DefaultChunkSize is the ≈500MB default target chunk size named in §4.5.
const DefaultChunkSize = 500 * 1024 * 1024

// BuildParams configures Build.
type BuildParams struct {
	Root           string
	Exclude        []string // glob patterns, matched against the path relative to Root
	TargetChunkSize int64   // default DefaultChunkSize
	NumberOfChunks  int     // overrides TargetChunkSize when > 0
}

// fileEntry is one included file discovered by the directory walk, in
// lexicographic traversal order.
type fileEntry struct {
	relPath string
	size    int64
}

// Build walks Root in lexicographic order (filepath.WalkDir already visits
// directories this way), applies the exclude globs, and produces a
// deterministic, ordered list of chunk blueprints: same tree + same
// parameters always yields a byte-identical blueprint, since the walk
// order, chunk-size arithmetic, and destination splitting are all pure
// functions of the discovered file list.
//
// No third-party glob-matching library exists anywhere in the example
// pack (checked across every go.mod in it); exclude matching therefore uses
// stdlib path/filepath.Match, a documented exception, not an oversight.
func Build(params BuildParams) ([]Chunk, uint64, error) {
	files, totalSize, err := discover(params.Root, params.Exclude)
	if err != nil {
		return nil, 0, err
	}

	chunkSize := params.TargetChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if params.NumberOfChunks > 0 && totalSize > 0 {
		chunkSize = int64(totalSize) / int64(params.NumberOfChunks)
		if chunkSize <= 0 {
			chunkSize = 1
		}
	}

	return packChunks(files, chunkSize), totalSize, nil
}

func discover(root string, exclude []string) ([]fileEntry, uint64, error) {
	var files []fileEntry
	var total uint64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if matchesAny(rel, exclude) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, fileEntry{relPath: rel, size: info.Size()})
		total += uint64(info.Size())
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("manifest: walk %s: %w", root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].relPath < files[j].relPath })
	return files, total, nil
}

func matchesAny(relPath string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, relPath); ok {
			return true
		}
		// Also match against the base name, so patterns like "*.bak" exclude
		// nested files the way a typical ignore-list expects.
		if ok, _ := filepath.Match(p, filepath.Base(relPath)); ok {
			return true
		}
	}
	return false
}

// packChunks greedily fills chunks up to chunkSize bytes, splitting a file
// across chunk boundaries when needed so destinations always reference
// contiguous ranges of real files.
func packChunks(files []fileEntry, chunkSize int64) []Chunk {
	var chunks []Chunk
	var cur []Destination
	var curSize int64
	var index uint32

	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, Chunk{Index: index, Destinations: cur})
		index++
		cur = nil
		curSize = 0
	}

	for _, f := range files {
		var offset int64
		remaining := f.size
		for remaining > 0 {
			space := chunkSize - curSize
			if space <= 0 {
				flush()
				space = chunkSize
			}
			take := remaining
			if take > space {
				take = space
			}
			cur = append(cur, Destination{
				Path:     f.relPath,
				Position: uint64(offset),
				Size:     uint64(take),
			})
			curSize += take
			offset += take
			remaining -= take
		}
		// Zero-length files still need a destination entry so the download
		// side creates them; the remaining>0 loop above skips them, so add
		// their entry here:
		if f.size == 0 {
			cur = append(cur, Destination{Path: f.relPath, Position: 0, Size: 0})
		}
	}
	flush()

	return chunks
}

// VerifyChecksum reports whether decompressed matches the chunk's recorded
// SHA-256 digest. A mismatch is treated as transient by the caller (§4.5,
// §7 IntegrityError) — a fresh URL is fetched and the chunk retried.
func VerifyChecksum(chunk Chunk, decompressed []byte) bool {
	sum := sha256.Sum256(decompressed)
	return sum == chunk.Checksum.SHA256
}

// WriteDestinations writes decompressed bytes to the chunk's destinations,
// creating parent directories as needed and seeking to each destination's
// recorded position, per the Archive Engine's download writer contract
// (§4.6 step 4).
func WriteDestinations(root string, chunk Chunk, decompressed []byte) error {
	var cursor uint64
	for _, dest := range chunk.Destinations {
		full := filepath.Join(root, dest.Path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("manifest: mkdir for %s: %w", full, err)
		}
		f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("manifest: open %s: %w", full, err)
		}
		end := cursor + dest.Size
		if end > uint64(len(decompressed)) {
			f.Close()
			return fmt.Errorf("manifest: chunk %d destination %s exceeds decompressed size", chunk.Index, dest.Path)
		}
		if _, err := f.WriteAt(decompressed[cursor:end], int64(dest.Position)); err != nil {
			f.Close()
			return fmt.Errorf("manifest: write %s: %w", full, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("manifest: close %s: %w", full, err)
		}
		cursor = end
	}
	return nil
}
