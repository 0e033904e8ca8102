package manifest

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestBuildExcludesGlobs(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":       "hello",
		"ignore.bak":  "skip me",
		"sub/b.bak":   "skip me too",
		"sub/keep.txt": "kept",
	})

	chunks, _, err := Build(BuildParams{
		Root:    root,
		Exclude: []string{"*.bak", "sub/*.bak"},
	})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, c := range chunks {
		for _, d := range c.Destinations {
			seen[d.Path] = true
		}
	}
	require.True(t, seen["a.txt"])
	require.True(t, seen[filepath.Join("sub", "keep.txt")])
	require.False(t, seen["ignore.bak"])
	require.False(t, seen[filepath.Join("sub", "b.bak")])
}

func TestBuildDeterministic(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"z.txt": "zzz",
		"a.txt": "aaa",
		"m.txt": "mmm",
	})

	c1, _, err := Build(BuildParams{Root: root})
	require.NoError(t, err)
	c2, _, err := Build(BuildParams{Root: root})
	require.NoError(t, err)
	require.Equal(t, c1, c2)
}

func TestVerifyChecksumRoundTrip(t *testing.T) {
	data := []byte("some decompressed payload")
	sum := sha256.Sum256(data)
	chunk := Chunk{Checksum: Checksum{SHA256: sum}}
	require.True(t, VerifyChecksum(chunk, data))
	require.False(t, VerifyChecksum(chunk, []byte("tampered")))
}

func TestWriteDestinationsRoundTrip(t *testing.T) {
	root := t.TempDir()
	decompressed := []byte("hello world")
	chunk := Chunk{
		Index: 0,
		Destinations: []Destination{
			{Path: "a.txt", Position: 0, Size: 5},
			{Path: "b.txt", Position: 0, Size: 6},
		},
	}
	require.NoError(t, WriteDestinations(root, chunk, decompressed))

	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = os.ReadFile(filepath.Join(root, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, " world", string(got))
}
