package datastore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	require.NoError(t, s.Save("job-a", "cursor", []byte{0x01, 0x02, 0x03}))

	got, err := s.Load("job-a", "cursor")
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, got)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Load("job-a", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveIsolatesByJob(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Save("job-a", "k", []byte("a")))
	require.NoError(t, s.Save("job-b", "k", []byte("b")))

	a, err := s.Load("job-a", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), a)

	b, err := s.Load("job-b", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), b)
}
