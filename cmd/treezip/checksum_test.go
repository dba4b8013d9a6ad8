package main

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// Expectation: Digests should match the known MD5 sums of the contents.
func Test_ChecksumRecorder_Digest_Success(t *testing.T) {
	fs := afero.NewMemMapFs()

	require.NoError(t, afero.WriteFile(fs, "/hello", []byte("hello"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/abc", []byte("abc"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/empty", []byte{}, 0o644))

	rec := NewChecksumRecorder(fs)

	tests := map[string]string{
		"/hello": "5d41402abc4b2a76b9719d911017c592",
		"/abc":   "900150983cd24fb0d6963f7d28e17f72",
		"/empty": "d41d8cd98f00b204e9800998ecf8427e",
	}

	for path, expected := range tests {
		digest, err := rec.Digest(path)
		require.NoError(t, err, path)
		require.Equal(t, expected, digest, path)
	}
}

// Expectation: A missing file should not be recorded and result in a checksum error.
func Test_ChecksumRecorder_Record_Error(t *testing.T) {
	rec := NewChecksumRecorder(afero.NewMemMapFs())

	_, err := rec.Record(GroupSource, "a.txt", "/missing/a.txt")
	require.ErrorIs(t, err, ErrChecksumIO)
	require.Equal(t, 0, rec.Len())
}

// Expectation: Concurrent recording should keep every entry.
func Test_ChecksumRecorder_Record_Concurrent_Success(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/abc", []byte("abc"), 0o644))

	rec := NewChecksumRecorder(fs)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := rec.Record(GroupOutput, "abc", "/abc")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 50, rec.Len())
	require.Len(t, rec.Entries(), 50)
}

// Expectation: The manifest should list sources before outputs, each sorted by path.
func Test_ChecksumRecorder_WriteManifest_Success(t *testing.T) {
	fs := afero.NewMemMapFs()

	require.NoError(t, afero.WriteFile(fs, "/src/b.txt", []byte("hello"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("abc"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/out/a.zip", []byte(""), 0o644))

	rec := NewChecksumRecorder(fs)

	_, err := rec.Record(GroupOutput, "a.zip", "/out/a.zip")
	require.NoError(t, err)
	_, err = rec.Record(GroupSource, "b.txt", "/src/b.txt")
	require.NoError(t, err)
	_, err = rec.Record(GroupSource, "a.txt", "/src/a.txt")
	require.NoError(t, err)

	cfg := extSortConfigDefault
	require.NoError(t, rec.WriteManifest(t.Context(), "/out/"+checksumsFileName, &cfg))

	data, err := afero.ReadFile(fs, "/out/"+checksumsFileName)
	require.NoError(t, err)

	require.Equal(t,
		"900150983cd24fb0d6963f7d28e17f72  a.txt\n"+
			"5d41402abc4b2a76b9719d911017c592  b.txt\n"+
			"d41d8cd98f00b204e9800998ecf8427e  a.zip\n",
		string(data))

	exists, err := afero.Exists(fs, "/out/"+checksumsFileName+".tmp")
	require.NoError(t, err)
	require.False(t, exists)
}

// Expectation: An empty recorder should still produce an (empty) manifest.
func Test_ChecksumRecorder_WriteManifest_Empty_Success(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	cfg := extSortConfigDefault
	require.NoError(t, NewChecksumRecorder(fs).WriteManifest(t.Context(), "/out/m.md5", &cfg))

	data, err := afero.ReadFile(fs, "/out/m.md5")
	require.NoError(t, err)
	require.Empty(t, data)
}

// Expectation: A manifest that cannot be created should result in a checksum error.
func Test_ChecksumRecorder_WriteManifest_CreateFile_Error(t *testing.T) {
	fs := errorFs{afero.NewMemMapFs()}

	cfg := extSortConfigDefault
	err := NewChecksumRecorder(fs).WriteManifest(t.Context(), "/out/m.md5", &cfg)
	require.ErrorIs(t, err, ErrChecksumIO)
}

// Expectation: A cancelled manifest write should not leave any files behind.
func Test_ChecksumRecorder_WriteManifest_CtxCancel_Error(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/abc", []byte("abc"), 0o644))

	rec := NewChecksumRecorder(fs)
	_, err := rec.Record(GroupSource, "abc", "/abc")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	cfg := extSortConfigDefault
	require.Error(t, rec.WriteManifest(ctx, "/m.md5", &cfg))

	for _, p := range []string{"/m.md5", "/m.md5.tmp"} {
		exists, err := afero.Exists(fs, p)
		require.NoError(t, err)
		require.False(t, exists, p)
	}
}

// Expectation: Manifest lines in both md5sum formats should be parsed, comments skipped.
func Test_ParseManifest_Success(t *testing.T) {
	input := "# produced by treezip\n" +
		"900150983cd24fb0d6963f7d28e17f72  a.txt\n" +
		"\n" +
		"5D41402ABC4B2A76B9719D911017C592 *dir/with space.bin\r\n"

	entries, err := ParseManifest(strings.NewReader(input))
	require.NoError(t, err)

	require.Equal(t, []ChecksumEntry{
		{Path: "a.txt", Digest: "900150983cd24fb0d6963f7d28e17f72"},
		{Path: "dir/with space.bin", Digest: "5d41402abc4b2a76b9719d911017c592"},
	}, entries)
}

// Expectation: Malformed manifest lines should be rejected.
func Test_ParseManifest_Error(t *testing.T) {
	for _, input := range []string{
		"not a manifest line",
		"900150983cd24fb0d6963f7d28e17f72 a.txt",
		"900150983cd24fb0d6963f7d28e17f72  ",
		"zz0150983cd24fb0d6963f7d28e17f72  a.txt",
	} {
		_, err := ParseManifest(strings.NewReader(input))
		require.Error(t, err, input)
	}
}

// Expectation: Entries should survive the round trip through their sort key.
func Test_ChecksumEntry_sortKey_Success(t *testing.T) {
	e := ChecksumEntry{Group: GroupOutput, Path: "a/b.zip.001", Digest: "d41d8cd98f00b204e9800998ecf8427e"}

	back, err := entryFromSortKey(e.sortKey())
	require.NoError(t, err)
	require.Equal(t, e, back)

	_, err = entryFromSortKey("broken")
	require.Error(t, err)
}
