package main

import (
	"bufio"
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lanrat/extsort"
	"github.com/spf13/afero"
)

// ErrChecksumIO is returned when a file digest cannot be computed or persisted.
var ErrChecksumIO = errors.New("checksum i/o error")

const md5HexLen = 32

// ChecksumGroup orders manifest entries: all sources come before all outputs.
type ChecksumGroup int

const (
	GroupSource ChecksumGroup = iota
	GroupOutput
)

// ChecksumEntry is the digest of one file. Path is relative to the source
// root (for sources) or to the output root (for outputs).
type ChecksumEntry struct {
	Group  ChecksumGroup
	Path   string
	Digest string
}

func (e ChecksumEntry) sortKey() string {
	return fmt.Sprintf("%d\x00%s\x00%s", e.Group, filepath.ToSlash(e.Path), e.Digest)
}

func entryFromSortKey(key string) (ChecksumEntry, error) {
	parts := strings.SplitN(key, "\x00", 3) //nolint:mnd
	if len(parts) != 3 {                    //nolint:mnd
		return ChecksumEntry{}, fmt.Errorf("malformed manifest record: %q", key)
	}

	group := GroupSource
	if parts[0] != "0" {
		group = GroupOutput
	}

	return ChecksumEntry{Group: group, Path: parts[1], Digest: parts[2]}, nil
}

// ChecksumRecorder accumulates file digests from any amount of goroutines
// and persists them as a single md5sum compatible manifest.
type ChecksumRecorder struct {
	fs afero.Fs

	mu      sync.Mutex
	entries []ChecksumEntry
}

// NewChecksumRecorder returns a pointer to a new [ChecksumRecorder].
func NewChecksumRecorder(fs afero.Fs) *ChecksumRecorder {
	return &ChecksumRecorder{fs: fs}
}

// Digest streams a file through MD5 and returns the hex encoded sum.
func (r *ChecksumRecorder) Digest(path string) (string, error) {
	return fileDigest(r.fs, path)
}

func fileDigest(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrChecksumIO, err)
	}
	defer f.Close()

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: failed hashing %s: %w", ErrChecksumIO, path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Record computes the digest of the file at path and keeps it under relPath.
// A failing file is not recorded.
func (r *ChecksumRecorder) Record(group ChecksumGroup, relPath string, path string) (ChecksumEntry, error) {
	digest, err := r.Digest(path)
	if err != nil {
		return ChecksumEntry{}, err
	}

	entry := ChecksumEntry{Group: group, Path: relPath, Digest: digest}

	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()

	return entry, nil
}

// Entries returns a copy of all recorded entries in recording order.
func (r *ChecksumRecorder) Entries() []ChecksumEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]ChecksumEntry(nil), r.entries...)
}

// Len returns the amount of recorded entries.
func (r *ChecksumRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// WriteManifest writes all entries as "<digest>  <path>" lines, sources
// first and each group sorted by path, to a temporary file that is then
// renamed to path. Sorting is done with an external sort, so huge trees
// spill to disk instead of memory.
func (r *ChecksumRecorder) WriteManifest(ctx context.Context, path string, sortConfig *extsort.Config) error {
	var done bool

	entries := r.Entries()
	tmpPath := path + ".tmp"

	out, err := r.fs.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: failed to create manifest: %w", ErrChecksumIO, err)
	}

	defer func() {
		if !done {
			_ = r.fs.Remove(tmpPath)
		}
	}()
	defer out.Close()

	keys := make(chan string, sortStreamBuffer)
	go func() {
		defer close(keys)

		for _, e := range entries {
			select {
			case keys <- e.sortKey():
			case <-ctx.Done():
				return
			}
		}
	}()

	sorted, errs := extsortStrings(ctx, keys, nil, sortConfig)

	bw := bufio.NewWriter(out)
	var writeErr error

	for key := range sorted {
		if writeErr != nil {
			continue // drain
		}

		entry, err := entryFromSortKey(key)
		if err != nil {
			writeErr = err

			continue
		}

		_, writeErr = fmt.Fprintf(bw, "%s  %s\n", entry.Digest, filepath.ToSlash(entry.Path))
	}

	for err := range errs {
		if err != nil {
			return fmt.Errorf("%w: failed to sort manifest: %w", ErrChecksumIO, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrChecksumIO, err)
	}

	if writeErr != nil {
		return fmt.Errorf("%w: failed to write manifest: %w", ErrChecksumIO, writeErr)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: failed to write manifest: %w", ErrChecksumIO, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: failed to close manifest: %w", ErrChecksumIO, err)
	}

	if err := r.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: failed to place manifest: %w", ErrChecksumIO, err)
	}

	done = true

	return nil
}

// ParseManifest reads "<digest>  <path>" lines as written by [ChecksumRecorder.WriteManifest].
// The md5sum binary marker ("<digest> *<path>"), blank lines and "#"
// comments are accepted as well.
func ParseManifest(r io.Reader) ([]ChecksumEntry, error) {
	var entries []ChecksumEntry

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")

		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if len(line) < md5HexLen+2 || line[md5HexLen] != ' ' {
			return nil, fmt.Errorf("malformed manifest line %d", lineNo)
		}

		digest := strings.ToLower(line[:md5HexLen])
		if _, err := hex.DecodeString(digest); err != nil {
			return nil, fmt.Errorf("malformed digest on manifest line %d: %w", lineNo, err)
		}

		rest := line[md5HexLen+1:]
		switch {
		case strings.HasPrefix(rest, " "), strings.HasPrefix(rest, "*"):
			rest = rest[1:]
		default:
			return nil, fmt.Errorf("malformed manifest line %d", lineNo)
		}

		if rest == "" {
			return nil, fmt.Errorf("missing path on manifest line %d", lineNo)
		}

		entries = append(entries, ChecksumEntry{Path: filepath.FromSlash(rest), Digest: digest})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed reading manifest: %w", err)
	}

	return entries, nil
}
