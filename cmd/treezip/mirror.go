package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const (
	archiveExt        = ".zip"
	outputDirSuffix   = "_compressed"
	checksumsFileName = "compression_checksums.md5"
)

// OutputMirror recreates the source hierarchy below an output root and
// hands out collision-free destination paths for planned actions.
type OutputMirror struct {
	fs   afero.Fs
	root string

	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewOutputMirror returns a pointer to a new [OutputMirror] rooted at root.
func NewOutputMirror(fs afero.Fs, root string) *OutputMirror {
	return &OutputMirror{
		fs:      fs,
		root:    root,
		claimed: make(map[string]struct{}),
	}
}

// Root returns the output root of the mirror.
func (m *OutputMirror) Root() string {
	return m.root
}

// Ensure creates all parent folders of the source-relative path below the
// output root and returns the absolute destination path. Existing folders
// are not an error, so calling it repeatedly (or concurrently) is safe.
func (m *OutputMirror) Ensure(relPath string) (string, error) {
	dest := filepath.Join(m.root, relPath)

	if err := m.fs.MkdirAll(filepath.Dir(dest), baseFolderPerms); err != nil {
		return "", fmt.Errorf("failed to create output folder: %w", err)
	}

	return dest, nil
}

// Destination resolves the output-relative path of an action (without
// creating anything). Archives are named after the file stem or folder name; when
// that name was already handed out (a.txt and a.log both want a.zip),
// the full name is kept instead (a.log.zip).
func (m *OutputMirror) Destination(action PlannedAction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []string

	dir := filepath.Dir(action.RelPath)
	base := filepath.Base(action.RelPath)

	switch action.Kind {
	case CopyFile:
		candidates = []string{action.RelPath}
	case CompressSubtree:
		candidates = []string{filepath.Join(dir, base+archiveExt)}
	default:
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		if stem == "" {
			stem = base
		}
		candidates = []string{filepath.Join(dir, stem+archiveExt), filepath.Join(dir, base+archiveExt)}
	}

	for _, c := range candidates {
		if _, taken := m.claimed[c]; taken {
			continue
		}
		m.claimed[c] = struct{}{}

		return c, nil
	}

	return "", fmt.Errorf("output path already taken: %s", candidates[len(candidates)-1])
}

// defaultOutputDir derives the sibling output folder for a source:
// "/data/photos" becomes "/data/photos_compressed", "/data/a.iso" becomes
// "/data/a_compressed".
func defaultOutputDir(source string, isDir bool) string {
	source = filepath.Clean(source)

	name := filepath.Base(source)
	if !isDir {
		if stem := strings.TrimSuffix(name, filepath.Ext(name)); stem != "" {
			name = stem
		}
	}

	return filepath.Join(filepath.Dir(source), name+outputDirSuffix)
}
