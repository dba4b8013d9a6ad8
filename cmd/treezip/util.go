package main

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/lanrat/extsort"
	"github.com/spf13/afero"
)

// GzipConfig is the configuration for concurrent gzip operations.
type GzipConfig struct {
	BlockSize        int // Approximate size of blocks (pgzip operations)
	BlockCount       int // Amount of blocks processing in parallel (pgzip operations)
	CompressionLevel int // Target level for compression (0: none to 9: highest)
}

// Walker is an interface describing a filesystem walking function.
//
// Implementations must visit the entries of a directory in lexical order,
// which is what both [filepath.WalkDir] and [afero.Walk] guarantee.
type Walker interface {
	WalkDir(root string, fn fs.WalkDirFunc) error
}

// AferoWalker is an adapter to turn the [afero.Walk] into a [filepath.WalkDir] signature.
type AferoWalker struct {
	FS afero.Fs
}

// WalkDir is a method that adapts [afero.Walk] into a [filepath.WalkDir] compatible signature.
func (w AferoWalker) WalkDir(root string, fn fs.WalkDirFunc) error {
	return afero.Walk(w.FS, root, func(path string, info fs.FileInfo, err error) error { //nolint:wrapcheck
		var entry fs.DirEntry
		if info != nil {
			entry = fileInfoDirEntry{info}
		}

		return fn(path, entry, err)
	})
}

// OSWalker is a wrapper structure for the native [filepath.WalkDir] function.
type OSWalker struct{}

// WalkDir is a wrapper method for the native [filepath.WalkDir] function.
func (w OSWalker) WalkDir(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(root, fn)
}

type fileInfoDirEntry struct {
	fs.FileInfo
}

func (fi fileInfoDirEntry) Type() fs.FileMode {
	return fi.Mode().Type()
}

func (fi fileInfoDirEntry) Info() (fs.FileInfo, error) {
	return fi.FileInfo, nil
}

func (fi fileInfoDirEntry) IsDir() bool {
	return fi.Mode().IsDir()
}

func (fi fileInfoDirEntry) Name() string {
	return fi.FileInfo.Name()
}

// isIgnored reports whether a source-relative path matches any of the
// doublestar patterns. A pattern with a trailing slash only matches folders.
func isIgnored(path string, isDir bool, patterns []string) (bool, error) {
	path = filepath.ToSlash(filepath.Clean(path))

	for _, rawPattern := range patterns {
		pattern := filepath.ToSlash(rawPattern)

		needDirMatch := strings.HasSuffix(pattern, "/")
		pattern = strings.TrimPrefix(strings.TrimSuffix(pattern, "/"), "/")

		matched, err := doublestar.Match(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid ignore pattern: %w", err)
		}
		if matched {
			if needDirMatch && !isDir {
				continue
			}

			return true, nil
		}
	}

	return false, nil
}

// mergeIgnores combines the patterns given on the command line with those
// read from an (optional) ignore file, validating every one of them.
func (prog *Program) mergeIgnores(patternSlice []string, patternFile string) ([]string, error) {
	patterns := []string{}

	if patternFile != "" {
		file, err := prog.fs.Open(patternFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open ignore file: %w", err)
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())

			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			patterns = append(patterns, line)
		}

		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed reading ignore file: %w", err)
		}
	}

	patterns = append(patterns, patternSlice...)

	for _, p := range patterns {
		cleaned := strings.TrimPrefix(strings.TrimSuffix(filepath.ToSlash(p), "/"), "/")
		if !doublestar.ValidatePattern(cleaned) {
			return nil, fmt.Errorf("invalid ignore pattern: %q", p)
		}
	}

	return patterns, nil
}

// resolveSource returns the absolute path of a source with all symlinks
// resolved, as walking a symlinked root would not descend into it.
func (prog *Program) resolveSource(source string) (string, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return "", fmt.Errorf("failed to resolve source: %w", err)
	}

	if _, ok := prog.fs.(*afero.OsFs); !ok {
		return abs, nil
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: failed to resolve source: %w", ErrFilesystemAccess, err)
	}

	return resolved, nil
}

// extsortStrings wraps [extsort.Strings] for internal use.
//
// It merges two possible error sources into a single channel:
//  1. Runtime sorting errors - any errors raised while sorting proceeds.
//  2. extErrs (optional) - errors from non-sorting work feeding the input.
//
// Do note that only the first error observed from these sources is sent downstream.
func extsortStrings(ctx context.Context, input <-chan string, extErrs <-chan error, config *extsort.Config) (<-chan string, <-chan error) {
	sorter, sorterOut, sorterErrs := extsort.Strings(input, config)

	if sorter != nil {
		go sorter.Sort(ctx)
	}

	mergedErrs := make(chan error, 1)
	go func() {
		defer close(mergedErrs)

		for extErrs != nil || sorterErrs != nil {
			select {
			case err, ok := <-extErrs:
				if ok && err != nil {
					mergedErrs <- err

					return
				}
				extErrs = nil // channel closed, disable case.

			case err, ok := <-sorterErrs:
				if ok && err != nil {
					mergedErrs <- err

					return
				}
				sorterErrs = nil // channel closed, disable case.
			}
		}
	}()

	return sorterOut, mergedErrs
}
