// mktree is a benchmark helper tool for synthetic source tree creation.
//
// It creates a four level deep folder hierarchy with files of mixed
// extensions, filled with incompressible content of the given size, so
// that compression runs (and their depth and exclusion settings) can be
// exercised against realistic trees.
//
//nolint:mnd
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const filesPerDir = 100

var (
	workers = runtime.GOMAXPROCS(0) * 2

	// Cycled through by file index, so that every folder contains
	// files to compress as well as files to exclude.
	extensions = []string{".txt", ".bin", ".log", ".dat", ".tmp"}
)

func buildPath(base string, d int) string {
	level1 := fmt.Sprintf("vol_%02d", d/1000)
	level2 := fmt.Sprintf("share_%03d", d/100)
	level3 := fmt.Sprintf("set_%04d", d/10)
	level4 := fmt.Sprintf("dir_%06d", d)

	return filepath.Join(base, level1, level2, level3, level4)
}

func fileName(f int) string {
	return fmt.Sprintf("data_%06d%s", f, extensions[f%len(extensions)])
}

func writeContent(fs afero.Fs, path string, size int64, seed uint64) error {
	fh, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("error creating file: %w", err)
	}
	defer fh.Close()

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) //nolint:gosec

	buf := make([]byte, min(size, 1<<16))
	for written := int64(0); written < size; {
		chunk := buf[:min(int64(len(buf)), size-written)]
		for i := range chunk {
			chunk[i] = byte(rng.Uint32())
		}

		n, err := fh.Write(chunk)
		if err != nil {
			return fmt.Errorf("error writing file: %w", err)
		}
		written += int64(n)
	}

	if err := fh.Close(); err != nil {
		return fmt.Errorf("error closing file: %w", err)
	}

	return nil
}

func createDirAndFiles(ctx context.Context, fs afero.Fs, base string, d int, totalFiles int, fileSize int64) error {
	subdir := buildPath(base, d)

	if err := fs.MkdirAll(subdir, 0o755); err != nil {
		return fmt.Errorf("error creating dir: %w", err)
	}

	for f := range filesPerDir {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("error during creation: %w", err)
		}

		index := d*filesPerDir + f
		if index >= totalFiles {
			break
		}

		if err := writeContent(fs, filepath.Join(subdir, fileName(f)), fileSize, uint64(index)); err != nil {
			return err
		}
	}

	return nil
}

func createSourceTree(ctx context.Context, fs afero.Fs, base string, totalFiles int, fileSize int64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	dirsNeeded := (totalFiles + filesPerDir - 1) / filesPerDir

	for d := range dirsNeeded {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			return createDirAndFiles(gctx, fs, base, d, totalFiles, fileSize)
		})
	}

	if err := g.Wait(); err != nil {
		return err //nolint:wrapcheck
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("error during creation: %w", err)
	}

	return nil
}

func parseArgs(args []string) (string, int, int64, error) {
	if len(args) != 2 && len(args) != 3 {
		return "", 0, 0, errors.New("usage: mktree <base_dir> <file_count> [file_size]")
	}

	totalFiles, err := strconv.Atoi(args[1])
	if err != nil || totalFiles <= 0 {
		return "", 0, 0, fmt.Errorf("invalid file count: %q", args[1])
	}

	var fileSize uint64
	if len(args) == 3 {
		if fileSize, err = humanize.ParseBytes(args[2]); err != nil {
			return "", 0, 0, fmt.Errorf("invalid file size: %w", err)
		}
	}

	return args[0], totalFiles, int64(fileSize), nil //nolint:gosec
}

func main() {
	baseDir, totalFiles, fileSize, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		if err := createSourceTree(ctx, afero.NewOsFs(), baseDir, totalFiles, fileSize); err != nil {
			errChan <- fmt.Errorf("failed to create tree: %w", err)
		}
	}()

	for {
		select {
		case <-sigChan:
			cancel()
		case err := <-errChan:
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "created %d files of %s below %s\n", totalFiles, humanize.IBytes(uint64(fileSize)), baseDir) //nolint:gosec
			os.Exit(0)
		}
	}
}
