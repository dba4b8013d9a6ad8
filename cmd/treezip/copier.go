package main

import (
	"fmt"
	"io"

	"github.com/otiai10/copy"
	"github.com/spf13/afero"
)

// Copier is an interface describing a byte-for-byte file copy.
type Copier interface {
	Copy(src string, dst string) error
}

// OSCopier copies files on the native filesystem, keeping their
// modification times.
type OSCopier struct{}

// Copy is a wrapper method for [copy.Copy].
func (OSCopier) Copy(src string, dst string) error {
	if err := copy.Copy(src, dst, copy.Options{PreserveTimes: true}); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	return nil
}

// AferoCopier copies files within an [afero.Fs].
type AferoCopier struct {
	FS afero.Fs
}

// Copy streams src into a newly created (or truncated) dst.
func (c AferoCopier) Copy(src string, dst string) error {
	in, err := c.FS.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open copy source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat copy source: %w", err)
	}

	out, err := c.FS.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create copy destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close copy destination: %w", err)
	}

	if err := c.FS.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("failed to preserve times: %w", err)
	}

	return nil
}
