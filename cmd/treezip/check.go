package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
)

// CheckResult counts the outcome of a manifest check.
type CheckResult struct {
	OK      int
	Failed  int
	Missing int
}

// Check re-hashes every file listed in a checksum manifest and writes one
// "<path>: OK|FAILED|MISSING" line per entry to standard output. Paths are
// resolved against base, or the folder of the manifest when base is empty.
// With ignoreMissing, absent files are neither printed nor counted as a
// mismatch (like "md5sum --ignore-missing").
//
// This function returns:
//   - (*CheckResult, ErrMismatchesFound): if any entry failed or is missing
//   - (*CheckResult, nil): if all entries match
//   - (nil, error): if the manifest itself could not be read
//
// The ctx parameter controls early cancellation.
func (prog *Program) Check(ctx context.Context, manifest string, base string, ignoreMissing bool) (*CheckResult, error) {
	f, err := prog.fs.Open(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	entries, err := ParseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if base == "" {
		base = filepath.Dir(manifest)
	}

	res := &CheckResult{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("failure during check: %w", err)
		}

		digest, err := fileDigest(prog.fs, filepath.Join(base, entry.Path))

		switch {
		case errors.Is(err, fs.ErrNotExist) && ignoreMissing:
			continue

		case errors.Is(err, fs.ErrNotExist):
			res.Missing++
			fmt.Fprintf(prog.stdout, "%s: MISSING\n", filepath.ToSlash(entry.Path))

		case err != nil:
			res.Failed++
			fmt.Fprintf(prog.stdout, "%s: FAILED\n", filepath.ToSlash(entry.Path))
			prog.log.Error("Failed to hash file", slog.String("path", entry.Path), slog.String("error", err.Error()))

		case digest != entry.Digest:
			res.Failed++
			fmt.Fprintf(prog.stdout, "%s: FAILED\n", filepath.ToSlash(entry.Path))

		default:
			res.OK++
			fmt.Fprintf(prog.stdout, "%s: OK\n", filepath.ToSlash(entry.Path))
		}
	}

	prog.log.Info("Checked manifest",
		slog.String("manifest", manifest),
		slog.Int("ok", res.OK),
		slog.Int("failed", res.Failed),
		slog.Int("missing", res.Missing),
	)

	if res.Failed > 0 || res.Missing > 0 {
		return res, ErrMismatchesFound
	}

	return res, nil
}

// PrintPlan writes the planned actions for a source to standard output,
// one "<kind>\t<relative path>" line each, without executing anything.
// Skipped nodes are logged and make it return [ErrFailuresRecorded].
func (prog *Program) PrintPlan(ctx context.Context, source string, cfg PlanConfig) (*Plan, error) {
	plan, err := prog.Plan(ctx, source, cfg)
	if err != nil {
		return nil, err
	}

	for _, a := range plan.Actions {
		fmt.Fprintf(prog.stdout, "%s\t%s\n", a.Kind, filepath.ToSlash(a.RelPath))
	}

	for _, f := range plan.Skipped {
		prog.log.Warn("Skipped", slog.String("path", f.Path), slog.String("error", f.Err.Error()))
	}

	if len(plan.Skipped) > 0 {
		return plan, fmt.Errorf("%w: %d skipped", ErrFailuresRecorded, len(plan.Skipped))
	}

	return plan, nil
}
