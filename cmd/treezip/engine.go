package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	engineProbeTimeout = 10 * time.Second
	engineWaitDelay    = 5 * time.Second

	// 7-Zip prints its usage with exit code 7 (command line error) when
	// called without arguments, which still proves the binary works.
	engineUsageExitCode = 7

	volumeSuffixDigits = 3
)

var (
	// ErrInvalidCompressionLevel is returned for levels outside of 0 to 9.
	ErrInvalidCompressionLevel = errors.New("invalid compression level")

	// ErrEngineNotFound is returned when the compression engine cannot be located or run.
	ErrEngineNotFound = errors.New("compression engine not found")

	// ErrEngineInvocation is returned when the compression engine fails for an action.
	ErrEngineInvocation = errors.New("compression engine failure")

	// ErrVerification is returned when an archive does not pass the integrity test.
	ErrVerification = errors.New("archive verification failure")
)

// CommandResult is the outcome of an external command that ran to completion.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandRunner is an interface describing the execution of external commands.
type CommandRunner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs commands as native child processes.
type ExecRunner struct{}

// LookPath is a wrapper method for the native [exec.LookPath] function.
func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name) //nolint:wrapcheck
}

// Run executes the command and captures its output. A non-zero exit status
// is not an error here, it is returned as part of the [CommandResult]. An
// error is only returned when the command could not be started or was
// killed because ctx ended.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = engineWaitDelay

	err := cmd.Run()

	res := CommandResult{
		Stdout: stdout.String(),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%s did not finish: %w", name, ctxErr)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()

			return res, nil
		}

		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}

	return res, nil
}

// Engine wraps the external 7-Zip compatible compression engine.
type Engine struct {
	fs      afero.Fs
	runner  CommandRunner
	path    string
	timeout time.Duration
}

// NewEngine returns a pointer to a new [Engine]. A zero timeout means the
// engine invocations are only bounded by their context.
func NewEngine(fs afero.Fs, runner CommandRunner, path string, timeout time.Duration) *Engine {
	return &Engine{
		fs:      fs,
		runner:  runner,
		path:    path,
		timeout: timeout,
	}
}

// Path returns the (resolved, once probed) location of the engine.
func (e *Engine) Path() string {
	return e.path
}

// Probe locates the engine executable and runs it once without arguments.
func (e *Engine) Probe(ctx context.Context) error {
	resolved, err := e.runner.LookPath(e.path)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrEngineNotFound, e.path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, engineProbeTimeout)
	defer cancel()

	res, err := e.runner.Run(ctx, resolved)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrEngineNotFound, resolved, err)
	}

	if res.ExitCode != 0 && res.ExitCode != engineUsageExitCode {
		return fmt.Errorf("%w: %q exited with code %d", ErrEngineNotFound, resolved, res.ExitCode)
	}

	e.path = resolved

	return nil
}

// ValidateLevel checks that a compression level is within 0 (store) and 9 (maximum).
func ValidateLevel(level int) error {
	if level < 0 || level > 9 {
		return fmt.Errorf("%w: %d (must be 0-9)", ErrInvalidCompressionLevel, level)
	}

	return nil
}

func compressArgs(item string, archive string, volumeSize int64, level int) []string {
	return []string{
		"a",
		"-tzip",
		"-v" + strconv.FormatInt(volumeSize, 10) + "b",
		"-y",
		"-mx=" + strconv.Itoa(level),
		"-r",
		"-aoa",
		archive,
		item,
	}
}

func testArgs(archive string) []string {
	return []string{"t", "-y", archive}
}

// Compress archives item (a file or a folder) into archive, splitting it
// into volumes of volumeSize bytes, and returns the produced volumes in
// order. Leftover volumes of an earlier run are removed beforehand.
func (e *Engine) Compress(ctx context.Context, item string, archive string, volumeSize int64, level int) ([]string, error) {
	if err := ValidateLevel(level); err != nil {
		return nil, err
	}

	stale, err := e.Volumes(archive)
	if err != nil {
		return nil, err
	}
	exists, err := afero.Exists(e.fs, archive)
	if err != nil {
		return nil, fmt.Errorf("failed to check for stale archive: %w", err)
	}
	if exists && len(stale) > 0 && stale[0] != archive {
		stale = append(stale, archive)
	}
	for _, v := range stale {
		if err := e.fs.Remove(v); err != nil {
			return nil, fmt.Errorf("failed to remove stale volume: %w", err)
		}
	}

	if err := e.run(ctx, compressArgs(item, archive, volumeSize, level)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.removeVolumes(archive)
		}

		return nil, fmt.Errorf("%w: %w", ErrEngineInvocation, err)
	}

	volumes, err := e.Volumes(archive)
	if err != nil {
		return nil, err
	}

	if len(volumes) == 0 {
		return nil, fmt.Errorf("%w: no archive produced at %s", ErrEngineInvocation, archive)
	}

	// 7-Zip numbers the output whenever volumes are requested, even when
	// everything fits into the first one.
	if len(volumes) == 1 && volumes[0] != archive {
		if err := e.fs.Rename(volumes[0], archive); err != nil {
			return nil, fmt.Errorf("failed to rename single volume: %w", err)
		}
		volumes[0] = archive
	}

	return volumes, nil
}

// removeVolumes deletes the incomplete output of a killed engine run.
func (e *Engine) removeVolumes(archive string) {
	volumes, _ := e.Volumes(archive)
	for _, v := range volumes {
		_ = e.fs.Remove(v)
	}
}

// Test runs the integrity check of the engine against an archive. For a
// split archive the first volume addresses the whole set.
func (e *Engine) Test(ctx context.Context, firstVolume string) error {
	if err := e.run(ctx, testArgs(firstVolume)); err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}

	return nil
}

func (e *Engine) run(ctx context.Context, args []string) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	res, err := e.runner.Run(ctx, e.path, args...)
	if err != nil {
		return err
	}

	if res.ExitCode != 0 {
		msg := res.Stderr
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}

		return fmt.Errorf("%s %s exited with code %d: %s", filepath.Base(e.path), args[0], res.ExitCode, msg)
	}

	return nil
}

// Volumes lists the files belonging to an archive: the numbered volumes
// "<archive>.001", "<archive>.002", ... ordered by number, or the archive
// itself when it was not split. An empty slice means nothing exists yet.
func (e *Engine) Volumes(archive string) ([]string, error) {
	type volume struct {
		num  int
		path string
	}

	dir := filepath.Dir(archive)
	prefix := filepath.Base(archive) + "."

	entries, err := afero.ReadDir(e.fs, dir)
	if err != nil {
		if exists, _ := afero.DirExists(e.fs, dir); !exists {
			return []string{}, nil
		}

		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	var volumes []volume
	var single bool

	for _, entry := range entries {
		name := entry.Name()

		if entry.IsDir() {
			continue
		}

		if name == filepath.Base(archive) {
			single = true

			continue
		}

		suffix, ok := strings.CutPrefix(name, prefix)
		if !ok || len(suffix) < volumeSuffixDigits {
			continue
		}

		num, err := strconv.Atoi(suffix)
		if err != nil || num <= 0 || strings.ContainsAny(suffix, "+-") {
			continue
		}

		volumes = append(volumes, volume{num, filepath.Join(dir, name)})
	}

	sort.Slice(volumes, func(i, j int) bool {
		return volumes[i].num < volumes[j].num
	})

	paths := make([]string, 0, len(volumes)+1)
	for _, v := range volumes {
		paths = append(paths, v.path)
	}

	if single && len(paths) == 0 {
		paths = append(paths, archive)
	}

	return paths, nil
}
