/*
treezip compresses directory trees into split zip volumes for cloud-backup staging.

It walks a source tree and mirrors its layout into an output folder. Shallow files are
compressed one by one, folders beyond a maximum depth are compressed as a whole, and
files with excluded extensions are copied as-is. Every archive is split into volumes of
a fixed size by an external 7-Zip compatible engine, can be tested for integrity after
compression, and all sources and volumes can be recorded in an md5sum compatible manifest.

It supports these commands:

	compress - compress a file or directory tree into a mirrored tree of split archives
	plan     - print the actions a compression would take, without executing any of them
	check    - verify the files listed in a checksum manifest

All commands print their primary results (such as produced files or actions) to standard
output (stdout). Any encountered errors and operational messages are printed to standard
error (stderr).

Exit Codes:

	0 - Success
	1 - Partial failure (some actions, checksums or verifications failed; or mismatches found)
	2 - General failure (invalid input, missing engine, I/O errors, etc.)
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/lanrat/extsort"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const (
	baseFolderPerms = 0o777

	sortStreamBuffer = 1000

	exitTimeout         = 30 * time.Second // Above defaultInterruptGrace plus engineWaitDelay
	exitCodeSuccess     = 0
	exitCodePartialFail = 1
	exitCodeFailure     = 2
)

var (
	// Version is automatically populated by the build process (Makefile).
	Version string

	//nolint:mnd
	gzipConfigDefault = GzipConfig{
		BlockSize:        1 << 20,               // Approximate size of blocks
		BlockCount:       runtime.GOMAXPROCS(0), // Amount of blocks processing in parallel
		CompressionLevel: 6,                     // Level of compression (0: none to 9: highest)
	}

	//nolint:mnd
	extSortConfigDefault = extsort.Config{
		ChunkSize:          100_000,                       // Records per chunk (default: 1M)
		NumWorkers:         min(4, runtime.GOMAXPROCS(0)), // Parallel sorting/merging workers (default: 2)
		ChanBuffSize:       1,                             // Channel buffer size (default: 1)
		SortedChanBuffSize: 1000,                          // Output channel buffer (default: 1000)
		TempFilesDir:       "",                            // Temporary files directory (default: intelligent selection)
	}

	// ErrFailuresRecorded is an exit-code relevant sentinel error.
	ErrFailuresRecorded = errors.New("failures were recorded")

	// ErrMismatchesFound is an exit-code relevant sentinel error.
	ErrMismatchesFound = errors.New("checksum mismatches were found")
)

// Program is the primary structure of the application.
type Program struct {
	fs       afero.Fs
	fsWalker Walker
	copier   Copier
	runner   CommandRunner
	log      *slog.Logger

	stdout io.Writer
	stderr io.Writer

	gzipConfig    *GzipConfig
	extSortConfig *extsort.Config
}

// NewProgram returns a pointer to a new [Program].
func NewProgram(fs afero.Fs, stdout io.Writer, stderr io.Writer, gzipConfig *GzipConfig, extsortConfig *extsort.Config) *Program {
	var walker Walker
	var copier Copier

	if fs == nil {
		fs = afero.NewOsFs()
	}

	if stdout == nil {
		stdout = os.Stdout
	}

	if stderr == nil {
		stderr = os.Stderr
	}

	if gzipConfig == nil {
		cfg := gzipConfigDefault
		gzipConfig = &cfg
	}

	if extsortConfig == nil {
		cfg := extSortConfigDefault
		extsortConfig = &cfg
	}

	if _, ok := fs.(*afero.OsFs); ok {
		walker = OSWalker{}
		copier = OSCopier{}
	} else {
		walker = AferoWalker{FS: fs}
		copier = AferoCopier{FS: fs}
	}

	return &Program{
		fs:            fs,
		fsWalker:      walker,
		copier:        copier,
		runner:        ExecRunner{},
		log:           newLogger(stderr, false),
		stdout:        stdout,
		stderr:        stderr,
		gzipConfig:    gzipConfig,
		extSortConfig: extsortConfig,
	}
}

func newRootCmd(ctx context.Context, fs afero.Fs, runner CommandRunner, stdout io.Writer, stderr io.Writer) *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:               "treezip",
		Short:             rootHelpShort,
		Long:              rootHelpLong,
		Version:           Version,
		SilenceErrors:     true,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "log debug messages")

	newProgram := func(gzipConfig *GzipConfig, sortConfig *extsort.Config) *Program {
		prog := NewProgram(fs, stdout, stderr, gzipConfig, sortConfig)
		if runner != nil {
			prog.runner = runner
		}
		if verbose {
			prog.log = newLogger(prog.stderr, true)
		}

		return prog
	}

	compressOpts := DefaultOptions()
	compressSorterConfig := extSortConfigDefault
	compressCmd := &cobra.Command{
		Use:     "compress <source>",
		Short:   compressHelpShort,
		Long:    compressHelpLong,
		Example: compressExample,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			prog := newProgram(nil, &compressSorterConfig)
			_, err := prog.Compress(ctx, args[0], compressOpts)

			return err
		},
	}
	compressCmd.Flags().StringVarP(&compressOpts.VolumeSize, "volume-size", "v", "", "size of one volume, e.g. 500K, 100M, 1G")
	compressCmd.Flags().StringVarP(&compressOpts.ExcludeExtensions, "exclude-extensions", "e", "", "comma separated extensions to copy instead of compress, e.g. .tmp,.log")
	compressCmd.Flags().BoolVarP(&compressOpts.Checksums, "checksums", "m", false, "generate an MD5 checksum manifest in the output root")
	compressCmd.Flags().StringVar(&compressOpts.ChecksumMode, "checksum-mode", ChecksumBoth, "files to checksum: sources, outputs or both")
	compressCmd.Flags().IntVarP(&compressOpts.MaxDepth, "max-depth", "d", -1, "depth beyond which folders are compressed as a whole (-1: unlimited)")
	compressCmd.Flags().StringVarP(&compressOpts.Output, "output", "o", "", "output folder (default: <source>_compressed next to the source)")
	compressCmd.Flags().BoolVarP(&compressOpts.Test, "test", "t", false, "test the integrity of every archive after compressing")
	compressCmd.Flags().IntVarP(&compressOpts.Level, "compression-level", "l", defaultLevel, "compression level (0: store to 9: maximum)")
	compressCmd.Flags().StringVar(&compressOpts.Engine, "engine", defaultEngine, "path of the 7-Zip compatible compression engine")
	compressCmd.Flags().DurationVar(&compressOpts.EngineTimeout, "engine-timeout", defaultEngineTimeout, "upper bound for a single engine invocation (0: none)")
	compressCmd.Flags().StringArrayVar(&compressOpts.Ignores, "ignore", nil, "path pattern to leave out entirely; can be repeated multiple times")
	compressCmd.Flags().StringVar(&compressOpts.IgnoreFrom, "ignore-from", "", "file containing path patterns to leave out (one per line)")
	compressCmd.Flags().IntVarP(&compressOpts.Jobs, "jobs", "j", 1, "actions to execute in parallel")
	compressCmd.Flags().StringVar(&compressOpts.ReportPath, "report", "", "write a run report to this file (.gz for a compressed report)")
	compressCmd.Flags().StringVar(&compressSorterConfig.TempFilesDir, "tmpdir", extSortConfigDefault.TempFilesDir, "on-disk location for intermediate files")
	_ = compressCmd.MarkFlagRequired("volume-size")

	var planExcludes, planIgnoreFrom string
	var planIgnores []string
	planDepth := -1
	planCmd := &cobra.Command{
		Use:     "plan <source>",
		Short:   planHelpShort,
		Long:    planHelpLong,
		Example: planExample,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			prog := newProgram(nil, nil)

			ignores, err := prog.mergeIgnores(planIgnores, planIgnoreFrom)
			if err != nil {
				return err
			}

			_, err = prog.PrintPlan(ctx, args[0], PlanConfig{
				MaxDepth: planDepth,
				Excludes: ParseExtensions(planExcludes),
				Ignores:  ignores,
			})

			return err
		},
	}
	planCmd.Flags().StringVarP(&planExcludes, "exclude-extensions", "e", "", "comma separated extensions to copy instead of compress")
	planCmd.Flags().IntVarP(&planDepth, "max-depth", "d", -1, "depth beyond which folders are compressed as a whole (-1: unlimited)")
	planCmd.Flags().StringArrayVar(&planIgnores, "ignore", nil, "path pattern to leave out entirely; can be repeated multiple times")
	planCmd.Flags().StringVar(&planIgnoreFrom, "ignore-from", "", "file containing path patterns to leave out (one per line)")

	var checkBase string
	var checkIgnoreMissing bool
	checkCmd := &cobra.Command{
		Use:     "check <manifest>",
		Short:   checkHelpShort,
		Long:    checkHelpLong,
		Example: checkExample,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			prog := newProgram(nil, nil)
			_, err := prog.Check(ctx, args[0], checkBase, checkIgnoreMissing)

			return err
		},
	}
	checkCmd.Flags().StringVar(&checkBase, "base", "", "folder the manifest paths are relative to (default: folder of the manifest)")
	checkCmd.Flags().BoolVar(&checkIgnoreMissing, "ignore-missing", false, "do not report or fail on files that do not exist")

	rootCmd.AddCommand(compressCmd, planCmd, checkCmd)

	return rootCmd
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitCodeSuccess
	case errors.Is(err, ErrFailuresRecorded), errors.Is(err, ErrMismatchesFound):
		return exitCodePartialFail
	default:
		return exitCodeFailure
	}
}

func main() {
	var exitCode int

	defer func() {
		os.Exit(exitCode)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		rootCmd := newRootCmd(ctx, afero.NewOsFs(), nil, os.Stdout, os.Stderr)
		errChan <- rootCmd.Execute()
	}()

	select {
	case err := <-errChan:
		exitCode = exitCodeFor(err)
		if exitCode == exitCodeFailure {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

	case <-sigChan:
		fmt.Fprintln(os.Stderr, "interrupting...")
		cancel()

		select {
		case <-errChan:
			exitCode = exitCodeFailure
			fmt.Fprintln(os.Stderr, "interrupted (exited)")
		case <-time.After(exitTimeout):
			exitCode = exitCodeFailure
			fmt.Fprintln(os.Stderr, "interrupted (killed)")
		}
	}
}
