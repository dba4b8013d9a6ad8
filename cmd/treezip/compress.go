package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	ChecksumSources = "sources"
	ChecksumOutputs = "outputs"
	ChecksumBoth    = "both"

	defaultEngine        = "7z"
	defaultEngineTimeout = 2 * time.Hour
	defaultLevel         = 1

	// Must stay below exitTimeout minus engineWaitDelay, so that killed
	// runs still leave time for the summary and the manifest.
	defaultInterruptGrace = 20 * time.Second
)

var errNotStarted = errors.New("not started")

// Options is the user facing configuration of a compression run.
type Options struct {
	VolumeSize        string        // Size of one volume, e.g. "100M"
	ExcludeExtensions string        // Comma separated extensions to copy instead of compress
	Checksums         bool          // Generate the checksum manifest
	ChecksumMode      string        // Files to checksum: sources, outputs or both
	MaxDepth          int           // Folders deeper than this are compressed as a whole (-1: never)
	Output            string        // Output folder (default: sibling of the source)
	Test              bool          // Test every produced archive after compressing
	Level             int           // Compression level (0-9)
	Engine            string        // Compression engine executable
	EngineTimeout     time.Duration // Upper bound for a single engine invocation (0: none)
	InterruptGrace    time.Duration // Time in-flight engine runs get to finish after interruption
	Ignores           []string      // Doublestar patterns of paths to leave out entirely
	IgnoreFrom        string        // File with additional ignore patterns
	Jobs              int           // Actions to execute in parallel
	ReportPath        string        // Optional run report file (".gz" for compressed)
}

// DefaultOptions returns the [Options] with all defaults filled in.
func DefaultOptions() Options {
	return Options{
		ChecksumMode:   ChecksumBoth,
		MaxDepth:       -1,
		Level:          defaultLevel,
		Engine:         defaultEngine,
		EngineTimeout:  defaultEngineTimeout,
		InterruptGrace: defaultInterruptGrace,
		Jobs:           1,
	}
}

// runConfig is the validated form of [Options].
type runConfig struct {
	source          string
	output          string
	volumeSize      int64
	level           int
	plan            PlanConfig
	checksumSources bool
	checksumOutputs bool
	test            bool
	jobs            int
	interruptGrace  time.Duration
	reportPath      string
}

// configure validates all options before anything is written. Any error
// returned here is fatal for the run.
func (prog *Program) configure(ctx context.Context, source string, opts Options) (*runConfig, *Engine, error) {
	volumeSize, err := ParseSize(opts.VolumeSize)
	if err != nil {
		return nil, nil, err
	}

	if err := ValidateLevel(opts.Level); err != nil {
		return nil, nil, err
	}

	cfg := &runConfig{
		volumeSize:     volumeSize,
		level:          opts.Level,
		test:           opts.Test,
		jobs:           max(opts.Jobs, 1),
		interruptGrace: opts.InterruptGrace,
		reportPath:     opts.ReportPath,
		plan: PlanConfig{
			MaxDepth: opts.MaxDepth,
			Excludes: ParseExtensions(opts.ExcludeExtensions),
		},
	}

	if cfg.plan.MaxDepth < -1 {
		return nil, nil, fmt.Errorf("invalid max depth: %d", opts.MaxDepth)
	}

	if cfg.interruptGrace < 0 {
		return nil, nil, fmt.Errorf("invalid interrupt grace: %s", opts.InterruptGrace)
	}

	if opts.Checksums {
		switch opts.ChecksumMode {
		case ChecksumSources:
			cfg.checksumSources = true
		case ChecksumOutputs:
			cfg.checksumOutputs = true
		case ChecksumBoth, "":
			cfg.checksumSources, cfg.checksumOutputs = true, true
		default:
			return nil, nil, fmt.Errorf("invalid checksum mode: %q", opts.ChecksumMode)
		}
	}

	if cfg.plan.Ignores, err = prog.mergeIgnores(opts.Ignores, opts.IgnoreFrom); err != nil {
		return nil, nil, err
	}

	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve source: %w", err)
	}

	info, err := prog.fs.Stat(abs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: source: %w", ErrFilesystemAccess, err)
	}

	if cfg.source, err = prog.resolveSource(abs); err != nil {
		return nil, nil, err
	}

	// The default output sits next to the source as it was given,
	// also when that is a symlink to somewhere else.
	if opts.Output != "" {
		if cfg.output, err = filepath.Abs(opts.Output); err != nil {
			return nil, nil, fmt.Errorf("failed to resolve output: %w", err)
		}
	} else {
		cfg.output = defaultOutputDir(abs, info.IsDir())
	}

	engine := opts.Engine
	if engine == "" {
		engine = defaultEngine
	}

	eng := NewEngine(prog.fs, prog.runner, engine, opts.EngineTimeout)
	if err := eng.Probe(ctx); err != nil {
		return nil, nil, err
	}

	return cfg, eng, nil
}

// Compress runs the complete compression of a source file or folder.
//
// Configuration problems abort the run before anything is written. Any
// problem with a single node or action afterwards is recorded in the
// returned [Summary] and the run continues with the remaining work; the
// returned error is then [ErrFailuresRecorded]. A cancelled ctx stops new
// actions from starting, while the summary and checksum manifest are still
// produced for the work that was completed.
func (prog *Program) Compress(ctx context.Context, source string, opts Options) (*Summary, error) {
	cfg, eng, err := prog.configure(ctx, source, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var report io.WriteCloser
	if cfg.reportPath != "" {
		if report, err = prog.openReport(cfg.reportPath); err != nil {
			return nil, err
		}
	}

	sum := &Summary{
		RunID:   uuid.NewString(),
		Source:  cfg.source,
		Output:  cfg.output,
		Level:   cfg.level,
		Started: time.Now(),
	}

	rep := OpenReporter(prog.log, prog.stdout, sum.RunID, report)
	defer rep.Close()

	log := rep.Logger()
	log.Info("Starting compression",
		slog.String("source", cfg.source),
		slog.String("output", cfg.output),
		slog.String("volume_size", humanize.IBytes(uint64(cfg.volumeSize))),
		slog.Int("level", cfg.level),
		slog.Int("max_depth", cfg.plan.MaxDepth),
		slog.String("engine", eng.Path()),
	)

	rep.Enter(StatePlanning)

	plan, err := prog.Plan(ctx, cfg.source, cfg.plan)
	if err != nil {
		return nil, err
	}

	sum.Planned = len(plan.Actions)
	sum.Skipped = len(plan.Skipped)
	for _, f := range plan.Skipped {
		sum.Failures = append(sum.Failures, f)
		rep.Failed(f)
	}

	log.Info("Planned actions",
		slog.Int("compress_files", plan.Count(CompressFile)),
		slog.Int("compress_subtrees", plan.Count(CompressSubtree)),
		slog.Int("copy_files", plan.Count(CopyFile)),
		slog.Int("skipped", len(plan.Skipped)),
	)

	if err := prog.fs.MkdirAll(cfg.output, baseFolderPerms); err != nil {
		return nil, fmt.Errorf("failed to create output folder: %w", err)
	}

	mirror := NewOutputMirror(prog.fs, cfg.output)

	rep.Enter(StateExecuting)
	sum.Results = prog.execute(ctx, rep, eng, mirror, plan, cfg)

	for _, res := range sum.Results {
		if !res.Success {
			sum.Failures = append(sum.Failures, Failure{Stage: StateExecuting, Kind: res.Action.Kind, Path: res.Action.RelPath, Err: res.Err})

			continue
		}

		switch res.Action.Kind {
		case CompressFile:
			sum.FilesCompressed++
		case CompressSubtree:
			sum.SubtreesCompressed++
		case CopyFile:
			sum.FilesCopied++
		}

		for _, p := range res.Produced {
			if info, err := prog.fs.Stat(p); err == nil {
				sum.ProducedBytes += info.Size()
			}
		}
	}

	if cfg.test {
		rep.Enter(StateVerifying)
		sum.Failures = append(sum.Failures, prog.verify(ctx, rep, eng, sum.Results)...)
	}

	if cfg.checksumSources || cfg.checksumOutputs {
		rep.Enter(StateChecksumGenerating)

		entries, failures := prog.checksums(context.WithoutCancel(ctx), rep, cfg, sum.Results)
		sum.Checksums = entries
		sum.Failures = append(sum.Failures, failures...)
	}

	rep.Enter(StateReporting)
	sum.Finished = time.Now()

	if err := rep.Flush(sum); err != nil {
		log.Error("Failed to write report", slog.String("error", err.Error()))
	}

	if err := rep.Close(); err != nil {
		log.Error("Failed to close report", slog.String("error", err.Error()))
	}

	if err := ctx.Err(); err != nil {
		return sum, fmt.Errorf("run interrupted: %w", err)
	}

	if len(sum.Failures) > 0 {
		return sum, fmt.Errorf("%w: %d of %d", ErrFailuresRecorded, len(sum.Failures), sum.Planned+sum.Skipped)
	}

	return sum, nil
}

// execute materializes all planned actions in order, up to cfg.jobs of
// them at the same time. Output names are resolved upfront, so they do not
// depend on completion order. Copies are resolved first, as they can only
// ever mirror their source path while archives have a fallback name.
func (prog *Program) execute(ctx context.Context, rep *Reporter, eng *Engine, mirror *OutputMirror, plan *Plan, cfg *runConfig) []ArchiveResult {
	results := make([]ArchiveResult, len(plan.Actions))

	for i, action := range plan.Actions {
		results[i].Action = action
		if action.Kind == CopyFile {
			results[i].Dest, results[i].Err = mirror.Destination(action)
		}
	}

	for i, action := range plan.Actions {
		if action.Kind != CopyFile {
			results[i].Dest, results[i].Err = mirror.Destination(action)
		}
	}

	var g errgroup.Group
	g.SetLimit(cfg.jobs)

	for i := range results {
		if err := ctx.Err(); err != nil {
			results[i].Err = fmt.Errorf("%w: %w", errNotStarted, err)

			continue
		}

		if results[i].Err != nil {
			rep.Failed(Failure{Stage: StateExecuting, Kind: results[i].Action.Kind, Path: results[i].Action.RelPath, Err: results[i].Err})

			continue
		}

		g.Go(func() error {
			prog.materialize(ctx, rep, eng, mirror, &results[i], cfg)

			return nil
		})
	}

	_ = g.Wait()

	return results
}

func (prog *Program) materialize(ctx context.Context, rep *Reporter, eng *Engine, mirror *OutputMirror, res *ArchiveResult, cfg *runConfig) {
	log := rep.Logger()

	if err := ctx.Err(); err != nil {
		res.Err = fmt.Errorf("%w: %w", errNotStarted, err)

		return
	}

	dest, err := mirror.Ensure(res.Dest)
	if err != nil {
		res.Err = err
		rep.Failed(Failure{Stage: StateExecuting, Kind: res.Action.Kind, Path: res.Action.RelPath, Err: err})

		return
	}

	switch res.Action.Kind {
	case CopyFile:
		log.Debug("Copying file", slog.String("path", res.Action.RelPath))

		if err := prog.copier.Copy(res.Action.SourcePath, dest); err != nil {
			res.Err = err
		} else {
			res.Produced = []string{dest}
		}

	default:
		log.Debug("Compressing",
			slog.String("action", res.Action.Kind.String()),
			slog.String("path", res.Action.RelPath),
		)

		engCtx, stop := graceContext(ctx, cfg.interruptGrace)
		res.Produced, res.Err = eng.Compress(engCtx, res.Action.SourcePath, dest, cfg.volumeSize, cfg.level)
		stop()
	}

	if res.Err != nil {
		rep.Failed(Failure{Stage: StateExecuting, Kind: res.Action.Kind, Path: res.Action.RelPath, Err: res.Err})

		return
	}

	res.Success = true

	log.Info("Materialized",
		slog.String("action", res.Action.Kind.String()),
		slog.String("path", res.Action.RelPath),
		slog.Any("produced", res.Produced),
	)

	for _, p := range res.Produced {
		rep.Produced(p)
	}
}

// graceContext returns a context that ends grace after ctx does, so that
// in-flight engine runs can finish on interruption but are killed when
// they take longer than that.
func graceContext(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	gctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-timer.C:
			cancel()
		case <-gctx.Done():
		}
	})

	return gctx, func() {
		stop()
		cancel()
	}
}

// verify tests every successfully produced archive. A failing archive is
// kept, but recorded as a failure.
func (prog *Program) verify(ctx context.Context, rep *Reporter, eng *Engine, results []ArchiveResult) []Failure {
	var failures []Failure

	for i := range results {
		res := &results[i]

		if !res.Success || res.Action.Kind == CopyFile {
			continue
		}

		passed := false
		res.Verified = &passed

		err := ctx.Err()
		if err != nil {
			err = fmt.Errorf("%w: %w", errNotStarted, err)
		} else {
			err = eng.Test(ctx, res.Produced[0])
		}

		if err != nil {
			f := Failure{Stage: StateVerifying, Kind: res.Action.Kind, Path: res.Action.RelPath, Err: err}
			failures = append(failures, f)
			rep.Failed(f)

			continue
		}

		passed = true

		rep.Logger().Debug("Verified", slog.String("path", res.Action.RelPath), slog.Int("volumes", len(res.Produced)))
	}

	return failures
}

// checksums records the digests of the source files and/or produced volumes
// of all actions that were started, and writes the manifest to the output root.
func (prog *Program) checksums(ctx context.Context, rep *Reporter, cfg *runConfig, results []ArchiveResult) ([]ChecksumEntry, []Failure) {
	var failures []Failure

	rec := NewChecksumRecorder(prog.fs)

	fail := func(kind ActionKind, path string, err error) {
		f := Failure{Stage: StateChecksumGenerating, Kind: kind, Path: path, Err: err}
		failures = append(failures, f)
		rep.Failed(f)
	}

	for _, res := range results {
		if errors.Is(res.Err, errNotStarted) {
			continue
		}

		if cfg.checksumSources {
			for _, err := range prog.recordSources(rec, cfg.source, res.Action) {
				fail(res.Action.Kind, res.Action.RelPath, err)
			}
		}

		if cfg.checksumOutputs && res.Success && res.Action.Kind != CopyFile {
			for _, vol := range res.Produced {
				rel, err := filepath.Rel(cfg.output, vol)
				if err != nil {
					fail(res.Action.Kind, vol, fmt.Errorf("%w: %w", ErrChecksumIO, err))

					continue
				}

				if _, err := rec.Record(GroupOutput, rel, vol); err != nil {
					fail(res.Action.Kind, rel, err)
				}
			}
		}
	}

	manifest := filepath.Join(cfg.output, checksumsFileName)
	if err := rec.WriteManifest(ctx, manifest, prog.extSortConfig); err != nil {
		fail(noAction, checksumsFileName, err)
	} else {
		rep.Logger().Info("Checksum manifest written", slog.String("path", manifest), slog.Int("entries", rec.Len()))
	}

	return rec.Entries(), failures
}

// recordSources records the source files behind an action, which for a
// whole-subtree archive are all files contained in that folder.
func (prog *Program) recordSources(rec *ChecksumRecorder, source string, action PlannedAction) []error {
	if action.Kind != CompressSubtree {
		if _, err := rec.Record(GroupSource, action.RelPath, action.SourcePath); err != nil {
			return []error{err}
		}

		return nil
	}

	var errs []error

	if err := prog.fsWalker.WalkDir(action.SourcePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrChecksumIO, err))

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrChecksumIO, err))

			return nil
		}

		if _, err := rec.Record(GroupSource, rel, path); err != nil {
			errs = append(errs, err)
		}

		return nil
	}); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrChecksumIO, err))
	}

	return errs
}
