package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	pgzip "github.com/klauspost/pgzip"
)

// State is a stage of a compression run.
type State int

const (
	StatePlanning State = iota
	StateExecuting
	StateVerifying
	StateChecksumGenerating
	StateReporting
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	case StateVerifying:
		return "verifying"
	case StateChecksumGenerating:
		return "checksums"
	case StateReporting:
		return "reporting"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Failure is one recorded problem of a run. Kind is left zero for
// failures that do not belong to a planned action.
type Failure struct {
	Stage State
	Kind  ActionKind
	Path  string
	Err   error
}

func (f Failure) String() string {
	if f.Kind == noAction {
		return fmt.Sprintf("[%s] %s: %v", f.Stage, f.Path, f.Err)
	}

	return fmt.Sprintf("[%s] %s %s: %v", f.Stage, f.Kind, f.Path, f.Err)
}

// ArchiveResult is the outcome of materializing one planned action.
type ArchiveResult struct {
	Action   PlannedAction
	Dest     string   // Output-relative destination (archive name or copy target)
	Produced []string // Absolute paths of the produced volumes, in volume order
	Success  bool
	Verified *bool // nil when not verified
	Err      error
}

// Summary is the aggregate outcome of a compression run.
type Summary struct {
	RunID     string
	Source    string
	Output    string
	Level     int
	Planned   int
	Started   time.Time
	Finished  time.Time
	Results   []ArchiveResult
	Checksums []ChecksumEntry
	Failures  []Failure

	FilesCompressed    int
	SubtreesCompressed int
	FilesCopied        int
	Skipped            int
	ProducedBytes      int64
}

// Succeeded returns the amount of actions that were materialized.
func (s *Summary) Succeeded() int {
	return s.FilesCompressed + s.SubtreesCompressed + s.FilesCopied
}

// Reporter is the logging and reporting channel of a run. It is opened
// when a run starts, flushed once the summary is final and closed at the
// end of the run. All methods are safe for concurrent use.
type Reporter struct {
	log    *slog.Logger
	stdout io.Writer

	mu     sync.Mutex
	state  State
	report io.WriteCloser
}

// OpenReporter returns a pointer to a new [Reporter] for the run runID.
// If report is not nil, the final summary is also written to it.
func OpenReporter(log *slog.Logger, stdout io.Writer, runID string, report io.WriteCloser) *Reporter {
	return &Reporter{
		log:    log.With(slog.String("run", runID)),
		stdout: stdout,
		report: report,
	}
}

// Logger returns the run scoped logger.
func (r *Reporter) Logger() *slog.Logger {
	return r.log
}

// Enter moves the reporter into the given state.
func (r *Reporter) Enter(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()

	r.log.Debug("Entering stage", slog.String("stage", s.String()))
}

// State returns the current state.
func (r *Reporter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// Produced prints a produced output path to standard output.
func (r *Reporter) Produced(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintln(r.stdout, path)
}

// Failed logs a recorded failure with its context.
func (r *Reporter) Failed(f Failure) {
	attrs := []any{
		slog.String("stage", f.Stage.String()),
		slog.String("path", f.Path),
		slog.String("error", f.Err.Error()),
	}
	if f.Kind != noAction {
		attrs = append(attrs, slog.String("action", f.Kind.String()))
	}

	r.log.Error("Failure recorded", attrs...)
}

// Flush logs the final summary, enumerating every failure, and writes the
// report file when one was requested.
func (r *Reporter) Flush(sum *Summary) error {
	total := sum.Planned

	r.log.Info("Run finished",
		slog.String("ratio", fmt.Sprintf("%d/%d", sum.Succeeded(), total)),
		slog.Int("files_compressed", sum.FilesCompressed),
		slog.Int("subtrees_compressed", sum.SubtreesCompressed),
		slog.Int("files_copied", sum.FilesCopied),
		slog.Int("skipped", sum.Skipped),
		slog.Int("checksums", len(sum.Checksums)),
		slog.Int("failures", len(sum.Failures)),
		slog.String("produced", humanize.IBytes(uint64(max(sum.ProducedBytes, 0)))),
		slog.Int("level", sum.Level),
		slog.String("output", sum.Output),
		slog.Duration("elapsed", sum.Finished.Sub(sum.Started).Round(time.Millisecond)),
	)

	for _, f := range sum.Failures {
		r.log.Warn("Failed: " + f.String())
	}

	if r.report == nil {
		return nil
	}

	if err := writeSummary(r.report, sum); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return nil
}

// Close releases the report file, if any.
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = StateDone

	if r.report == nil {
		return nil
	}

	err := r.report.Close()
	r.report = nil

	if err != nil {
		return fmt.Errorf("failed to close report: %w", err)
	}

	return nil
}

func writeSummary(w io.Writer, sum *Summary) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "run:        %s\n", sum.RunID)
	fmt.Fprintf(bw, "source:     %s\n", sum.Source)
	fmt.Fprintf(bw, "output:     %s\n", sum.Output)
	fmt.Fprintf(bw, "level:      %d\n", sum.Level)
	fmt.Fprintf(bw, "started:    %s\n", sum.Started.Format(time.RFC3339))
	fmt.Fprintf(bw, "finished:   %s\n", sum.Finished.Format(time.RFC3339))
	fmt.Fprintf(bw, "planned:    %d\n", sum.Planned)
	fmt.Fprintf(bw, "compressed: %d files, %d subtrees\n", sum.FilesCompressed, sum.SubtreesCompressed)
	fmt.Fprintf(bw, "copied:     %d files\n", sum.FilesCopied)
	fmt.Fprintf(bw, "skipped:    %d\n", sum.Skipped)
	fmt.Fprintf(bw, "checksums:  %d\n", len(sum.Checksums))
	fmt.Fprintf(bw, "produced:   %s\n", humanize.IBytes(uint64(max(sum.ProducedBytes, 0))))
	fmt.Fprintf(bw, "failures:   %d\n", len(sum.Failures))

	fmt.Fprintln(bw)
	for _, res := range sum.Results {
		status := "ok"
		if !res.Success {
			status = "failed"
		} else if res.Verified != nil && !*res.Verified {
			status = "unverified"
		}
		fmt.Fprintf(bw, "%-10s %-16s %s -> %s\n", status, res.Action.Kind, res.Action.RelPath, strings.Join(res.Produced, ", "))
	}

	if len(sum.Failures) > 0 {
		fmt.Fprintln(bw)
		for _, f := range sum.Failures {
			fmt.Fprintln(bw, f.String())
		}
	}

	return bw.Flush() //nolint:wrapcheck
}

// openReport creates the report file of a run. A ".gz" suffix makes it a
// (parallel) gzip compressed report.
func (prog *Program) openReport(path string) (io.WriteCloser, error) {
	out, err := prog.fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create report file: %w", err)
	}

	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return out, nil
	}

	gw, err := pgzip.NewWriterLevel(out, prog.gzipConfig.CompressionLevel)
	if err != nil {
		out.Close()

		return nil, fmt.Errorf("failed to initialize gzip writer: %w", err)
	}

	if err := gw.SetConcurrency(prog.gzipConfig.BlockSize, prog.gzipConfig.BlockCount); err != nil {
		gw.Close()
		out.Close()

		return nil, fmt.Errorf("failed to set gzip writer settings: %w", err)
	}

	return &gzipReport{gw: gw, out: out}, nil
}

type gzipReport struct {
	gw  *pgzip.Writer
	out io.Closer
}

func (g *gzipReport) Write(p []byte) (int, error) {
	return g.gw.Write(p) //nolint:wrapcheck
}

func (g *gzipReport) Close() error {
	gzErr := g.gw.Close()
	outErr := g.out.Close()

	if gzErr != nil {
		return gzErr //nolint:wrapcheck
	}

	return outErr //nolint:wrapcheck
}
